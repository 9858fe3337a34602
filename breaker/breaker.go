// Package breaker tracks the availability of blob servers during one run,
// suppressing requests to a server that keeps failing.
package breaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
)

const (
	// MaxFailures is the number of consecutive failures after which a server is skipped.
	MaxFailures = 3

	// MaxAttempts is the number of tries Check makes.
	MaxAttempts = 3
)

// ErrOpen is the error from Check for a server that has failed too often.
var ErrOpen = errors.New("skipping server after repeated failures")

// Tracker counts consecutive failures per server.
// The zero value is not usable; call New.
// It is safe for concurrent use.
type Tracker struct {
	clock  clockwork.Clock
	logger logrus.FieldLogger

	// Jitter produces the random part of the backoff between attempts.
	Jitter func() time.Duration

	mu       sync.Mutex
	failures map[string]int
}

// New produces a new Tracker.
// If clock is nil, the real clock is used.
func New(clock clockwork.Clock, logger logrus.FieldLogger) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		clock:    clock,
		logger:   logger,
		Jitter:   defaultJitter,
		failures: make(map[string]int),
	}
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}

// Allow tells whether requests to server should be attempted.
func (t *Tracker) Allow(server string) bool {
	return t.Failures(server) < MaxFailures
}

// Failures is the number of consecutive failures recorded for server.
func (t *Tracker) Failures(server string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures[server]
}

// Success resets the failure count for server.
func (t *Tracker) Success(server string) {
	t.mu.Lock()
	delete(t.failures, server)
	t.mu.Unlock()
}

// Failure records a failure for server.
func (t *Tracker) Failure(server string) {
	t.mu.Lock()
	t.failures[server]++
	n := t.failures[server]
	t.mu.Unlock()

	if n == MaxFailures {
		t.logger.WithField("server", server).Warnf("%d consecutive failures, skipping server for the rest of the run", n)
	}
}

// AttemptTimeout is the time allowed for the given (zero-based) attempt.
func AttemptTimeout(attempt int) time.Duration {
	return 5*time.Second + time.Duration(attempt)*2*time.Second
}

// Backoff is the wait after the given (zero-based) failed attempt,
// not counting jitter.
func Backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Check runs an existence check against server with the retry policy:
// up to MaxAttempts tries, each with AttemptTimeout,
// separated by Backoff plus jitter.
// Errors that are not nsite.Retryable end the loop early.
//
// If the server has already failed MaxFailures times in a row,
// Check returns ErrOpen (wrapped in a nsite.ConnectionError)
// without calling f.
// Otherwise the outcome updates the server's failure count.
func (t *Tracker) Check(ctx context.Context, server string, f func(context.Context) (bool, error)) (bool, error) {
	if !t.Allow(server) {
		return false, &nsite.ConnectionError{Dest: server, Err: ErrOpen}
	}

	log := t.logger.WithField("server", server)

	var err error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := Backoff(attempt-1) + t.Jitter()
			log.WithError(err).Debugf("retrying in %s", wait)
			select {
			case <-t.clock.After(wait):
			case <-ctx.Done():
				t.Failure(server)
				return false, &nsite.ConnectionError{Dest: server, Err: ctx.Err()}
			}
		}

		var has bool
		has, err = t.attempt(ctx, attempt, f)
		if err == nil {
			t.Success(server)
			return has, nil
		}
		if !nsite.Retryable(err) {
			break
		}
	}

	t.Failure(server)
	return false, err
}

func (t *Tracker) attempt(ctx context.Context, attempt int, f func(context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, AttemptTimeout(attempt))
	defer cancel()
	return f(ctx)
}
