// Package upload copies files to blob servers with a bounded pool of workers.
package upload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
	"github.com/bobg/nsite/breaker"
)

// Defaults for Orchestrator fields.
const (
	DefaultConcurrency   = 4
	DefaultFileRetries   = 3
	DefaultRetryDelay    = time.Second
	DefaultSettleDelay   = 500 * time.Millisecond
	DefaultUploadTimeout = 2 * time.Minute
)

// ServerResult is the outcome of putting one file on one server.
type ServerResult struct {
	// Success means the server is known to hold the file.
	Success bool

	// AlreadyExists means the server held the file before this run touched it.
	AlreadyExists bool

	Err error
}

// Result is the outcome for one file.
type Result struct {
	File nsite.FileEntry

	// Success means at least one server holds the file.
	Success bool

	// EventID is the id of the manifest event that binds the file's path,
	// and EventPublished tells whether any relay accepted it.
	// The orchestrator leaves these for the publisher to fill in.
	EventID        string
	EventPublished bool

	// Servers maps server URLs to outcomes.
	Servers map[string]ServerResult

	// Attempts is the number of times the file was tried.
	Attempts int

	// Err summarizes the failure of an unsuccessful file.
	Err error
}

// Errs returns the per-server errors in r, keyed by server URL.
func (r *Result) Errs() nsite.MultiErr {
	var errs nsite.MultiErr
	for url, sr := range r.Servers {
		errs.Add(url, sr.Err)
	}
	return errs
}

// Orchestrator uploads files to a set of servers.
type Orchestrator struct {
	Servers []blossom.Server
	Tracker *breaker.Tracker

	// Concurrency is the number of files in flight at once.
	Concurrency int

	// FileRetries is the number of times a failed file is retried.
	FileRetries int

	// RetryDelay is the pause before each retry of a file.
	RetryDelay time.Duration

	// SettleDelay is the pause between uploading a file
	// and checking that the server has it.
	SettleDelay time.Duration

	// UploadTimeout bounds each PUT.
	UploadTimeout time.Duration

	Clock    clockwork.Clock
	Progress ProgressFunc
	Logger   logrus.FieldLogger
}

// New produces an Orchestrator with default settings.
func New(servers []blossom.Server, tracker *breaker.Tracker, logger logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		Servers:       servers,
		Tracker:       tracker,
		Concurrency:   DefaultConcurrency,
		FileRetries:   DefaultFileRetries,
		RetryDelay:    DefaultRetryDelay,
		SettleDelay:   DefaultSettleDelay,
		UploadTimeout: DefaultUploadTimeout,
		Logger:        logger,
	}
}

// Validate checks files before any network I/O.
func Validate(files []nsite.FileEntry) error {
	for _, f := range files {
		if f.Path == "" {
			return &nsite.ValidationError{Field: "path", Msg: "empty path"}
		}
		if f.SHA256.IsZero() {
			return &nsite.ValidationError{Field: "hash", Msg: "missing hash for " + f.Path}
		}
		if f.Data == nil && f.Size > 0 {
			return &nsite.ValidationError{Field: "data", Msg: "missing data for " + f.Path}
		}
		if f.Data != nil && nsite.RefOf(f.Data) != f.SHA256 {
			return &nsite.ValidationError{Field: "hash", Msg: "hash does not match data for " + f.Path}
		}
	}
	return nil
}

// Run uploads files and returns one Result per file, in the same order.
// Failures are recorded in the results, never returned.
// Progress callbacks have all run by the time Run returns.
func (o *Orchestrator) Run(ctx context.Context, files []nsite.FileEntry) []Result {
	o.setDefaults()

	var (
		results = make([]Result, len(files))
		prog    = newProgress(o.Progress, len(files), o.FileRetries)
		cursor  int64 = -1
		wg      sync.WaitGroup
	)

	for _, f := range files {
		prog.transition(f.Path, Queued)
	}

	workers := o.Concurrency
	if workers > len(files) {
		workers = len(files)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1))
				if i >= len(files) {
					return
				}
				results[i] = o.file(ctx, files[i], prog)
			}
		}()
	}
	wg.Wait()
	prog.close()

	return results
}

func (o *Orchestrator) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.FileRetries < 0 {
		o.FileRetries = 0
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = DefaultUploadTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Tracker == nil {
		o.Tracker = breaker.New(o.Clock, o.Logger)
	}
}

func (o *Orchestrator) file(ctx context.Context, f nsite.FileEntry, prog *progress) Result {
	var (
		res = Result{File: f, Servers: make(map[string]ServerResult)}
		log = o.Logger.WithField("path", f.Path)
	)

	if err := Validate([]nsite.FileEntry{f}); err != nil {
		res.Err = err
		prog.transition(f.Path, Failed)
		return res
	}
	if len(o.Servers) == 0 {
		res.Err = &nsite.ValidationError{Field: "servers", Msg: "none configured"}
		prog.transition(f.Path, Failed)
		return res
	}

	for attempt := 0; attempt <= o.FileRetries; attempt++ {
		if attempt > 0 {
			log.WithError(res.Errs().ErrOrNil()).Infof("retrying (attempt %d of %d)", attempt+1, o.FileRetries+1)
			if err := o.sleep(ctx, o.RetryDelay); err != nil {
				break
			}
		}
		res.Attempts++
		prog.transition(f.Path, InProgress)

		o.servers(ctx, f, res.Servers)

		for _, sr := range res.Servers {
			if sr.Success {
				res.Success = true
				break
			}
		}
		if res.Success {
			break
		}
	}

	if res.Success {
		var exists, uploaded int
		for _, sr := range res.Servers {
			switch {
			case sr.AlreadyExists:
				exists++
			case sr.Success:
				uploaded++
			}
		}
		if uploaded == 0 {
			log.Debug("every reachable server already has this file")
		}
		log.WithFields(logrus.Fields{"uploaded": uploaded, "existing": exists}).Debug("done")
		prog.transition(f.Path, Completed)
	} else {
		res.Err = errors.Wrapf(res.Errs().ErrOrNil(), "uploading %s", f.Path)
		log.WithError(res.Err).Warn("failed")
		prog.transition(f.Path, Failed)
	}
	return res
}

// servers tries f on every server that doesn't already hold it, in parallel,
// updating results.
func (o *Orchestrator) servers(ctx context.Context, f nsite.FileEntry, results map[string]ServerResult) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, srv := range o.Servers {
		srv := srv
		url := srv.URL()
		if results[url].Success {
			continue
		}
		g.Go(func() error {
			sr := o.server(ctx, srv, f)
			mu.Lock()
			results[url] = sr
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
}

func (o *Orchestrator) server(ctx context.Context, srv blossom.Server, f nsite.FileEntry) ServerResult {
	var (
		url = srv.URL()
		log = o.Logger.WithFields(logrus.Fields{"path": f.Path, "server": url})
		has = func(ctx context.Context) (bool, error) { return srv.Has(ctx, f.SHA256) }
	)

	exists, err := o.Tracker.Check(ctx, url, has)
	if err != nil {
		return ServerResult{Err: errors.Wrap(err, "checking")}
	}
	if exists {
		return ServerResult{Success: true, AlreadyExists: true}
	}

	if err := o.put(ctx, srv, f); err != nil {
		var (
			signErr *nsite.SigningError
			rlErr   *nsite.RateLimitError
		)
		switch {
		case errors.As(err, &signErr):
			// Not the server's fault.
		case errors.As(err, &rlErr):
			// Surfaced, but the server is not hard-failed.
			log.WithError(err).Warn("rate limited")
		default:
			o.Tracker.Failure(url)
		}
		return ServerResult{Err: errors.Wrap(err, "uploading")}
	}

	if err := o.sleep(ctx, o.SettleDelay); err != nil {
		return ServerResult{Err: err}
	}

	exists, err = o.Tracker.Check(ctx, url, has)
	if err != nil {
		return ServerResult{Err: errors.Wrap(err, "verifying")}
	}
	if !exists {
		o.Tracker.Failure(url)
		return ServerResult{Err: errors.New("server does not have the file after uploading it")}
	}
	return ServerResult{Success: true}
}

func (o *Orchestrator) put(ctx context.Context, srv blossom.Server, f nsite.FileEntry) error {
	ctx, cancel := context.WithTimeout(ctx, o.UploadTimeout)
	defer cancel()
	_, err := srv.Upload(ctx, f.Data, f.ContentType)
	return err
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-o.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
