// Package gc deletes blobs that a site no longer refers to.
package gc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
	"github.com/bobg/nsite/breaker"
)

// DefaultConcurrency is the number of deletions in flight at once.
const DefaultConcurrency = 8

// Keep is a set of refs to protect from collection.
type Keep map[nsite.Ref]struct{}

// KeepFiles produces the Keep holding the refs of all the given files.
func KeepFiles(lists ...[]nsite.FileEntry) Keep {
	k := make(Keep)
	for _, list := range lists {
		for _, f := range list {
			k.Add(f.SHA256)
		}
	}
	return k
}

// Add adds ref to k.
// It returns true if it was newly added and false if it was already present.
func (k Keep) Add(ref nsite.Ref) bool {
	if _, ok := k[ref]; ok {
		return false
	}
	k[ref] = struct{}{}
	return true
}

// Contains tells whether ref is in k.
func (k Keep) Contains(ref nsite.Ref) bool {
	_, ok := k[ref]
	return ok
}

// Result is the outcome of collecting one blob.
type Result struct {
	Ref nsite.Ref

	// Paths are the removed paths that referred to the blob.
	Paths []string

	// Errs holds per-server failures.
	// A server that did not have the blob counts as a success.
	Errs nsite.MultiErr
}

// Collector deletes blobs from a set of servers.
type Collector struct {
	Servers     []blossom.Server
	Tracker     *breaker.Tracker
	Concurrency int
	Logger      logrus.FieldLogger
}

// Run deletes from every server the blobs of the removed files,
// except for those in k.
// Results are in order of first appearance in removed.
func (c *Collector) Run(ctx context.Context, removed []nsite.FileEntry, k Keep) []Result {
	log := c.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	tracker := c.Tracker
	if tracker == nil {
		tracker = breaker.New(nil, log)
	}
	limit := c.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var (
		results []*Result
		byRef   = make(map[nsite.Ref]*Result)
	)
	for _, f := range removed {
		if k.Contains(f.SHA256) {
			log.WithField("path", f.Path).Debug("blob still in use, keeping")
			continue
		}
		if r, ok := byRef[f.SHA256]; ok {
			r.Paths = append(r.Paths, f.Path)
			continue
		}
		r := &Result{Ref: f.SHA256, Paths: []string{f.Path}}
		byRef[f.SHA256] = r
		results = append(results, r)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(limit)
	for _, r := range results {
		r := r
		for _, srv := range c.Servers {
			srv := srv
			g.Go(func() error {
				err := deleteOne(ctx, srv, tracker, r.Ref)
				if err != nil {
					log.WithFields(logrus.Fields{"server": srv.URL(), "ref": r.Ref}).WithError(err).Warn("delete failed")
				}
				mu.Lock()
				r.Errs.Add(srv.URL(), err)
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	out := make([]Result, 0, len(results))
	for _, r := range results {
		out = append(out, *r)
	}
	return out
}

func deleteOne(ctx context.Context, srv blossom.Server, tracker *breaker.Tracker, ref nsite.Ref) error {
	url := srv.URL()
	if !tracker.Allow(url) {
		return &nsite.ConnectionError{Dest: url, Err: breaker.ErrOpen}
	}

	ctx, cancel := context.WithTimeout(ctx, breaker.AttemptTimeout(0))
	defer cancel()

	err := srv.Delete(ctx, ref)
	switch {
	case err == nil, errors.Is(err, nsite.ErrNotFound):
		tracker.Success(url)
		return nil
	case errors.As(err, new(*nsite.SigningError)):
		return err
	default:
		tracker.Failure(url)
		return err
	}
}
