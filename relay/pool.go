package relay

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

// verifiedCacheSize is how many verified event ids a Pool remembers.
const verifiedCacheSize = 4096

// Pool holds at most one connection per relay URL.
// It is safe for concurrent use.
type Pool struct {
	Logger            logrus.FieldLogger
	PublishTimeout    time.Duration
	SubscribeDeadline time.Duration

	conns    sync.Map // url -> *Conn
	verified *lru.Cache
}

// NewPool produces a new, empty Pool.
func NewPool(logger logrus.FieldLogger) *Pool {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c, _ := lru.New(verifiedCacheSize) // error only on non-positive size
	return &Pool{
		Logger:            logger,
		PublishTimeout:    DefaultPublishTimeout,
		SubscribeDeadline: DefaultSubscribeDeadline,
		verified:          c,
	}
}

// Get returns the pool's connection to url,
// dialing it if there is none or the previous one broke.
func (p *Pool) Get(ctx context.Context, url string) (*Conn, error) {
	if v, ok := p.conns.Load(url); ok {
		c := v.(*Conn)
		select {
		case <-c.Done():
			p.conns.CompareAndDelete(url, c)
		default:
			return c, nil
		}
	}

	c, err := Dial(ctx, url, p.Logger)
	if err != nil {
		return nil, err
	}
	c.verified = p.verified

	v, loaded := p.conns.LoadOrStore(url, c)
	if loaded {
		// Lost a race with another dialer.
		c.Close()
		return v.(*Conn), nil
	}
	return c, nil
}

// Close closes all the pool's connections.
func (p *Pool) Close() error {
	var errs nsite.MultiErr
	p.conns.Range(func(k, v interface{}) bool {
		errs.Add(k.(string), v.(*Conn).Close())
		p.conns.Delete(k)
		return true
	})
	return errs.ErrOrNil()
}

// PublishAll sends ev to every relay in urls in parallel.
// It returns one Outcome per relay, in the order of urls,
// and whether at least one relay accepted the event.
func (p *Pool) PublishAll(ctx context.Context, urls []string, ev *event.Event) ([]Outcome, bool) {
	outcomes := make([]Outcome, len(urls))

	var g errgroup.Group
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			c, err := p.Get(ctx, url)
			if err != nil {
				outcomes[i] = Outcome{Relay: url, Err: err}
				return nil
			}
			outcomes[i] = c.Publish(ctx, ev, p.PublishTimeout)
			return nil
		})
	}
	g.Wait()

	var ok bool
	for _, o := range outcomes {
		log := p.Logger.WithFields(logrus.Fields{"relay": o.Relay, "event": ev.ID})
		switch {
		case o.OK:
			ok = true
			log.Debug("published")
		case o.RateLimited:
			log.Warnf("rate limited: %s", o.Message)
		default:
			log.WithError(o.Err).Info("publish failed")
		}
	}
	return outcomes, ok
}

// Received is an event together with the relays it was seen on.
type Received struct {
	Event  *event.Event
	Relays []string
}

// QueryAll subscribes to filters on every relay in urls in parallel
// and returns the union of the results.
// An event returned by several relays appears once,
// with all of those relays in its Relays.
// Results are in order of first appearance,
// taking relays in the order of urls.
//
// Relays that could not be queried are reported in the error,
// a nsite.MultiErr keyed by URL,
// alongside whatever results the others produced.
func (p *Pool) QueryAll(ctx context.Context, urls []string, filters []event.Filter) ([]*Received, error) {
	var (
		perRelay = make([][]*event.Event, len(urls))
		errs     = make([]error, len(urls))
	)

	var g errgroup.Group
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			c, err := p.Get(ctx, url)
			if err != nil {
				errs[i] = err
				return nil
			}
			perRelay[i], errs[i] = c.Subscribe(ctx, filters, p.SubscribeDeadline)
			return nil
		})
	}
	g.Wait()

	var (
		result []*Received
		byID   = make(map[string]*Received)
		merr   nsite.MultiErr
	)
	for i, url := range urls {
		if errs[i] != nil {
			merr.Add(url, errors.Wrap(errs[i], "querying"))
		}
		for _, ev := range perRelay[i] {
			if r, ok := byID[ev.ID]; ok {
				if !containsString(r.Relays, url) {
					r.Relays = append(r.Relays, url)
				}
				continue
			}
			r := &Received{Event: ev, Relays: []string{url}}
			byID[ev.ID] = r
			result = append(result, r)
		}
	}
	return result, merr.ErrOrNil()
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
