package manifest

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/relay"
)

// Querier queries a set of relays, grouping identical events.
// It is implemented by *relay.Pool.
type Querier interface {
	QueryAll(ctx context.Context, urls []string, filters []event.Filter) ([]*relay.Received, error)
}

var _ Querier = &relay.Pool{}

// FetchOptions describe a site to fetch.
type FetchOptions struct {
	Pubkey     string
	Identifier string

	// Relays and Servers are the configured ones,
	// to be augmented or overridden by what the publisher has announced.
	Relays  []string
	Servers []string

	// Now is the time against which future timestamps are clamped.
	// The zero value means time.Now().
	Now time.Time

	Logger logrus.FieldLogger
}

// Remote is the published state of a site.
type Remote struct {
	// Manifests are the site's manifest events, in order of first appearance.
	Manifests []*Manifest

	// Files is the merge of Manifests.
	Files []nsite.FileEntry

	// Relays and Servers are the resolved relay and blob server lists.
	Relays  []string
	Servers []string

	// RelayList and ServerList are the publisher's list events, if found.
	RelayList  *event.Event
	ServerList *event.Event
}

// Newest returns the remote manifests with the greatest created_at.
func (r *Remote) Newest(now time.Time) []*Manifest {
	return Newest(r.Manifests, now)
}

// Fetch retrieves a site's manifests and the publisher's relay and server lists.
// It first consults the configured relays for the publisher's relay list,
// then queries the resulting relay set for the rest.
//
// Unreachable relays are logged, not fatal,
// unless every relay failed.
func Fetch(ctx context.Context, q Querier, opts FetchOptions) (*Remote, error) {
	if opts.Pubkey == "" {
		return nil, &nsite.ValidationError{Field: "pubkey", Msg: "empty"}
	}
	if len(opts.Relays) == 0 {
		return nil, &nsite.ValidationError{Field: "relays", Msg: "none configured"}
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	configured := ResolveRelays(opts.Relays, nil)

	received, err := q.QueryAll(ctx, configured, []event.Filter{{
		Kinds:   []int{event.KindRelayList},
		Authors: []string{opts.Pubkey},
	}})
	if err := queryErr(log, configured, received, err); err != nil {
		return nil, errors.Wrap(err, "fetching relay list")
	}

	remote := &Remote{RelayList: newestOfKind(received, event.KindRelayList, opts.Pubkey)}
	remote.Relays = ResolveRelays(configured, remote.RelayList)

	received, err = q.QueryAll(ctx, remote.Relays, []event.Filter{
		Filter(opts.Pubkey, opts.Identifier),
		{Kinds: []int{event.KindServerList}, Authors: []string{opts.Pubkey}},
	})
	if err := queryErr(log, remote.Relays, received, err); err != nil {
		return nil, errors.Wrap(err, "fetching manifests")
	}

	var (
		kind = KindFor(opts.Identifier)
		sl   []*relay.Received
	)
	for _, r := range received {
		ev := r.Event
		if ev.PubKey != opts.Pubkey {
			continue
		}
		switch ev.Kind {
		case event.KindServerList:
			sl = append(sl, r)

		case kind:
			m, err := Parse(ev)
			if err != nil {
				log.WithError(err).Warn("skipping unparseable manifest")
				continue
			}
			if m.Identifier != opts.Identifier {
				continue
			}
			m.SeenOn = r.Relays
			remote.Manifests = append(remote.Manifests, m)
		}
	}
	remote.ServerList = newestOfKind(sl, event.KindServerList, opts.Pubkey)
	remote.Files = Merge(remote.Manifests, opts.Now)
	remote.Servers = ResolveServers(remote.Newest(opts.Now), remote.ServerList, opts.Servers)

	log.WithFields(logrus.Fields{
		"manifests": len(remote.Manifests),
		"files":     len(remote.Files),
		"relays":    len(remote.Relays),
		"servers":   len(remote.Servers),
	}).Debug("fetched remote site")

	return remote, nil
}

// queryErr logs per-relay failures
// and returns an error only if every relay failed.
func queryErr(log logrus.FieldLogger, urls []string, received []*relay.Received, err error) error {
	if err == nil {
		return nil
	}
	var merr nsite.MultiErr
	if errors.As(err, &merr) {
		for url, e := range merr {
			log.WithField("relay", url).WithError(e).Warn("relay query failed")
		}
		if len(merr) < len(urls) || len(received) > 0 {
			return nil
		}
	}
	return err
}

func newestOfKind(received []*relay.Received, kind int, pubkey string) *event.Event {
	var best *event.Event
	for _, r := range received {
		ev := r.Event
		if ev.Kind != kind || ev.PubKey != pubkey {
			continue
		}
		if best == nil || ev.CreatedAt > best.CreatedAt {
			best = ev
		}
	}
	return best
}
