// Package publish signs site manifests and related events and broadcasts them to relays.
package publish

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/manifest"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/signer"
)

// Site describes the site being published, apart from its files.
type Site struct {
	// Identifier names the site; "" means the publisher's root site.
	Identifier string

	Title       string
	Description string

	// Servers and Relays are advertised in the manifest.
	Servers []string
	Relays  []string
}

// Assemble builds the complete manifest for site from its files:
// those that were already published unchanged,
// those just uploaded,
// and remote-only files being kept.
// The manifest always carries the full file set, never a delta.
// When a path appears more than once, the first occurrence wins,
// taking uploaded, then unchanged, then retained.
func Assemble(site Site, unchanged, uploaded, retained []nsite.FileEntry) *manifest.Manifest {
	m := &manifest.Manifest{
		Kind:        manifest.KindFor(site.Identifier),
		Identifier:  site.Identifier,
		Title:       site.Title,
		Description: site.Description,
		Servers:     site.Servers,
		Relays:      site.Relays,
	}

	seen := make(map[string]bool)
	for _, list := range [][]nsite.FileEntry{uploaded, unchanged, retained} {
		for _, f := range list {
			if seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			m.Paths = append(m.Paths, manifest.PathEntry{Path: f.Path, SHA256: f.SHA256})
		}
	}
	return m
}

// Broadcaster sends an event to a set of relays.
// It is implemented by *relay.Pool.
type Broadcaster interface {
	PublishAll(ctx context.Context, urls []string, ev *event.Event) ([]relay.Outcome, bool)
}

var _ Broadcaster = &relay.Pool{}

// Publisher signs events and sends them to its relays.
type Publisher struct {
	Signer signer.Signer
	Pool   Broadcaster
	Relays []string
	Logger logrus.FieldLogger
}

// Publication is the result of broadcasting one event.
type Publication struct {
	Event    *event.Event
	Outcomes []relay.Outcome

	// OK means at least one relay accepted the event.
	OK bool
}

// Errs returns the failures among p's outcomes, keyed by relay URL.
func (p *Publication) Errs() nsite.MultiErr {
	var errs nsite.MultiErr
	for _, o := range p.Outcomes {
		if !o.OK {
			errs.Add(o.Relay, o.Err)
		}
	}
	return errs
}

// RateLimited lists the relays that rejected the event for going too fast.
func (p *Publication) RateLimited() []string {
	var result []string
	for _, o := range p.Outcomes {
		if o.RateLimited {
			result = append(result, o.Relay)
		}
	}
	return result
}

// Publish signs m and broadcasts it.
// The returned error is for problems before broadcasting;
// relay failures are in the Publication.
func (p *Publisher) Publish(ctx context.Context, m *manifest.Manifest) (*Publication, error) {
	return p.send(ctx, manifest.Build(m))
}

// Retract publishes a deletion event for the manifest events with the given ids.
// For a named site, identifier makes the deletion cover the site's address too.
func (p *Publisher) Retract(ctx context.Context, ids []string, identifier, reason string) (*Publication, error) {
	if len(ids) == 0 && identifier == "" {
		return nil, &nsite.ValidationError{Field: "deletion", Msg: "nothing to retract"}
	}

	kind := manifest.KindFor(identifier)
	tags := eventTags(ids)
	if identifier != "" {
		pk, err := p.Signer.PublicKey(ctx)
		if err != nil {
			return nil, &nsite.SigningError{Err: err}
		}
		tags = append(tags, event.Tag{"a", fmt.Sprintf("%d:%s:%s", kind, pk, identifier)})
	}
	return p.sendDeletion(ctx, tags, kind, reason)
}

// RetractEvents publishes a deletion event naming only the given event ids,
// which are manifests of the given kind.
// Unlike Retract it never covers a site's address,
// so a newer manifest at the same address survives.
func (p *Publisher) RetractEvents(ctx context.Context, ids []string, kind int, reason string) (*Publication, error) {
	if len(ids) == 0 {
		return nil, &nsite.ValidationError{Field: "deletion", Msg: "nothing to retract"}
	}
	if kind != event.KindRootSite && kind != event.KindNamedSite {
		return nil, &nsite.ValidationError{Field: "kind", Msg: fmt.Sprintf("%d is not a site manifest kind", kind)}
	}
	return p.sendDeletion(ctx, eventTags(ids), kind, reason)
}

func eventTags(ids []string) event.Tags {
	tags := event.Tags{}
	for _, id := range ids {
		tags = append(tags, event.Tag{"e", id})
	}
	return tags
}

func (p *Publisher) sendDeletion(ctx context.Context, tags event.Tags, kind int, reason string) (*Publication, error) {
	tags = append(tags, event.Tag{"k", fmt.Sprint(kind)})
	return p.send(ctx, event.Template{
		Kind:    event.KindDeletion,
		Tags:    tags,
		Content: reason,
	})
}

// Announce publishes the publisher's blob-server list and relay list,
// so that others (and later runs) can discover them.
// Empty lists are skipped.
func (p *Publisher) Announce(ctx context.Context, servers, relays []string) ([]*Publication, error) {
	var result []*Publication

	if len(servers) > 0 {
		var tags event.Tags
		for _, s := range servers {
			tags = append(tags, event.Tag{"server", s})
		}
		pub, err := p.send(ctx, event.Template{Kind: event.KindServerList, Tags: tags})
		if err != nil {
			return result, errors.Wrap(err, "announcing servers")
		}
		result = append(result, pub)
	}

	if len(relays) > 0 {
		var tags event.Tags
		for _, r := range relays {
			tags = append(tags, event.Tag{"r", r})
		}
		pub, err := p.send(ctx, event.Template{Kind: event.KindRelayList, Tags: tags})
		if err != nil {
			return result, errors.Wrap(err, "announcing relays")
		}
		result = append(result, pub)
	}

	return result, nil
}

func (p *Publisher) send(ctx context.Context, tmpl event.Template) (*Publication, error) {
	if len(p.Relays) == 0 {
		return nil, &nsite.ValidationError{Field: "relays", Msg: "none configured"}
	}
	log := p.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	ev, err := signer.Sign(ctx, p.Signer, tmpl)
	if err != nil {
		return nil, err
	}

	outcomes, ok := p.Pool.PublishAll(ctx, p.Relays, ev)
	pub := &Publication{Event: ev, Outcomes: outcomes, OK: ok}

	log = log.WithFields(logrus.Fields{"event": ev.ID, "kind": ev.Kind})
	if ok {
		log.Infof("published to %d of %d relays", len(outcomes)-len(pub.Errs()), len(outcomes))
	} else {
		log.WithError(pub.Errs().ErrOrNil()).Error("no relay accepted the event")
	}
	return pub, nil
}
