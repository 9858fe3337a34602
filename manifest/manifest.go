// Package manifest converts between sites and the signed events that describe them.
//
// A root site is one replaceable event per publisher.
// A named site is one addressable event per (publisher, identifier).
// Either way the event carries the complete mapping of paths to content hashes,
// in repeated tags of the form ["path", "/abs/path", "<sha256>"].
package manifest

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

// PathEntry binds a path to the hash of its contents.
type PathEntry struct {
	Path   string
	SHA256 nsite.Ref
}

// Manifest is the parsed form of a site manifest event.
type Manifest struct {
	Kind       int
	Pubkey     string
	Identifier string // named sites only
	CreatedAt  int64

	Paths   []PathEntry
	Servers []string
	Relays  []string

	Title       string
	Description string

	// EventID is the id of the event this was parsed from, if any.
	EventID string

	// SeenOn lists the relays the event was received from.
	SeenOn []string
}

// KindFor is the manifest event kind for a site with the given identifier:
// the root-site kind for "", else the named-site kind.
func KindFor(identifier string) int {
	if identifier == "" {
		return event.KindRootSite
	}
	return event.KindNamedSite
}

// Filter selects the manifest events for the site of pubkey with the given identifier.
func Filter(pubkey, identifier string) event.Filter {
	f := event.Filter{
		Kinds:   []int{KindFor(identifier)},
		Authors: []string{pubkey},
	}
	if identifier != "" {
		f.Tags = map[string][]string{"d": {identifier}}
	}
	return f
}

// Build produces the unsigned event for m.
// Path tags are sorted by path.
// A zero m.CreatedAt means now.
func Build(m *Manifest) event.Template {
	var tags event.Tags
	if m.Kind == event.KindNamedSite {
		tags = append(tags, event.Tag{"d", m.Identifier})
	}

	paths := append([]PathEntry(nil), m.Paths...)
	sort.SliceStable(paths, func(i, j int) bool { return paths[i].Path < paths[j].Path })
	for _, p := range paths {
		tags = append(tags, event.Tag{"path", p.Path, p.SHA256.String()})
	}

	for _, s := range m.Servers {
		tags = append(tags, event.Tag{"server", s})
	}
	for _, r := range m.Relays {
		tags = append(tags, event.Tag{"relay", r})
	}
	if m.Title != "" {
		tags = append(tags, event.Tag{"title", m.Title})
	}
	if m.Description != "" {
		tags = append(tags, event.Tag{"description", m.Description})
	}

	return event.Template{
		CreatedAt: m.CreatedAt,
		Kind:      m.Kind,
		Tags:      tags,
	}
}

// Parse extracts a Manifest from ev.
// Malformed path tags are skipped.
func Parse(ev *event.Event) (*Manifest, error) {
	switch ev.Kind {
	case event.KindRootSite, event.KindNamedSite:
	default:
		return nil, errors.Errorf("event %s has kind %d, not a site manifest", ev.ID, ev.Kind)
	}

	m := &Manifest{
		Kind:      ev.Kind,
		Pubkey:    ev.PubKey,
		CreatedAt: ev.CreatedAt,
		EventID:   ev.ID,
	}
	if ev.Kind == event.KindNamedSite {
		m.Identifier = ev.Tags.Value("d")
		if m.Identifier == "" {
			return nil, errors.Errorf("named site event %s has no identifier", ev.ID)
		}
	}

	for _, tag := range ev.Tags {
		switch tag.Name() {
		case "path":
			if len(tag) < 3 || !strings.HasPrefix(tag[1], "/") {
				continue
			}
			ref, err := nsite.RefFromHex(tag[2])
			if err != nil {
				continue
			}
			p := nsite.NormalizePath(tag[1])
			if p == "" {
				continue
			}
			m.Paths = append(m.Paths, PathEntry{Path: p, SHA256: ref})

		case "server":
			if v := tag.Value(); v != "" {
				m.Servers = appendUnique(m.Servers, NormalizeURL(v))
			}

		case "relay":
			if v := tag.Value(); v != "" {
				m.Relays = appendUnique(m.Relays, NormalizeURL(v))
			}

		case "title":
			m.Title = tag.Value()

		case "description":
			m.Description = tag.Value()
		}
	}

	return m, nil
}

// Files converts m's path entries to file entries
// with back-references to m's event.
func (m *Manifest) Files() []nsite.FileEntry {
	result := make([]nsite.FileEntry, 0, len(m.Paths))
	for _, p := range m.Paths {
		result = append(result, nsite.FileEntry{
			Path:   p.Path,
			SHA256: p.SHA256,
			Source: m.source(),
		})
	}
	return result
}

func (m *Manifest) source() *nsite.Source {
	return &nsite.Source{
		EventID:   m.EventID,
		CreatedAt: time.Unix(m.CreatedAt, 0),
		Relays:    append([]string(nil), m.SeenOn...),
	}
}

// NormalizeURL puts a server or relay URL into canonical form for comparison.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func appendUnique(ss []string, s string) []string {
	for _, x := range ss {
		if x == s {
			return ss
		}
	}
	return append(ss, s)
}
