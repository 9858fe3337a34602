package manifest

import (
	"sort"
	"time"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

// Merge combines the path entries of manifests into one file set, sorted by path.
//
// When a path appears in more than one manifest,
// the entry from the manifest with the greatest created_at wins,
// with timestamps later than now treated as now.
// On a tie the first-seen entry wins
// and the relays of the tied manifests are combined in its Source.
func Merge(manifests []*Manifest, now time.Time) []nsite.FileEntry {
	type candidate struct {
		entry   nsite.FileEntry
		created int64
	}

	var (
		limit  = now.Unix()
		byPath = make(map[string]*candidate)
	)
	for _, m := range manifests {
		created := m.CreatedAt
		if created > limit {
			created = limit
		}
		for _, e := range m.Files() {
			c, ok := byPath[e.Path]
			switch {
			case !ok:
				byPath[e.Path] = &candidate{entry: e, created: created}
			case created > c.created:
				c.entry = e
				c.created = created
			case created == c.created:
				c.entry.Source.AddRelays(m.SeenOn...)
			}
		}
	}

	result := make([]nsite.FileEntry, 0, len(byPath))
	for _, c := range byPath {
		result = append(result, c.entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

// Newest returns the manifests having the greatest created_at
// (with timestamps later than now treated as now),
// in their original order.
func Newest(manifests []*Manifest, now time.Time) []*Manifest {
	var (
		limit  = now.Unix()
		best   int64
		result []*Manifest
	)
	for _, m := range manifests {
		created := m.CreatedAt
		if created > limit {
			created = limit
		}
		switch {
		case len(result) == 0 || created > best:
			best = created
			result = []*Manifest{m}
		case created == best:
			result = append(result, m)
		}
	}
	return result
}

// ResolveServers decides which blob servers hold a site's files.
// The first non-empty source wins:
// the server tags of the newest manifests,
// then the publisher's server-list event (which may be nil),
// then the configured servers.
func ResolveServers(newest []*Manifest, serverList *event.Event, configured []string) []string {
	var result []string
	for _, m := range newest {
		for _, s := range m.Servers {
			result = appendUnique(result, NormalizeURL(s))
		}
	}
	if len(result) > 0 {
		return result
	}

	if serverList != nil {
		for _, tag := range serverList.Tags.FindAll("server") {
			if v := tag.Value(); v != "" {
				result = appendUnique(result, NormalizeURL(v))
			}
		}
		if len(result) > 0 {
			return result
		}
	}

	for _, s := range configured {
		result = appendUnique(result, NormalizeURL(s))
	}
	return result
}

// ResolveRelays augments the configured relays
// with the write relays from the publisher's relay-list event (which may be nil).
func ResolveRelays(configured []string, relayList *event.Event) []string {
	var result []string
	for _, r := range configured {
		result = appendUnique(result, NormalizeURL(r))
	}
	if relayList == nil {
		return result
	}
	for _, tag := range relayList.Tags.FindAll("r") {
		if len(tag) > 2 && tag[2] != "write" {
			continue
		}
		if v := tag.Value(); v != "" {
			result = appendUnique(result, NormalizeURL(v))
		}
	}
	return result
}
