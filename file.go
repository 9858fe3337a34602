package nsite

import (
	"path"
	"strings"
	"time"
)

// FileEntry is one file of a site:
// a normalized path and the ref of its contents.
type FileEntry struct {
	// Path is absolute within the site, with a leading slash
	// (see NormalizePath).
	Path string

	// SHA256 identifies the contents.
	// Two entries with the same SHA256 are byte-identical.
	SHA256 Ref

	Size        int64
	ContentType string

	// Data is the file contents, when they are in memory.
	// Entries parsed from a remote manifest have no Data.
	Data []byte

	// Source is the manifest event this entry was read from, if any.
	Source *Source
}

// Source is a back-reference from a FileEntry to the manifest event it came from.
type Source struct {
	EventID   string
	CreatedAt time.Time

	// Relays are the relays on which the event was seen.
	Relays []string
}

// NormalizePath converts a slash- or backslash-separated relative or absolute path
// into the form used in manifests:
// forward slashes, a single leading slash, no "." or ".." segments, no trailing slash.
// It returns "" for a path that normalizes to the site root.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	if p == "/" {
		return ""
	}
	return p
}

// AddRelays merges relays into s.Relays, skipping duplicates.
func (s *Source) AddRelays(relays ...string) {
	for _, r := range relays {
		var found bool
		for _, have := range s.Relays {
			if have == r {
				found = true
				break
			}
		}
		if !found {
			s.Relays = append(s.Relays, r)
		}
	}
}
