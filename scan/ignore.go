package scan

import (
	"bufio"
	"io"
	"path"
	"strings"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
)

// IgnoreFile is the name of the file, at the top of a site directory,
// listing patterns for files to leave out of the site.
const IgnoreFile = ".nsite-ignore"

// DefaultIgnorePatterns are always in effect.
var DefaultIgnorePatterns = []string{
	".git/",
	".nsite/",
	IgnoreFile,
	".DS_Store",
	"node_modules/",
}

// Ignore decides which files to leave out of a site.
// Patterns are globs matched against slash-separated paths relative to the site root.
// A pattern with no slash matches the base name of a file at any depth.
// A trailing slash matches a directory and everything in it.
// A leading ! re-includes what an earlier pattern excluded.
// The last matching pattern wins.
type Ignore struct {
	rules []rule
}

type rule struct {
	g        glob.Glob
	negate   bool
	basename bool
	dirOnly  bool
}

// NewIgnore compiles patterns into an Ignore.
func NewIgnore(patterns ...string) (*Ignore, error) {
	ig := new(Ignore)
	if err := ig.Add(patterns...); err != nil {
		return nil, err
	}
	return ig, nil
}

// Add appends patterns to ig.
// Blank patterns and those beginning with # are skipped.
func (ig *Ignore) Add(patterns ...string) error {
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}

		var r rule
		if strings.HasPrefix(p, "!") {
			r.negate = true
			p = p[1:]
		}
		if strings.HasSuffix(p, "/") {
			r.dirOnly = true
			p = strings.TrimSuffix(p, "/")
		}
		if strings.HasPrefix(p, "/") {
			p = p[1:]
		} else if !strings.Contains(p, "/") {
			r.basename = true
		}

		g, err := glob.Compile(p, '/')
		if err != nil {
			return errors.Wrapf(err, "compiling pattern %s", p)
		}
		r.g = g
		ig.rules = append(ig.rules, r)
	}
	return nil
}

// Read adds the patterns in r, one per line.
func (ig *Ignore) Read(r io.Reader) error {
	var patterns []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		patterns = append(patterns, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "reading ignore patterns")
	}
	return ig.Add(patterns...)
}

// Match tells whether the file or directory at rel should be left out.
func (ig *Ignore) Match(rel string, isDir bool) bool {
	if ig == nil {
		return false
	}
	rel = strings.Trim(rel, "/")

	var ignored bool
	for _, r := range ig.rules {
		if r.matches(rel, isDir) {
			ignored = !r.negate
		}
	}
	return ignored
}

func (r rule) matches(rel string, isDir bool) bool {
	if !r.dirOnly {
		return r.matchOne(rel)
	}

	// Check every enclosing directory.
	dirs := strings.Split(rel, "/")
	if !isDir {
		dirs = dirs[:len(dirs)-1]
	}
	for i := range dirs {
		if r.matchOne(strings.Join(dirs[:i+1], "/")) {
			return true
		}
	}
	return false
}

func (r rule) matchOne(p string) bool {
	if r.basename {
		p = path.Base(p)
	}
	return r.g.Match(p)
}
