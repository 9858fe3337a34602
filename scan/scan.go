// Package scan reads a local directory into the file entries of a site.
package scan

import (
	"mime"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bobg/nsite"
)

var fs = afero.NewOsFs()

// DefaultContentType is used for files whose extension says nothing about their type.
const DefaultContentType = "application/octet-stream"

// Options control a scan.
type Options struct {
	// Ignore, if non-nil, replaces the default rules:
	// DefaultIgnorePatterns plus the contents of IgnoreFile in the root, if present.
	Ignore *Ignore

	Logger logrus.FieldLogger
}

// Dir reads the files under root, hashing each one.
// The result is sorted by path.
func Dir(root string, opts Options) ([]nsite.FileEntry, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	info, err := fs.Stat(root)
	if err != nil {
		return nil, &nsite.ValidationError{Field: "directory", Msg: err.Error()}
	}
	if !info.IsDir() {
		return nil, &nsite.ValidationError{Field: "directory", Msg: root + " is not a directory"}
	}

	ig := opts.Ignore
	if ig == nil {
		ig, err = LoadIgnore(root)
		if err != nil {
			return nil, err
		}
	}

	var result []nsite.FileEntry
	err = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return errors.Wrapf(err, "relativizing %s", p)
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if ig.Match(rel, info.IsDir()) {
			log.WithField("path", rel).Debug("ignoring")
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			log.WithField("path", rel).Debug("skipping non-regular file")
			return nil
		}

		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		result = append(result, nsite.FileEntry{
			Path:        nsite.NormalizePath(rel),
			SHA256:      nsite.RefOf(data),
			Size:        int64(len(data)),
			ContentType: ContentType(p),
			Data:        data,
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %s", root)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	log.WithField("files", len(result)).Debug("scanned")
	return result, nil
}

// LoadIgnore produces the default Ignore for the site in root:
// DefaultIgnorePatterns plus the contents of root's IgnoreFile, if any.
func LoadIgnore(root string) (*Ignore, error) {
	ig, err := NewIgnore(DefaultIgnorePatterns...)
	if err != nil {
		return nil, err
	}
	f, err := fs.Open(filepath.Join(root, IgnoreFile))
	if os.IsNotExist(err) {
		return ig, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", IgnoreFile)
	}
	defer f.Close()
	if err := ig.Read(f); err != nil {
		return nil, errors.Wrapf(err, "reading %s", IgnoreFile)
	}
	return ig, nil
}

// ContentType guesses the media type of the file at p from its extension.
func ContentType(p string) string {
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return DefaultContentType
}
