// Package report describes the outcome of a deploy,
// file by file and destination by destination.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bobg/nsite/gc"
	"github.com/bobg/nsite/publish"
	"github.com/bobg/nsite/upload"
)

// Report is the outcome of one deploy.
type Report struct {
	Started  time.Time
	Finished time.Time

	Pubkey     string
	Identifier string

	// Files holds one result per file that needed uploading.
	Files []upload.Result

	// Unchanged is the number of files already published with the same contents.
	Unchanged int

	// Removed lists the paths dropped from the manifest.
	Removed []string

	// Publication is the manifest broadcast, if one happened.
	Publication *publish.Publication

	// Retraction is the deletion event for superseded manifests, if one was sent.
	Retraction *publish.Publication

	// Collected holds the outcomes of deleting unreferenced blobs.
	Collected []gc.Result
}

// Summary is a tally of a Report.
type Summary struct {
	Uploaded  int
	Failed    int
	Unchanged int
	Removed   int

	RelaysOK     int
	RelaysFailed int

	BlobsDeleted int
}

// Failed tells whether any file failed outright.
// Partial failures (some servers or relays) do not count.
func (r *Report) Failed() bool {
	for _, f := range r.Files {
		if !f.Success {
			return true
		}
	}
	return false
}

// Summary tallies r.
func (r *Report) Summary() Summary {
	s := Summary{
		Unchanged: r.Unchanged,
		Removed:   len(r.Removed),
	}
	for _, f := range r.Files {
		if f.Success {
			s.Uploaded++
		} else {
			s.Failed++
		}
	}
	if r.Publication != nil {
		for _, o := range r.Publication.Outcomes {
			if o.OK {
				s.RelaysOK++
			} else {
				s.RelaysFailed++
			}
		}
	}
	for _, c := range r.Collected {
		if len(c.Errs) == 0 {
			s.BlobsDeleted++
		}
	}
	return s
}

func (s Summary) String() string {
	parts := []string{
		fmt.Sprintf("%d uploaded", s.Uploaded),
		fmt.Sprintf("%d failed", s.Failed),
		fmt.Sprintf("%d unchanged", s.Unchanged),
	}
	if s.Removed > 0 {
		parts = append(parts, fmt.Sprintf("%d removed", s.Removed))
	}
	if s.BlobsDeleted > 0 {
		parts = append(parts, fmt.Sprintf("%d blobs deleted", s.BlobsDeleted))
	}
	if s.RelaysOK+s.RelaysFailed > 0 {
		parts = append(parts, fmt.Sprintf("manifest accepted by %d of %d relays", s.RelaysOK, s.RelaysOK+s.RelaysFailed))
	}
	return strings.Join(parts, ", ")
}

// Write prints r in human-readable form.
func (r *Report) Write(w io.Writer) error {
	var err error
	printf := func(format string, args ...interface{}) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}

	for _, f := range r.Files {
		status := "ok"
		if !f.Success {
			status = "FAILED"
		}
		printf("%-6s %s\n", status, f.File.Path)

		urls := make([]string, 0, len(f.Servers))
		for url := range f.Servers {
			urls = append(urls, url)
		}
		sort.Strings(urls)
		for _, url := range urls {
			sr := f.Servers[url]
			switch {
			case sr.AlreadyExists:
				printf("         %s: already present\n", url)
			case sr.Success:
				printf("         %s: uploaded\n", url)
			default:
				printf("         %s: %s\n", url, sr.Err)
			}
		}
	}

	if r.Publication != nil {
		printf("manifest %s\n", r.Publication.Event.ID)
		for _, o := range r.Publication.Outcomes {
			switch {
			case o.OK:
				printf("         %s: ok\n", o.Relay)
			case o.RateLimited:
				printf("         %s: rate limited: %s\n", o.Relay, o.Message)
			case o.TimedOut:
				printf("         %s: timed out\n", o.Relay)
			default:
				printf("         %s: %s\n", o.Relay, o.Err)
			}
		}
	}

	for _, c := range r.Collected {
		status := "deleted"
		if len(c.Errs) > 0 {
			status = "delete failed: " + c.Errs.Error()
		}
		printf("%s %s (%s)\n", c.Ref, status, strings.Join(c.Paths, ", "))
	}

	printf("%s\n", r.Summary())
	return err
}
