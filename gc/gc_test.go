package gc_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
	. "github.com/bobg/nsite/gc"
	"github.com/bobg/nsite/signer"
	"github.com/bobg/nsite/testutil"
)

func TestGC(t *testing.T) {
	ctx := context.Background()

	s, err := signer.NewLocal(testutil.KeyHex(5))
	if err != nil {
		t.Fatal(err)
	}

	var (
		b1 = testutil.NewBlossom(t)
		b2 = testutil.NewBlossom(t)

		shared  = []byte("shared")
		orphan  = []byte("orphan")
		absent  = []byte("never uploaded")
		sharedH = b1.Add(shared)
		orphanH = b1.Add(orphan)
		absentH = nsite.RefOf(absent)
		servers = []blossom.Server{blossom.NewClient(b1.URL, s, nil), blossom.NewClient(b2.URL, s, nil)}
		kept    = []nsite.FileEntry{{Path: "/index.html", SHA256: sharedH}}
		removed = []nsite.FileEntry{
			{Path: "/copy.html", SHA256: sharedH},
			{Path: "/old.html", SHA256: orphanH},
			{Path: "/old2.html", SHA256: orphanH},
			{Path: "/gone.html", SHA256: absentH},
		}
	)
	b2.Add(orphan)

	c := &Collector{Servers: servers}
	results := c.Run(ctx, removed, KeepFiles(kept))

	var got []Result
	for _, r := range results {
		if len(r.Errs) > 0 {
			t.Errorf("%s: %s", r.Ref, r.Errs)
		}
		got = append(got, Result{Ref: r.Ref, Paths: r.Paths})
	}
	want := []Result{
		{Ref: orphanH, Paths: []string{"/old.html", "/old2.html"}},
		{Ref: absentH, Paths: []string{"/gone.html"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if !b1.Holds(sharedH) {
		t.Error("shared blob was deleted")
	}
	if b1.Holds(orphanH) || b2.Holds(orphanH) {
		t.Error("orphaned blob was not deleted")
	}
}

func TestGCFailures(t *testing.T) {
	ctx := context.Background()
	s, err := signer.NewLocal(testutil.KeyHex(5))
	if err != nil {
		t.Fatal(err)
	}

	b := testutil.NewBlossom(t)
	ref := b.Add([]byte("x"))

	// Requests to this client have malformed paths.
	bad := blossom.NewClient(b.URL+"/wrong", s, nil)

	c := &Collector{Servers: []blossom.Server{bad}}
	results := c.Run(ctx, []nsite.FileEntry{{Path: "/x", SHA256: ref}}, Keep{})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}

	var rejErr *nsite.RejectionError
	err = results[0].Errs[bad.URL()]
	if !errors.As(err, &rejErr) || rejErr.Status != http.StatusBadRequest {
		t.Errorf("got %v, want a 400 rejection", err)
	}
	if !b.Holds(ref) {
		t.Error("blob was deleted")
	}
}
