package testutil

import (
	"context"
	"errors"
	"testing"
	"testing/quick"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
)

// Server permits testing a blossom.Server implementation
// by uploading random blobs to it,
// checking that it reports having them,
// then deleting them and checking that it no longer does.
// The server must start out empty.
func Server(ctx context.Context, t *testing.T, srv blossom.Server) {
	if err := quick.Check(serverHelper(ctx, t, srv), &quick.Config{MaxCount: 20}); err != nil {
		t.Error(err)
	}
}

func serverHelper(ctx context.Context, t *testing.T, srv blossom.Server) func([]byte) bool {
	return func(data []byte) bool {
		ref := nsite.RefOf(data)

		has, err := srv.Has(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if has {
			t.Logf("server already has %s", ref)
			return false
		}

		desc, err := srv.Upload(ctx, data, "application/octet-stream")
		if err != nil {
			t.Fatal(err)
		}
		if desc.SHA256 != ref.String() {
			t.Logf("got descriptor hash %s, want %s", desc.SHA256, ref)
			return false
		}
		if desc.Size != int64(len(data)) {
			t.Logf("got descriptor size %d, want %d", desc.Size, len(data))
			return false
		}

		has, err = srv.Has(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if !has {
			t.Logf("server does not have %s after upload", ref)
			return false
		}

		if err := srv.Delete(ctx, ref); err != nil {
			t.Fatal(err)
		}
		has, err = srv.Has(ctx, ref)
		if err != nil {
			t.Fatal(err)
		}
		if has {
			t.Logf("server still has %s after delete", ref)
			return false
		}

		if err := srv.Delete(ctx, ref); !errors.Is(err, nsite.ErrNotFound) {
			t.Logf("got %v deleting a missing blob, want ErrNotFound", err)
			return false
		}
		return true
	}
}
