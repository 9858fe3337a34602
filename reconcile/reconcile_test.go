package reconcile

import (
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/nsite"
)

var (
	h1 = nsite.RefOf([]byte("one"))
	h2 = nsite.RefOf([]byte("two"))
	h3 = nsite.RefOf([]byte("three"))
)

func entry(path string, h nsite.Ref) nsite.FileEntry {
	return nsite.FileEntry{Path: path, SHA256: h}
}

func TestReconcile(t *testing.T) {
	cases := []struct {
		name          string
		local, remote []nsite.FileEntry
		want          Result
	}{
		{
			name:  "new site",
			local: []nsite.FileEntry{entry("/index.html", h1)},
			want:  Result{ToUpload: []nsite.FileEntry{entry("/index.html", h1)}},
		},
		{
			name:   "one changed",
			local:  []nsite.FileEntry{entry("/a", h1), entry("/b", h2)},
			remote: []nsite.FileEntry{entry("/a", h1), entry("/b", h3)},
			want: Result{
				ToUpload:  []nsite.FileEntry{entry("/b", h2)},
				Unchanged: []nsite.FileEntry{entry("/a", h1)},
			},
		},
		{
			name:   "removed locally",
			local:  []nsite.FileEntry{entry("/a", h1)},
			remote: []nsite.FileEntry{entry("/a", h1), entry("/old", h2)},
			want: Result{
				ToDelete:  []nsite.FileEntry{entry("/old", h2)},
				Unchanged: []nsite.FileEntry{entry("/a", h1)},
			},
		},
		{
			name:   "duplicates keep first",
			local:  []nsite.FileEntry{entry("/a", h1), entry("/a", h2)},
			remote: []nsite.FileEntry{entry("/a", h2), entry("/a", h1), entry("/z", h3), entry("/z", h1)},
			want: Result{
				ToUpload: []nsite.FileEntry{entry("/a", h1)},
				ToDelete: []nsite.FileEntry{entry("/z", h3)},
			},
		},
		{
			name:   "same contents, different paths",
			local:  []nsite.FileEntry{entry("/a", h1), entry("/b", h1)},
			remote: []nsite.FileEntry{entry("/a", h1)},
			want: Result{
				ToUpload:  []nsite.FileEntry{entry("/b", h1)},
				Unchanged: []nsite.FileEntry{entry("/a", h1)},
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Reconcile(c.local, c.remote)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// fileSet is a random list of entries drawn from a small space of paths and hashes,
// so that local and remote sets overlap.
type fileSet []nsite.FileEntry

func (fileSet) Generate(r *rand.Rand, size int) reflect.Value {
	var (
		paths  = []string{"/", "/a", "/b", "/c/d", "/e.html", "/f.css", "/g/h/i"}
		hashes = []nsite.Ref{h1, h2, h3}
		n      = r.Intn(size + 1)
		result = make(fileSet, 0, n)
	)
	for i := 0; i < n; i++ {
		result = append(result, entry(paths[r.Intn(len(paths))], hashes[r.Intn(len(hashes))]))
	}
	return reflect.ValueOf(result)
}

func TestPartition(t *testing.T) {
	f := func(local, remote fileSet) bool {
		res := Reconcile(local, remote)

		want := make(map[string]bool)
		for _, e := range local {
			want[e.Path] = true
		}
		for _, e := range remote {
			want[e.Path] = true
		}

		got := make(map[string]bool)
		for _, list := range [][]nsite.FileEntry{res.ToUpload, res.ToDelete, res.Unchanged} {
			for _, e := range list {
				if got[e.Path] {
					t.Logf("path %s appears more than once", e.Path)
					return false
				}
				got[e.Path] = true
			}
		}

		if diff := cmp.Diff(want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestIdempotent(t *testing.T) {
	f := func(local, remote fileSet) bool {
		return cmp.Equal(Reconcile(local, remote), Reconcile(local, remote))
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}
