package manifest

import (
	"context"
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"testing/quick"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/signer"
	"github.com/bobg/nsite/testutil"
)

type pathSet []PathEntry

func (pathSet) Generate(r *rand.Rand, size int) reflect.Value {
	var (
		n      = r.Intn(size + 1)
		seen   = make(map[string]bool)
		result pathSet
	)
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("/dir%d/file%d.html", r.Intn(5), r.Intn(100))
		if seen[p] {
			continue
		}
		seen[p] = true
		var ref nsite.Ref
		r.Read(ref[:])
		result = append(result, PathEntry{Path: p, SHA256: ref})
	}
	return reflect.ValueOf(result)
}

func sortPaths(ps []PathEntry) []PathEntry {
	ps = append([]PathEntry(nil), ps...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Path < ps[j].Path })
	return ps
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := signer.NewLocal(testutil.KeyHex(1))
	require.NoError(t, err)
	pubkey := s.PublicKeyHex()

	f := func(paths pathSet, named bool) bool {
		m := &Manifest{
			Kind:    event.KindRootSite,
			Paths:   paths,
			Servers: []string{"https://blossom.example.com"},
			Relays:  []string{"wss://relay.example.com"},
			Title:   "My site",
		}
		if named {
			m.Kind = event.KindNamedSite
			m.Identifier = "blog"
		}

		ev, err := s.SignEvent(ctx, Build(m))
		if err != nil {
			t.Fatal(err)
		}
		if err := ev.Verify(); err != nil {
			t.Fatal(err)
		}

		got, err := Parse(ev)
		if err != nil {
			t.Fatal(err)
		}

		want := *m
		want.Paths = sortPaths(m.Paths)
		want.Pubkey = pubkey
		want.CreatedAt = ev.CreatedAt
		want.EventID = ev.ID
		got.Paths = sortPaths(got.Paths)

		if diff := cmp.Diff(&want, got); diff != "" {
			t.Logf("mismatch (-want +got):\n%s", diff)
			return false
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestParseSkipsMalformed(t *testing.T) {
	h := nsite.RefOf([]byte("x"))
	ev := &event.Event{
		ID:   "abc",
		Kind: event.KindRootSite,
		Tags: event.Tags{
			{"path", "/good.html", h.String()},
			{"path", "relative.html", h.String()},
			{"path", "/short"},
			{"path", "/badhash", "xyz"},
			{"path", "/UPPER", "ABCDEF"},
			{"path", "/a/../b.html", h.String()},
			{"server", "https://blobs.example.com/"},
		},
	}
	m, err := Parse(ev)
	require.NoError(t, err)
	require.Equal(t, []PathEntry{{"/good.html", h}, {"/b.html", h}}, m.Paths)
	require.Equal(t, []string{"https://blobs.example.com"}, m.Servers)

	_, err = Parse(&event.Event{Kind: event.KindNamedSite})
	require.Error(t, err, "named site without identifier")

	_, err = Parse(&event.Event{Kind: 1})
	require.Error(t, err, "wrong kind")
}

func TestFilter(t *testing.T) {
	require.Equal(t, event.Filter{
		Kinds:   []int{event.KindRootSite},
		Authors: []string{"pk"},
	}, Filter("pk", ""))

	require.Equal(t, event.Filter{
		Kinds:   []int{event.KindNamedSite},
		Authors: []string{"pk"},
		Tags:    map[string][]string{"d": {"blog"}},
	}, Filter("pk", "blog"))
}

func TestMerge(t *testing.T) {
	var (
		h1  = nsite.RefOf([]byte("1"))
		h2  = nsite.RefOf([]byte("2"))
		h3  = nsite.RefOf([]byte("3"))
		now = time.Unix(1000, 0)
	)

	older := &Manifest{
		CreatedAt: 100,
		EventID:   "older",
		SeenOn:    []string{"wss://r1"},
		Paths:     []PathEntry{{"/index.html", h1}, {"/only-old.html", h3}},
	}
	newer := &Manifest{
		CreatedAt: 200,
		EventID:   "newer",
		SeenOn:    []string{"wss://r2"},
		Paths:     []PathEntry{{"/index.html", h2}},
	}

	for _, order := range [][]*Manifest{{older, newer}, {newer, older}} {
		got := Merge(order, now)
		require.Len(t, got, 2)
		require.Equal(t, "/index.html", got[0].Path)
		require.Equal(t, h2, got[0].SHA256)
		require.Equal(t, "newer", got[0].Source.EventID)
		require.Equal(t, "/only-old.html", got[1].Path)
		require.Equal(t, "older", got[1].Source.EventID)
	}
}

func TestMergeTiesAndClamping(t *testing.T) {
	var (
		h1  = nsite.RefOf([]byte("1"))
		h2  = nsite.RefOf([]byte("2"))
		now = time.Unix(1000, 0)
	)

	first := &Manifest{CreatedAt: 500, EventID: "first", SeenOn: []string{"wss://r1"}, Paths: []PathEntry{{"/a", h1}}}
	second := &Manifest{CreatedAt: 500, EventID: "second", SeenOn: []string{"wss://r2"}, Paths: []PathEntry{{"/a", h2}}}

	got := Merge([]*Manifest{first, second}, now)
	require.Len(t, got, 1)
	require.Equal(t, h1, got[0].SHA256)
	require.Equal(t, []string{"wss://r1", "wss://r2"}, got[0].Source.Relays)

	// Both clamp to now, so they tie and the first wins.
	future := &Manifest{CreatedAt: 5000, EventID: "future", Paths: []PathEntry{{"/a", h2}}}
	present := &Manifest{CreatedAt: 1000, EventID: "present", Paths: []PathEntry{{"/a", h1}}}
	got = Merge([]*Manifest{present, future}, now)
	require.Equal(t, "present", got[0].Source.EventID)

	require.Equal(t, []*Manifest{present, future}, Newest([]*Manifest{first, present, future}, now))
}

func TestResolveServers(t *testing.T) {
	configured := []string{"https://configured.example.com/"}
	serverList := &event.Event{Kind: event.KindServerList, Tags: event.Tags{{"server", "https://listed.example.com"}}}
	withServers := &Manifest{Servers: []string{"https://tagged.example.com"}}
	without := &Manifest{}

	cases := []struct {
		name       string
		newest     []*Manifest
		serverList *event.Event
		want       []string
	}{
		{"manifest tags", []*Manifest{without, withServers}, serverList, []string{"https://tagged.example.com"}},
		{"server list", []*Manifest{without}, serverList, []string{"https://listed.example.com"}},
		{"configured", nil, nil, []string{"https://configured.example.com"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, ResolveServers(c.newest, c.serverList, configured))
		})
	}
}

func TestResolveRelays(t *testing.T) {
	relayList := &event.Event{
		Kind: event.KindRelayList,
		Tags: event.Tags{
			{"r", "wss://both.example.com"},
			{"r", "wss://write.example.com/", "write"},
			{"r", "wss://read.example.com", "read"},
			{"r", "wss://configured.example.com"},
		},
	}
	got := ResolveRelays([]string{"wss://configured.example.com/"}, relayList)
	require.Equal(t, []string{
		"wss://configured.example.com",
		"wss://both.example.com",
		"wss://write.example.com",
	}, got)

	require.Equal(t, []string{"wss://a"}, ResolveRelays([]string{"wss://a"}, nil))
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	s, err := signer.NewLocal(testutil.KeyHex(7))
	require.NoError(t, err)
	pubkey := s.PublicKeyHex()

	var (
		r1 = testutil.NewRelay(t)
		r2 = testutil.NewRelay(t)
		r3 = testutil.NewRelay(t) // discovered from the relay list
		h1 = nsite.RefOf([]byte("1"))
		h2 = nsite.RefOf([]byte("2"))
	)

	sign := func(tmpl event.Template) *event.Event {
		ev, err := s.SignEvent(ctx, tmpl)
		require.NoError(t, err)
		return ev
	}

	relayList := sign(event.Template{CreatedAt: 50, Kind: event.KindRelayList, Tags: event.Tags{{"r", r3.URL}}})
	r1.Publish(relayList)

	older := sign(Build(&Manifest{Kind: event.KindRootSite, CreatedAt: 100, Paths: []PathEntry{{"/index.html", h1}, {"/old.html", h1}}}))
	newer := sign(Build(&Manifest{Kind: event.KindRootSite, CreatedAt: 200, Paths: []PathEntry{{"/index.html", h2}}, Servers: []string{"https://blobs.example.com"}}))
	r1.Publish(older)
	r2.Publish(newer)
	r3.Publish(newer)

	serverList := sign(event.Template{CreatedAt: 60, Kind: event.KindServerList, Tags: event.Tags{{"server", "https://listed.example.com"}}})
	r2.Publish(serverList)

	// Someone else's manifest must not leak in.
	other, err := signer.NewLocal(testutil.KeyHex(8))
	require.NoError(t, err)
	foreign, err := other.SignEvent(ctx, Build(&Manifest{Kind: event.KindRootSite, Paths: []PathEntry{{"/evil.html", h1}}}))
	require.NoError(t, err)
	r1.Publish(foreign)

	pool := relay.NewPool(nil)
	defer pool.Close()

	remote, err := Fetch(ctx, pool, FetchOptions{
		Pubkey:  pubkey,
		Relays:  []string{r1.URL, r2.URL},
		Servers: []string{"https://configured.example.com"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{r1.URL, r2.URL, r3.URL}, remote.Relays)
	require.Equal(t, relayList.ID, remote.RelayList.ID)
	require.Equal(t, serverList.ID, remote.ServerList.ID)
	require.Len(t, remote.Manifests, 2)

	var newerManifest *Manifest
	for _, m := range remote.Manifests {
		if m.EventID == newer.ID {
			newerManifest = m
		}
	}
	require.NotNil(t, newerManifest)
	require.ElementsMatch(t, []string{r2.URL, r3.URL}, newerManifest.SeenOn)

	require.Len(t, remote.Files, 2)
	require.Equal(t, "/index.html", remote.Files[0].Path)
	require.Equal(t, h2, remote.Files[0].SHA256)
	require.Equal(t, "/old.html", remote.Files[1].Path)

	require.Equal(t, []string{"https://blobs.example.com"}, remote.Servers)
}

func TestFetchValidation(t *testing.T) {
	_, err := Fetch(context.Background(), relay.NewPool(nil), FetchOptions{Pubkey: "pk"})
	var valErr *nsite.ValidationError
	require.ErrorAs(t, err, &valErr)
}
