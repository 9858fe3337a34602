package publish

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/manifest"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/signer"
	"github.com/bobg/nsite/testutil"
)

func entry(path, contents string) nsite.FileEntry {
	return nsite.FileEntry{Path: path, SHA256: nsite.RefOf([]byte(contents))}
}

func TestAssemble(t *testing.T) {
	site := Site{Identifier: "blog", Title: "Blog", Servers: []string{"https://s"}}
	m := Assemble(site,
		[]nsite.FileEntry{entry("/a", "a"), entry("/b", "b")},
		[]nsite.FileEntry{entry("/c", "c"), entry("/a", "a2")},
		[]nsite.FileEntry{entry("/old", "old")},
	)

	require.Equal(t, event.KindNamedSite, m.Kind)
	require.Equal(t, "blog", m.Identifier)
	require.Equal(t, []manifest.PathEntry{
		{Path: "/c", SHA256: nsite.RefOf([]byte("c"))},
		{Path: "/a", SHA256: nsite.RefOf([]byte("a2"))},
		{Path: "/b", SHA256: nsite.RefOf([]byte("b"))},
		{Path: "/old", SHA256: nsite.RefOf([]byte("old"))},
	}, m.Paths)

	require.Equal(t, event.KindRootSite, Assemble(Site{}, nil, nil, nil).Kind)
}

func newPublisher(t *testing.T, relays ...*testutil.Relay) *Publisher {
	t.Helper()
	s, err := signer.NewLocal(testutil.KeyHex(3))
	require.NoError(t, err)

	pool := relay.NewPool(nil)
	pool.PublishTimeout = 500 * time.Millisecond
	t.Cleanup(func() { pool.Close() })

	p := &Publisher{Signer: s, Pool: pool}
	for _, r := range relays {
		p.Relays = append(p.Relays, r.URL)
	}
	return p
}

func TestPublishMixedOutcomes(t *testing.T) {
	var (
		ok      = testutil.NewRelay(t)
		silent  = testutil.NewRelay(t)
		blocked = testutil.NewRelay(t)
	)
	silent.SetBehavior(testutil.RelayBehavior{Silent: true})
	blocked.SetBehavior(testutil.RelayBehavior{Reject: "blocked"})

	p := newPublisher(t, ok, silent, blocked)
	m := Assemble(Site{}, []nsite.FileEntry{entry("/index.html", "hi")}, nil, nil)

	pub, err := p.Publish(context.Background(), m)
	require.NoError(t, err)
	require.True(t, pub.OK)
	require.Len(t, pub.Outcomes, 3)

	require.True(t, pub.Outcomes[0].OK)

	require.False(t, pub.Outcomes[1].OK)
	require.True(t, pub.Outcomes[1].TimedOut)
	require.True(t, nsite.Retryable(pub.Outcomes[1].Err))

	require.False(t, pub.Outcomes[2].OK)
	require.False(t, pub.Outcomes[2].TimedOut)
	require.Equal(t, "blocked", pub.Outcomes[2].Message)
	var rejErr *nsite.RejectionError
	require.ErrorAs(t, pub.Outcomes[2].Err, &rejErr)

	errs := pub.Errs()
	require.Len(t, errs, 2)
	require.Contains(t, errs, silent.URL)
	require.Contains(t, errs, blocked.URL)

	stored := ok.Events()
	require.Len(t, stored, 1)
	require.Equal(t, pub.Event.ID, stored[0].ID)
}

func TestPublishAllFail(t *testing.T) {
	r := testutil.NewRelay(t)
	r.SetBehavior(testutil.RelayBehavior{Reject: "rate-limited: slow down"})

	p := newPublisher(t, r)
	pub, err := p.Publish(context.Background(), Assemble(Site{}, nil, nil, nil))
	require.NoError(t, err)
	require.False(t, pub.OK)
	require.Equal(t, []string{r.URL}, pub.RateLimited())

	var rlErr *nsite.RateLimitError
	require.ErrorAs(t, pub.Outcomes[0].Err, &rlErr)
}

func TestPublishNoRelays(t *testing.T) {
	p := newPublisher(t)
	_, err := p.Publish(context.Background(), Assemble(Site{}, nil, nil, nil))
	var valErr *nsite.ValidationError
	require.ErrorAs(t, err, &valErr)
}

func TestRetract(t *testing.T) {
	r := testutil.NewRelay(t)
	p := newPublisher(t, r)
	ctx := context.Background()

	pub, err := p.Retract(ctx, []string{"id1", "id2"}, "blog", "superseded")
	require.NoError(t, err)
	require.True(t, pub.OK)

	pk, err := p.Signer.PublicKey(ctx)
	require.NoError(t, err)

	ev := pub.Event
	require.Equal(t, event.KindDeletion, ev.Kind)
	require.Equal(t, "superseded", ev.Content)
	require.Equal(t, event.Tags{
		{"e", "id1"},
		{"e", "id2"},
		{"a", fmt.Sprintf("%d:%s:blog", event.KindNamedSite, pk)},
		{"k", fmt.Sprint(event.KindNamedSite)},
	}, ev.Tags)

	_, err = p.Retract(ctx, nil, "", "")
	require.Error(t, err)
}

func TestRetractEvents(t *testing.T) {
	r := testutil.NewRelay(t)
	p := newPublisher(t, r)
	ctx := context.Background()

	pub, err := p.RetractEvents(ctx, []string{"id1"}, event.KindNamedSite, "superseded")
	require.NoError(t, err)
	require.True(t, pub.OK)
	require.Equal(t, event.Tags{
		{"e", "id1"},
		{"k", fmt.Sprint(event.KindNamedSite)},
	}, pub.Event.Tags)

	_, err = p.RetractEvents(ctx, nil, event.KindRootSite, "")
	require.Error(t, err)
	_, err = p.RetractEvents(ctx, []string{"id1"}, event.KindDeletion, "")
	require.Error(t, err)
}

func TestAnnounce(t *testing.T) {
	r := testutil.NewRelay(t)
	p := newPublisher(t, r)

	pubs, err := p.Announce(context.Background(), []string{"https://s1", "https://s2"}, []string{r.URL})
	require.NoError(t, err)
	require.Len(t, pubs, 2)
	require.Equal(t, event.KindServerList, pubs[0].Event.Kind)
	require.Equal(t, event.KindRelayList, pubs[1].Event.Kind)
	require.Len(t, r.Events(), 2)

	sl := pubs[0].Event
	require.Equal(t, []string{"https://s1", "https://s2"}, manifest.ResolveServers(nil, sl, nil))
}
