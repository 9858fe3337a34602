package relay_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/signer"
	"github.com/bobg/nsite/testutil"
)

func signed(t *testing.T, content string) *event.Event {
	t.Helper()
	s, err := signer.NewLocal(testutil.KeyHex(3))
	require.NoError(t, err)
	ev, err := s.SignEvent(context.Background(), event.Template{Kind: 1, Content: content})
	require.NoError(t, err)
	return ev
}

func newPool(t *testing.T) *relay.Pool {
	logger, _ := test.NewNullLogger()
	p := relay.NewPool(logger)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestIsRateLimit(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"rate-limited: slow down", true},
		{"Rate limit exceeded", true},
		{"too many requests", true},
		{"please SLOW DOWN", true},
		{"blocked: not on whitelist", false},
		{"", false},
	}
	for _, c := range cases {
		if got := relay.IsRateLimit(c.msg); got != c.want {
			t.Errorf("IsRateLimit(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestPublishAll(t *testing.T) {
	var (
		ok      = testutil.NewRelay(t)
		limited = testutil.NewRelay(t)
		blocked = testutil.NewRelay(t)
		ev      = signed(t, "hello")
	)
	limited.SetBehavior(testutil.RelayBehavior{Reject: "rate-limited: slow down"})
	blocked.SetBehavior(testutil.RelayBehavior{Reject: "blocked: no"})

	outcomes, anyOK := newPool(t).PublishAll(context.Background(), []string{ok.URL, limited.URL, blocked.URL}, ev)
	require.True(t, anyOK)
	require.Len(t, outcomes, 3)

	require.Equal(t, ok.URL, outcomes[0].Relay)
	require.True(t, outcomes[0].OK)
	require.NoError(t, outcomes[0].Err)

	require.Equal(t, limited.URL, outcomes[1].Relay)
	require.False(t, outcomes[1].OK)
	require.True(t, outcomes[1].RateLimited)
	var rlerr *nsite.RateLimitError
	require.True(t, errors.As(outcomes[1].Err, &rlerr))

	require.Equal(t, blocked.URL, outcomes[2].Relay)
	require.False(t, outcomes[2].RateLimited)
	var rejerr *nsite.RejectionError
	require.True(t, errors.As(outcomes[2].Err, &rejerr))
	require.Equal(t, "blocked: no", rejerr.Message)

	require.Len(t, ok.Events(), 1)
	require.Empty(t, blocked.Events())
}

func TestPublishTimeout(t *testing.T) {
	r := testutil.NewRelay(t)
	r.SetBehavior(testutil.RelayBehavior{Silent: true})

	p := newPool(t)
	p.PublishTimeout = 100 * time.Millisecond

	outcomes, anyOK := p.PublishAll(context.Background(), []string{r.URL}, signed(t, "x"))
	require.False(t, anyOK)
	require.True(t, outcomes[0].TimedOut)
	var cerr *nsite.ConnectionError
	require.True(t, errors.As(outcomes[0].Err, &cerr))
}

func TestPublishUnreachable(t *testing.T) {
	r := testutil.NewRelay(t)
	r.Close()

	outcomes, anyOK := newPool(t).PublishAll(context.Background(), []string{r.URL}, signed(t, "x"))
	require.False(t, anyOK)
	var cerr *nsite.ConnectionError
	require.True(t, errors.As(outcomes[0].Err, &cerr))
}

func TestQueryAll(t *testing.T) {
	var (
		r1   = testutil.NewRelay(t)
		r2   = testutil.NewRelay(t)
		dead = testutil.NewRelay(t)
		both = signed(t, "both")
		only = signed(t, "only")
	)
	dead.Close()
	r1.Publish(both)
	r2.Publish(only)
	r2.Publish(both)

	filters := []event.Filter{{Kinds: []int{1}}}
	got, err := newPool(t).QueryAll(context.Background(), []string{r1.URL, r2.URL, dead.URL}, filters)

	var merr nsite.MultiErr
	require.True(t, errors.As(err, &merr), "got %v, want a MultiErr", err)
	require.Len(t, merr, 1)
	require.Contains(t, merr, dead.URL)

	require.Len(t, got, 2)
	require.Equal(t, both.ID, got[0].Event.ID)
	require.Equal(t, []string{r1.URL, r2.URL}, got[0].Relays)
	require.Equal(t, only.ID, got[1].Event.ID)
	require.Equal(t, []string{r2.URL}, got[1].Relays)
}

func TestSubscribeDeadline(t *testing.T) {
	r := testutil.NewRelay(t)
	r.SetBehavior(testutil.RelayBehavior{NoEOSE: true})
	ev := signed(t, "stored")
	r.Publish(ev)

	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	c, err := relay.Dial(ctx, r.URL, logger)
	require.NoError(t, err)
	defer c.Close()

	start := time.Now()
	got, err := c.Subscribe(ctx, []event.Filter{{Kinds: []int{1}}}, 200*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	require.Len(t, got, 1)
	require.Equal(t, ev.ID, got[0].ID)
}

func TestListen(t *testing.T) {
	r := testutil.NewRelay(t)

	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	c, err := relay.Dial(ctx, r.URL, logger)
	require.NoError(t, err)
	defer c.Close()

	sub, err := c.Listen(ctx, []event.Filter{{Kinds: []int{1}}})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case <-sub.EOSE:
	case <-time.After(5 * time.Second):
		t.Fatal("no EOSE")
	}

	ev := signed(t, "live")
	r.Publish(ev)

	select {
	case got := <-sub.Events:
		require.Equal(t, ev.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("live event not delivered")
	}
}
