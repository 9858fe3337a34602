package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/bobg/nsite/event"
)

// RelayBehavior controls how a fake Relay misbehaves.
type RelayBehavior struct {
	// Reject, if set, is the message in an OK=false reply to every EVENT.
	Reject string

	// Silent relays never answer EVENT messages.
	Silent bool

	// NoEOSE relays never end the stored-events part of a subscription.
	NoEOSE bool
}

// Relay is an in-memory relay served over a websocket.
type Relay struct {
	URL string

	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	behavior RelayBehavior
	events   []*event.Event
	ids      map[string]bool
	conns    map[*relayConn]struct{}
	onEvent  func(*event.Event)
	reqs     int
}

type relayConn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string][]event.Filter
}

func (c *relayConn) send(msg ...interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.WriteMessage(websocket.TextMessage, b)
}

// NewRelay starts a fake relay that is shut down when the test ends.
func NewRelay(t *testing.T) *Relay {
	t.Helper()
	r := &Relay{
		ids:   make(map[string]bool),
		conns: make(map[*relayConn]struct{}),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	r.URL = "ws" + strings.TrimPrefix(r.srv.URL, "http")
	t.Cleanup(r.Close)
	return r
}

// Close shuts down the relay and drops its connections.
func (r *Relay) Close() {
	r.mu.Lock()
	for c := range r.conns {
		c.ws.Close()
	}
	r.mu.Unlock()
	r.srv.Close()
}

// SetBehavior changes how the relay responds.
func (r *Relay) SetBehavior(b RelayBehavior) {
	r.mu.Lock()
	r.behavior = b
	r.mu.Unlock()
}

// OnEvent sets a function to call with each event the relay accepts from a client.
func (r *Relay) OnEvent(f func(*event.Event)) {
	r.mu.Lock()
	r.onEvent = f
	r.mu.Unlock()
}

// Events returns the events the relay holds.
func (r *Relay) Events() []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Event(nil), r.events...)
}

// Reqs tells how many subscriptions clients have opened.
func (r *Relay) Reqs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reqs
}

// replace stores ev, dropping any older version of a replaceable or addressable event.
// It reports false if a newer version is already stored.
// On a created_at tie the lower id wins.
// Must be called with r.mu held.
func (r *Relay) replace(ev *event.Event) bool {
	if !event.IsReplaceable(ev.Kind) && !event.IsAddressable(ev.Kind) {
		r.events = append(r.events, ev)
		return true
	}
	same := func(other *event.Event) bool {
		if other.Kind != ev.Kind || other.PubKey != ev.PubKey {
			return false
		}
		return !event.IsAddressable(ev.Kind) || other.Tags.Value("d") == ev.Tags.Value("d")
	}
	for _, other := range r.events {
		if same(other) && (other.CreatedAt > ev.CreatedAt || (other.CreatedAt == ev.CreatedAt && other.ID < ev.ID)) {
			return false
		}
	}
	kept := r.events[:0]
	for _, other := range r.events {
		if !same(other) {
			kept = append(kept, other)
		}
	}
	r.events = append(kept, ev)
	return true
}

// Publish stores ev and sends it to every matching live subscription,
// as if some other client had published it.
func (r *Relay) Publish(ev *event.Event) {
	r.mu.Lock()
	if r.ids[ev.ID] {
		r.mu.Unlock()
		return
	}
	r.ids[ev.ID] = true
	if !r.replace(ev) {
		r.mu.Unlock()
		return
	}

	type delivery struct {
		c  *relayConn
		id string
	}
	var deliveries []delivery
	for c := range r.conns {
		for id, filters := range c.subs {
			if matchesAny(filters, ev) {
				deliveries = append(deliveries, delivery{c: c, id: id})
			}
		}
	}
	r.mu.Unlock()

	for _, d := range deliveries {
		d.c.send("EVENT", d.id, ev)
	}
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &relayConn{ws: ws, subs: make(map[string][]event.Filter)}

	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil || len(arr) < 2 {
			c.send("NOTICE", "malformed message")
			continue
		}
		var label string
		json.Unmarshal(arr[0], &label)

		switch label {
		case "REQ":
			r.handleReq(c, arr)

		case "CLOSE":
			var id string
			json.Unmarshal(arr[1], &id)
			r.mu.Lock()
			delete(c.subs, id)
			r.mu.Unlock()

		case "EVENT":
			r.handleEvent(c, arr[1])

		default:
			c.send("NOTICE", "unknown message type "+label)
		}
	}
}

func (r *Relay) handleReq(c *relayConn, arr []json.RawMessage) {
	var id string
	json.Unmarshal(arr[1], &id)

	var filters []event.Filter
	for _, raw := range arr[2:] {
		var f event.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.send("CLOSED", id, "error: bad filter")
			return
		}
		filters = append(filters, f)
	}

	r.mu.Lock()
	r.reqs++
	c.subs[id] = filters
	var matching []*event.Event
	for _, ev := range r.events {
		if matchesAny(filters, ev) {
			matching = append(matching, ev)
		}
	}
	noEOSE := r.behavior.NoEOSE
	r.mu.Unlock()

	for _, ev := range matching {
		c.send("EVENT", id, ev)
	}
	if !noEOSE {
		c.send("EOSE", id)
	}
}

func (r *Relay) handleEvent(c *relayConn, raw json.RawMessage) {
	ev := new(event.Event)
	if err := json.Unmarshal(raw, ev); err != nil {
		c.send("NOTICE", "malformed event")
		return
	}
	if err := ev.Verify(); err != nil {
		c.send("OK", ev.ID, false, "invalid: "+err.Error())
		return
	}

	r.mu.Lock()
	b := r.behavior
	onEvent := r.onEvent
	r.mu.Unlock()

	switch {
	case b.Silent:
		return
	case b.Reject != "":
		c.send("OK", ev.ID, false, b.Reject)
		return
	}

	r.Publish(ev)
	c.send("OK", ev.ID, true, "")

	if onEvent != nil {
		onEvent(ev)
	}
}

func matchesAny(filters []event.Filter, ev *event.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
