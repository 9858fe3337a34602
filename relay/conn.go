// Package relay is a client for the relay wire protocol:
// JSON arrays over a websocket.
package relay

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

// Default timeouts.
const (
	DefaultDialTimeout       = 5 * time.Second
	DefaultPublishTimeout    = 10 * time.Second
	DefaultSubscribeDeadline = 10 * time.Second
)

var rateLimitRegex = regexp.MustCompile(`(?i)rate[- ]?limit|too many|slow down`)

// IsRateLimit tells whether a rejection message says the client is going too fast.
func IsRateLimit(msg string) bool {
	return rateLimitRegex.MatchString(msg)
}

// Conn is a connection to one relay.
type Conn struct {
	url    string
	ws     *websocket.Conn
	logger logrus.FieldLogger

	// Verified, if set, caches the ids of events whose signatures have been checked.
	verified *lru.Cache

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription
	oks  map[string]chan okFrame

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type subscription struct {
	frames chan frame
	done   chan struct{}
}

type frameType int

const (
	frameEvent frameType = iota
	frameEOSE
	frameClosed
)

type frame struct {
	typ frameType
	ev  *event.Event
	msg string
}

type okFrame struct {
	ok  bool
	msg string
}

// Dial connects to the relay at url.
func Dial(ctx context.Context, url string, logger logrus.FieldLogger) (*Conn, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &nsite.ConnectionError{Dest: url, Err: err}
	}
	c := &Conn{
		url:    url,
		ws:     ws,
		logger: logger.WithField("relay", url),
		subs:   make(map[string]*subscription),
		oks:    make(map[string]chan okFrame),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// URL is the relay's URL.
func (c *Conn) URL() string { return c.url }

// Done is closed when the connection is closed or broken.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.err = errors.New("connection closed")
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.ws.Close()
	})
}

// connErr reports why the connection ended.
// Only call it after c.done is closed.
func (c *Conn) connErr() error {
	return &nsite.ConnectionError{Dest: c.url, Err: c.err}
}

func (c *Conn) send(msg ...interface{}) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshaling message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(DefaultPublishTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return &nsite.ConnectionError{Dest: c.url, Err: err}
	}
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.dispatch(b); err != nil {
			c.logger.WithError(err).Debug("ignoring malformed message")
		}
	}
}

func (c *Conn) dispatch(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return errors.Wrap(err, "unmarshaling message")
	}
	if len(arr) == 0 {
		return errors.New("empty message")
	}
	var label string
	if err := json.Unmarshal(arr[0], &label); err != nil {
		return errors.Wrap(err, "unmarshaling label")
	}

	strAt := func(i int) string {
		var s string
		if i < len(arr) {
			json.Unmarshal(arr[i], &s)
		}
		return s
	}

	switch label {
	case "EVENT":
		if len(arr) < 3 {
			return errors.New("short EVENT message")
		}
		ev := new(event.Event)
		if err := json.Unmarshal(arr[2], ev); err != nil {
			return errors.Wrap(err, "unmarshaling event")
		}
		c.deliver(strAt(1), frame{typ: frameEvent, ev: ev})

	case "EOSE":
		c.deliver(strAt(1), frame{typ: frameEOSE})

	case "CLOSED":
		msg := strAt(2)
		c.logger.WithField("sub", strAt(1)).Debugf("subscription closed by relay: %s", msg)
		c.deliver(strAt(1), frame{typ: frameClosed, msg: msg})

	case "OK":
		if len(arr) < 3 {
			return errors.New("short OK message")
		}
		var ok bool
		if err := json.Unmarshal(arr[2], &ok); err != nil {
			return errors.Wrap(err, "unmarshaling OK status")
		}
		id := strAt(1)
		c.mu.Lock()
		ch, found := c.oks[id]
		c.mu.Unlock()
		if found {
			select {
			case ch <- okFrame{ok: ok, msg: strAt(3)}:
			default:
			}
		}

	case "NOTICE":
		c.logger.Infof("notice: %s", strAt(1))

	case "AUTH":
		c.logger.Debug("ignoring auth challenge")

	default:
		return errors.Errorf("unknown message type %s", label)
	}
	return nil
}

func (c *Conn) deliver(subID string, f frame) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sub.frames <- f:
	case <-sub.done:
	case <-c.done:
	}
}

func (c *Conn) checkEvent(ev *event.Event) bool {
	if c.verified != nil {
		if _, ok := c.verified.Get(ev.ID); ok {
			return true
		}
	}
	if err := ev.Verify(); err != nil {
		c.logger.WithError(err).Debug("dropping invalid event")
		return false
	}
	if c.verified != nil {
		c.verified.Add(ev.ID, struct{}{})
	}
	return true
}

// Subscribe sends a REQ with the given filters
// and collects matching events until the relay sends EOSE
// or the deadline passes, whichever comes first.
// It then closes the subscription.
// Reaching the deadline is not an error.
// A zero deadline means DefaultSubscribeDeadline.
func (c *Conn) Subscribe(ctx context.Context, filters []event.Filter, deadline time.Duration) ([]*event.Event, error) {
	sub, err := c.Listen(ctx, filters)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	if deadline <= 0 {
		deadline = DefaultSubscribeDeadline
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var result []*event.Event
	for {
		select {
		case ev := <-sub.Events:
			result = append(result, ev)

		case <-sub.EOSE:
			// Drain anything already delivered.
			for {
				select {
				case ev := <-sub.Events:
					result = append(result, ev)
				default:
					return result, nil
				}
			}

		case <-sub.Closed:
			return result, &nsite.RejectionError{Dest: c.url, Message: sub.ClosedReason()}

		case <-timer.C:
			c.logger.Debug("subscription deadline reached before EOSE")
			return result, nil

		case <-ctx.Done():
			return result, ctx.Err()

		case <-c.done:
			return result, c.connErr()
		}
	}
}

// Sub is a live subscription created by Listen.
type Sub struct {
	ID string

	// Events delivers verified events matching the subscription's filters.
	Events <-chan *event.Event

	// EOSE is closed when the relay signals the end of stored events.
	EOSE <-chan struct{}

	// Closed is closed when the relay ends the subscription.
	Closed <-chan struct{}

	c         *Conn
	sub       *subscription
	cancel    context.CancelFunc
	reason    string
	closeOnce sync.Once
	closedBy  bool
	mu        sync.Mutex
}

// ClosedReason is the message the relay gave when it closed the subscription.
func (s *Sub) ClosedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close unsubscribes.
func (s *Sub) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.sub.done)
		s.c.mu.Lock()
		delete(s.c.subs, s.ID)
		s.c.mu.Unlock()

		s.mu.Lock()
		closedBy := s.closedBy
		s.mu.Unlock()
		if !closedBy {
			if err := s.c.send("CLOSE", s.ID); err != nil {
				s.c.logger.WithError(err).Debug("sending CLOSE")
			}
		}
	})
}

// Listen opens a subscription that stays open until Close is called,
// delivering events as they arrive.
func (c *Conn) Listen(ctx context.Context, filters []event.Filter) (*Sub, error) {
	if len(filters) == 0 {
		return nil, errors.New("no filters")
	}

	id := uuid.NewString()
	sub := &subscription{
		frames: make(chan frame, 64),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()

	msg := []interface{}{"REQ", id}
	for _, f := range filters {
		msg = append(msg, f)
	}
	if err := c.send(msg...); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	var (
		events = make(chan *event.Event, 64)
		eose   = make(chan struct{})
		closed = make(chan struct{})
	)
	ctx, cancel := context.WithCancel(ctx)
	s := &Sub{
		ID:     id,
		Events: events,
		EOSE:   eose,
		Closed: closed,
		c:      c,
		sub:    sub,
		cancel: cancel,
	}

	go func() {
		var sawEOSE bool
		for {
			select {
			case f := <-sub.frames:
				switch f.typ {
				case frameEvent:
					if !matchesAny(filters, f.ev) || !c.checkEvent(f.ev) {
						continue
					}
					select {
					case events <- f.ev:
					case <-ctx.Done():
						return
					}
				case frameEOSE:
					if !sawEOSE {
						sawEOSE = true
						close(eose)
					}
				case frameClosed:
					s.mu.Lock()
					s.reason = f.msg
					s.closedBy = true
					s.mu.Unlock()
					close(closed)
					return
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()

	return s, nil
}

func matchesAny(filters []event.Filter, ev *event.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// Outcome is the result of publishing one event to one relay.
type Outcome struct {
	Relay   string
	OK      bool
	Message string

	// TimedOut means the relay never answered.
	TimedOut bool

	// RateLimited means the relay rejected the event for going too fast.
	RateLimited bool

	// Err is non-nil when OK is false.
	// It is a *nsite.ConnectionError, *nsite.RejectionError, or *nsite.RateLimitError.
	Err error
}

// Publish sends ev to the relay and waits for its OK,
// up to timeout (zero means DefaultPublishTimeout).
// Failures are described in the Outcome rather than returned.
func (c *Conn) Publish(ctx context.Context, ev *event.Event, timeout time.Duration) Outcome {
	out := Outcome{Relay: c.url}

	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}

	ch := make(chan okFrame, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.send("EVENT", ev); err != nil {
		out.Err = err
		return out
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-ch:
		out.OK = f.ok
		out.Message = f.msg
		if !f.ok {
			rej := &nsite.RejectionError{Dest: c.url, Message: f.msg}
			if IsRateLimit(f.msg) {
				out.RateLimited = true
				out.Err = &nsite.RateLimitError{RejectionError: rej}
			} else {
				out.Err = rej
			}
		}

	case <-timer.C:
		out.TimedOut = true
		out.Err = &nsite.ConnectionError{Dest: c.url, Err: errors.New("timed out waiting for OK")}

	case <-ctx.Done():
		out.Err = &nsite.ConnectionError{Dest: c.url, Err: ctx.Err()}

	case <-c.done:
		out.Err = c.connErr()
	}

	return out
}
