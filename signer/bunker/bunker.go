// Package bunker implements a Signer that delegates to a remote signer ("bunker")
// reached over relays,
// exchanging encrypted requests and responses in kind-24133 events.
package bunker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/nip44"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/signer"
)

// DefaultTimeout is how long to wait for the remote signer to answer a request.
// It is generous because the remote signer may be waiting for its user's approval.
const DefaultTimeout = 60 * time.Second

var _ signer.Signer = &Signer{}

// Signer is a client for a remote signer.
type Signer struct {
	// Timeout bounds each request.
	Timeout time.Duration

	uri    *URI
	client *signer.Local
	key    nip44.Key
	pool   *relay.Pool
	subs   []*relay.Sub
	logger logrus.FieldLogger

	mu         sync.Mutex
	pending    map[string]chan response
	userPubkey string

	done      chan struct{}
	closeOnce sync.Once
}

type request struct {
	ID     string   `json:"id"`
	Method string   `json:"method"`
	Params []string `json:"params"`
}

type response struct {
	ID     string `json:"id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

func init() {
	signer.Register(Scheme, func(ctx context.Context, uri string, opts signer.Options) (signer.Signer, error) {
		s, err := Connect(ctx, uri, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Connect parses uri, subscribes to the remote signer's responses on its relays,
// and performs the connect handshake.
//
// The client key is the secret stored under the remote pubkey in opts.Secrets,
// if there is one,
// so the remote signer recognizes a returning client.
// Otherwise an ephemeral key is generated.
func Connect(ctx context.Context, uri string, opts signer.Options) (*Signer, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("bunker", u.RemotePubkey)

	client, err := clientKey(u.RemotePubkey, opts.Secrets)
	if err != nil {
		return nil, err
	}
	key, err := nip44.ConversationKey(client.PrivateKey(), u.RemotePubkey)
	if err != nil {
		return nil, errors.Wrap(err, "computing conversation key")
	}

	s := &Signer{
		Timeout: DefaultTimeout,
		uri:     u,
		client:  client,
		key:     key,
		pool:    relay.NewPool(logger),
		logger:  logger,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}

	filter := event.Filter{
		Kinds:   []int{event.KindNostrConnect},
		Authors: []string{u.RemotePubkey},
		Tags:    map[string][]string{"p": {client.PublicKeyHex()}},
		Since:   time.Now().Add(-time.Minute).Unix(),
	}

	var errs nsite.MultiErr
	for _, url := range u.Relays {
		c, err := s.pool.Get(ctx, url)
		if err != nil {
			errs.Add(url, err)
			continue
		}
		// The subscription outlives ctx; Close ends it.
		sub, err := c.Listen(context.Background(), []event.Filter{filter})
		if err != nil {
			errs.Add(url, err)
			continue
		}
		s.subs = append(s.subs, sub)
		go s.listen(sub)
	}
	if len(s.subs) == 0 {
		s.Close()
		return nil, errors.Wrap(errs.ErrOrNil(), "subscribing to remote signer")
	}
	for url, err := range errs {
		logger.WithField("relay", url).WithError(err).Warn("cannot reach remote signer relay")
	}

	params := []string{u.RemotePubkey}
	if u.Secret != "" {
		params = append(params, u.Secret)
	}
	result, err := s.call(ctx, "connect", params...)
	if err != nil {
		s.Close()
		return nil, errors.Wrap(err, "connecting")
	}
	if result != "ack" && (u.Secret == "" || result != u.Secret) {
		s.Close()
		return nil, errors.Errorf("unexpected connect result %q", result)
	}

	logger.Debug("connected to remote signer")
	return s, nil
}

func clientKey(remote string, secrets signer.SecretSource) (*signer.Local, error) {
	if secrets != nil {
		secret, err := secrets.Secret(remote)
		if err != nil {
			return nil, errors.Wrap(err, "looking up client key")
		}
		if secret != "" {
			return signer.NewLocal(secret)
		}
	}
	return signer.GenerateLocal()
}

// ClientPubkey is the public key this client uses to talk to the remote signer.
func (s *Signer) ClientPubkey() string {
	return s.client.PublicKeyHex()
}

// ClientSecret is the hex private key this client uses to talk to the remote signer.
// Storing it and supplying it on the next Connect lets the remote signer recognize this client.
func (s *Signer) ClientSecret() string {
	return s.client.SecretHex()
}

// URI is the URI the signer was connected with.
func (s *Signer) URI() *URI {
	return s.uri
}

// PublicKey implements signer.Signer.PublicKey.
// It asks the remote signer once and caches the answer.
func (s *Signer) PublicKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	pk := s.userPubkey
	s.mu.Unlock()
	if pk != "" {
		return pk, nil
	}

	pk, err := s.call(ctx, "get_public_key")
	if err != nil {
		return "", err
	}
	if b, err := hex.DecodeString(pk); err != nil || len(b) != 32 {
		return "", errors.Errorf("remote signer returned bad public key %q", pk)
	}

	s.mu.Lock()
	s.userPubkey = pk
	s.mu.Unlock()
	return pk, nil
}

// SignEvent implements signer.Signer.SignEvent.
func (s *Signer) SignEvent(ctx context.Context, tmpl event.Template) (*event.Event, error) {
	pk, err := s.PublicKey(ctx)
	if err != nil {
		return nil, err
	}

	unsigned := event.FromTemplate(tmpl, pk)
	b, err := json.Marshal(struct {
		Kind      int        `json:"kind"`
		Content   string     `json:"content"`
		Tags      event.Tags `json:"tags"`
		CreatedAt int64      `json:"created_at"`
		PubKey    string     `json:"pubkey"`
	}{unsigned.Kind, unsigned.Content, unsigned.Tags, unsigned.CreatedAt, pk})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling event")
	}

	result, err := s.call(ctx, "sign_event", string(b))
	if err != nil {
		return nil, err
	}

	ev := new(event.Event)
	if err := json.Unmarshal([]byte(result), ev); err != nil {
		return nil, errors.Wrap(err, "unmarshaling signed event")
	}
	if ev.ID != unsigned.ID || ev.PubKey != pk {
		return nil, errors.Errorf("remote signer returned a different event (id %s, pubkey %s)", ev.ID, ev.PubKey)
	}
	if err := ev.Verify(); err != nil {
		return nil, errors.Wrap(err, "verifying remotely signed event")
	}
	return ev, nil
}

// Describe asks the remote signer which methods it supports.
func (s *Signer) Describe(ctx context.Context) ([]string, error) {
	result, err := s.call(ctx, "describe")
	if err != nil {
		return nil, err
	}
	var methods []string
	err = json.Unmarshal([]byte(result), &methods)
	return methods, errors.Wrap(err, "unmarshaling describe result")
}

// Ping checks that the remote signer is responsive.
func (s *Signer) Ping(ctx context.Context) error {
	result, err := s.call(ctx, "ping")
	if err != nil {
		return err
	}
	if result != "pong" {
		return errors.Errorf("unexpected ping result %q", result)
	}
	return nil
}

// Close implements signer.Signer.Close.
// Outstanding requests fail.
func (s *Signer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			sub.Close()
		}
		err = s.pool.Close()
	})
	return err
}

func (s *Signer) call(ctx context.Context, method string, params ...string) (string, error) {
	select {
	case <-s.done:
		return "", errors.New("remote signer closed")
	default:
	}

	if params == nil {
		params = []string{}
	}
	req := request{ID: uuid.NewString(), Method: method, Params: params}
	b, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "marshaling request")
	}
	content, err := nip44.Encrypt(string(b), s.key)
	if err != nil {
		return "", errors.Wrap(err, "encrypting request")
	}
	ev, err := s.client.SignEvent(ctx, event.Template{
		Kind:    event.KindNostrConnect,
		Tags:    event.Tags{{"p", s.uri.RemotePubkey}},
		Content: content,
	})
	if err != nil {
		return "", errors.Wrap(err, "signing request")
	}

	ch := make(chan response, 1)
	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	log := s.logger.WithFields(logrus.Fields{"method": method, "id": req.ID})
	log.Debug("sending request")

	if _, ok := s.pool.PublishAll(ctx, s.uri.Relays, ev); !ok {
		return "", &nsite.ConnectionError{Dest: s.uri.RemotePubkey, Err: errors.New("no relay accepted the request")}
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return "", &nsite.RejectionError{Dest: s.uri.RemotePubkey, Message: resp.Error}
		}
		return resp.Result, nil

	case <-timer.C:
		return "", &nsite.ConnectionError{Dest: s.uri.RemotePubkey, Err: errors.Errorf("no response to %s after %s", method, timeout)}

	case <-ctx.Done():
		return "", &nsite.ConnectionError{Dest: s.uri.RemotePubkey, Err: ctx.Err()}

	case <-s.done:
		return "", errors.New("remote signer closed")
	}
}

func (s *Signer) listen(sub *relay.Sub) {
	for {
		select {
		case <-s.done:
			return
		case <-sub.Closed:
			s.logger.Warnf("relay closed subscription: %s", sub.ClosedReason())
			return
		case ev := <-sub.Events:
			if err := s.handle(ev); err != nil {
				s.logger.WithError(err).Debug("ignoring response")
			}
		}
	}
}

func (s *Signer) handle(ev *event.Event) error {
	plaintext, err := nip44.Decrypt(ev.Content, s.key)
	if err != nil {
		return errors.Wrap(err, "decrypting")
	}
	var resp response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return errors.Wrap(err, "unmarshaling")
	}

	if resp.Result == "auth_url" {
		s.logger.WithField("url", resp.Error).Warn("remote signer requires authorization; visit the URL to approve")
		return nil
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		// Unknown, or a duplicate from another relay.
		return nil
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}
