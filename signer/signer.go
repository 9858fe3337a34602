// Package signer defines the capability to sign events on behalf of a publisher,
// and a registry of ways to obtain one.
package signer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

// Signer holds (or can reach) the private key for one public key.
type Signer interface {
	// PublicKey returns the signer's public key as 64 hex digits.
	PublicKey(context.Context) (string, error)

	// SignEvent fills in the pubkey, ID, and signature for tmpl.
	// It may block, e.g. waiting on a remote signer.
	SignEvent(context.Context, event.Template) (*event.Event, error)

	// Close releases any resources held by the signer.
	Close() error
}

// SecretSource looks up stored secrets by public key.
type SecretSource interface {
	// Secret returns the secret stored for pubkey,
	// or "" with no error if there is none.
	Secret(pubkey string) (string, error)
}

// Options are passed to a Factory.
type Options struct {
	Secrets SecretSource
	Logger  logrus.FieldLogger
}

// Factory creates a Signer from a URI.
type Factory func(ctx context.Context, uri string, opts Options) (Signer, error)

var registry = make(map[string]Factory)

// Register makes a Factory available to Connect for URIs with the given scheme.
func Register(scheme string, f Factory) {
	registry[scheme] = f
}

// Connect produces a Signer from a URI.
// A bare 64-digit hex string is a private key and yields a Local signer.
// Anything else is dispatched on its scheme
// (e.g. "bunker://...")
// to a Factory added with Register.
func Connect(ctx context.Context, uri string, opts Options) (Signer, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, &nsite.ValidationError{Field: "identity", Msg: "no signer configured"}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	idx := strings.Index(uri, "://")
	if idx < 0 {
		return NewLocal(uri)
	}

	scheme := uri[:idx]
	f, ok := registry[scheme]
	if !ok {
		return nil, &nsite.ValidationError{Field: "identity", Msg: "unknown signer scheme " + scheme}
	}
	s, err := f(ctx, uri, opts)
	return s, errors.Wrapf(err, "connecting %s signer", scheme)
}

// Sign calls s.SignEvent, wrapping any failure in a nsite.SigningError.
func Sign(ctx context.Context, s Signer, tmpl event.Template) (*event.Event, error) {
	ev, err := s.SignEvent(ctx, tmpl)
	if err != nil {
		return nil, &nsite.SigningError{Err: err}
	}
	return ev, nil
}
