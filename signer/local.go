package signer

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

var _ Signer = &Local{}

// Local is a Signer holding a private key in memory.
type Local struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewLocal produces a Local signer from a hex-encoded private key.
func NewLocal(keyHex string) (*Local, error) {
	b, err := hex.DecodeString(keyHex)
	if err != nil || len(b) != 32 {
		return nil, &nsite.ValidationError{Field: "identity", Msg: "private key must be 64 hex digits"}
	}
	priv, _ := btcec.PrivKeyFromBytes(b)
	return newLocal(priv), nil
}

// GenerateLocal produces a Local signer with a fresh random key.
func GenerateLocal() (*Local, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating key")
	}
	return newLocal(priv), nil
}

func newLocal(priv *btcec.PrivateKey) *Local {
	return &Local{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PublicKey implements Signer.
func (l *Local) PublicKey(context.Context) (string, error) {
	return l.pubHex, nil
}

// PublicKeyHex is PublicKey without the context or error.
func (l *Local) PublicKeyHex() string {
	return l.pubHex
}

// SecretHex returns the private key as hex.
func (l *Local) SecretHex() string {
	return hex.EncodeToString(l.priv.Serialize())
}

// PrivateKey returns the underlying key,
// for protocols (like encrypted signer transport) that need more than signatures.
func (l *Local) PrivateKey() *btcec.PrivateKey {
	return l.priv
}

// SignEvent implements Signer.
func (l *Local) SignEvent(_ context.Context, tmpl event.Template) (*event.Event, error) {
	ev := event.FromTemplate(tmpl, l.pubHex)
	h := ev.Hash()
	sig, err := schnorr.Sign(l.priv, h[:])
	if err != nil {
		return nil, errors.Wrap(err, "computing signature")
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return ev, nil
}

// Close implements Signer.
func (l *Local) Close() error { return nil }
