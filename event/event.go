// Package event implements the signed-event format shared by relays, manifests, and signers.
package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/pkg/errors"
)

// Event kinds used by this module.
const (
	KindDeletion     = 5
	KindRelayList    = 10002
	KindServerList   = 10063
	KindRootSite     = 15128
	KindNostrConnect = 24133
	KindBlobAuth     = 24242
	KindNamedSite    = 35128
)

// Event is a signed event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Template is an unsigned event.
// A Signer turns it into an Event.
type Template struct {
	CreatedAt int64
	Kind      int
	Tags      Tags
	Content   string
}

// Time returns e.CreatedAt as a time.Time.
func (e *Event) Time() time.Time {
	return time.Unix(e.CreatedAt, 0)
}

// Serialize produces the canonical form of e that its ID is the hash of:
// the JSON array [0, pubkey, created_at, kind, tags, content]
// with no whitespace and minimal string escaping.
func (e *Event) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString(`[0,`)
	writeString(&buf, e.PubKey)
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(e.Kind))
	buf.WriteString(`,[`)
	for i, tag := range e.Tags {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		for j, s := range tag {
			if j > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, s)
		}
		buf.WriteByte(']')
	}
	buf.WriteString(`],`)
	writeString(&buf, e.Content)
	buf.WriteByte(']')
	return buf.Bytes()
}

// Hash is the sha256 of e.Serialize().
func (e *Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// ComputeID returns the hex ID that e should have.
func (e *Event) ComputeID() string {
	h := e.Hash()
	return hex.EncodeToString(h[:])
}

// Verify checks that e.ID matches e's content
// and that e.Sig is a valid signature of it by e.PubKey.
func (e *Event) Verify() error {
	h := e.Hash()
	if hex.EncodeToString(h[:]) != e.ID {
		return errors.Errorf("event id %s does not match content", e.ID)
	}
	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return errors.Wrap(err, "decoding pubkey")
	}
	pk, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return errors.Wrap(err, "parsing pubkey")
	}
	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return errors.Wrap(err, "decoding signature")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return errors.Wrap(err, "parsing signature")
	}
	if !sig.Verify(h[:], pk) {
		return errors.Errorf("bad signature on event %s", e.ID)
	}
	return nil
}

// FromTemplate fills in an unsigned Event from tmpl for the given pubkey,
// computing its ID.
// A zero tmpl.CreatedAt means now.
func FromTemplate(tmpl Template, pubkey string) *Event {
	ev := &Event{
		PubKey:    pubkey,
		CreatedAt: tmpl.CreatedAt,
		Kind:      tmpl.Kind,
		Tags:      tmpl.Tags,
		Content:   tmpl.Content,
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if ev.Tags == nil {
		ev.Tags = Tags{}
	}
	ev.ID = ev.ComputeID()
	return ev
}

// IsReplaceable tells whether only the newest event of this kind per pubkey is kept.
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000)
}

// IsAddressable tells whether only the newest event of this kind per (pubkey, d tag) is kept.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if c < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, c)
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte('"')
}
