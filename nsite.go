package nsite

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/pkg/errors"
)

// Ref is the ref of a blob: its sha256 hash.
type Ref [sha256.Size]byte

// Zero is the zero value of a Ref.
var Zero Ref

// RefOf computes the Ref of some bytes.
func RefOf(b []byte) Ref {
	return sha256.Sum256(b)
}

// String renders r as 64 lowercase hex digits.
func (r Ref) String() string {
	return hex.EncodeToString(r[:])
}

// IsZero tells whether r is the zero Ref.
func (r Ref) IsZero() bool {
	return r == Zero
}

func (r Ref) Less(other Ref) bool {
	return bytes.Compare(r[:], other[:]) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (r Ref) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Ref) UnmarshalText(text []byte) error {
	parsed, err := RefFromHex(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RefFromHex parses a Ref from its hex form.
// Only the canonical lowercase 64-digit form is accepted.
func RefFromHex(s string) (Ref, error) {
	var out Ref
	if len(s) != 2*sha256.Size {
		return out, errors.Errorf("ref %q has wrong length %d", s, len(s))
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return out, errors.Errorf("ref %q is not lowercase hex", s)
		}
	}
	_, err := hex.Decode(out[:], []byte(s))
	return out, errors.Wrapf(err, "decoding ref %q", s)
}
