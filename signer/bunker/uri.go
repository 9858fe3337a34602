package bunker

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/bobg/nsite"
)

// Scheme is the URI scheme for remote signers.
const Scheme = "bunker"

// URI is a parsed bunker://<remote-pubkey>?relay=...&secret=... URI.
type URI struct {
	// RemotePubkey is the key the remote signer uses to talk to clients.
	// It need not be the key it signs with.
	RemotePubkey string

	Relays []string
	Secret string
}

// ParseURI parses a bunker URI.
func ParseURI(s string) (*URI, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, &nsite.ValidationError{Field: "bunker URI", Msg: err.Error()}
	}
	if u.Scheme != Scheme {
		return nil, &nsite.ValidationError{Field: "bunker URI", Msg: "scheme is not " + Scheme}
	}

	pubkey := u.Host
	if pubkey == "" {
		pubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	pubkey = strings.ToLower(pubkey)
	if b, err := hex.DecodeString(pubkey); err != nil || len(b) != 32 {
		return nil, &nsite.ValidationError{Field: "bunker URI", Msg: "bad remote pubkey " + pubkey}
	}

	q := u.Query()
	result := &URI{
		RemotePubkey: pubkey,
		Secret:       q.Get("secret"),
	}
	for _, r := range q["relay"] {
		ru, err := url.Parse(r)
		if err != nil || (ru.Scheme != "ws" && ru.Scheme != "wss") {
			return nil, &nsite.ValidationError{Field: "bunker URI", Msg: "bad relay " + r}
		}
		result.Relays = append(result.Relays, r)
	}
	if len(result.Relays) == 0 {
		return nil, &nsite.ValidationError{Field: "bunker URI", Msg: "no relays"}
	}
	return result, nil
}

// String renders u as a URI.
func (u *URI) String() string {
	q := url.Values{}
	for _, r := range u.Relays {
		q.Add("relay", r)
	}
	if u.Secret != "" {
		q.Set("secret", u.Secret)
	}
	return Scheme + "://" + u.RemotePubkey + "?" + q.Encode()
}
