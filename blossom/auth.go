package blossom

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/event"
)

// Actions an authorization event can grant.
const (
	ActionUpload = "upload"
	ActionDelete = "delete"
)

// AuthLifetime is how long an authorization event remains valid.
const AuthLifetime = time.Hour

const authScheme = "Nostr "

// AuthTemplate produces the unsigned authorization event for performing action on the blob ref.
func AuthTemplate(action string, ref nsite.Ref, now time.Time) event.Template {
	var content string
	switch action {
	case ActionUpload:
		content = "Upload " + ref.String()
	case ActionDelete:
		content = "Delete " + ref.String()
	default:
		content = action + " " + ref.String()
	}
	return event.Template{
		CreatedAt: now.Unix(),
		Kind:      event.KindBlobAuth,
		Tags: event.Tags{
			{"t", action},
			{"x", ref.String()},
			{"expiration", strconv.FormatInt(now.Add(AuthLifetime).Unix(), 10)},
		},
		Content: content,
	}
}

// AuthHeader is the value of the Authorization header carrying ev.
func AuthHeader(ev *event.Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", errors.Wrap(err, "marshaling auth event")
	}
	return authScheme + base64.StdEncoding.EncodeToString(b), nil
}

// ParseAuthHeader is the inverse of AuthHeader.
func ParseAuthHeader(h string) (*event.Event, error) {
	if !strings.HasPrefix(h, authScheme) {
		return nil, errors.New("missing Nostr authorization scheme")
	}
	b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h, authScheme))
	if err != nil {
		return nil, errors.Wrap(err, "decoding auth header")
	}
	ev := new(event.Event)
	if err := json.Unmarshal(b, ev); err != nil {
		return nil, errors.Wrap(err, "unmarshaling auth event")
	}
	return ev, nil
}

// CheckAuth tells whether ev is a valid authorization, at time now,
// to perform action on ref.
func CheckAuth(ev *event.Event, action string, ref nsite.Ref, now time.Time) error {
	if ev.Kind != event.KindBlobAuth {
		return errors.Errorf("auth event has kind %d", ev.Kind)
	}
	if err := ev.Verify(); err != nil {
		return errors.Wrap(err, "verifying auth event")
	}
	if got := ev.Tags.Value("t"); got != action {
		return errors.Errorf("auth event is for %q, not %q", got, action)
	}
	var found bool
	for _, x := range ev.Tags.FindAll("x") {
		if x.Value() == ref.String() {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("auth event does not cover %s", ref)
	}
	exp, err := strconv.ParseInt(ev.Tags.Value("expiration"), 10, 64)
	if err != nil {
		return errors.Wrap(err, "parsing expiration")
	}
	if now.Unix() >= exp {
		return errors.New("auth event expired")
	}
	return nil
}
