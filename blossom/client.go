package blossom

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/signer"
)

var _ Server = &Client{}

// Client is a Server reached over HTTP.
type Client struct {
	base   string
	hc     *http.Client
	signer signer.Signer
}

// NewClient produces a client for the blob server at baseURL,
// signing authorization events with s.
// If hc is nil, http.DefaultClient is used.
func NewClient(baseURL string, s signer.Signer, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		hc:     hc,
		signer: s,
	}
}

// URL implements Server.URL.
func (c *Client) URL() string { return c.base }

// Has implements Server.Has by sending HEAD /<sha256>.
func (c *Client) Has(ctx context.Context, ref nsite.Ref) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/"+ref.String(), nil)
	if err != nil {
		return false, errors.Wrap(err, "building request")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false, &nsite.ConnectionError{Dest: c.base, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	}
	return false, c.statusError(resp)
}

// Upload implements Server.Upload by sending PUT /upload
// with a signed authorization for the data's hash.
func (c *Client) Upload(ctx context.Context, data []byte, contentType string) (*Descriptor, error) {
	ref := nsite.RefOf(data)

	auth, err := c.authorize(ctx, ActionUpload, ref)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base+"/upload", bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", auth)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &nsite.ConnectionError{Dest: c.base, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	desc := new(Descriptor)
	if err := json.NewDecoder(resp.Body).Decode(desc); err != nil || desc.SHA256 == "" {
		// Some servers answer with an empty body.
		desc = &Descriptor{
			URL:      c.base + "/" + ref.String(),
			SHA256:   ref.String(),
			Size:     int64(len(data)),
			Type:     contentType,
			Uploaded: time.Now().Unix(),
		}
	}
	if desc.SHA256 != ref.String() {
		return nil, &nsite.RejectionError{Dest: c.base, Status: resp.StatusCode, Message: "server reported hash " + desc.SHA256}
	}
	return desc, nil
}

// Delete implements Server.Delete by sending DELETE /<sha256>.
func (c *Client) Delete(ctx context.Context, ref nsite.Ref) error {
	auth, err := c.authorize(ctx, ActionDelete, ref)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/"+ref.String(), nil)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", auth)

	resp, err := c.hc.Do(req)
	if err != nil {
		return &nsite.ConnectionError{Dest: c.base, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(nsite.ErrNotFound, "deleting %s", ref)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	}
	return c.statusError(resp)
}

func (c *Client) authorize(ctx context.Context, action string, ref nsite.Ref) (string, error) {
	if c.signer == nil {
		return "", &nsite.ValidationError{Field: "signer", Msg: "blob server client has no signer"}
	}
	ev, err := signer.Sign(ctx, c.signer, AuthTemplate(action, ref, time.Now()))
	if err != nil {
		return "", err
	}
	return AuthHeader(ev)
}

// statusError classifies an unsuccessful response.
// Server-side errors are ConnectionErrors, so they are retried.
func (c *Client) statusError(resp *http.Response) error {
	msg := resp.Header.Get("X-Reason")
	if msg == "" {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		msg = strings.TrimSpace(string(b))
	}
	if resp.StatusCode >= 500 {
		return &nsite.ConnectionError{Dest: c.base, Err: errors.Errorf("status %d: %s", resp.StatusCode, msg)}
	}
	rej := &nsite.RejectionError{Dest: c.base, Status: resp.StatusCode, Message: msg}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &nsite.RateLimitError{RejectionError: rej}
	}
	return rej
}
