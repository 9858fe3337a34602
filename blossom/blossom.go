// Package blossom is a client for blob servers speaking the Blossom HTTP API,
// which stores blobs under their sha256 hashes.
package blossom

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bobg/nsite"
)

// Server is a blob server.
// Implementations must be safe for concurrent use.
type Server interface {
	// URL identifies the server.
	URL() string

	// Has tells whether the server holds the blob with the given hash.
	// A definitive "no" is (false, nil), not an error.
	Has(context.Context, nsite.Ref) (bool, error)

	// Upload stores data on the server.
	Upload(ctx context.Context, data []byte, contentType string) (*Descriptor, error)

	// Delete removes the blob with the given hash.
	// It returns nsite.ErrNotFound if the server does not have it.
	Delete(context.Context, nsite.Ref) error
}

// Descriptor is a blob server's description of a stored blob.
type Descriptor struct {
	URL      string `json:"url"`
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Type     string `json:"type,omitempty"`
	Uploaded int64  `json:"uploaded"`
}

// UploadedAt is d.Uploaded as a time.Time.
func (d *Descriptor) UploadedAt() time.Time {
	return time.Unix(d.Uploaded, 0)
}

func (d *Descriptor) String() string {
	b, _ := json.Marshal(d)
	return string(b)
}
