package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
)

// BlossomBehavior controls how a fake Blossom server misbehaves.
type BlossomBehavior struct {
	// HeadFailures is how many HEAD requests get a 503 before the server starts answering normally.
	HeadFailures int

	// HeadStatus, if set, is the status of every HEAD response.
	HeadStatus int

	// UploadStatus, if set, is the status of every PUT response,
	// and the blob is not stored.
	UploadStatus int

	// ForgetUploads servers answer PUT with 200 but don't store the blob.
	ForgetUploads bool
}

// Blossom is an in-memory blob server speaking the Blossom HTTP API.
type Blossom struct {
	URL string

	srv *httptest.Server

	mu       sync.Mutex
	behavior BlossomBehavior
	blobs    map[nsite.Ref][]byte
	heads    int
	puts     int
	deletes  int
}

// NewBlossom starts a fake Blossom server that is shut down when the test ends.
func NewBlossom(t *testing.T) *Blossom {
	t.Helper()
	b := &Blossom{blobs: make(map[nsite.Ref][]byte)}
	b.srv = httptest.NewServer(http.HandlerFunc(b.serve))
	b.URL = b.srv.URL
	t.Cleanup(b.srv.Close)
	return b
}

// SetBehavior changes how the server responds.
func (b *Blossom) SetBehavior(behavior BlossomBehavior) {
	b.mu.Lock()
	b.behavior = behavior
	b.mu.Unlock()
}

// Add stores data directly.
func (b *Blossom) Add(data []byte) nsite.Ref {
	ref := nsite.RefOf(data)
	b.mu.Lock()
	b.blobs[ref] = append([]byte(nil), data...)
	b.mu.Unlock()
	return ref
}

// Holds tells whether the server has the blob with the given ref.
func (b *Blossom) Holds(ref nsite.Ref) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[ref]
	return ok
}

// Counts tells how many HEAD, PUT, and DELETE requests the server has received.
func (b *Blossom) Counts() (heads, puts, deletes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heads, b.puts, b.deletes
}

func (b *Blossom) serve(w http.ResponseWriter, req *http.Request) {
	switch {
	case req.Method == http.MethodHead:
		b.serveHead(w, req)
	case req.Method == http.MethodPut && req.URL.Path == "/upload":
		b.servePut(w, req)
	case req.Method == http.MethodDelete:
		b.serveDelete(w, req)
	default:
		http.Error(w, "not supported", http.StatusMethodNotAllowed)
	}
}

func (b *Blossom) refFromPath(w http.ResponseWriter, req *http.Request) (nsite.Ref, bool) {
	name := strings.TrimPrefix(req.URL.Path, "/")
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		name = name[:idx]
	}
	ref, err := nsite.RefFromHex(name)
	if err != nil {
		http.Error(w, "bad hash", http.StatusBadRequest)
		return ref, false
	}
	return ref, true
}

func (b *Blossom) serveHead(w http.ResponseWriter, req *http.Request) {
	ref, ok := b.refFromPath(w, req)
	if !ok {
		return
	}

	b.mu.Lock()
	b.heads++
	var (
		status    int
		_, exists = b.blobs[ref]
	)
	switch {
	case b.behavior.HeadFailures > 0:
		b.behavior.HeadFailures--
		status = http.StatusServiceUnavailable
	case b.behavior.HeadStatus != 0:
		status = b.behavior.HeadStatus
	case exists:
		status = http.StatusOK
	default:
		status = http.StatusNotFound
	}
	b.mu.Unlock()

	w.WriteHeader(status)
}

func (b *Blossom) checkAuth(w http.ResponseWriter, req *http.Request, action string, ref nsite.Ref) bool {
	ev, err := blossom.ParseAuthHeader(req.Header.Get("Authorization"))
	if err == nil {
		err = blossom.CheckAuth(ev, action, ref, time.Now())
	}
	if err != nil {
		w.Header().Set("X-Reason", err.Error())
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (b *Blossom) servePut(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ref := nsite.RefOf(data)

	b.mu.Lock()
	b.puts++
	behavior := b.behavior
	b.mu.Unlock()

	if !b.checkAuth(w, req, blossom.ActionUpload, ref) {
		return
	}
	if behavior.UploadStatus != 0 {
		w.Header().Set("X-Reason", "upload refused")
		w.WriteHeader(behavior.UploadStatus)
		return
	}
	if !behavior.ForgetUploads {
		b.Add(data)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(blossom.Descriptor{
		URL:      b.URL + "/" + ref.String(),
		SHA256:   ref.String(),
		Size:     int64(len(data)),
		Type:     req.Header.Get("Content-Type"),
		Uploaded: time.Now().Unix(),
	})
}

func (b *Blossom) serveDelete(w http.ResponseWriter, req *http.Request) {
	ref, ok := b.refFromPath(w, req)
	if !ok {
		return
	}

	b.mu.Lock()
	b.deletes++
	b.mu.Unlock()

	if !b.checkAuth(w, req, blossom.ActionDelete, ref) {
		return
	}

	b.mu.Lock()
	_, exists := b.blobs[ref]
	delete(b.blobs, ref)
	b.mu.Unlock()

	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
