// Package lru implements a blob server wrapper that remembers,
// in a least-recently-used cache,
// which blobs a nested server is known to hold.
package lru

import (
	"context"

	lru "github.com/hashicorp/golang-lru"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
)

var _ blossom.Server = &Server{}

// Server caches positive answers from a nested blob server's Has method.
// Negative answers are not cached.
// Uploads pass through without touching the cache,
// so a later Has still asks the nested server whether the upload stuck.
// Deletes evict.
type Server struct {
	c *lru.Cache // Ref->struct{}
	s blossom.Server
}

// New produces a new Server wrapping s and remembering up to size refs.
func New(s blossom.Server, size int) (*Server, error) {
	c, err := lru.New(size)
	return &Server{s: s, c: c}, err
}

// URL implements blossom.Server.URL.
func (s *Server) URL() string { return s.s.URL() }

// Has implements blossom.Server.Has.
func (s *Server) Has(ctx context.Context, ref nsite.Ref) (bool, error) {
	if _, ok := s.c.Get(ref); ok {
		return true, nil
	}
	has, err := s.s.Has(ctx, ref)
	if err != nil {
		return false, err
	}
	if has {
		s.c.Add(ref, struct{}{})
	}
	return has, nil
}

// Upload implements blossom.Server.Upload.
func (s *Server) Upload(ctx context.Context, data []byte, contentType string) (*blossom.Descriptor, error) {
	return s.s.Upload(ctx, data, contentType)
}

// Delete implements blossom.Server.Delete.
func (s *Server) Delete(ctx context.Context, ref nsite.Ref) error {
	s.c.Remove(ref)
	return s.s.Delete(ctx, ref)
}
