// Package logging implements a blob server wrapper that delegates everything to a nested server,
// logging operations as they happen.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
)

var _ blossom.Server = &Server{}

type Server struct {
	s   blossom.Server
	log logrus.FieldLogger
}

func New(s blossom.Server, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{s: s, log: logger.WithField("server", s.URL())}
}

func (s *Server) URL() string { return s.s.URL() }

func (s *Server) Has(ctx context.Context, ref nsite.Ref) (bool, error) {
	has, err := s.s.Has(ctx, ref)
	log := s.log.WithField("ref", ref)
	if err != nil {
		log.WithError(err).Info("ERROR in Has")
	} else {
		log.Debugf("Has: %v", has)
	}
	return has, err
}

func (s *Server) Upload(ctx context.Context, data []byte, contentType string) (*blossom.Descriptor, error) {
	desc, err := s.s.Upload(ctx, data, contentType)
	log := s.log.WithFields(logrus.Fields{"ref": nsite.RefOf(data), "size": len(data)})
	if err != nil {
		log.WithError(err).Info("ERROR in Upload")
	} else {
		log.Debug("Upload")
	}
	return desc, err
}

func (s *Server) Delete(ctx context.Context, ref nsite.Ref) error {
	err := s.s.Delete(ctx, ref)
	log := s.log.WithField("ref", ref)
	if err != nil {
		log.WithError(err).Info("ERROR in Delete")
	} else {
		log.Debug("Delete")
	}
	return err
}
