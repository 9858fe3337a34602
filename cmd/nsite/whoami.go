package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/bobg/nsite/signer/bunker"
)

func (c maincmd) whoami(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var sf siteFlags
	sf.register(fs)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	root := "."
	if fs.NArg() > 0 {
		root = fs.Arg(0)
	}

	cfg, err := c.loadConfig(root)
	if err != nil {
		return err
	}
	sf.apply(cfg)

	s, err := c.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pubkey, err := s.PublicKey(ctx)
	if err != nil {
		return errors.Wrap(err, "getting public key")
	}
	fmt.Println(pubkey)

	if b, ok := s.(*bunker.Signer); ok {
		fmt.Printf("remote signer %s, client key %s\n", b.URI().RemotePubkey, b.ClientPubkey())
		methods, err := b.Describe(ctx)
		if err != nil {
			c.logger.WithError(err).Debug("remote signer did not describe itself")
		} else {
			fmt.Printf("methods: %v\n", methods)
		}
	}
	return nil
}
