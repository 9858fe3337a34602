package main

import (
	"context"
	"flag"
	"os"

	"github.com/pkg/errors"

	"github.com/bobg/nsite/deploy"
	"github.com/bobg/nsite/relay"
)

func (c maincmd) purge(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var sf siteFlags
	sf.register(fs)
	var (
		root = fs.String("dir", ".", "site directory (for config and locking)")
		all  = fs.Bool("all", false, "take down the whole site")
	)
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}

	paths := fs.Args()
	if len(paths) == 0 && !*all {
		return errors.New("specify paths to remove, or -all")
	}
	if len(paths) > 0 && *all {
		return errors.New("-all takes no paths")
	}

	cfg, err := c.loadConfig(*root)
	if err != nil {
		return err
	}
	sf.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := c.connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pool := relay.NewPool(c.logger)
	defer pool.Close()

	rep, err := deploy.Purge(ctx, deploy.Options{
		Root:      *root,
		Config:    cfg,
		Signer:    s,
		Relays:    pool,
		NewServer: c.newServer(s),
		Logger:    c.logger,
	}, paths)
	if err != nil {
		return errors.Wrap(err, "purging")
	}
	return errors.Wrap(rep.Write(os.Stdout), "writing report")
}
