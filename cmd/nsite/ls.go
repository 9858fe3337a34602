package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/bobg/nsite/manifest"
	"github.com/bobg/nsite/relay"
)

func (c maincmd) ls(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var sf siteFlags
	sf.register(fs)
	var (
		pubkey = fs.String("pubkey", "", "list this publisher's site (default: the configured identity's)")
		long   = fs.Bool("l", false, "long listing: include manifest event and relays")
	)
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

	if *pubkey == "" {
		s, err := c.connect(ctx, cfg)
		if err != nil {
			return err
		}
		*pubkey, err = s.PublicKey(ctx)
		s.Close()
		if err != nil {
			return errors.Wrap(err, "getting public key")
		}
	}

	pool := relay.NewPool(c.logger)
	defer pool.Close()

	remote, err := manifest.Fetch(ctx, pool, manifest.FetchOptions{
		Pubkey:     *pubkey,
		Identifier: cfg.Identifier,
		Relays:     cfg.Relays,
		Servers:    cfg.Servers,
		Logger:     c.logger,
	})
	if err != nil {
		return errors.Wrap(err, "fetching site")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, f := range remote.Files {
		if !*long {
			fmt.Fprintf(w, "%s\t%s\n", f.SHA256, f.Path)
			continue
		}
		var (
			id     string
			relays string
		)
		if f.Source != nil {
			id = f.Source.EventID
			relays = strings.Join(f.Source.Relays, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.SHA256, f.Path, id, relays)
	}
	if *long {
		fmt.Fprintf(w, "servers:\t%s\n", strings.Join(remote.Servers, " "))
		fmt.Fprintf(w, "relays:\t%s\n", strings.Join(remote.Relays, " "))
	}
	return w.Flush()
}
