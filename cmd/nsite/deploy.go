package main

import (
	"context"
	"flag"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"

	"github.com/bobg/nsite/deploy"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/report"
	"github.com/bobg/nsite/upload"
)

func (c maincmd) deploy(ctx context.Context, fs *flag.FlagSet, args []string) error {
	var sf siteFlags
	sf.register(fs)
	var (
		purge    = fs.Bool("purge", false, "remove published files that no longer exist locally")
		retract  = fs.Bool("retract", false, "publish a deletion event for superseded manifests")
		force    = fs.Bool("force", false, "publish a manifest even if nothing changed")
		quiet    = fs.Bool("q", false, "no progress bar")
		reportDB = fs.String("report", "", "sqlite file in which to record the run")
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

	opts := deploy.Options{
		Root:      root,
		Config:    cfg,
		Signer:    s,
		Relays:    pool,
		NewServer: c.newServer(s),
		Purge:     *purge,
		Retract:   *retract,
		Force:     *force,
		Logger:    c.logger,
	}

	bar := new(progressBar)
	if !*quiet {
		opts.Progress = bar.update
	}

	rep, err := deploy.Run(ctx, opts)
	bar.finish()
	if err != nil {
		return errors.Wrap(err, "deploying")
	}

	if err := rep.Write(os.Stdout); err != nil {
		return errors.Wrap(err, "writing report")
	}
	if *reportDB != "" {
		if err := exportReport(ctx, *reportDB, rep); err != nil {
			return err
		}
	}
	if rep.Failed() {
		return errors.New("some files could not be uploaded")
	}
	return nil
}

func exportReport(ctx context.Context, filename string, rep *report.Report) error {
	db, err := report.Open(ctx, filename)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = report.Export(ctx, db, rep)
	return errors.Wrapf(err, "saving report to %s", filename)
}

// progressBar shows upload progress.
// Its update method is an upload.ProgressFunc.
type progressBar struct {
	bar *pb.ProgressBar
}

func (p *progressBar) update(s upload.Stats) {
	if p.bar == nil {
		p.bar = pb.New(s.Total)
		p.bar.SetTemplateString(`{{counters . }} {{bar . }} {{percent . }} {{string . "path"}}`)
		p.bar.Start()
	}
	p.bar.SetCurrent(int64(s.Done()))
	p.bar.Set("path", s.Path)
}

func (p *progressBar) finish() {
	if p.bar != nil {
		p.bar.Finish()
	}
}
