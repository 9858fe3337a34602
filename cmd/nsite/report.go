package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/nsite/report"
)

func (c maincmd) report(ctx context.Context, fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err != nil {
		return errors.Wrap(err, "parsing args")
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: report DBFILE [RUN]")
	}

	db, err := report.Open(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	defer db.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)

	if fs.NArg() == 1 {
		ids, err := report.Runs(ctx, db)
		if err != nil {
			return err
		}
		for _, id := range ids {
			run, err := report.Load(ctx, db, id)
			if err != nil {
				return err
			}
			status := "ok"
			if run.Failed {
				status = "FAILED"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d files\n", run.ID, run.Started.Local().Format(time.RFC3339), siteName(run), status, len(run.Files))
		}
		return w.Flush()
	}

	id, err := strconv.ParseInt(fs.Arg(1), 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing run id %s", fs.Arg(1))
	}
	run, err := report.Load(ctx, db, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "site:\t%s\n", siteName(run))
	fmt.Fprintf(w, "started:\t%s\n", run.Started.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "took:\t%s\n", run.Finished.Sub(run.Started))
	if run.ManifestID != "" {
		fmt.Fprintf(w, "manifest:\t%s\n", run.ManifestID)
	}
	for _, f := range run.Files {
		status := "ok"
		if !f.Success {
			status = "FAILED " + f.Err
		}
		fmt.Fprintf(w, "%s\t%s\t%d attempt(s)\t%s\n", f.Path, f.SHA256, f.Attempts, status)
	}
	for _, d := range run.Destinations {
		status := "ok"
		switch {
		case d.AlreadyExists:
			status = "already present"
		case !d.Success:
			status = d.Err
		}
		what := d.Path
		if d.Kind == report.KindRelay {
			what = "manifest"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Kind, d.URL, what, status)
	}
	return w.Flush()
}

func siteName(run *report.Run) string {
	if run.Identifier == "" {
		return run.Pubkey
	}
	return run.Pubkey + "/" + run.Identifier
}
