package deploy

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/breaker"
	"github.com/bobg/nsite/manifest"
	"github.com/bobg/nsite/publish"
	"github.com/bobg/nsite/report"
)

// Purge removes the given paths from the published site
// and deletes their blobs from the servers.
// With no paths it takes down the whole site,
// publishing a deletion event for its manifests.
// Opts.Root is optional; when set, the deploy lock is held.
func Purge(ctx context.Context, opts Options, paths []string) (*report.Report, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := checkOptions(opts); err != nil {
		return nil, err
	}

	cfg := opts.Config
	rep := &report.Report{
		Started:    opts.Clock.Now(),
		Identifier: cfg.Identifier,
	}

	if opts.Root != "" {
		unlock, err := lock(opts.Root)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	pubkey, err := opts.Signer.PublicKey(ctx)
	if err != nil {
		return nil, &nsite.SigningError{Err: err}
	}
	rep.Pubkey = pubkey
	log = log.WithField("site", siteName(pubkey, cfg.Identifier))

	remote, err := manifest.Fetch(ctx, opts.Relays, manifest.FetchOptions{
		Pubkey:     pubkey,
		Identifier: cfg.Identifier,
		Relays:     cfg.Relays,
		Servers:    cfg.Servers,
		Now:        opts.Clock.Now(),
		Logger:     log,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetching published site")
	}
	if len(remote.Manifests) == 0 {
		return nil, &nsite.ValidationError{Field: "site", Msg: "nothing published"}
	}

	var (
		removed, kept []nsite.FileEntry
		want          = make(map[string]bool)
	)
	for _, p := range paths {
		if p = nsite.NormalizePath(p); p != "" {
			want[p] = true
		}
	}
	for _, f := range remote.Files {
		if len(paths) == 0 || want[f.Path] {
			removed = append(removed, f)
			delete(want, f.Path)
		} else {
			kept = append(kept, f)
		}
	}
	for p := range want {
		log.WithField("path", p).Warn("not in published site")
	}
	if len(removed) == 0 {
		rep.Finished = opts.Clock.Now()
		return rep, nil
	}
	for _, f := range removed {
		rep.Removed = append(rep.Removed, f.Path)
	}

	publisher := &publish.Publisher{
		Signer: opts.Signer,
		Pool:   opts.Relays,
		Relays: remote.Relays,
		Logger: log,
	}

	var pub *publish.Publication
	if len(kept) > 0 {
		site := publish.Site{
			Identifier:  cfg.Identifier,
			Title:       cfg.Title,
			Description: cfg.Description,
			Servers:     remote.Servers,
			Relays:      remote.Relays,
		}
		pub, err = publisher.Publish(ctx, publish.Assemble(site, nil, nil, kept))
		if err != nil {
			return rep, errors.Wrap(err, "publishing manifest")
		}
		rep.Publication = pub
	} else {
		var ids []string
		for _, m := range remote.Manifests {
			ids = append(ids, m.EventID)
		}
		pub, err = publisher.Retract(ctx, ids, cfg.Identifier, "site removed")
		if err != nil {
			return rep, errors.Wrap(err, "retracting site")
		}
		rep.Retraction = pub
	}

	if pub.OK {
		tracker := breaker.New(opts.Clock, log)
		rep.Collected = collect(ctx, opts, tracker, remote.Servers, removed, kept, nil, log)
	} else {
		log.Error("no relay accepted the change, keeping blobs")
	}

	rep.Finished = opts.Clock.Now()
	log.Info(rep.Summary())
	return rep, nil
}
