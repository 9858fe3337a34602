// Package deploy publishes a local directory as a site:
// it scans the directory, compares it with what is already published,
// uploads what is missing, and publishes a new manifest.
package deploy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bobg/flock"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite"
	"github.com/bobg/nsite/blossom"
	"github.com/bobg/nsite/breaker"
	"github.com/bobg/nsite/config"
	"github.com/bobg/nsite/event"
	"github.com/bobg/nsite/gc"
	"github.com/bobg/nsite/manifest"
	"github.com/bobg/nsite/publish"
	"github.com/bobg/nsite/reconcile"
	"github.com/bobg/nsite/relay"
	"github.com/bobg/nsite/report"
	"github.com/bobg/nsite/scan"
	"github.com/bobg/nsite/signer"
	"github.com/bobg/nsite/upload"
)

// LockFile is the lock held for the duration of a deploy,
// relative to the site root.
const LockFile = config.Dir + "/deploy.lock"

// FallbackPath is where the fallback file is bound.
const FallbackPath = "/404.html"

// Relays is what a deploy needs from the relay network.
// It is implemented by *relay.Pool.
type Relays interface {
	manifest.Querier
	publish.Broadcaster
}

var _ Relays = &relay.Pool{}

// ServerFunc produces a blob-server client for a URL.
type ServerFunc func(url string) (blossom.Server, error)

// Options control a deploy.
type Options struct {
	// Root is the directory to publish.
	Root string

	Config *config.Config
	Signer signer.Signer
	Relays Relays

	// NewServer produces blob-server clients.
	// The default is a plain blossom.Client using Signer.
	NewServer ServerFunc

	// Purge removes remote paths that no longer exist locally,
	// deleting their blobs from the servers.
	Purge bool

	// Retract publishes a deletion event for superseded manifests.
	Retract bool

	// Force publishes a manifest even when nothing changed.
	Force bool

	Progress upload.ProgressFunc
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger
}

var flocker flock.Locker

// Run performs a deploy.
// Only problems that make a deploy impossible produce an error
// (invalid inputs, an unusable signer).
// Everything else, including failed files, is in the Report;
// see Report.Failed.
func Run(ctx context.Context, opts Options) (*report.Report, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := preflight(opts); err != nil {
		return nil, err
	}

	cfg := opts.Config
	rep := &report.Report{
		Started:    opts.Clock.Now(),
		Identifier: cfg.Identifier,
	}

	unlock, err := lock(opts.Root)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pubkey, err := opts.Signer.PublicKey(ctx)
	if err != nil {
		return nil, &nsite.SigningError{Err: err}
	}
	rep.Pubkey = pubkey
	log = log.WithField("site", siteName(pubkey, cfg.Identifier))

	local, err := scanLocal(opts.Root, cfg.Fallback, log)
	if err != nil {
		return nil, err
	}

	remote, err := manifest.Fetch(ctx, opts.Relays, manifest.FetchOptions{
		Pubkey:     pubkey,
		Identifier: cfg.Identifier,
		Relays:     cfg.Relays,
		Servers:    cfg.Servers,
		Now:        opts.Clock.Now(),
		Logger:     log,
	})
	var verr *nsite.ValidationError
	switch {
	case errors.As(err, &verr):
		return nil, err
	case err != nil:
		log.WithError(err).Warn("could not fetch the published site, treating it as empty")
		remote = &manifest.Remote{
			Relays:  manifest.ResolveRelays(cfg.Relays, nil),
			Servers: manifest.ResolveServers(nil, nil, cfg.Servers),
		}
	}

	plan := reconcile.Reconcile(local, remote.Files)
	rep.Unchanged = len(plan.Unchanged)
	log.WithFields(logrus.Fields{
		"upload":    len(plan.ToUpload),
		"unchanged": len(plan.Unchanged),
		"remote":    len(plan.ToDelete),
	}).Info("compared with published site")

	uploadServers, err := makeServers(opts, cfg.Servers)
	if err != nil {
		return nil, err
	}

	tracker := breaker.New(opts.Clock, log)

	orch := upload.New(uploadServers, tracker, log)
	orch.Concurrency = cfg.Concurrency
	orch.Clock = opts.Clock
	orch.Progress = opts.Progress
	rep.Files = orch.Run(ctx, plan.ToUpload)

	var (
		remoteByPath = make(map[string]nsite.FileEntry, len(remote.Files))
		uploaded     []nsite.FileEntry
		retained     []nsite.FileEntry
		removed      []nsite.FileEntry
	)
	for _, f := range remote.Files {
		remoteByPath[f.Path] = f
	}
	for _, r := range rep.Files {
		if r.Success {
			uploaded = append(uploaded, r.File)
			continue
		}
		// Keep serving the old version of a changed file that could not be uploaded.
		if old, ok := remoteByPath[r.File.Path]; ok {
			retained = append(retained, old)
		}
	}
	if opts.Purge {
		removed = plan.ToDelete
		for _, f := range removed {
			rep.Removed = append(rep.Removed, f.Path)
		}
	} else {
		retained = append(retained, plan.ToDelete...)
	}

	if len(uploaded) == 0 && len(removed) == 0 && len(remote.Manifests) > 0 && !opts.Force {
		if n := len(rep.Files); n > 0 {
			log.WithField("failed", n).Error("no files could be uploaded, leaving the published manifest as is")
		} else {
			log.Info("published site is up to date")
		}
		rep.Finished = opts.Clock.Now()
		return rep, nil
	}

	site := publish.Site{
		Identifier:  cfg.Identifier,
		Title:       cfg.Title,
		Description: cfg.Description,
		Servers:     manifest.ResolveServers(nil, nil, cfg.Servers),
		Relays:      remote.Relays,
	}
	m := publish.Assemble(site, plan.Unchanged, uploaded, retained)
	if len(m.Paths) == 0 {
		log.Error("no files could be uploaded, not publishing")
		rep.Finished = opts.Clock.Now()
		return rep, nil
	}

	publisher := &publish.Publisher{
		Signer: opts.Signer,
		Pool:   opts.Relays,
		Relays: remote.Relays,
		Logger: log,
	}
	pub, err := publisher.Publish(ctx, m)
	if err != nil {
		return rep, errors.Wrap(err, "publishing manifest")
	}
	rep.Publication = pub
	for i := range rep.Files {
		if rep.Files[i].Success {
			rep.Files[i].EventID = pub.Event.ID
			rep.Files[i].EventPublished = pub.OK
		}
	}
	if rl := pub.RateLimited(); len(rl) > 0 {
		log.WithField("relays", rl).Warn("rate limited by some relays, try again later")
	}

	if pub.OK {
		if len(removed) > 0 {
			rep.Collected = collect(ctx, opts, tracker, remote.Servers, removed, local, retained, log)
		}
		if opts.Retract {
			rep.Retraction = retract(ctx, publisher, remote.Manifests, pub.Event, log)
		}
		announce(ctx, publisher, cfg, site.Servers, remote.Relays, log)
	}

	rep.Finished = opts.Clock.Now()
	log.Info(rep.Summary())
	return rep, nil
}

func preflight(opts Options) error {
	if err := checkOptions(opts); err != nil {
		return err
	}
	info, err := os.Stat(opts.Root)
	if err != nil {
		return &nsite.ValidationError{Field: "root", Msg: err.Error()}
	}
	if !info.IsDir() {
		return &nsite.ValidationError{Field: "root", Msg: opts.Root + " is not a directory"}
	}
	return nil
}

func checkOptions(opts Options) error {
	if opts.Config == nil {
		return &nsite.ValidationError{Field: "config", Msg: "missing"}
	}
	if err := opts.Config.Validate(); err != nil {
		return err
	}
	if opts.Signer == nil {
		return &nsite.ValidationError{Field: "identity", Msg: "no signer"}
	}
	if opts.Relays == nil {
		return &nsite.ValidationError{Field: "relays", Msg: "no relay pool"}
	}
	return nil
}

func lock(root string) (func(), error) {
	path := filepath.Join(root, LockFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	if err := flocker.Lock(path); err != nil {
		return nil, errors.Wrapf(err, "locking %s", path)
	}
	return func() { flocker.Unlock(path) }, nil
}

func scanLocal(root, fallback string, log logrus.FieldLogger) ([]nsite.FileEntry, error) {
	ig, err := scan.LoadIgnore(root)
	if err != nil {
		return nil, err
	}
	local, err := scan.Dir(root, scan.Options{Ignore: ig, Logger: log})
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return nil, &nsite.ValidationError{Field: "root", Msg: "no files to publish in " + root}
	}

	if fallback != "" {
		local, err = addFallback(local, nsite.NormalizePath(fallback), log)
		if err != nil {
			return nil, err
		}
	}

	return local, upload.Validate(local)
}

// addFallback binds the contents of the file at src to FallbackPath too.
// Local stays sorted by path.
func addFallback(local []nsite.FileEntry, src string, log logrus.FieldLogger) ([]nsite.FileEntry, error) {
	var (
		found    *nsite.FileEntry
		existing bool
		at       = len(local)
	)
	for i := range local {
		p := local[i].Path
		if p == src {
			found = &local[i]
		}
		if p == FallbackPath {
			existing = true
		}
		if at == len(local) && p > FallbackPath {
			at = i
		}
	}
	if found == nil {
		return nil, &nsite.ValidationError{Field: "fallback", Msg: src + " not found"}
	}
	if existing {
		if src != FallbackPath {
			log.WithField("fallback", src).Warn(FallbackPath + " exists, ignoring fallback")
		}
		return local, nil
	}

	alias := *found
	alias.Path = FallbackPath

	result := make([]nsite.FileEntry, 0, len(local)+1)
	result = append(result, local[:at]...)
	result = append(result, alias)
	result = append(result, local[at:]...)
	return result, nil
}

func makeServers(opts Options, urls []string) ([]blossom.Server, error) {
	newServer := opts.NewServer
	if newServer == nil {
		newServer = func(url string) (blossom.Server, error) {
			return blossom.NewClient(url, opts.Signer, nil), nil
		}
	}
	result := make([]blossom.Server, 0, len(urls))
	for _, url := range urls {
		s, err := newServer(manifest.NormalizeURL(url))
		if err != nil {
			return nil, errors.Wrapf(err, "creating client for %s", url)
		}
		result = append(result, s)
	}
	return result, nil
}

// collect deletes the blobs of removed paths
// from the configured servers and the servers the site was published to,
// except blobs still bound to other paths.
func collect(ctx context.Context, opts Options, tracker *breaker.Tracker, remoteServers []string, removed, local, retained []nsite.FileEntry, log logrus.FieldLogger) []gc.Result {
	urls := manifest.ResolveServers(nil, nil, append(append([]string{}, opts.Config.Servers...), remoteServers...))
	servers, err := makeServers(opts, urls)
	if err != nil {
		log.WithError(err).Error("cannot delete removed files")
		return nil
	}
	c := &gc.Collector{
		Servers: servers,
		Tracker: tracker,
		Logger:  log,
	}
	return c.Run(ctx, removed, gc.KeepFiles(local, retained))
}

func retract(ctx context.Context, p *publish.Publisher, old []*manifest.Manifest, current *event.Event, log logrus.FieldLogger) *publish.Publication {
	var ids []string
	for _, m := range old {
		if m.EventID != "" && m.EventID != current.ID {
			ids = append(ids, m.EventID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	// Only e tags: an address tag would also cover the manifest just published.
	pub, err := p.RetractEvents(ctx, ids, current.Kind, "superseded")
	if err != nil {
		log.WithError(err).Error("retracting old manifests")
		return nil
	}
	return pub
}

func announce(ctx context.Context, p *publish.Publisher, cfg *config.Config, servers, relays []string, log logrus.FieldLogger) {
	if !cfg.PublishServerList {
		servers = nil
	}
	if !cfg.PublishRelayList {
		relays = nil
	}
	if _, err := p.Announce(ctx, servers, relays); err != nil {
		log.WithError(err).Error("announcing server and relay lists")
	}
}

func siteName(pubkey, identifier string) string {
	if identifier == "" {
		return pubkey
	}
	return pubkey + "/" + identifier
}
