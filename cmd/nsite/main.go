// Command nsite publishes a directory as a website
// hosted on Nostr relays and Blossom blob servers.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/bobg/nsite/blossom"
	"github.com/bobg/nsite/blossom/logging"
	"github.com/bobg/nsite/blossom/lru"
	"github.com/bobg/nsite/config"
	"github.com/bobg/nsite/deploy"
	"github.com/bobg/nsite/signer"
	"github.com/bobg/nsite/signer/bunker"
)

// Size of the per-server cache of known blobs.
const cacheSize = 4096

type maincmd struct {
	configPath string
	logger     *logrus.Logger
}

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default DIR/"+config.DefaultPath+")")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := subcmd.Run(ctx, maincmd{configPath: *configPath, logger: logger}, flag.Args())
	if err != nil {
		logger.Fatal(err)
	}
}

func (c maincmd) Subcmds() map[string]subcmd.Subcmd {
	return map[string]subcmd.Subcmd{
		"deploy": c.deploy,
		"ls":     c.ls,
		"purge":  c.purge,
		"report": c.report,
		"whoami": c.whoami,
	}
}

// loadConfig reads the config for the site in root.
func (c maincmd) loadConfig(root string) (*config.Config, error) {
	path := c.configPath
	if path == "" {
		path = filepath.Join(root, config.DefaultPath)
	}
	cfg, err := config.Load(path)
	return cfg, errors.Wrap(err, "loading config")
}

// connect produces the signer for cfg.Identity.
// A remote signer's client key is saved,
// so the next run reuses the same session.
func (c maincmd) connect(ctx context.Context, cfg *config.Config) (signer.Signer, error) {
	s, err := signer.Connect(ctx, cfg.Identity, signer.Options{
		Secrets: cfg.Secrets(),
		Logger:  c.logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to signer")
	}
	if b, ok := s.(*bunker.Signer); ok {
		store := config.FileSecrets{Path: cfg.SecretsFile}
		if err := store.Store(b.URI().RemotePubkey, b.ClientSecret()); err != nil {
			c.logger.WithError(err).Warn("could not save remote signer session")
		}
	}
	return s, nil
}

// newServer composes the blob-server client stack:
// logging, then caching, then HTTP.
func (c maincmd) newServer(s signer.Signer) deploy.ServerFunc {
	return func(url string) (blossom.Server, error) {
		cached, err := lru.New(blossom.NewClient(url, s, nil), cacheSize)
		if err != nil {
			return nil, err
		}
		return logging.New(cached, c.logger), nil
	}
}

// siteFlags are the flags that override config-file settings.
type siteFlags struct {
	identity    *string
	identifier  *string
	title       *string
	description *string
	fallback    *string
	concurrency *int
	relays      listFlag
	servers     listFlag
}

func (sf *siteFlags) register(fs *flag.FlagSet) {
	sf.identity = fs.String("identity", "", "hex private key or bunker:// URI")
	sf.identifier = fs.String("name", "", "site identifier (default: the root site)")
	sf.title = fs.String("title", "", "site title")
	sf.description = fs.String("description", "", "site description")
	sf.fallback = fs.String("fallback", "", "file to serve as "+deploy.FallbackPath)
	sf.concurrency = fs.Int("concurrency", 0, "files to upload at once")
	fs.Var(&sf.relays, "relay", "relay URL (repeatable)")
	fs.Var(&sf.servers, "server", "blob server URL (repeatable)")
}

func (sf *siteFlags) apply(cfg *config.Config) {
	if *sf.identity != "" {
		cfg.Identity = *sf.identity
	}
	if *sf.identifier != "" {
		cfg.Identifier = *sf.identifier
	}
	if *sf.title != "" {
		cfg.Title = *sf.title
	}
	if *sf.description != "" {
		cfg.Description = *sf.description
	}
	if *sf.fallback != "" {
		cfg.Fallback = *sf.fallback
	}
	if *sf.concurrency > 0 {
		cfg.Concurrency = *sf.concurrency
	}
	if len(sf.relays) > 0 {
		cfg.Relays = sf.relays
	}
	if len(sf.servers) > 0 {
		cfg.Servers = sf.servers
	}
}

type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(s string) error {
	*l = append(*l, s)
	return nil
}
