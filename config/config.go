// Package config loads the per-project settings for publishing a site.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/bobg/nsite"
)

const (
	// Dir is the per-project state directory, relative to the site root.
	Dir = ".nsite"

	// DefaultPath is where Load looks when given no path,
	// relative to the site root.
	DefaultPath = Dir + "/config.json"

	// DefaultSecretsPath is the default location of the secrets file.
	DefaultSecretsPath = "~/.nsite/secrets.json"

	// DefaultConcurrency is the number of files uploaded at once.
	DefaultConcurrency = 4

	// EnvIdentity, if set, supplies the identity when the config file has none.
	EnvIdentity = "NSITE_IDENTITY"
)

var (
	fs = afero.NewOsFs()

	// Overridden in tests.
	homedirExpand = homedir.Expand
	getenv        = os.Getenv
)

// Config is the contents of a project config file.
// JSON and YAML are both accepted.
type Config struct {
	// Identity is a hex private key or a signer URI such as bunker://...
	Identity string `json:"identity,omitempty"`

	Relays  []string `json:"relays"`
	Servers []string `json:"servers"`

	// Identifier names the site.
	// Empty means the pubkey's root site.
	Identifier  string `json:"identifier,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`

	Concurrency int `json:"concurrency,omitempty"`

	// Fallback is a path whose contents are also served as /404.html.
	Fallback string `json:"fallback,omitempty"`

	// PublishServerList and PublishRelayList announce
	// Servers and Relays as the user's lists after each deploy.
	PublishServerList bool `json:"publishServerList,omitempty"`
	PublishRelayList  bool `json:"publishRelayList,omitempty"`

	// SecretsFile holds stored client secrets, keyed by pubkey.
	SecretsFile string `json:"secretsFile,omitempty"`
}

// Load reads the config file at filename.
// A leading ~ in filename is expanded.
// A missing file is not an error:
// the result is the default config,
// to be completed from flags.
// Defaults are applied to unset fields.
func Load(filename string) (*Config, error) {
	path, err := homedirExpand(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding %s", filename)
	}

	c := new(Config)

	data, err := afero.ReadFile(fs, path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Use defaults.
	case err != nil:
		return nil, errors.Wrapf(err, "reading %s", path)
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, &nsite.ValidationError{Field: "config file " + path, Msg: err.Error()}
		}
	}

	c.applyDefaults()

	// Relative secrets paths are relative to the config file.
	if c.SecretsFile != DefaultSecretsPath && !strings.HasPrefix(c.SecretsFile, "~") && !filepath.IsAbs(c.SecretsFile) {
		c.SecretsFile = filepath.Join(filepath.Dir(path), c.SecretsFile)
	}

	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Identity == "" {
		c.Identity = getenv(EnvIdentity)
	}
	if c.Concurrency == 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SecretsFile == "" {
		c.SecretsFile = DefaultSecretsPath
	}
}

// Validate checks that c has everything a deploy needs.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return &nsite.ValidationError{Field: "identity", Msg: "no identity configured (set it in the config file, with -identity, or in $" + EnvIdentity + ")"}
	}
	if len(c.Relays) == 0 {
		return &nsite.ValidationError{Field: "relays", Msg: "no relays configured"}
	}
	for _, r := range c.Relays {
		if err := checkURL("relay", r, "ws", "wss"); err != nil {
			return err
		}
	}
	if len(c.Servers) == 0 {
		return &nsite.ValidationError{Field: "servers", Msg: "no blob servers configured"}
	}
	for _, s := range c.Servers {
		if err := checkURL("server", s, "http", "https"); err != nil {
			return err
		}
	}
	if c.Concurrency < 0 {
		return &nsite.ValidationError{Field: "concurrency", Msg: "must not be negative"}
	}
	if c.Fallback != "" && nsite.NormalizePath(c.Fallback) == "" {
		return &nsite.ValidationError{Field: "fallback", Msg: "must name a file"}
	}
	return nil
}

func checkURL(field, s string, schemes ...string) error {
	u, err := url.Parse(s)
	if err != nil {
		return &nsite.ValidationError{Field: field, Msg: err.Error()}
	}
	if u.Host == "" {
		return &nsite.ValidationError{Field: field, Msg: "no host in " + s}
	}
	for _, scheme := range schemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return &nsite.ValidationError{Field: field, Msg: "bad scheme in " + s + ", want " + strings.Join(schemes, " or ")}
}

// Secrets returns the secret sources implied by c:
// the environment first, then c.SecretsFile.
func (c *Config) Secrets() Chain {
	return Chain{EnvSecrets{}, FileSecrets{Path: c.SecretsFile}}
}
