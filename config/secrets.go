package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/bobg/nsite/signer"
)

// EnvSecretPrefix is prepended to a pubkey to name the environment variable
// holding its secret.
// EnvSecret is consulted when there is no pubkey-specific variable.
const (
	EnvSecretPrefix = "NSITE_SECRET_"
	EnvSecret       = "NSITE_SECRET"
)

// EnvSecrets looks up secrets in the environment.
type EnvSecrets struct{}

var _ signer.SecretSource = EnvSecrets{}

// Secret implements signer.SecretSource.
func (EnvSecrets) Secret(pubkey string) (string, error) {
	if s := getenv(EnvSecretPrefix + strings.ToLower(pubkey)); s != "" {
		return s, nil
	}
	return getenv(EnvSecret), nil
}

// FileSecrets looks up secrets in a JSON (or YAML) file
// mapping pubkeys to secrets.
// A missing file holds no secrets.
type FileSecrets struct {
	Path string
}

var _ signer.SecretSource = FileSecrets{}

// Secret implements signer.SecretSource.
func (f FileSecrets) Secret(pubkey string) (string, error) {
	m, err := f.read()
	if err != nil {
		return "", err
	}
	return m[strings.ToLower(pubkey)], nil
}

// Store records secret for pubkey, creating the file if needed.
// The file is readable only by its owner.
func (f FileSecrets) Store(pubkey, secret string) error {
	m, err := f.read()
	if err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]string)
	}
	m[strings.ToLower(pubkey)] = secret

	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encoding secrets")
	}
	data, err = yaml.YAMLToJSON(data)
	if err != nil {
		return errors.Wrap(err, "encoding secrets")
	}

	path, err := homedirExpand(f.Path)
	if err != nil {
		return errors.Wrapf(err, "expanding %s", f.Path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	return errors.Wrapf(afero.WriteFile(fs, path, data, 0600), "writing %s", path)
}

func (f FileSecrets) read() (map[string]string, error) {
	if f.Path == "" {
		return nil, nil
	}
	path, err := homedirExpand(f.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding %s", f.Path)
	}
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var m map[string]string
	err = yaml.Unmarshal(data, &m)
	return m, errors.Wrapf(err, "parsing %s", path)
}

// Chain consults each of its sources in turn,
// returning the first non-empty secret.
type Chain []signer.SecretSource

var _ signer.SecretSource = Chain{}

// Secret implements signer.SecretSource.
func (c Chain) Secret(pubkey string) (string, error) {
	for _, src := range c {
		s, err := src.Secret(pubkey)
		if err != nil {
			return "", err
		}
		if s != "" {
			return s, nil
		}
	}
	return "", nil
}
