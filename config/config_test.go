package config

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/bobg/nsite"
)

func withFakes(t *testing.T, env map[string]string) {
	oldFs, oldExpand, oldGetenv := fs, homedirExpand, getenv
	t.Cleanup(func() {
		fs, homedirExpand, getenv = oldFs, oldExpand, oldGetenv
	})

	fs = afero.NewMemMapFs()
	homedirExpand = func(p string) (string, error) {
		if strings.HasPrefix(p, "~") {
			return "/home/user" + p[1:], nil
		}
		return p, nil
	}
	getenv = func(k string) string { return env[k] }
}

func TestLoad(t *testing.T) {
	withFakes(t, nil)

	const yamlConfig = `
identity: "0000000000000000000000000000000000000000000000000000000000000001"
relays:
  - wss://relay.example
servers:
  - https://blossom.example
identifier: blog
title: My blog
secretsFile: secrets.json
`
	require.NoError(t, afero.WriteFile(fs, "/site/.nsite/config.yaml", []byte(yamlConfig), 0644))

	c, err := Load("/site/.nsite/config.yaml")
	require.NoError(t, err)
	require.Equal(t, &Config{
		Identity:    "0000000000000000000000000000000000000000000000000000000000000001",
		Relays:      []string{"wss://relay.example"},
		Servers:     []string{"https://blossom.example"},
		Identifier:  "blog",
		Title:       "My blog",
		Concurrency: DefaultConcurrency,
		SecretsFile: "/site/.nsite/secrets.json",
	}, c)
	require.NoError(t, c.Validate())

	const jsonConfig = `{"relays": ["wss://r.example"], "servers": ["https://s.example"], "concurrency": 9}`
	require.NoError(t, afero.WriteFile(fs, "/home/user/site.json", []byte(jsonConfig), 0644))

	c, err = Load("~/site.json")
	require.NoError(t, err)
	require.Equal(t, 9, c.Concurrency)
	require.Equal(t, DefaultSecretsPath, c.SecretsFile)
	require.Equal(t, []string{"wss://r.example"}, c.Relays)
}

func TestLoadMissing(t *testing.T) {
	withFakes(t, map[string]string{EnvIdentity: "bunker://abc"})

	c, err := Load("/nowhere/config.json")
	require.NoError(t, err)
	require.Equal(t, "bunker://abc", c.Identity)
	require.Equal(t, DefaultConcurrency, c.Concurrency)
}

func TestLoadMalformed(t *testing.T) {
	withFakes(t, nil)
	require.NoError(t, afero.WriteFile(fs, "/bad.json", []byte("relays: [unclosed"), 0644))

	_, err := Load("/bad.json")
	var verr *nsite.ValidationError
	require.True(t, errors.As(err, &verr), "got %v, want a ValidationError", err)
}

func TestValidate(t *testing.T) {
	good := func() *Config {
		return &Config{
			Identity: "k",
			Relays:   []string{"wss://r.example"},
			Servers:  []string{"https://s.example"},
		}
	}

	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{name: "ok", edit: func(*Config) {}},
		{name: "no identity", edit: func(c *Config) { c.Identity = " " }, field: "identity"},
		{name: "no relays", edit: func(c *Config) { c.Relays = nil }, field: "relays"},
		{name: "http relay", edit: func(c *Config) { c.Relays = []string{"https://r.example"} }, field: "relay"},
		{name: "no servers", edit: func(c *Config) { c.Servers = nil }, field: "servers"},
		{name: "hostless server", edit: func(c *Config) { c.Servers = []string{"https://"} }, field: "server"},
		{name: "ws server", edit: func(c *Config) { c.Servers = []string{"ws://s.example"} }, field: "server"},
		{name: "negative concurrency", edit: func(c *Config) { c.Concurrency = -1 }, field: "concurrency"},
		{name: "root fallback", edit: func(c *Config) { c.Fallback = "/" }, field: "fallback"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c := good()
			tc.edit(c)
			err := c.Validate()
			if tc.field == "" {
				require.NoError(t, err)
				return
			}
			var verr *nsite.ValidationError
			require.True(t, errors.As(err, &verr), "got %v, want a ValidationError", err)
			require.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestSecrets(t *testing.T) {
	const pk = "ABCDEF"

	withFakes(t, map[string]string{EnvSecret: "fallback"})

	c := &Config{SecretsFile: "~/.nsite/secrets.json"}
	chain := c.Secrets()

	s, err := chain.Secret(pk)
	require.NoError(t, err)
	require.Equal(t, "fallback", s)

	getenv = func(k string) string {
		if k == EnvSecretPrefix+"abcdef" {
			return "from env"
		}
		return ""
	}
	s, err = chain.Secret(pk)
	require.NoError(t, err)
	require.Equal(t, "from env", s)

	getenv = func(string) string { return "" }
	s, err = chain.Secret(pk)
	require.NoError(t, err)
	require.Equal(t, "", s)

	fsecrets := FileSecrets{Path: c.SecretsFile}
	require.NoError(t, fsecrets.Store(pk, "stored"))
	require.NoError(t, fsecrets.Store("other", "x"))

	s, err = chain.Secret(pk)
	require.NoError(t, err)
	require.Equal(t, "stored", s)

	info, err := fs.Stat("/home/user/.nsite/secrets.json")
	require.NoError(t, err)
	require.Equal(t, "-rw-------", info.Mode().String())

	require.NoError(t, afero.WriteFile(fs, "/home/user/.nsite/secrets.json", []byte("{not json"), 0600))
	_, err = chain.Secret(pk)
	require.Error(t, err)
}
