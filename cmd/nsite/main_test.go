package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobg/nsite/config"
)

func TestSiteFlags(t *testing.T) {
	cfg := &config.Config{
		Identity:    "from-file",
		Relays:      []string{"wss://file.example"},
		Servers:     []string{"https://file.example"},
		Title:       "file title",
		Concurrency: 4,
	}

	var sf siteFlags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	sf.register(fs)
	err := fs.Parse([]string{
		"-relay", "wss://a.example",
		"-relay", "wss://b.example",
		"-name", "blog",
		"-concurrency", "8",
		"site",
	})
	require.NoError(t, err)
	sf.apply(cfg)

	require.Equal(t, &config.Config{
		Identity:    "from-file",
		Relays:      []string{"wss://a.example", "wss://b.example"},
		Servers:     []string{"https://file.example"},
		Identifier:  "blog",
		Title:       "file title",
		Concurrency: 8,
	}, cfg)
	require.Equal(t, []string{"site"}, fs.Args())
}
