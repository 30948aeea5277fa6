// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"github.com/spf13/pflag"

	"github.com/dcphub/dcphub/lib/config"
	"github.com/dcphub/dcphub/lib/credstore"
)

// local holds the flags of commands that open hub state directly.
type local struct {
	ConfigPath string
}

func (l *local) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&l.ConfigPath, "config", "", "path to dcphub.yaml (default: $DCPHUB_CONFIG)")
}

func (l *local) load() (*config.Config, error) {
	if l.ConfigPath != "" {
		return config.LoadFile(l.ConfigPath)
	}
	return config.Load()
}

func (l *local) openCredentials() (*credstore.Store, error) {
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return credstore.Open(credstore.Config{Path: cfg.Paths.Credentials})
}
