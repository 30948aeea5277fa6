// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the dcphub
// daemon and operator tool.
//
// Configuration is loaded from a single file specified by either the
// DCPHUB_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no automatic file
// search.
//
// The file may contain environment-specific sections (development,
// staging, production) that are decoded over the base values when
// [Config].Environment matches. Production without its own section
// refuses plaintext listeners by default.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${DCPHUB_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// This package depends on no other dcphub packages.
package config
