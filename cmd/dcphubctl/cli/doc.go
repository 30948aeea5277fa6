// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the command tree framework for dcphubctl: nested
// commands with pflag flag sets, generated help, typo suggestions for
// unknown commands and flags, and --json output support.
package cli
