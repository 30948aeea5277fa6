// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for dcphub binaries. The
// variables are injected with -ldflags -X at build time and default to
// development values otherwise.
package version
