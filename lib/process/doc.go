// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the shared exit path for dcphub binaries.
package process
