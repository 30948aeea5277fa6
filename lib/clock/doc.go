// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock time so that archive retention,
// authenticator tolerance windows, idle eviction and retry backoff can
// be driven deterministically in tests.
//
// Components take a Clock in their config struct. Production wiring
// passes Real(); tests pass Fake(start) and move time with Advance.
// Goroutines that block on After, Sleep or a Ticker register a waiter
// first, so a test calls WaitForTimers before Advance to avoid racing
// the registration.
package clock
