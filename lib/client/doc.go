// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the subscriber side of the distribution protocol.
//
//	c, err := client.Dial(ctx, "hub.example:16003", client.Options{})
//	...
//	if _, err := c.Login(ctx, user, password); err != nil { ... }
//	if _, err := c.SetCriteria(ctx, spec, nil); err != nil { ... }
//	for {
//		batch, err := c.Next(ctx, 64, 10*time.Second)
//		...
//	}
//
// A Client is not safe for concurrent use; the protocol is strictly
// request then response.
package client
