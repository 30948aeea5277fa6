// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// dcphubctl is the operator and subscriber tool for dcphub.
package main

import (
	"fmt"
	"os"

	"github.com/dcphub/dcphub/cmd/dcphubctl/commands"
)

func main() {
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		// Commands that print their own output return an ExitError
		// with the desired code; don't add a redundant "error:" line.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
