// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"io"
	"os"

	"github.com/dcphub/dcphub/cmd/dcphubctl/cli"
	"github.com/dcphub/dcphub/lib/version"
)

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

// Root returns the dcphubctl command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:        "dcphubctl",
		Description: "dcphubctl retrieves DCP messages from a dcphub and administers a local hub.",
		Subcommands: []*cli.Command{
			fetchCommand(),
			statusCommand(),
			sessionsCommand(),
			userCommand(),
			archiveCommand(),
			{
				Name:    "version",
				Summary: "Print version information",
				Run: func([]string) error {
					version.Print("dcphubctl")
					return nil
				},
			},
		},
	}
}
