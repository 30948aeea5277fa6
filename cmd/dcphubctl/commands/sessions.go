// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/dcphub/dcphub/cmd/dcphubctl/cli"
	"github.com/dcphub/dcphub/lib/protocol"
)

type sessionsParams struct {
	connection
	cli.JSONOutput
}

func sessionsCommand() *cli.Command {
	var params sessionsParams
	return &cli.Command{
		Name:        "sessions",
		Summary:     "List connected subscriber sessions",
		Description: "List connected subscriber sessions. Requires the admin or monitor role.",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sessions", pflag.ContinueOnError)
			params.connection.addFlags(flagSet)
			params.JSONOutput.AddFlag(flagSet)
			params.JSONOutput.Writer = stdout
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			ctx := context.Background()
			hub, err := params.login(ctx)
			if err != nil {
				return err
			}
			defer hub.Close()
			sessions, err := hub.Sessions(ctx)
			if err != nil {
				return err
			}
			hub.Goodbye(ctx)
			if done, err := params.EmitJSON(sessions); done {
				return err
			}
			return printSessions(stdout, sessions, time.Now())
		},
	}
}

func printSessions(w io.Writer, sessions []protocol.SessionInfo, now time.Time) error {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tUSER\tREMOTE\tSTATE\tTLS\tCONNECTED\tIDLE\tDELIVERED\tSKIPPED\tPOSITION\n")
	for _, info := range sessions {
		user := info.User
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%v\t%s\t%s\t%d\t%d\t%s\n",
			info.ID, user, info.Remote, info.State, info.Secured,
			now.Sub(info.Connected).Round(time.Second),
			now.Sub(info.LastActivity).Round(time.Second),
			info.Delivered, info.Skipped, info.Position)
	}
	return tw.Flush()
}
