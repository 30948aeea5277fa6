// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/dcphub/dcphub/cmd/dcphubctl/cli"
	"github.com/dcphub/dcphub/lib/credstore"
)

func userCommand() *cli.Command {
	return &cli.Command{
		Name:    "user",
		Summary: "Manage subscriber accounts",
		Description: `Manage subscriber accounts in the hub's credential database.

These commands open the database named by the hub configuration and
may run while the hub is serving. Passwords are read from
$DCPHUB_PASSWORD, the terminal, or one line of stdin.`,
		Subcommands: []*cli.Command{
			userAddCommand(),
			userRemoveCommand(),
			userListCommand(),
			userSetDisabledCommand("disable", true),
			userSetDisabledCommand("enable", false),
		},
	}
}

func userAddCommand() *cli.Command {
	var (
		params local
		roles  []string
	)
	return &cli.Command{
		Name:    "add",
		Summary: "Create a user or replace a user's password",
		Usage:   "dcphubctl user add NAME [--role ROLE]... [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
			params.addFlags(flagSet)
			flagSet.StringSliceVar(&roles, "role", nil, "role to grant: admin or monitor (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one user name")
			}
			name := args[0]
			for _, role := range roles {
				if role != "admin" && role != "monitor" {
					return fmt.Errorf("unknown role %q (want admin or monitor)", role)
				}
			}
			password, err := readPassword(fmt.Sprintf("New password for %s: ", name))
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}
			return withCredentials(params, func(ctx context.Context, store *credstore.Store) error {
				if err := store.SetPassword(ctx, name, password, roles); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "user %s saved\n", name)
				return nil
			})
		},
	}
}

func userRemoveCommand() *cli.Command {
	var params local
	return &cli.Command{
		Name:    "remove",
		Summary: "Delete a user and their retrieval mark",
		Usage:   "dcphubctl user remove NAME [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one user name")
			}
			return withCredentials(params, func(ctx context.Context, store *credstore.Store) error {
				if err := store.RemoveUser(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "user %s removed\n", args[0])
				return nil
			})
		},
	}
}

func userSetDisabledCommand(name string, disabled bool) *cli.Command {
	var params local
	return &cli.Command{
		Name:    name,
		Summary: strings.ToUpper(name[:1]) + name[1:] + " a user's logins",
		Usage:   "dcphubctl user " + name + " NAME [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
			params.addFlags(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected one user name")
			}
			return withCredentials(params, func(ctx context.Context, store *credstore.Store) error {
				if err := store.SetDisabled(ctx, args[0], disabled); err != nil {
					return err
				}
				fmt.Fprintf(stdout, "user %s %sd\n", args[0], name)
				return nil
			})
		},
	}
}

type userListParams struct {
	local
	cli.JSONOutput
}

// userJSON is the --json form of one account.
type userJSON struct {
	Name       string    `json:"name"`
	Roles      []string  `json:"roles"`
	Disabled   bool      `json:"disabled"`
	Algorithms []string  `json:"algorithms"`
	CreatedAt  time.Time `json:"created_at"`
}

func userListCommand() *cli.Command {
	var params userListParams
	return &cli.Command{
		Name:    "list",
		Summary: "List users",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			params.local.addFlags(flagSet)
			params.JSONOutput.AddFlag(flagSet)
			params.JSONOutput.Writer = stdout
			return flagSet
		},
		Run: func(args []string) error {
			return withCredentials(params.local, func(ctx context.Context, store *credstore.Store) error {
				users, err := store.ListUsers(ctx)
				if err != nil {
					return err
				}
				listed := make([]userJSON, 0, len(users))
				for _, user := range users {
					entry := userJSON{
						Name:      user.Name,
						Roles:     user.Roles,
						Disabled:  user.Disabled,
						CreatedAt: user.CreatedAt,
					}
					for _, algorithm := range user.Algorithms {
						entry.Algorithms = append(entry.Algorithms, string(algorithm))
					}
					listed = append(listed, entry)
				}
				if done, err := params.EmitJSON(listed); done {
					return err
				}

				tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
				fmt.Fprintf(tw, "NAME\tROLES\tSTATE\tCREATED\n")
				for _, user := range listed {
					state := "enabled"
					if user.Disabled {
						state = "disabled"
					}
					roles := strings.Join(user.Roles, ",")
					if roles == "" {
						roles = "-"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", user.Name, roles, state, user.CreatedAt.UTC().Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func withCredentials(params local, fn func(context.Context, *credstore.Store) error) error {
	store, err := params.openCredentials()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}
