// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/dcphub/dcphub/cmd/dcphubctl/cli"
	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/dcp"
)

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:    "archive",
		Summary: "Inspect or modify a stopped hub's archive",
		Description: `Inspect or modify the archive directly.

The archive is locked by the running hub, so these commands only work
while it is stopped. Opening the archive runs crash recovery.`,
		Subcommands: []*cli.Command{
			archiveStatsCommand(),
			archiveDeleteCommand(),
		},
	}
}

// openArchive opens the archive named by the hub configuration.
func openArchive(params local) (*archive.Store, error) {
	cfg, err := params.load()
	if err != nil {
		return nil, err
	}
	compression, err := archive.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return nil, err
	}
	return archive.Open(archive.Config{
		Dir:            cfg.Paths.Archive,
		Capacity:       cfg.Archive.Capacity,
		SegmentRecords: int(cfg.Archive.SegmentRecords),
		MaxSegments:    cfg.Archive.MaxSegments,
		Compression:    compression,
		CacheEntries:   cfg.Archive.CacheEntries,
	})
}

type archiveStatsParams struct {
	local
	cli.JSONOutput
}

func archiveStatsCommand() *cli.Command {
	var params archiveStatsParams
	return &cli.Command{
		Name:    "stats",
		Summary: "Recover the archive and print its occupancy",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("stats", pflag.ContinueOnError)
			params.local.addFlags(flagSet)
			params.JSONOutput.AddFlag(flagSet)
			params.JSONOutput.Writer = stdout
			return flagSet
		},
		Run: func(args []string) error {
			store, err := openArchive(params.local)
			if err != nil {
				return err
			}
			defer store.Close()
			stats := store.Stats()
			if done, err := params.EmitJSON(stats); done {
				return err
			}

			tw := tabwriter.NewWriter(stdout, 2, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Capacity:\t%d\n", stats.Capacity)
			fmt.Fprintf(tw, "Occupancy:\t%d\n", stats.Occupancy)
			fmt.Fprintf(tw, "Write position:\t%s (seq %d)\n", dcp.PositionOf(stats.WriteSeq, stats.Capacity), stats.WriteSeq)
			fmt.Fprintf(tw, "Oldest position:\t%s (seq %d)\n", dcp.PositionOf(stats.OldestSeq, stats.Capacity), stats.OldestSeq)
			fmt.Fprintf(tw, "Segments:\t%d\n", stats.Segments)
			fmt.Fprintf(tw, "Bytes on disk:\t%d\n", stats.BytesOnDisk)
			fmt.Fprintf(tw, "Tail truncations:\t%d\n", stats.TailTruncations)
			if !stats.LastCheckpoint.IsZero() {
				fmt.Fprintf(tw, "Last checkpoint:\t%s\n", stats.LastCheckpoint.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func archiveDeleteCommand() *cli.Command {
	var (
		params   local
		position string
	)
	return &cli.Command{
		Name:    "delete",
		Summary: "Flag a message as deleted",
		Description: `Flag a message as deleted. The message stays in the archive;
subscribers see it only when their criteria include deleted messages.`,
		Usage: "dcphubctl archive delete (SEQ | --position GEN/SLOT) [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("delete", pflag.ContinueOnError)
			params.addFlags(flagSet)
			flagSet.StringVar(&position, "position", "", "message position as generation/slot")
			return flagSet
		},
		Run: func(args []string) error {
			store, err := openArchive(params)
			if err != nil {
				return err
			}
			defer store.Close()

			var seq uint64
			switch {
			case position != "" && len(args) == 0:
				parsed, err := dcp.ParsePosition(position)
				if err != nil {
					return err
				}
				seq = parsed.Seq(store.Capacity())
			case position == "" && len(args) == 1:
				if seq, err = strconv.ParseUint(args[0], 10, 64); err != nil {
					return fmt.Errorf("invalid sequence number %q", args[0])
				}
			default:
				return fmt.Errorf("expected a sequence number or --position")
			}

			if err := store.MarkDeleted(context.Background(), seq); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "message %d marked deleted\n", seq)
			return nil
		},
	}
}
