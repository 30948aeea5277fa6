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
	"github.com/dcphub/dcphub/lib/ingest"
	"github.com/dcphub/dcphub/lib/protocol"
)

type statusParams struct {
	connection
	cli.JSONOutput
	Socket string
}

func statusCommand() *cli.Command {
	var params statusParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show archive, producer and session health",
		Description: `Show archive, producer and session health.

With --socket, status is read from the hub's local ingestion socket
without logging in. Otherwise it is requested over the network.`,
		Usage: "dcphubctl status [--socket PATH | --server HOST:PORT] [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.connection.addFlags(flagSet)
			params.JSONOutput.AddFlag(flagSet)
			params.JSONOutput.Writer = stdout
			flagSet.StringVar(&params.Socket, "socket", "", "local ingestion socket path")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			ctx := context.Background()
			var snapshot protocol.StatusSnapshot
			if params.Socket != "" {
				var err error
				if snapshot, err = ingest.QueryStatus(ctx, params.Socket); err != nil {
					return err
				}
			} else {
				hub, err := params.login(ctx)
				if err != nil {
					return err
				}
				defer hub.Close()
				if snapshot, err = hub.Status(ctx); err != nil {
					return err
				}
				hub.Goodbye(ctx)
			}
			if done, err := params.EmitJSON(snapshot); done {
				return err
			}
			return printStatus(stdout, snapshot)
		},
	}
}

func printStatus(w io.Writer, snapshot protocol.StatusSnapshot) error {
	archive := snapshot.Archive
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Server:\t%s\n", snapshot.Server)
	fmt.Fprintf(tw, "Server time:\t%s\n", snapshot.ServerTime.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "Uptime:\t%s\n", snapshot.Uptime.Round(time.Second))
	fmt.Fprintf(tw, "Archive:\t%d of %d slots, write seq %d, oldest %d, generation %d\n",
		archive.Occupancy, archive.Capacity, archive.WriteSeq, archive.OldestSeq, archive.Generation)
	fmt.Fprintf(tw, "Storage:\t%d segments, %d bytes, %d bytes free\n",
		archive.Segments, archive.BytesOnDisk, archive.DiskFree)
	fmt.Fprintf(tw, "Counters:\t%d submitted, %d dropped, %d deleted, %d checkpoint failures\n",
		archive.Submitted, archive.Dropped, archive.Deleted, archive.CheckpointFailures)
	if !archive.LastCheckpoint.IsZero() {
		fmt.Fprintf(tw, "Last checkpoint:\t%s\n", archive.LastCheckpoint.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Sessions:\t%d (%d readers)\n", snapshot.Sessions, snapshot.Readers)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(snapshot.Producers) == 0 {
		return nil
	}
	fmt.Fprintf(w, "\nProducers:\n")
	tw = tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "  SOURCE\tNAME\tACCEPTED\tREJECTED\tLAST RECEIPT\tLAST ERROR\n")
	for _, producer := range snapshot.Producers {
		lastReceipt := "-"
		if !producer.LastReceipt.IsZero() {
			lastReceipt = producer.LastReceipt.UTC().Format(time.RFC3339)
		}
		lastError := producer.LastError
		if lastError == "" {
			lastError = "-"
		}
		fmt.Fprintf(tw, "  %d\t%s\t%d\t%d\t%s\t%s\n",
			producer.Source, producer.Name, producer.Accepted, producer.Rejected, lastReceipt, lastError)
	}
	return tw.Flush()
}
