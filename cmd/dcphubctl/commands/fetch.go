// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/dcphub/dcphub/cmd/dcphubctl/cli"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
)

// exitMessagesLost is fetch's exit code when messages expired from the
// archive before they could be delivered.
const exitMessagesLost = 3

type fetchParams struct {
	connection
	cli.JSONOutput

	CriteriaFile string
	Since        string
	Until        string
	Addresses    []string
	Lists        []string
	Sources      []uint
	Channels     []uint
	Spacecraft   []string
	Parity       string
	Deleted      string
	SinceLast    bool

	Resume string
	Batch  int
	Limit  int
	Follow bool
	Wait   time.Duration
	Raw    bool
}

func fetchCommand() *cli.Command {
	var params fetchParams
	var flagSet *pflag.FlagSet
	return &cli.Command{
		Name:    "fetch",
		Summary: "Retrieve messages matching search criteria",
		Description: `Retrieve messages matching search criteria.

Criteria come from a JSONC file (--criteria), flags, or both; flags
override the file. Without --follow, fetch stops once it has caught up
with the archive. The last position is printed to stderr on exit so a
later fetch can continue with --resume. fetch exits with status 3 if
any matching messages expired before they could be delivered.`,
		Usage: "dcphubctl fetch [flags]",
		Examples: []cli.Example{
			{
				Description: "Messages from CE-prefixed platforms in the last hour",
				Command:     "dcphubctl fetch -s hub:16003 -u alice --address 'CE*' --since now-1h",
			},
			{
				Description: "Follow a saved network list from where this user left off",
				Command:     "dcphubctl fetch --list goes-east --since-last --follow --raw > messages.dcp",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("fetch", pflag.ContinueOnError)
			params.connection.addFlags(flagSet)
			params.JSONOutput.AddFlag(flagSet)
			flagSet.StringVarP(&params.CriteriaFile, "criteria", "c", "", "JSONC criteria file")
			flagSet.StringVar(&params.Since, "since", "", "window start: RFC 3339, YYYY/DDD HH:MM:SS, now or now-<offset>")
			flagSet.StringVar(&params.Until, "until", "", "window end, same forms as --since")
			flagSet.StringSliceVarP(&params.Addresses, "address", "a", nil, "DCP address or glob pattern (repeatable)")
			flagSet.StringSliceVarP(&params.Lists, "list", "l", nil, "network list name (repeatable)")
			flagSet.UintSliceVar(&params.Sources, "source", nil, "producer source ID (repeatable)")
			flagSet.UintSliceVar(&params.Channels, "channel", nil, "GOES channel (repeatable)")
			flagSet.StringSliceVar(&params.Spacecraft, "spacecraft", nil, "spacecraft code, E or W (repeatable)")
			flagSet.StringVar(&params.Parity, "parity", "", "parity errors: any, only or exclude")
			flagSet.StringVar(&params.Deleted, "deleted", "", "deleted messages: any, only or exclude")
			flagSet.BoolVar(&params.SinceLast, "since-last", false, "start where this user's previous session stopped")
			flagSet.StringVar(&params.Resume, "resume", "", "resume at position generation/slot, as printed by a previous fetch")
			flagSet.IntVar(&params.Batch, "batch", 100, "messages per request")
			flagSet.IntVarP(&params.Limit, "limit", "n", 0, "stop after this many messages (0 for no limit)")
			flagSet.BoolVarP(&params.Follow, "follow", "f", false, "keep waiting for new messages")
			flagSet.DurationVar(&params.Wait, "wait", 20*time.Second, "how long each request may wait for new data when following")
			flagSet.BoolVar(&params.Raw, "raw", false, "write raw message payloads only")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("unexpected arguments: %v", args)
			}
			spec, err := params.spec(flagSet)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return params.run(ctx, spec, stdout)
		},
	}
}

// spec merges the criteria file with flags. A flag overrides the file
// only when it was given on the command line.
func (p *fetchParams) spec(flagSet *pflag.FlagSet) (search.Spec, error) {
	var spec search.Spec
	var err error
	if p.CriteriaFile != "" {
		data, err := os.ReadFile(p.CriteriaFile)
		if err != nil {
			return spec, fmt.Errorf("reading criteria: %w", err)
		}
		if err := json.Unmarshal(jsonc.ToJSON(data), &spec); err != nil {
			return spec, fmt.Errorf("parsing criteria %s: %w", p.CriteriaFile, err)
		}
	}
	changed := func(name string) bool { return flagSet != nil && flagSet.Changed(name) }

	if changed("since") {
		spec.Since = p.Since
	}
	if changed("until") {
		spec.Until = p.Until
	}
	if changed("address") {
		spec.Addresses = make([]string, len(p.Addresses))
		for i, address := range p.Addresses {
			spec.Addresses[i] = strings.ToUpper(address)
		}
	}
	if changed("list") {
		spec.NetworkLists = p.Lists
	}
	if changed("source") {
		if spec.Sources, err = toUint16s("source", p.Sources); err != nil {
			return spec, err
		}
	}
	if changed("channel") {
		if spec.Channels, err = toUint16s("channel", p.Channels); err != nil {
			return spec, err
		}
	}
	if changed("spacecraft") {
		spec.Spacecraft = p.Spacecraft
	}
	if changed("parity") {
		spec.Parity = p.Parity
	}
	if changed("deleted") {
		spec.Deleted = p.Deleted
	}
	if changed("since-last") {
		spec.SinceLast = p.SinceLast
	}

	// Catch malformed criteria before connecting. Network lists are
	// resolved by the hub.
	check := spec
	check.NetworkLists = nil
	if _, err := check.Resolve(time.Now(), nil); err != nil {
		return spec, err
	}
	return spec, nil
}

func toUint16s(name string, values []uint) ([]uint16, error) {
	result := make([]uint16, len(values))
	for i, value := range values {
		if value > 0xFFFF {
			return nil, fmt.Errorf("--%s %d out of range", name, value)
		}
		result[i] = uint16(value)
	}
	return result, nil
}

func (p *fetchParams) run(ctx context.Context, spec search.Spec, out io.Writer) error {
	var resume *dcp.Position
	if p.Resume != "" {
		position, err := dcp.ParsePosition(p.Resume)
		if err != nil {
			return err
		}
		resume = &position
	}

	hub, err := p.login(ctx)
	if err != nil {
		return err
	}
	defer hub.Close()

	position, err := hub.SetCriteria(ctx, spec, resume)
	if err != nil {
		return err
	}

	var delivered int
	var lost uint64
	defer func() {
		fmt.Fprintf(os.Stderr, "%d messages; resume with --resume %s\n", delivered, position)
	}()

	for {
		remaining := p.Batch
		if p.Limit > 0 {
			remaining = min(remaining, p.Limit-delivered)
		}
		var wait time.Duration
		if p.Follow {
			wait = p.Wait
		}
		response, err := hub.Next(ctx, remaining, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, event := range response.Events {
			if err := p.write(out, event); err != nil {
				return err
			}
			if event.IsSkip() {
				lost += event.Lost
			} else {
				delivered++
			}
		}
		position = response.Position

		if p.Limit > 0 && delivered >= p.Limit {
			break
		}
		if response.NoData && !p.Follow {
			break
		}
	}
	if err := hub.Goodbye(ctx); err != nil {
		return err
	}
	if lost > 0 {
		return &cli.ExitError{Code: exitMessagesLost}
	}
	return nil
}

// eventJSON is the --json form of one delivered event.
type eventJSON struct {
	Position     string    `json:"position"`
	Skipped      uint64    `json:"skipped,omitempty"`
	Address      string    `json:"address,omitempty"`
	EventTime    time.Time `json:"event_time,omitzero"`
	ReceiveTime  time.Time `json:"receive_time,omitzero"`
	CarrierStart time.Time `json:"carrier_start,omitzero"`
	Flags        string    `json:"flags,omitempty"`
	Source       uint16    `json:"source,omitempty"`
	Channel      uint16    `json:"channel,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
}

func (p *fetchParams) write(out io.Writer, event protocol.Event) error {
	if event.IsSkip() {
		fmt.Fprintf(os.Stderr, "warning: %d messages expired before they could be delivered (at %s)\n", event.Lost, event.Position)
		if !p.OutputJSON {
			return nil
		}
		return json.NewEncoder(out).Encode(eventJSON{Position: event.Position.String(), Skipped: event.Lost})
	}

	message := event.Message
	switch {
	case p.OutputJSON:
		return json.NewEncoder(out).Encode(eventJSON{
			Position:     event.Position.String(),
			Address:      message.Address.String(),
			EventTime:    message.EventTime,
			ReceiveTime:  message.ReceiveTime,
			CarrierStart: message.CarrierStart,
			Flags:        message.Flags.String(),
			Source:       uint16(message.Source),
			Channel:      message.Channel,
			Payload:      message.Payload,
		})
	case p.Raw:
		if _, err := out.Write(message.Payload); err != nil {
			return err
		}
		_, err := io.WriteString(out, "\n")
		return err
	default:
		body := fmt.Sprintf("<%d bytes>", len(message.Payload))
		if !message.Flags.Has(dcp.FlagBinary) {
			body = string(message.Payload)
		}
		_, err := fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\n",
			event.Position, message.Address, message.EventTime.UTC().Format(time.RFC3339), message.Flags, body)
		return err
	}
}
