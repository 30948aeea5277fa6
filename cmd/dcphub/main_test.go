// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/dcphub/dcphub/lib/client"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/config"
	"github.com/dcphub/dcphub/lib/credstore"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/ingest"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
	"github.com/dcphub/dcphub/lib/testutil"
)

// freeAddress returns a loopback address that was free a moment ago.
func freeAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()
	return address
}

func TestServeEndToEnd(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.Root = root
	cfg.Paths.Archive = filepath.Join(root, "archive")
	cfg.Paths.Credentials = filepath.Join(root, "credentials.db")
	cfg.Paths.NetworkLists = ""
	cfg.Paths.IngestSocket = filepath.Join(testutil.SocketDir(t), "ingest.sock")
	cfg.Archive.Capacity = 1000
	cfg.Archive.SegmentRecords = 100
	cfg.Listen.Address = freeAddress(t)
	cfg.Ingest.Sources = map[uint16]string{1: "goes-east"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}

	users, err := credstore.Open(credstore.Config{Path: cfg.Paths.Credentials})
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	if err := users.SetPassword(context.Background(), "alice", "correct horse", nil); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	users.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, clock.Real(), testutil.Logger(t)) }()
	defer func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 10*time.Second, "serve did not stop"); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	var producer *ingest.Producer
	deadline := time.Now().Add(5 * time.Second)
	for {
		producer, err = ingest.DialProducer(ctx, cfg.Paths.IngestSocket, 1, "goes-east")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingestion socket never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer producer.Close()

	transmit := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, address := range []string{"CE1234AB", "DD000001", "CE1234AB"} {
		data := "12.5 13.0"
		raw := append(dcp.FormatHeader(dcp.MustParseAddress(address), transmit, 'G', 113, 'E', len(data)), data...)
		ack, err := producer.Send(protocol.IngestFrame{Raw: raw, CaptureTime: transmit.Add(time.Second)})
		if err != nil || !ack.OK {
			t.Fatalf("Send: ack %+v, err %v", ack, err)
		}
	}

	subscriber, err := client.Dial(ctx, cfg.Listen.Address, client.Options{Name: "test"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer subscriber.Close()
	if _, err := subscriber.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := subscriber.SetCriteria(ctx, search.Spec{Addresses: []string{"CE*"}}, nil); err != nil {
		t.Fatalf("SetCriteria: %v", err)
	}
	response, err := subscriber.Next(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(response.Events) != 2 {
		t.Fatalf("got %d events, want the 2 CE messages", len(response.Events))
	}
	for _, event := range response.Events {
		if event.Message == nil || event.Message.Address != dcp.MustParseAddress("CE1234AB") {
			t.Errorf("unexpected event %+v", event)
		}
	}

	status, err := subscriber.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Archive.WriteSeq != 3 || len(status.Producers) != 1 || status.Producers[0].Accepted != 3 {
		t.Errorf("status = %+v", status)
	}
	if err := subscriber.Goodbye(ctx); err != nil {
		t.Errorf("Goodbye: %v", err)
	}
}
