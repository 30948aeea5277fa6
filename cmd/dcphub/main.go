// Copyright 2026 The DCPHub Authors
// SPDX-License-Identifier: Apache-2.0

// dcphub is the ground-station hub daemon. It archives DCP messages
// submitted by local producers and serves them to authenticated
// subscribers over the retrieval protocol.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dcphub/dcphub/lib/archive"
	"github.com/dcphub/dcphub/lib/auth"
	"github.com/dcphub/dcphub/lib/clock"
	"github.com/dcphub/dcphub/lib/config"
	"github.com/dcphub/dcphub/lib/credstore"
	"github.com/dcphub/dcphub/lib/dcp"
	"github.com/dcphub/dcphub/lib/ingest"
	"github.com/dcphub/dcphub/lib/logging"
	"github.com/dcphub/dcphub/lib/process"
	"github.com/dcphub/dcphub/lib/protocol"
	"github.com/dcphub/dcphub/lib/search"
	"github.com/dcphub/dcphub/lib/server"
	"github.com/dcphub/dcphub/lib/session"
	"github.com/dcphub/dcphub/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flags := pflag.NewFlagSet("dcphub", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to dcphub.yaml (default: $DCPHUB_CONFIG)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("dcphub")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, clock.Real(), logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// serve opens the hub's stores and runs the distribution listener,
// the ingestion socket and the checkpoint loop until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *slog.Logger) error {
	compression, err := archive.ParseCompression(cfg.Archive.Compression)
	if err != nil {
		return err
	}
	store, err := archive.Open(archive.Config{
		Dir:            cfg.Paths.Archive,
		Capacity:       cfg.Archive.Capacity,
		SegmentRecords: int(cfg.Archive.SegmentRecords),
		MaxSegments:    cfg.Archive.MaxSegments,
		Compression:    compression,
		SubmitTimeout:  cfg.Archive.SubmitTimeout,
		WriteRetries:   cfg.Archive.WriteRetries,
		CacheEntries:   cfg.Archive.CacheEntries,
		Clock:          clk,
		Logger:         logger.With("component", "archive"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing archive", "error", err)
		}
	}()

	credentials, err := credstore.Open(credstore.Config{
		Path:   cfg.Paths.Credentials,
		Clock:  clk,
		Logger: logger.With("component", "credstore"),
	})
	if err != nil {
		return err
	}
	defer credentials.Close()

	algorithms := make([]auth.Algorithm, 0, len(cfg.Auth.Algorithms))
	for _, name := range cfg.Auth.Algorithms {
		algorithm, err := auth.ParseAlgorithm(name)
		if err != nil {
			return err
		}
		algorithms = append(algorithms, algorithm)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Store:         credentials,
		Tolerance:     cfg.Auth.Tolerance,
		Algorithms:    algorithms,
		RejectReplays: cfg.Auth.RejectReplays,
		Clock:         clk,
		Logger:        logger.With("component", "auth"),
	})
	if err != nil {
		return err
	}

	var sources map[dcp.SourceID]string
	if len(cfg.Ingest.Sources) > 0 {
		sources = make(map[dcp.SourceID]string, len(cfg.Ingest.Sources))
		for id, name := range cfg.Ingest.Sources {
			sources[dcp.SourceID(id)] = name
		}
	}
	port, err := ingest.NewPort(ingest.Config{
		Store:   store,
		Sources: sources,
		Clock:   clk,
		Logger:  logger.With("component", "ingest"),
	})
	if err != nil {
		return err
	}

	security, err := protocol.ParseSecurity(cfg.Listen.Security)
	if err != nil {
		return err
	}
	sessionConfig := session.Config{
		Store:           store,
		Verifier:        verifier,
		Marks:           credentials,
		Security:        security,
		RequireUpgrade:  cfg.Listen.RequireUpgrade,
		MaxAuthAttempts: cfg.Sessions.MaxAuthAttempts,
		AuthTimeout:     cfg.Sessions.AuthTimeout,
		MaxWait:         cfg.Sessions.MaxWait,
		MaxBatch:        cfg.Sessions.MaxBatch,
		ScanBudget:      cfg.Sessions.ScanBudget,
		ServerName:      "dcphub " + version.Version,
		Clock:           clk,
		Logger:          logger.With("component", "session"),
	}
	if cfg.Paths.NetworkLists != "" {
		sessionConfig.Lists = search.DirectoryLists{Dir: cfg.Paths.NetworkLists}
	}
	if security != protocol.SecurityPlain {
		sessionConfig.TLSConfig, err = server.LoadTLSConfig(cfg.Listen.CertFile, cfg.Listen.KeyFile, cfg.Listen.ClientCAFile)
		if err != nil {
			return err
		}
	}

	srv, err := server.New(server.Config{
		Address:        cfg.Listen.Address,
		Session:        sessionConfig,
		MaxConnections: cfg.Listen.MaxConnections,
		IdleTimeout:    cfg.Listen.IdleTimeout,
		SweepInterval:  cfg.Listen.SweepInterval,
		Producers:      port.Health,
		Clock:          clk,
		Logger:         logger.With("component", "server"),
	})
	if err != nil {
		return err
	}

	logger.Info("dcphub starting",
		"version", version.Info(),
		"environment", cfg.Environment,
		"archive", cfg.Paths.Archive,
		"capacity", store.Capacity(),
		"write_seq", store.WriteSeq(),
		"listen", cfg.Listen.Address,
		"security", security,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.ListenAndServe(groupCtx)
	})
	if cfg.Paths.IngestSocket != "" {
		socket := ingest.NewSocketServer(cfg.Paths.IngestSocket, port, srv.Status, logger.With("component", "ingest-socket"))
		group.Go(func() error {
			return socket.Serve(groupCtx)
		})
	}
	group.Go(func() error {
		store.RunCheckpoints(groupCtx, cfg.Archive.CheckpointInterval)
		return nil
	})

	err = group.Wait()
	logger.Info("dcphub stopped", "write_seq", store.WriteSeq())
	return err
}
