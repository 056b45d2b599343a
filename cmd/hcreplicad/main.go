// Copyright (c) 2025 hzcluster. All rights reserved.
// Use of this source code is governed by an MIT-style license
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hzcluster/hcreplica/internal/config"
	"github.com/hzcluster/hcreplica/internal/logging"
	"github.com/hzcluster/hcreplica/internal/mux"
	"github.com/hzcluster/hcreplica/internal/stats"
	"github.com/hzcluster/hcreplica/internal/transport"
)

func main() {
	configPath := flag.String("config", "/etc/hcreplica/hcreplicad.yaml", "path to replicator config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := run(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

// run wires the multiplexer and replicator facade together and blocks on
// signals. The embedding application is responsible for registering its own
// channels on mpx (mux.Multiplexer.RegisterChannel) before or after Start;
// this harness ships none, since C7's Replica/EntryExternalizable pair
// belongs to the hash-map storage engine, not this transport.
func run(configPath string, cfg *config.Config, logger *slog.Logger) error {
	mpx := mux.New(cfg.LocalIdentifier, cfg.MaxChannels)

	repl, err := transport.NewReplicator(cfg, mpx, logger)
	if err != nil {
		return fmt.Errorf("constructing replicator: %w", err)
	}
	if err := repl.Start(); err != nil {
		return fmt.Errorf("starting replicator: %w", err)
	}
	defer repl.Close()

	logger.Info("hcreplicad started",
		"localIdentifier", cfg.LocalIdentifier,
		"serverPort", cfg.ServerPort,
		"endpoints", len(cfg.Endpoints),
	)

	var reporter *stats.Reporter
	if cfg.Stats.Schedule != "" {
		reporter, err = stats.NewReporter(cfg.Stats.Schedule, cfg.Stats.CSVPath, repl, logger)
		if err != nil {
			return fmt.Errorf("constructing stats reporter: %w", err)
		}
		reporter.Start()
		defer reporter.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, forcing bootstrap resync", "config", configPath)
			repl.ForceBootstrap()
			continue
		}

		logger.Info("received shutdown signal", "signal", sig.String())
		return nil
	}
}
