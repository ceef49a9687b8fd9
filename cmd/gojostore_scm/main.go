package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/consensus"
	"github.com/sushant-115/gojostore/core/deletionlog"
	"github.com/sushant-115/gojostore/core/membership"
	"github.com/sushant-115/gojostore/core/statestore"
	"github.com/sushant-115/gojostore/pkg/config"
	"github.com/sushant-115/gojostore/pkg/logger"
	"github.com/sushant-115/gojostore/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dataDir    = flag.String("data-dir", "", "Override: directory for the SCM state store")
	httpAddr   = flag.String("http-addr", "", "Override: admin API listen address")
	raftID     = flag.String("raft-id", "", "Override: raft node id")
	raftAddr   = flag.String("raft-addr", "", "Override: raft bind address")
	raftDir    = flag.String("raft-dir", "", "Override: raft data directory")
	bootstrap  = flag.Bool("bootstrap", false, "Bootstrap a new single-node cluster")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gojostore-scm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(&cfg)

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer zlogger.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer telShutdown(context.Background())

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
	}
	store, err := statestore.Open(filepath.Join(cfg.DataDir, "scm.db"), zlogger.Named("statestore"))
	if err != nil {
		return err
	}
	defer store.Close()

	fsm := consensus.NewFSM(store, zlogger.Named("fsm"))
	node, err := consensus.NewNode(consensus.Config{
		NodeID:    cfg.Raft.NodeID,
		BindAddr:  cfg.Raft.BindAddr,
		DataDir:   cfg.Raft.DataDir,
		Bootstrap: cfg.Raft.Bootstrap,
	}, fsm, zlogger)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	metrics, err := deletionlog.NewOtelMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to register deletion metrics: %w", err)
	}

	buffer := deletionlog.NewTransactionBuffer(node, 0, zlogger.Named("buffer"))
	buffer.StartAutoFlush(cfg.Deletion.FlushInterval.Std())
	defer buffer.Close()

	allocator, err := deletionlog.NewSequenceAllocator(store, node, deletionlog.DefaultSequenceWindow, zlogger.Named("sequence"))
	if err != nil {
		return err
	}

	registry := membership.NewRegistry(zlogger.Named("membership"))

	dbl, err := deletionlog.NewDeletedBlockLog(store, buffer, allocator, registry, metrics, cfg.Deletion.MaxRetry, zlogger.Named("deletionlog"))
	if err != nil {
		return err
	}

	// A demoted leader's staged decisions were discarded; rebuild the
	// in-memory bookkeeping whenever leadership is gained.
	go func() {
		for isLeader := range node.LeaderCh() {
			if !isLeader {
				continue
			}
			zlogger.Info("gained leadership, rebuilding deletion log state")
			if err := dbl.Reload(); err != nil {
				zlogger.Error("failed to rebuild deletion log state", zap.Error(err))
			}
		}
	}()

	dispatcher := newHTTPDispatcher(registry, zlogger.Named("dispatcher"))
	service := deletionlog.NewBlockDeletingService(dbl, dispatcher, metrics, deletionlog.ServiceConfig{
		BlockDeleteLimit: cfg.Deletion.BlockDeleteLimit,
		DispatchInterval: cfg.Deletion.DispatchInterval.Std(),
		AckTimeout:       cfg.Deletion.AckTimeout.Std(),
		BlocksPerSecond:  cfg.Deletion.BlocksPerSecond,
	}, zlogger.Named("deletionsvc"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)
	defer service.Stop()

	server := newAdminServer(dbl, registry, node, zlogger.Named("admin"))
	mux := http.NewServeMux()
	server.RegisterHandlers(mux)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		zlogger.Info("admin API listening", zap.String("addr", cfg.HTTPAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin API server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*cfg.Deletion.FlushInterval.Std())
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	// Flush whatever is still staged before the process exits; a NotLeader
	// rejection here is fine, the new leader owns the state.
	if err := dbl.Flush(context.Background()); err != nil {
		zlogger.Warn("final buffer flush failed", zap.Error(err))
	}
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *raftID != "" {
		cfg.Raft.NodeID = *raftID
	}
	if *raftAddr != "" {
		cfg.Raft.BindAddr = *raftAddr
	}
	if *raftDir != "" {
		cfg.Raft.DataDir = *raftDir
	}
	if *bootstrap {
		cfg.Raft.Bootstrap = true
	}
}
