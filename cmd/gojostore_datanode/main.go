// The gojostore_datanode daemon holds a local block store, registers with
// the SCM, and serves the delete command endpoint: incoming transactions
// are executed against the store and the results acknowledged back to the
// SCM asynchronously.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/datanode"
	"github.com/sushant-115/gojostore/core/statestore"
	"github.com/sushant-115/gojostore/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gojostore_datanode:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dataDir           = flag.String("data-dir", "dn-data", "directory for the local block store")
		listenAddr        = flag.String("listen", "localhost:9870", "address to serve the command endpoint on")
		scmAddr           = flag.String("scm", "localhost:8080", "SCM admin API address")
		nodeID            = flag.String("node-id", "", "datanode identity (empty: assigned by the SCM)")
		containers        = flag.String("containers", "", "comma-separated container ids this node replicates")
		heartbeatInterval = flag.Duration("heartbeat-interval", 10*time.Second, "heartbeat cadence")
		logLevel          = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	zlogger, err := logger.New(logger.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		return err
	}
	defer zlogger.Sync()

	if err := os.MkdirAll(*dataDir, 0750); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := datanode.OpenBlockStore(filepath.Join(*dataDir, "blocks.db"), zlogger.Named("blockstore"))
	if err != nil {
		return err
	}
	defer store.Close()

	containerIDs, err := parseContainerIDs(*containers)
	if err != nil {
		return err
	}

	agent := datanode.NewAgent(store, *scmAddr, *nodeID, *listenAddr, zlogger.Named("agent"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Register(ctx, containerIDs); err != nil {
		return err
	}
	go agent.HeartbeatLoop(ctx, *heartbeatInterval)

	mux := http.NewServeMux()
	mux.HandleFunc("/command/delete_blocks", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Transactions []*statestore.DeletedBlocksTransaction `json:"transactions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid delete command: "+err.Error(), http.StatusBadRequest)
			return
		}
		results := agent.ExecuteDeleteCommand(req.Transactions)
		// The delivery is acknowledged here; the per-transaction results
		// travel back on their own request so a slow SCM commit cannot
		// block the command channel.
		go func() {
			ackCtx, ackCancel := context.WithTimeout(ctx, 10*time.Second)
			defer ackCancel()
			if err := agent.SendAck(ackCtx, results); err != nil {
				zlogger.Warn("failed to report delete results", zap.Error(err))
			}
		}()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: *listenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		zlogger.Info("datanode serving",
			zap.String("addr", *listenAddr),
			zap.String("nodeID", agent.NodeID()))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		zlogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func parseContainerIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		var id int64
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &id); err != nil {
			return nil, fmt.Errorf("invalid container id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
