package consensus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/deletionlog"
)

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
	raftApplyTimeout     = 5 * time.Second
)

// Config describes one SCM instance's place in the raft cluster.
type Config struct {
	// NodeID is the stable identity of this instance.
	NodeID string
	// BindAddr is the TCP address raft listens on.
	BindAddr string
	// DataDir holds raft's log, stable store and snapshots.
	DataDir string
	// Bootstrap starts a fresh single-node cluster.
	Bootstrap bool
}

// Node wraps the raft instance and implements deletionlog.Applier: the
// leadership check and the atomic, leader-gated batch apply the
// transaction buffer flushes through.
type Node struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	logger    *zap.Logger
}

// NewNode builds the raft node: TCP transport, bolt-backed log and stable
// store, file snapshot store, and optionally bootstraps a single-node
// cluster.
func NewNode(cfg Config, fsm *FSM, logger *zap.Logger) (*Node, error) {
	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = NewZapRaftLogger(logger.Named("raft"))

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create raft data directory %s: %w", cfg.DataDir, err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address %s: %w", cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, raftTransportMaxPool, raftTransportTimeout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft TCP transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, raftSnapshotRetain, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store at %s: %w", cfg.DataDir, err)
	}

	boltDB, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft bolt store: %w", err)
	}

	raftNode, err := raft.NewRaft(raftConfig, fsm, boltDB, boltDB, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if cfg.Bootstrap {
		logger.Info("bootstrapping raft cluster as the first node")
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftConfig.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		if err := raftNode.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return nil, fmt.Errorf("failed to bootstrap raft cluster: %w", err)
		}
	}

	return &Node{raft: raftNode, transport: transport, logger: logger}, nil
}

// IsLeader reports whether this instance currently holds leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Apply replicates one mutation batch. It fails with
// deletionlog.ErrNotLeader when this instance is not (or no longer) the
// leader; an error returned by the state machine itself is passed through.
func (n *Node) Apply(ctx context.Context, batch []byte) error {
	if n.raft.State() != raft.Leader {
		return deletionlog.ErrNotLeader
	}

	timeout := raftApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	future := n.raft.Apply(batch, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return fmt.Errorf("%w: %v", deletionlog.ErrNotLeader, err)
		}
		return fmt.Errorf("failed to apply batch to raft: %w", err)
	}
	if response := future.Response(); response != nil {
		if applyErr, ok := response.(error); ok {
			return applyErr
		}
	}
	return nil
}

// LeaderCh signals leadership acquisition and loss. The deletion log
// rebuilds its in-memory state on acquisition, since staged decisions from
// a previous term were discarded.
func (n *Node) LeaderCh() <-chan bool {
	return n.raft.LeaderCh()
}

// LeaderAddr returns the current leader's transport address.
func (n *Node) LeaderAddr() string {
	return string(n.raft.Leader())
}

// AddVoter joins a new SCM instance to the cluster. Leader only.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft.State() != raft.Leader {
		return deletionlog.ErrNotLeader
	}
	if err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to add voter %s at %s: %w", nodeID, address, err)
	}
	return nil
}

// RemoveServer removes an SCM instance from the cluster. Leader only.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft.State() != raft.Leader {
		return deletionlog.ErrNotLeader
	}
	if err := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 0).Error(); err != nil {
		return fmt.Errorf("failed to remove server %s: %w", nodeID, err)
	}
	return nil
}

// Stats exposes raft's internal statistics for the status endpoint.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// State returns the raft state as a string.
func (n *Node) State() string {
	return n.raft.State().String()
}

// Shutdown stops the raft node.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("failed to shut down raft: %w", err)
	}
	return n.transport.Close()
}
