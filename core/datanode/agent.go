package datanode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/deletionlog"
	"github.com/sushant-115/gojostore/core/statestore"
)

const scmRequestTimeout = 5 * time.Second

// Agent is the datanode's SCM-facing side: registration, heartbeats, and
// executing delete commands against the local block store.
type Agent struct {
	store   *BlockStore
	client  *http.Client
	logger  *zap.Logger
	scmAddr string

	nodeID  string
	address string
}

// NewAgent creates an agent for the datanode listening on address,
// reporting to the SCM admin API at scmAddr. nodeID may be empty; the SCM
// assigns one at registration.
func NewAgent(store *BlockStore, scmAddr, nodeID, address string, logger *zap.Logger) *Agent {
	return &Agent{
		store:   store,
		client:  &http.Client{Timeout: scmRequestTimeout},
		logger:  logger,
		scmAddr: scmAddr,
		nodeID:  nodeID,
		address: address,
	}
}

// NodeID returns the identity assigned (or confirmed) at registration.
func (a *Agent) NodeID() string { return a.nodeID }

// Register announces this datanode and its container replicas to the SCM
// and adopts the identity the SCM returns.
func (a *Agent) Register(ctx context.Context, containers []int64) error {
	var resp struct {
		NodeID string `json:"node_id"`
	}
	err := a.postJSON(ctx, "/datanode/register", map[string]interface{}{
		"node_id":    a.nodeID,
		"address":    a.address,
		"containers": containers,
	}, &resp)
	if err != nil {
		return fmt.Errorf("registration with SCM %s failed: %w", a.scmAddr, err)
	}
	a.nodeID = resp.NodeID
	a.logger.Info("registered with SCM",
		zap.String("nodeID", a.nodeID),
		zap.Int("containers", len(containers)))
	return nil
}

// HeartbeatLoop sends heartbeats on the given cadence until the context
// ends. Failures are logged and retried on the next tick.
func (a *Agent) HeartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := a.postJSON(ctx, "/datanode/heartbeat", map[string]string{"node_id": a.nodeID}, nil)
			if err != nil {
				a.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ExecuteDeleteCommand deletes each transaction's blocks from the local
// store and returns one result per transaction. A block that is already
// gone still counts as success: the goal state is "blocks absent".
func (a *Agent) ExecuteDeleteCommand(txs []*statestore.DeletedBlocksTransaction) []deletionlog.DeleteBlockResult {
	results := make([]deletionlog.DeleteBlockResult, 0, len(txs))
	for _, tx := range txs {
		deleted, err := a.store.DeleteBlocks(tx.ContainerID, tx.LocalIDs)
		if err != nil {
			a.logger.Error("failed to delete blocks",
				zap.Int64("txID", tx.TxID),
				zap.Int64("containerID", tx.ContainerID),
				zap.Error(err))
			results = append(results, deletionlog.DeleteBlockResult{
				ContainerID: tx.ContainerID, TxID: tx.TxID, Success: false,
			})
			continue
		}
		a.logger.Debug("executed delete transaction",
			zap.Int64("txID", tx.TxID),
			zap.Int64("containerID", tx.ContainerID),
			zap.Int("deleted", deleted),
			zap.Int("requested", len(tx.LocalIDs)))
		results = append(results, deletionlog.DeleteBlockResult{
			ContainerID: tx.ContainerID, TxID: tx.TxID, Success: true,
		})
	}
	return results
}

// SendAck reports delete results back to the SCM commit path.
func (a *Agent) SendAck(ctx context.Context, results []deletionlog.DeleteBlockResult) error {
	if len(results) == 0 {
		return nil
	}
	err := a.postJSON(ctx, "/datanode/ack", map[string]interface{}{
		"node_id": a.nodeID,
		"results": results,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to acknowledge %d results: %w", len(results), err)
	}
	return nil
}

func (a *Agent) postJSON(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+a.scmAddr+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("SCM returned status %d: %s", resp.StatusCode, string(msg))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
