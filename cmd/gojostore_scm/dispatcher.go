package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/membership"
	"github.com/sushant-115/gojostore/core/statestore"
)

const dispatchTimeout = 5 * time.Second

// httpDispatcher delivers delete commands to datanodes over their HTTP
// command endpoint. Results come back asynchronously through
// /datanode/ack, not on this request.
type httpDispatcher struct {
	registry *membership.Registry
	client   *http.Client
	logger   *zap.Logger
}

func newHTTPDispatcher(registry *membership.Registry, logger *zap.Logger) *httpDispatcher {
	return &httpDispatcher{
		registry: registry,
		client:   &http.Client{Timeout: dispatchTimeout},
		logger:   logger,
	}
}

func (d *httpDispatcher) SendDeleteBlocks(ctx context.Context, nodeID string, txs []*statestore.DeletedBlocksTransaction) error {
	node, ok := d.registry.Datanode(nodeID)
	if !ok {
		return fmt.Errorf("datanode %s is not registered", nodeID)
	}

	payload, err := json.Marshal(struct {
		Transactions []*statestore.DeletedBlocksTransaction `json:"transactions"`
	}{Transactions: txs})
	if err != nil {
		return fmt.Errorf("failed to encode delete command: %w", err)
	}

	url := "http://" + node.Address + "/command/delete_blocks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver delete command to %s: %w", node.Address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("datanode %s rejected delete command: status %d: %s", nodeID, resp.StatusCode, string(body))
	}

	d.logger.Debug("delete command delivered",
		zap.String("nodeID", nodeID),
		zap.Int("transactions", len(txs)))
	return nil
}
