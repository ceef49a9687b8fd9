package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/consensus"
	"github.com/sushant-115/gojostore/core/deletionlog"
	"github.com/sushant-115/gojostore/core/membership"
)

// adminServer exposes the SCM's HTTP admin API: cluster management,
// datanode registration and acknowledgments, and deletion log operations.
type adminServer struct {
	log      *deletionlog.DeletedBlockLog
	registry *membership.Registry
	node     *consensus.Node
	logger   *zap.Logger
}

func newAdminServer(log *deletionlog.DeletedBlockLog, registry *membership.Registry, node *consensus.Node, logger *zap.Logger) *adminServer {
	return &adminServer{log: log, registry: registry, node: node, logger: logger}
}

func (s *adminServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/join", s.handleJoin)
	mux.HandleFunc("/remove_peer", s.handleRemovePeer)

	mux.HandleFunc("/datanode/register", s.handleDatanodeRegister)
	mux.HandleFunc("/datanode/heartbeat", s.handleDatanodeHeartbeat)
	mux.HandleFunc("/datanode/ack", s.handleDatanodeAck)

	mux.HandleFunc("/admin/add_transactions", s.handleAddTransactions)
	mux.HandleFunc("/admin/watermark", s.handleWatermark)
	mux.HandleFunc("/admin/replicas", s.handleReplicas)
}

func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := struct {
		RaftState  string            `json:"raft_state"`
		RaftLeader string            `json:"raft_leader"`
		RaftStats  map[string]string `json:"raft_stats"`
		Pending    int64             `json:"pending_transactions"`
		Failed     int64             `json:"failed_transactions"`
		Datanodes  int               `json:"datanodes"`
	}{
		RaftState:  s.node.State(),
		RaftLeader: s.node.LeaderAddr(),
		RaftStats:  s.node.Stats(),
		Pending:    s.log.PendingTransactionCount(),
		Failed:     s.log.FailedTransactionCount(),
		Datanodes:  len(s.registry.Datanodes()),
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *adminServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID  string `json:"node_id"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid join request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.node.AddVoter(req.NodeID, req.Address); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *adminServer) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid remove request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.node.RemoveServer(req.NodeID); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *adminServer) handleDatanodeRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID     string  `json:"node_id"`
		Address    string  `json:"address"`
		Containers []int64 `json:"containers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid register request: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := s.registry.RegisterDatanode(req.NodeID, req.Address)
	for _, containerID := range req.Containers {
		s.registry.AddReplica(containerID, id)
	}
	writeJSON(w, http.StatusOK, map[string]string{"node_id": id})
}

func (s *adminServer) handleDatanodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid heartbeat: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.registry.Heartbeat(req.NodeID) {
		http.Error(w, "unknown datanode, register first", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDatanodeAck receives a datanode's delete results and feeds them to
// the deletion log's commit path.
func (s *adminServer) handleDatanodeAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID  string                          `json:"node_id"`
		Results []deletionlog.DeleteBlockResult `json:"results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid ack: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.log.CommitTransactions(r.Context(), req.Results, req.NodeID); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *adminServer) handleAddTransactions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ContainerBlocks map[int64][]int64 `json:"container_blocks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid add_transactions request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.log.AddTransactions(r.Context(), req.ContainerBlocks); err != nil {
		s.writeOpError(w, err)
		return
	}
	if err := s.log.Flush(r.Context()); err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *adminServer) handleWatermark(w http.ResponseWriter, r *http.Request) {
	containerID, err := strconv.ParseInt(r.URL.Query().Get("container_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid container_id", http.StatusBadRequest)
		return
	}
	watermark, err := s.log.GetDeleteWatermark(containerID)
	if err != nil {
		s.writeOpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"container_id": containerID, "watermark": watermark})
}

func (s *adminServer) handleReplicas(w http.ResponseWriter, r *http.Request) {
	containerID, err := strconv.ParseInt(r.URL.Query().Get("container_id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid container_id", http.StatusBadRequest)
		return
	}
	replicas, found := s.registry.ReplicasOf(containerID)
	if !found {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"container_id": containerID, "replicas": replicas})
}

func (s *adminServer) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deletionlog.ErrNotLeader):
		// Retryable: the caller should redirect to the current leader.
		http.Error(w, "not the leader; current leader: "+s.node.LeaderAddr(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("admin operation failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
