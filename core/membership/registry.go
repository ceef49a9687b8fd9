// Package membership tracks the datanodes known to the SCM and which of
// them hold a replica of each container. It is the replica directory the
// deletion log consults when grouping transactions by destination node.
package membership

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DatanodeInfo describes one registered datanode.
type DatanodeInfo struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry is an in-memory datanode and container replica directory.
type Registry struct {
	logger *zap.Logger

	mu         sync.RWMutex
	nodes      map[string]*DatanodeInfo
	containers map[int64]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:     logger,
		nodes:      make(map[string]*DatanodeInfo),
		containers: make(map[int64]map[string]struct{}),
	}
}

// RegisterDatanode adds (or refreshes) a datanode. An empty id gets a
// generated one; the effective id is returned.
func (r *Registry) RegisterDatanode(id, address string) string {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[id] = &DatanodeInfo{
		ID:            id,
		Address:       address,
		LastHeartbeat: time.Now(),
	}
	r.logger.Info("datanode registered", zap.String("nodeID", id), zap.String("address", address))
	return id
}

// Heartbeat refreshes a datanode's liveness timestamp. Unknown nodes are
// ignored; they must register first.
func (r *Registry) Heartbeat(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		return false
	}
	node.LastHeartbeat = time.Now()
	return true
}

// DecommissionDatanode removes a datanode and drops it from every
// container's replica set.
func (r *Registry) DecommissionDatanode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
	for _, replicas := range r.containers {
		delete(replicas, id)
	}
	r.logger.Info("datanode decommissioned", zap.String("nodeID", id))
}

// AddContainer makes a container known to the directory, with no replicas
// yet.
func (r *Registry) AddContainer(containerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[containerID]; !ok {
		r.containers[containerID] = make(map[string]struct{})
	}
}

// RemoveContainer forgets a container entirely.
func (r *Registry) RemoveContainer(containerID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, containerID)
}

// AddReplica records that nodeID holds a replica of the container. The
// container becomes known if it was not.
func (r *Registry) AddReplica(containerID int64, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replicas, ok := r.containers[containerID]
	if !ok {
		replicas = make(map[string]struct{})
		r.containers[containerID] = replicas
	}
	replicas[nodeID] = struct{}{}
}

// RemoveReplica drops nodeID from the container's replica set.
func (r *Registry) RemoveReplica(containerID int64, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if replicas, ok := r.containers[containerID]; ok {
		delete(replicas, nodeID)
	}
}

// ReplicasOf returns the container's live replica nodes, sorted for
// deterministic iteration. found is false when the container is unknown,
// which callers treat differently from a known container with zero
// replicas.
func (r *Registry) ReplicasOf(containerID int64) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	replicas, ok := r.containers[containerID]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(replicas))
	for nodeID := range replicas {
		// A decommissioned node may linger in a replica set briefly; it
		// is not a resolvable destination.
		if _, live := r.nodes[nodeID]; live {
			out = append(out, nodeID)
		}
	}
	sort.Strings(out)
	return out, true
}

// Datanode returns the node record for id.
func (r *Registry) Datanode(id string) (DatanodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	if !ok {
		return DatanodeInfo{}, false
	}
	return *node, true
}

// Datanodes lists all registered nodes.
func (r *Registry) Datanodes() []DatanodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DatanodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
