package membership

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegisterGeneratesIDWhenEmpty(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	id := registry.RegisterDatanode("", "10.0.0.1:9870")
	require.NotEmpty(t, id)

	node, ok := registry.Datanode(id)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1:9870", node.Address)
}

func TestRegisterKeepsExplicitID(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	id := registry.RegisterDatanode("dn-1", "10.0.0.1:9870")
	require.Equal(t, "dn-1", id)

	// Re-registration refreshes the record under the same id.
	registry.RegisterDatanode("dn-1", "10.0.0.2:9870")
	node, _ := registry.Datanode("dn-1")
	require.Equal(t, "10.0.0.2:9870", node.Address)
	require.Len(t, registry.Datanodes(), 1)
}

func TestHeartbeatUnknownNodeRejected(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	require.False(t, registry.Heartbeat("dn-ghost"))

	registry.RegisterDatanode("dn-1", "10.0.0.1:9870")
	require.True(t, registry.Heartbeat("dn-1"))
}

func TestReplicasOfDistinguishesUnknownFromEmpty(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	_, found := registry.ReplicasOf(1)
	require.False(t, found)

	registry.AddContainer(1)
	replicas, found := registry.ReplicasOf(1)
	require.True(t, found)
	require.Empty(t, replicas)

	registry.RemoveContainer(1)
	_, found = registry.ReplicasOf(1)
	require.False(t, found)
}

func TestReplicasOfSortedAndFiltered(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.RegisterDatanode("dn-b", "b:9870")
	registry.RegisterDatanode("dn-a", "a:9870")
	registry.AddReplica(1, "dn-b")
	registry.AddReplica(1, "dn-a")
	// A replica on an unregistered node is not a resolvable destination.
	registry.AddReplica(1, "dn-unregistered")

	replicas, found := registry.ReplicasOf(1)
	require.True(t, found)
	require.Equal(t, []string{"dn-a", "dn-b"}, replicas)
}

func TestDecommissionDropsNodeFromReplicaSets(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.RegisterDatanode("dn-1", "a:9870")
	registry.RegisterDatanode("dn-2", "b:9870")
	registry.AddReplica(1, "dn-1")
	registry.AddReplica(1, "dn-2")
	registry.AddReplica(2, "dn-1")

	registry.DecommissionDatanode("dn-1")

	_, ok := registry.Datanode("dn-1")
	require.False(t, ok)
	replicas, _ := registry.ReplicasOf(1)
	require.Equal(t, []string{"dn-2"}, replicas)
	replicas, _ = registry.ReplicasOf(2)
	require.Empty(t, replicas)
}

func TestRemoveReplica(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	registry.RegisterDatanode("dn-1", "a:9870")
	registry.AddReplica(1, "dn-1")

	registry.RemoveReplica(1, "dn-1")
	replicas, found := registry.ReplicasOf(1)
	require.True(t, found)
	require.Empty(t, replicas)

	// Removing from an unknown container is a no-op.
	registry.RemoveReplica(99, "dn-1")
}
