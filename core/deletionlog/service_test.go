package deletionlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	sent     map[string][]*statestore.DeletedBlocksTransaction
	failNode string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(map[string][]*statestore.DeletedBlocksTransaction)}
}

func (d *fakeDispatcher) SendDeleteBlocks(_ context.Context, nodeID string, txs []*statestore.DeletedBlocksTransaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if nodeID == d.failNode {
		return errors.New("connection refused")
	}
	d.sent[nodeID] = append(d.sent[nodeID], txs...)
	return nil
}

func (d *fakeDispatcher) sentTo(nodeID string) []*statestore.DeletedBlocksTransaction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[nodeID]
}

func newTestService(env *testEnv, dispatcher Dispatcher, config ServiceConfig) *BlockDeletingService {
	if config.BlockDeleteLimit == 0 {
		config.BlockDeleteLimit = 10000
	}
	return NewBlockDeletingService(env.log, dispatcher, env.metrics, config, zap.NewNop())
}

func TestDispatchOnceDeliversPerNode(t *testing.T) {
	env := newTestEnv(t)
	env.directory.setReplicas(1, env.nodes...)
	env.addTx(1, 1, 2)
	env.addTx(1, 3)
	env.flush()

	dispatcher := newFakeDispatcher()
	service := newTestService(env, dispatcher, ServiceConfig{})

	require.NoError(t, service.DispatchOnce(context.Background()))
	for _, nodeID := range env.nodes {
		require.Len(t, dispatcher.sentTo(nodeID), 2)
	}
	require.Equal(t, int64(6), env.metrics.dispatched.Load())
}

func TestDispatchOnceSkipsFailingNode(t *testing.T) {
	env := newTestEnv(t)
	env.directory.setReplicas(1, env.nodes...)
	env.addTx(1, 1)
	env.flush()

	dispatcher := newFakeDispatcher()
	dispatcher.failNode = env.nodes[0]
	service := newTestService(env, dispatcher, ServiceConfig{})

	// One unreachable node must not starve the others; its transactions
	// simply stay pending for the next round.
	require.NoError(t, service.DispatchOnce(context.Background()))
	require.Empty(t, dispatcher.sentTo(env.nodes[0]))
	require.Len(t, dispatcher.sentTo(env.nodes[1]), 1)
	require.Len(t, dispatcher.sentTo(env.nodes[2]), 1)
}

func TestDispatchOnceNothingPending(t *testing.T) {
	env := newTestEnv(t)
	dispatcher := newFakeDispatcher()
	service := newTestService(env, dispatcher, ServiceConfig{})

	require.NoError(t, service.DispatchOnce(context.Background()))
	require.Equal(t, int64(0), env.metrics.dispatched.Load())
}

func TestSweepRetriesIncrementsUnacknowledged(t *testing.T) {
	env := newTestEnv(t)
	env.directory.setReplicas(1, env.nodes...)
	txID := env.addTx(1, 1)
	env.flush()

	dispatcher := newFakeDispatcher()
	// AckTimeout 0: everything dispatched is immediately overdue.
	service := newTestService(env, dispatcher, ServiceConfig{AckTimeout: 0})

	ctx := context.Background()
	require.NoError(t, service.DispatchOnce(ctx))
	require.NoError(t, service.SweepRetries(ctx))

	rec, err := env.store.GetTransaction(txID)
	require.NoError(t, err)
	require.Equal(t, int32(1), rec.Count)
	require.Equal(t, int64(1), env.metrics.retries.Load())

	// The sweep consumed the inflight entry; without a redispatch a
	// second sweep has nothing to do.
	require.NoError(t, service.SweepRetries(ctx))
	rec, err = env.store.GetTransaction(txID)
	require.NoError(t, err)
	require.Equal(t, int32(1), rec.Count)
}

func TestSweepRetriesSkipsRecentDispatches(t *testing.T) {
	env := newTestEnv(t)
	env.directory.setReplicas(1, env.nodes...)
	txID := env.addTx(1, 1)
	env.flush()

	dispatcher := newFakeDispatcher()
	service := newTestService(env, dispatcher, ServiceConfig{AckTimeout: time.Hour})

	ctx := context.Background()
	require.NoError(t, service.DispatchOnce(ctx))
	require.NoError(t, service.SweepRetries(ctx))

	rec, err := env.store.GetTransaction(txID)
	require.NoError(t, err)
	require.Equal(t, int32(0), rec.Count)
}

func TestSweepAfterAckIsHarmless(t *testing.T) {
	env := newTestEnv(t)
	env.directory.setReplicas(1, env.nodes...)
	txID := env.addTx(1, 1)
	env.flush()

	dispatcher := newFakeDispatcher()
	service := newTestService(env, dispatcher, ServiceConfig{AckTimeout: 0})

	ctx := context.Background()
	require.NoError(t, service.DispatchOnce(ctx))
	env.ackFrom(1, txID, env.nodes...)

	// The ack raced the sweep and won: the retired transaction is skipped
	// by the retry increment, not resurrected.
	require.NoError(t, service.SweepRetries(ctx))
	_, err := env.store.GetTransaction(txID)
	require.ErrorIs(t, err, statestore.ErrNotFound)
	require.Equal(t, int64(0), env.metrics.retries.Load())
}

func TestServiceStartStop(t *testing.T) {
	env := newTestEnv(t)
	env.directory.setReplicas(1, env.nodes...)
	env.addTx(1, 1)
	env.flush()

	dispatcher := newFakeDispatcher()
	service := newTestService(env, dispatcher, ServiceConfig{
		DispatchInterval: 5 * time.Millisecond,
		AckTimeout:       time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	service.Start(ctx)
	require.Eventually(t, func() bool {
		return len(dispatcher.sentTo(env.nodes[0])) > 0
	}, 2*time.Second, 5*time.Millisecond)
	service.Stop()
}
