package deletionlog

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojostore/core/statestore"
)

// stubApplier applies batches straight into the store, standing in for the
// raft node. The leader flag and injected error let tests exercise the
// demotion and IO failure paths.
type stubApplier struct {
	store *statestore.Store

	mu       sync.Mutex
	leader   bool
	applyErr error
	applied  int
}

func (a *stubApplier) IsLeader() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leader
}

func (a *stubApplier) Apply(_ context.Context, batch []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.leader {
		return ErrNotLeader
	}
	if a.applyErr != nil {
		return a.applyErr
	}
	a.applied++
	return a.store.ApplyBatch(0, batch)
}

func (a *stubApplier) setLeader(leader bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leader = leader
}

func (a *stubApplier) setApplyErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyErr = err
}

type stubDirectory struct {
	mu         sync.Mutex
	containers map[int64][]string
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{containers: make(map[int64][]string)}
}

func (d *stubDirectory) setReplicas(containerID int64, nodes ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers[containerID] = append([]string(nil), nodes...)
}

func (d *stubDirectory) forget(containerID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, containerID)
}

func (d *stubDirectory) ReplicasOf(containerID int64) ([]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	replicas, ok := d.containers[containerID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), replicas...), true
}

type testMetrics struct {
	created    atomic.Int64
	blocks     atomic.Int64
	committed  atomic.Int64
	failed     atomic.Int64
	dispatched atomic.Int64
	retries    atomic.Int64
}

func (m *testMetrics) TransactionsCreated(n int64)    { m.created.Add(n) }
func (m *testMetrics) BlocksCreated(n int64)          { m.blocks.Add(n) }
func (m *testMetrics) TransactionsCommitted(n int64)  { m.committed.Add(n) }
func (m *testMetrics) TransactionsFailed(n int64)     { m.failed.Add(n) }
func (m *testMetrics) TransactionsDispatched(n int64) { m.dispatched.Add(n) }
func (m *testMetrics) RetriesIncremented(n int64)     { m.retries.Add(n) }

// testEnv is a deletion log over a real bolt store with the raft layer
// stubbed out.
type testEnv struct {
	t         *testing.T
	path      string
	maxRetry  int32
	store     *statestore.Store
	applier   *stubApplier
	directory *stubDirectory
	metrics   *testMetrics
	buffer    *TransactionBuffer
	log       *DeletedBlockLog
	nodes     []string

	nextTxID int64
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithRetry(t, 20)
}

func newTestEnvWithRetry(t *testing.T, maxRetry int32) *testEnv {
	t.Helper()
	env := &testEnv{
		t:         t,
		path:      filepath.Join(t.TempDir(), "scm.db"),
		maxRetry:  maxRetry,
		directory: newStubDirectory(),
		metrics:   &testMetrics{},
		nodes:     []string{uuid.NewString(), uuid.NewString(), uuid.NewString()},
	}
	env.open()
	t.Cleanup(func() { env.store.Close() })
	return env
}

func (e *testEnv) open() {
	e.t.Helper()
	store, err := statestore.Open(e.path, zap.NewNop())
	require.NoError(e.t, err)
	e.store = store
	e.applier = &stubApplier{store: store, leader: true}
	e.buffer = NewTransactionBuffer(e.applier, 0, zap.NewNop())
	sequence, err := NewSequenceAllocator(store, e.applier, 100, zap.NewNop())
	require.NoError(e.t, err)
	e.log, err = NewDeletedBlockLog(store, e.buffer, sequence, e.directory, e.metrics, e.maxRetry, zap.NewNop())
	require.NoError(e.t, err)
}

// reopen simulates a process restart: close the store and rebuild the
// whole stack from disk. Unflushed staged state is lost, as in a crash.
func (e *testEnv) reopen() {
	e.t.Helper()
	require.NoError(e.t, e.store.Close())
	e.open()
}

// addTx creates one transaction for the container and returns its id. Ids
// are handed out sequentially from 1 because each environment starts from
// a fresh store.
func (e *testEnv) addTx(containerID int64, localIDs ...int64) int64 {
	e.t.Helper()
	err := e.log.AddTransactions(context.Background(), map[int64][]int64{containerID: localIDs})
	require.NoError(e.t, err)
	e.nextTxID++
	return e.nextTxID
}

func (e *testEnv) flush() {
	e.t.Helper()
	require.NoError(e.t, e.log.Flush(context.Background()))
}

// ackFrom reports a successful deletion of txID from each of the given
// nodes, one commit call per node.
func (e *testEnv) ackFrom(containerID, txID int64, nodes ...string) {
	e.t.Helper()
	for _, nodeID := range nodes {
		err := e.log.CommitTransactions(context.Background(), []DeleteBlockResult{
			{ContainerID: containerID, TxID: txID, Success: true},
		}, nodeID)
		require.NoError(e.t, err)
	}
}

func (e *testEnv) watermark(containerID int64) int64 {
	e.t.Helper()
	value, err := e.log.GetDeleteWatermark(containerID)
	require.NoError(e.t, err)
	return value
}

func (e *testEnv) storedCount() int {
	e.t.Helper()
	count, err := e.store.TransactionCount()
	require.NoError(e.t, err)
	return count
}
