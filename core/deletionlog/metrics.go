package deletionlog

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics is the write-only sink for deletion log counters. It is an
// injected dependency rather than a process-wide registry so tests can
// assert on it directly.
type Metrics interface {
	TransactionsCreated(n int64)
	BlocksCreated(n int64)
	TransactionsCommitted(n int64)
	TransactionsFailed(n int64)
	TransactionsDispatched(n int64)
	RetriesIncremented(n int64)
}

// OtelMetrics implements Metrics on OpenTelemetry counters.
type OtelMetrics struct {
	createdCounter    metric.Int64Counter
	blocksCounter     metric.Int64Counter
	committedCounter  metric.Int64Counter
	failedCounter     metric.Int64Counter
	dispatchedCounter metric.Int64Counter
	retriesCounter    metric.Int64Counter
}

// NewOtelMetrics creates and registers all the deletion log counters.
func NewOtelMetrics(meter metric.Meter) (*OtelMetrics, error) {
	createdCounter, err := meter.Int64Counter(
		"gojostore.scm.deletion.transactions_created_total",
		metric.WithDescription("Total number of deletion transactions created."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	blocksCounter, err := meter.Int64Counter(
		"gojostore.scm.deletion.blocks_created_total",
		metric.WithDescription("Total number of blocks staged for deletion."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	committedCounter, err := meter.Int64Counter(
		"gojostore.scm.deletion.transactions_committed_total",
		metric.WithDescription("Total number of deletion transactions acknowledged by every replica."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	failedCounter, err := meter.Int64Counter(
		"gojostore.scm.deletion.transactions_failed_total",
		metric.WithDescription("Total number of deletion transactions marked permanently failed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	dispatchedCounter, err := meter.Int64Counter(
		"gojostore.scm.deletion.transactions_dispatched_total",
		metric.WithDescription("Total number of delete commands handed to the dispatcher."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	retriesCounter, err := meter.Int64Counter(
		"gojostore.scm.deletion.retries_incremented_total",
		metric.WithDescription("Total number of retry count increments."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &OtelMetrics{
		createdCounter:    createdCounter,
		blocksCounter:     blocksCounter,
		committedCounter:  committedCounter,
		failedCounter:     failedCounter,
		dispatchedCounter: dispatchedCounter,
		retriesCounter:    retriesCounter,
	}, nil
}

func (m *OtelMetrics) TransactionsCreated(n int64) {
	m.createdCounter.Add(context.Background(), n)
}

func (m *OtelMetrics) BlocksCreated(n int64) {
	m.blocksCounter.Add(context.Background(), n)
}

func (m *OtelMetrics) TransactionsCommitted(n int64) {
	m.committedCounter.Add(context.Background(), n)
}

func (m *OtelMetrics) TransactionsFailed(n int64) {
	m.failedCounter.Add(context.Background(), n)
}

func (m *OtelMetrics) TransactionsDispatched(n int64) {
	m.dispatchedCounter.Add(context.Background(), n)
}

func (m *OtelMetrics) RetriesIncremented(n int64) {
	m.retriesCounter.Add(context.Background(), n)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) TransactionsCreated(int64)    {}
func (NopMetrics) BlocksCreated(int64)          {}
func (NopMetrics) TransactionsCommitted(int64)  {}
func (NopMetrics) TransactionsFailed(int64)     {}
func (NopMetrics) TransactionsDispatched(int64) {}
func (NopMetrics) RetriesIncremented(int64)     {}
