package deletionlog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojostore/core/statestore"
)

// Dispatcher carries delete commands to one datanode. The transport is
// external; delivery is at-least-once and unordered, acknowledgments come
// back through DeletedBlockLog.CommitTransactions.
type Dispatcher interface {
	SendDeleteBlocks(ctx context.Context, nodeID string, txs []*statestore.DeletedBlocksTransaction) error
}

// ServiceConfig tunes the block deleting service.
type ServiceConfig struct {
	// BlockDeleteLimit caps the cumulative blocks selected per run.
	BlockDeleteLimit int
	// DispatchInterval is the cadence of the dispatch loop.
	DispatchInterval time.Duration
	// AckTimeout is how long a dispatched transaction may stay
	// unacknowledged before its retry count is incremented.
	AckTimeout time.Duration
	// BlocksPerSecond throttles outbound delete commands; 0 disables.
	BlocksPerSecond float64
}

// BlockDeletingService periodically selects pending transactions, hands
// them to the dispatcher, and sweeps transactions that stayed
// unacknowledged past the timeout into retry increments. The sweep is a
// coarse best-effort timer, not tied to any particular RPC: a slow node
// that eventually acknowledges just burns retry budget.
type BlockDeletingService struct {
	log        *DeletedBlockLog
	dispatcher Dispatcher
	metrics    Metrics
	logger     *zap.Logger
	config     ServiceConfig
	limiter    *rate.Limiter

	mu       sync.Mutex
	inflight map[int64]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBlockDeletingService wires the service; Start begins the loops.
func NewBlockDeletingService(log *DeletedBlockLog, dispatcher Dispatcher, metrics Metrics, config ServiceConfig, logger *zap.Logger) *BlockDeletingService {
	var limiter *rate.Limiter
	if config.BlocksPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.BlocksPerSecond), config.BlockDeleteLimit)
	}
	return &BlockDeletingService{
		log:        log,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		config:     config,
		limiter:    limiter,
		inflight:   make(map[int64]time.Time),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the dispatch and retry-sweep loops.
func (s *BlockDeletingService) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.DispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.DispatchOnce(ctx); err != nil {
					s.logger.Warn("block deletion dispatch run failed", zap.Error(err))
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		// The sweep runs at the ack timeout granularity; precision is not
		// needed, false increments are tolerated up to the retry budget.
		interval := s.config.AckTimeout
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.SweepRetries(ctx); err != nil {
					s.logger.Warn("retry sweep failed", zap.Error(err))
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop shuts the loops down and waits for them.
func (s *BlockDeletingService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// DispatchOnce performs one selection and dispatch round. A node that
// fails to accept its commands is logged and skipped; the round keeps
// going for the remaining nodes and the skipped transactions stay pending.
func (s *BlockDeletingService) DispatchOnce(ctx context.Context) error {
	txMap, err := s.log.GetTransactions(s.config.BlockDeleteLimit)
	if err != nil {
		return err
	}
	if txMap.IsEmpty() {
		return nil
	}

	now := time.Now()
	dispatched := 0
	for nodeID, txs := range txMap.Transactions() {
		blocks := 0
		for _, tx := range txs {
			blocks += len(tx.LocalIDs)
		}
		if s.limiter != nil {
			if err := s.limiter.WaitN(ctx, blocks); err != nil {
				return err
			}
		}

		if err := s.dispatcher.SendDeleteBlocks(ctx, nodeID, txs); err != nil {
			s.logger.Warn("failed to dispatch delete commands to datanode",
				zap.String("nodeID", nodeID),
				zap.Int("transactions", len(txs)),
				zap.Error(err))
			continue
		}

		dispatched += len(txs)
		s.mu.Lock()
		for _, tx := range txs {
			if _, ok := s.inflight[tx.TxID]; !ok {
				s.inflight[tx.TxID] = now
			}
		}
		s.mu.Unlock()
	}

	if dispatched > 0 {
		s.metrics.TransactionsDispatched(int64(dispatched))
		s.logger.Info("dispatched block deletion commands",
			zap.Int("transactions", txMap.TransactionCount()),
			zap.Int("blocks", txMap.BlockCount()))
	}
	return nil
}

// SweepRetries increments the retry count of every dispatched transaction
// that has been waiting for an acknowledgment longer than the ack timeout.
func (s *BlockDeletingService) SweepRetries(ctx context.Context) error {
	cutoff := time.Now().Add(-s.config.AckTimeout)

	s.mu.Lock()
	var expired []int64
	for txID, sentAt := range s.inflight {
		if !sentAt.After(cutoff) {
			expired = append(expired, txID)
			delete(s.inflight, txID)
		}
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}
	s.logger.Debug("incrementing retry count for unacknowledged transactions",
		zap.Int("count", len(expired)))
	return s.log.IncrementRetryCount(ctx, expired)
}
