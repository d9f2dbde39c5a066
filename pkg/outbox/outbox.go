// Package outbox drains a partition's OutboxTable in strict sequence order
// while leading, handing each message to a Router for delivery and, once a
// contiguous run has been delivered, proposing a TruncateOutbox command so
// every replica's table converges on the same head. The shipper never
// deletes outbox rows itself: like pkg/timer, it only ever proposes back
// through the log, keeping storage mutation on the single deterministic
// command path (pkg/statemachine).
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/log"
	"github.com/restatedb/partitiond/pkg/storage"
)

// Router delivers one outbox message to its destination: another
// partition's ingress, a response sink, or (for ServiceInvocation/
// InvocationTermination/AttachInvocation bound for this same partition) a
// local loopback. Implementations must be idempotent — a message may be
// redelivered after a leadership change truncates a different prefix than
// the old leader had shipped.
type Router interface {
	Deliver(ctx context.Context, msg *invocation.OutboxMessage) error
}

// Proposer appends a TruncateOutbox command to the partition's log.
type Proposer interface {
	ProposeTruncateOutbox(ctx context.Context, upToSequence uint64) error
}

// BatchSize bounds how many messages one drain pass reads from storage
// before proposing a truncation and looping again, so a very long backlog
// doesn't hold one transaction's read set open indefinitely.
const BatchSize = 256

// Shipper drains one partition's outbox while leading.
type Shipper struct {
	db       *storage.DB
	router   Router
	proposer Proposer
	isLeader func() bool
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	wakeCh   chan struct{}
	interval time.Duration
}

// NewShipper constructs a shipper polling db on interval as a fallback,
// additionally woken immediately by Wake (called by pkg/partition after an
// OutboxMessageReady effect while leading).
func NewShipper(db *storage.DB, router Router, proposer Proposer, isLeader func() bool, interval time.Duration) *Shipper {
	return &Shipper{
		db:       db,
		router:   router,
		proposer: proposer,
		isLeader: isLeader,
		logger:   log.WithComponent("outbox"),
		wakeCh:   make(chan struct{}, 1),
		interval: interval,
	}
}

// Start begins the drain loop in a background goroutine.
func (s *Shipper) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.run(stopCh)
}

// Stop halts the drain loop. Safe to call once; a second call is a no-op.
func (s *Shipper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
}

// Wake is the OutboxNotifier pkg/partition calls after committing at least
// one OutboxMessageReady effect while leading. Non-blocking: a wake already
// pending covers any message appended before the drain pass it triggers
// reads storage.
func (s *Shipper) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Shipper) run(stopCh chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.drain(context.Background())
		case <-s.wakeCh:
			s.drain(context.Background())
		case <-stopCh:
			return
		}
	}
}

// drain ships every message currently in the outbox, in sequence order, in
// batches of BatchSize, proposing a truncation after each successfully
// delivered batch. It stops partway through on the first delivery error,
// leaving the remainder for the next tick or wake.
func (s *Shipper) drain(ctx context.Context) {
	if !s.isLeader() {
		return
	}

	for {
		var batch []*invocation.OutboxMessage
		err := s.db.View(func(tx *storage.Txn) error {
			var err error
			batch, err = (storage.OutboxTable{}).ScanFrom(tx, 0, BatchSize)
			return err
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("outbox scan failed")
			return
		}
		if len(batch) == 0 {
			return
		}

		delivered := uint64(0)
		haveDelivered := false
		for _, msg := range batch {
			if err := s.router.Deliver(ctx, msg); err != nil {
				s.logger.Error().Err(err).
					Uint64("sequence_number", msg.SequenceNumber).
					Msg("outbox delivery failed, will retry")
				break
			}
			delivered = msg.SequenceNumber
			haveDelivered = true
		}
		if !haveDelivered {
			return
		}

		if err := s.proposer.ProposeTruncateOutbox(ctx, delivered); err != nil {
			s.logger.Error().Err(err).Uint64("up_to_sequence", delivered).Msg("truncate outbox proposal failed")
			return
		}

		if len(batch) < BatchSize {
			return
		}
		if !s.isLeader() {
			return
		}
	}
}
