// Package timer is the due-time-ordered wheel over a partition's TimerTable
// (C7). It never mutates storage directly: on each tick, while leader, it
// reads the timers whose due time has passed and proposes a FireTimer
// command for each, so the actual removal and payload dispatch happens
// through the ordinary committed command path (pkg/statemachine) — keeping
// timer firing subject to the same determinism and replay guarantees as
// every other state transition.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/log"
	"github.com/restatedb/partitiond/pkg/storage"
)

// Proposer appends a FireTimer command to the partition's bifrost log. The
// timer service never applies state itself; pkg/partition owns that.
type Proposer interface {
	ProposeFireTimer(ctx context.Context, timer invocation.Timer) error
}

// Service runs the periodic due-time scan for one partition.
type Service struct {
	db       *storage.DB
	proposer Proposer
	isLeader func() bool
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	interval time.Duration
	clock    func() time.Time
}

// NewService constructs a timer service polling db on interval, proposing
// fires through proposer only while isLeader reports true (spec §6: timer
// firing is a leader-only responsibility, mirroring the partition's own
// leadership advisory).
func NewService(db *storage.DB, proposer Proposer, isLeader func() bool, interval time.Duration) *Service {
	return &Service{
		db:       db,
		proposer: proposer,
		isLeader: isLeader,
		logger:   log.WithComponent("timer"),
		interval: interval,
		clock:    time.Now,
	}
}

// Start begins the polling loop in a background goroutine.
func (s *Service) Start() {
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

// Stop halts the polling loop. Safe to call once; a second call is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
}

func (s *Service) run(stopCh chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.fireDue(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("timer sweep failed")
			}
		case <-stopCh:
			return
		}
	}
}

// fireDue scans TimerTable for entries due at or before now and proposes a
// FireTimer command for each. A timer whose due time is the
// TimerCleanInvocationStatus sentinel used to mean "never clean" is
// resolved upstream by never arming such a timer in the first place (see
// DESIGN.md's Open Question #1); fireDue itself has no sentinel to special
// -case.
func (s *Service) fireDue(ctx context.Context) error {
	if !s.isLeader() {
		return nil
	}

	var due []*invocation.Timer
	err := s.db.View(func(tx *storage.Txn) error {
		var err error
		due, err = (storage.TimerTable{}).ScanDue(tx, s.clock().UnixNano())
		return err
	})
	if err != nil {
		return err
	}

	for _, t := range due {
		if err := s.proposer.ProposeFireTimer(ctx, *t); err != nil {
			s.logger.Error().Err(err).
				Str("invocation_id", t.InvocationID.String()).
				Msg("failed to propose fire_timer")
		}
	}
	return nil
}
