// Package partition is the partition processor: it consumes a bifrost log,
// applies each command through pkg/statemachine inside a storage
// transaction, and once that transaction commits, dispatches the effects
// the state machine returned. Leadership is advisory — a follower keeps
// applying the log (so it stays ready to take over) but never calls out to
// the invoker, never drains the outbox, and never arms timers.
package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"

	"github.com/restatedb/partitiond/pkg/bifrost"
	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/invoker"
	"github.com/restatedb/partitiond/pkg/log"
	"github.com/restatedb/partitiond/pkg/statemachine"
	"github.com/restatedb/partitiond/pkg/storage"
)

// Config describes one partition processor instance.
type Config struct {
	ID       ids.PartitionKey
	NodeID   string
	BindAddr string
	DataDir  string
}

// OutboxNotifier is called once per commit that produced at least one
// OutboxMessageReady effect, while leading. pkg/outbox's shipper supplies
// this; a nil notifier just means nothing drains the outbox yet.
type OutboxNotifier func()

// Processor owns one partition's log, storage, and state machine, and is
// the bridge between them and the invoker.
type Processor struct {
	id      ids.PartitionKey
	nodeID  string
	db      *storage.DB
	sm      *statemachine.StateMachine
	log     *bifrost.RaftLog
	invoker invoker.Invoker
	status  *StatusCell
	logger  zerolog.Logger

	notifyOutbox OutboxNotifier

	mu           sync.Mutex
	leading      bool
	epoch        uint64
	lastApplied  uint64
	pollStopCh   chan struct{}
}

// New constructs a processor and starts its raft group. The processor does
// not begin polling for leadership transitions until Start is called.
func New(cfg Config, db *storage.DB, inv invoker.Invoker, notifyOutbox OutboxNotifier) (*Processor, error) {
	p := &Processor{
		id:           cfg.ID,
		nodeID:       cfg.NodeID,
		db:           db,
		sm:           statemachine.New(),
		invoker:      inv,
		status:       NewStatusCell(),
		logger:       log.WithPartitionID(uint64(cfg.ID)),
		notifyOutbox: notifyOutbox,
	}

	raftLog, err := bifrost.NewRaftLog(bifrost.Config{
		PartitionID: fmt.Sprintf("%d", uint64(cfg.ID)),
		NodeID:      cfg.NodeID,
		BindAddr:    cfg.BindAddr,
		DataDir:     cfg.DataDir,
	}, p.applyRecord)
	if err != nil {
		return nil, fmt.Errorf("partition: start raft group: %w", err)
	}
	p.log = raftLog
	return p, nil
}

// Bootstrap seeds this partition's raft group with the given membership.
// Called once by whichever node is assigned to seed the partition.
func (p *Processor) Bootstrap(servers []raft.Server) error {
	return p.log.Bootstrap(servers)
}

// BootstrapSingleNode seeds this partition's raft group as a single voter:
// itself. Used when standing up the first node a partition is assigned to.
func (p *Processor) BootstrapSingleNode() error {
	return p.log.Bootstrap([]raft.Server{
		{ID: raft.ServerID(p.nodeID), Address: p.log.LocalAddr()},
	})
}

// AddVoter adds a node to this partition's raft group; must be called
// against the current leader.
func (p *Processor) AddVoter(nodeID, addr string) error {
	return p.log.AddVoter(nodeID, addr)
}

// Status returns the most recently published processor status.
func (p *Processor) Status() Status {
	return p.status.Get()
}

// Subscribe observes this processor's status as it changes.
func (p *Processor) Subscribe() (<-chan Status, func()) {
	return p.status.Subscribe()
}

// IsLeader reports whether this node currently holds the partition's raft
// leadership. This is the single source of truth RPC handlers must consult
// to reject writes with NotLeader while following.
func (p *Processor) IsLeader() bool {
	return p.log.IsLeader()
}

// Propose appends a command to the partition's log and blocks until
// committed, returning the LSN it landed at. Used both for externally
// triggered commands (Invoke from an ingress RPC) and for commands the
// processor itself originates in response to invoker callbacks.
func (p *Processor) Propose(ctx context.Context, cmd statemachine.Command) (uint64, error) {
	return p.log.Append(ctx, statemachine.MarshalCommand(cmd))
}

// ProposeFireTimer implements pkg/timer.Proposer: it is how the timer
// service gets a due timer back onto the committed command path instead of
// mutating storage directly.
func (p *Processor) ProposeFireTimer(ctx context.Context, t invocation.Timer) error {
	_, err := p.Propose(ctx, statemachine.Command{
		Kind: statemachine.CmdFireTimer, At: time.Now(),
		FireTimer: &statemachine.FireTimerCommand{Timer: t},
	})
	return err
}

// ProposeTruncateOutbox implements pkg/outbox.Proposer: it is how the
// outbox shipper retires messages it has confirmed delivery of, without
// ever deleting them from storage directly.
func (p *Processor) ProposeTruncateOutbox(ctx context.Context, upToSequence uint64) error {
	_, err := p.Propose(ctx, statemachine.Command{
		Kind: statemachine.CmdTruncateOutbox, At: time.Now(),
		TruncateOutbox: &statemachine.TruncateOutboxCommand{UpToSequence: upToSequence},
	})
	return err
}

// Start begins polling for raft leadership transitions. Actual command
// application happens synchronously inside applyRecord, called by raft
// itself — Start only needs to notice Become Leader / Become Follower edges
// so dependent services (invoker dispatch gating, outbox, timers) react.
func (p *Processor) Start(interval time.Duration) {
	p.mu.Lock()
	if p.pollStopCh != nil {
		p.mu.Unlock()
		return
	}
	p.pollStopCh = make(chan struct{})
	stopCh := p.pollStopCh
	p.mu.Unlock()

	go p.pollLeadership(stopCh, interval)
}

// Stop halts leadership polling and shuts down the raft group.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if p.pollStopCh != nil {
		close(p.pollStopCh)
		p.pollStopCh = nil
	}
	p.mu.Unlock()
	return p.log.Shutdown()
}

func (p *Processor) pollLeadership(stopCh chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.checkLeadershipTransition()
		case <-stopCh:
			return
		}
	}
}

func (p *Processor) checkLeadershipTransition() {
	now := p.log.IsLeader()

	p.mu.Lock()
	was := p.leading
	if now && !was {
		p.epoch++
	}
	p.leading = now
	epoch := p.epoch
	p.mu.Unlock()

	if now && !was {
		p.logger.Info().Uint64("leader_epoch", epoch).Msg("became leader")
	} else if !now && was {
		p.logger.Info().Msg("became follower")
	}
	p.publishStatus()
}

// applyRecord is bifrost.ApplyFunc: called synchronously, in log order, by
// raft on every replica as entries commit. raft.Apply's return value is only
// ever delivered back to the node that proposed the entry, via its Append
// future; every other replica applying the same committed entry discards it.
// A returned error here would leave that replica's state silently diverged
// from the rest of the group with nothing logged. Any failure this deep is
// either a codec bug (a command no replica should ever have been able to
// produce, which panics inside the state machine and crashes every replica
// identically) or an unrecoverable storage failure, which this function
// aborts the whole process for instead of returning.
func (p *Processor) applyRecord(rec bifrost.LogRecord) error {
	cmd, err := statemachine.UnmarshalCommand(rec.Data)
	if err != nil {
		p.logger.Fatal().Err(err).Uint64("lsn", rec.LSN).Msg("corrupt command, aborting")
		return err
	}

	var effects []statemachine.Effect
	err = p.db.Update(func(tx *storage.Txn) error {
		var applyErr error
		effects, applyErr = p.sm.Apply(tx, cmd)
		return applyErr
	})
	if err != nil {
		p.logger.Fatal().Err(err).Uint64("lsn", rec.LSN).Msg("unrecoverable apply failure, aborting")
		return err
	}

	p.mu.Lock()
	p.lastApplied = rec.LSN
	p.mu.Unlock()
	p.publishStatus()

	// Effect dispatch happens on the same commit boundary, synchronously,
	// before applyRecord returns to raft — so the next entry cannot apply
	// until this one's effects have at least been attempted once.
	p.dispatchEffects(context.Background(), effects)
	return nil
}

func (p *Processor) publishStatus() {
	p.mu.Lock()
	s := Status{
		PartitionID:    uint64(p.id),
		LeaderEpoch:    p.epoch,
		LastAppliedLSN: p.lastApplied,
		IsLeader:       p.log.IsLeader(),
	}
	p.mu.Unlock()
	p.status.Set(s)
}

func (p *Processor) dispatchEffects(ctx context.Context, effects []statemachine.Effect) {
	leading := p.IsLeader()
	sawOutboxReady := false

	for _, e := range effects {
		switch eff := e.(type) {
		case statemachine.InvokeAtInvoker:
			if !leading {
				continue
			}
			if err := p.invoker.Invoke(ctx, *eff.Invocation, &partitionSink{p: p}); err != nil {
				p.logger.Error().Err(err).Str("invocation_id", eff.Invocation.ID.String()).Msg("invoke dispatch failed")
			}
		case statemachine.ResumeAtInvoker:
			if !leading {
				continue
			}
			if err := p.invoker.Resume(ctx, eff.InvocationID, &partitionSink{p: p}); err != nil {
				p.logger.Error().Err(err).Str("invocation_id", eff.InvocationID.String()).Msg("resume dispatch failed")
			}
		case statemachine.AbortAtInvoker:
			if !leading {
				continue
			}
			if err := p.invoker.Abort(ctx, eff.InvocationID); err != nil {
				p.logger.Error().Err(err).Str("invocation_id", eff.InvocationID.String()).Msg("abort dispatch failed")
			}
		case statemachine.OutboxMessageReady:
			sawOutboxReady = true
		case statemachine.TimerArmed, statemachine.TimerCancelled:
			// pkg/timer polls TimerTable on its own interval; no immediate
			// wake is required for correctness, only for latency.
		case statemachine.StatusChanged:
			p.logger.Debug().Str("invocation_id", eff.InvocationID.String()).Str("status", eff.Status.String()).Msg("invocation status changed")
		}
	}

	if sawOutboxReady && leading && p.notifyOutbox != nil {
		p.notifyOutbox()
	}
}
