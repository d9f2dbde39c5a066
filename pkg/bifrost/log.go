// Package bifrost is the replicated command log each partition processor
// appends to and replays from. One partitiond process hosts one hashicorp/raft
// group per partition it owns, exactly as pkg/manager hosts a single raft
// group for cluster metadata: bifrost is that same machinery, reused as the
// per-partition substrate instead of a singleton cluster log.
package bifrost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/restatedb/partitiond/pkg/log"
)

// ErrSnapshotsUnsupported is returned by the FSM snapshot hooks. Partitions
// are small enough, and replayed often enough on takeover, that log replay
// from the last retained index stands in for snapshotting; wiring a real
// raft.FSMSnapshot is left for when log compaction becomes necessary.
var ErrSnapshotsUnsupported = errors.New("bifrost: snapshot/restore is not implemented, partitions recover by log replay")

// LogRecord is one committed entry handed to the processor's apply callback.
// LSN is the raft log index: monotonic, gapless, and stable across replays.
type LogRecord struct {
	LSN  uint64
	Data []byte
}

// ApplyFunc is invoked synchronously, in log order, on every node that hosts
// the partition (leader and followers alike) as entries commit. It must be
// deterministic: given the same LogRecord, every replica must reach the same
// state, since raft guarantees only the bytes are replicated, not the effect.
type ApplyFunc func(LogRecord) error

// Config describes how to stand up one partition's raft group.
type Config struct {
	PartitionID string
	NodeID      string
	BindAddr    string
	DataDir     string
}

// Log is the append/observe surface a partition processor depends on. It is
// deliberately narrow so the processor can be tested against a fake without
// standing up raft.
type Log interface {
	Append(ctx context.Context, data []byte) (lsn uint64, err error)
	IsLeader() bool
	LeaderAddr() string
	Shutdown() error
}

// applyResult is what fsmBridge.Apply returns through raft's future.Response,
// letting Append recover the committed index without a side channel.
type applyResult struct {
	lsn uint64
	err error
}

// fsmBridge adapts ApplyFunc to raft.FSM.
type fsmBridge struct {
	apply ApplyFunc
}

func (b *fsmBridge) Apply(l *raft.Log) interface{} {
	err := b.apply(LogRecord{LSN: l.Index, Data: l.Data})
	return applyResult{lsn: l.Index, err: err}
}

func (b *fsmBridge) Snapshot() (raft.FSMSnapshot, error) {
	return nil, ErrSnapshotsUnsupported
}

func (b *fsmBridge) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return ErrSnapshotsUnsupported
}

// RaftLog is the hashicorp/raft-backed Log implementation: one raft group,
// one bolt-backed log store and stable store, one file snapshot store (kept
// only because raft.NewRaft requires a SnapshotStore, never populated since
// fsmBridge refuses to snapshot).
type RaftLog struct {
	raft   *raft.Raft
	addr   raft.ServerAddress
	logger zerolog.Logger
}

// NewRaftLog constructs and starts the raft group for one partition. Timeouts
// mirror the cluster metadata group's tuning: fast failover on a LAN, not a
// WAN deployment.
func NewRaftLog(cfg Config, apply ApplyFunc) (*RaftLog, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("bifrost: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond
	raftCfg.Logger = nil

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("bifrost: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("bifrost: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 1, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("bifrost: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "log.db"))
	if err != nil {
		return nil, fmt.Errorf("bifrost: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "stable.db"))
	if err != nil {
		return nil, fmt.Errorf("bifrost: create stable store: %w", err)
	}

	bridge := &fsmBridge{apply: apply}
	r, err := raft.NewRaft(raftCfg, bridge, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("bifrost: create raft: %w", err)
	}

	return &RaftLog{
		raft:   r,
		addr:   transport.LocalAddr(),
		logger: log.WithComponent("bifrost").With().Str("partition_id", cfg.PartitionID).Logger(),
	}, nil
}

// LocalAddr returns the address this node's raft transport is bound to, for
// use in a Bootstrap server list or when telling a leader how to reach this
// node via AddVoter.
func (l *RaftLog) LocalAddr() raft.ServerAddress {
	return l.addr
}

// Bootstrap forms a brand-new raft group with the given initial membership.
// Called once by whichever node is assigned to seed the partition.
func (l *RaftLog) Bootstrap(servers []raft.Server) error {
	future := l.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	return future.Error()
}

// AddVoter adds a node to this partition's raft group. Must be called
// against the current leader.
func (l *RaftLog) AddVoter(nodeID, addr string) error {
	if !l.IsLeader() {
		return fmt.Errorf("bifrost: not leader, current leader %s", l.LeaderAddr())
	}
	future := l.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a node from this partition's raft group.
func (l *RaftLog) RemoveServer(nodeID string) error {
	if !l.IsLeader() {
		return fmt.Errorf("bifrost: not leader, current leader %s", l.LeaderAddr())
	}
	future := l.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// Append proposes data to the partition's log and blocks until it commits,
// returning the LSN it was assigned.
func (l *RaftLog) Append(ctx context.Context, data []byte) (uint64, error) {
	deadline := 10 * time.Second
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining > 0 {
			deadline = remaining
		}
	}
	future := l.raft.Apply(data, deadline)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("bifrost: append: %w", err)
	}
	resp, ok := future.Response().(applyResult)
	if !ok {
		return 0, fmt.Errorf("bifrost: append: unexpected apply response type %T", future.Response())
	}
	if resp.err != nil {
		return 0, resp.err
	}
	return resp.lsn, nil
}

// IsLeader reports whether this node currently holds the partition's raft
// leadership.
func (l *RaftLog) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the partition's current raft leader, or
// empty if unknown.
func (l *RaftLog) LeaderAddr() string {
	return string(l.raft.Leader())
}

// Shutdown stops the raft group.
func (l *RaftLog) Shutdown() error {
	future := l.raft.Shutdown()
	return future.Error()
}
