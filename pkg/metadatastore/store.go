package metadatastore

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/restatedb/partitiond/pkg/log"
)

// Config describes one node's participation in the cluster-wide metadata
// store's raft group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Store is the linearizable versioned KV contract (C4), backed by a
// singleton raft group shared by every node in the cluster — as opposed to
// pkg/bifrost's one-group-per-partition scheme.
type Store struct {
	nodeID string
	addr   raft.ServerAddress
	raft   *raft.Raft
	kv     *boltKV
	logger zerolog.Logger
}

// NewStore constructs this node's view of the metadata store; it does not
// bootstrap or join a cluster. Call Bootstrap or AddVoter afterward to establish
// membership, exactly as pkg/bifrost.RaftLog requires.
func NewStore(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("metadatastore: create data dir: %w", err)
	}

	kv, err := newBoltKV(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		_ = kv.close()
		return nil, fmt.Errorf("metadatastore: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		_ = kv.close()
		return nil, fmt.Errorf("metadatastore: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		_ = kv.close()
		return nil, fmt.Errorf("metadatastore: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		_ = kv.close()
		return nil, fmt.Errorf("metadatastore: create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		_ = kv.close()
		return nil, fmt.Errorf("metadatastore: create raft stable store: %w", err)
	}

	f := newFSM(kv)
	r, err := raft.NewRaft(raftConfig, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		_ = kv.close()
		return nil, fmt.Errorf("metadatastore: create raft: %w", err)
	}

	return &Store{
		nodeID: cfg.NodeID,
		addr:   transport.LocalAddr(),
		raft:   r,
		kv:     kv,
		logger: log.WithComponent("metadatastore"),
	}, nil
}

// LocalAddr returns this node's raft transport address, usable as the sole
// entry of a BootstrapSingleNode call or as the Address of a raft.Server
// another node adds via AddVoter.
func (s *Store) LocalAddr() raft.ServerAddress {
	return s.addr
}

// Bootstrap seeds this node's raft group with the given membership.
func (s *Store) Bootstrap(servers []raft.Server) error {
	future := s.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	return future.Error()
}

// BootstrapSingleNode seeds the raft group with this node as its only
// voter, for a single-node deployment or the first node a cluster starts
// from.
func (s *Store) BootstrapSingleNode() error {
	return s.Bootstrap([]raft.Server{
		{ID: raft.ServerID(s.nodeID), Address: s.addr},
	})
}

// AddVoter adds a node to the metadata store's raft group; must be called
// against the current leader.
func (s *Store) AddVoter(nodeID, addr string) error {
	if !s.IsLeader() {
		return fmt.Errorf("metadatastore: add voter: %w, leader is %s", ErrNotLeader, s.LeaderAddr())
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a node from the metadata store's raft group.
func (s *Store) RemoveServer(nodeID string) error {
	if !s.IsLeader() {
		return fmt.Errorf("metadatastore: remove server: %w", ErrNotLeader)
	}
	future := s.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds the metadata store's
// raft leadership.
func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, if known.
func (s *Store) LeaderAddr() string {
	return string(s.raft.Leader())
}

// Get returns the current value and version for key, or ok=false if absent.
// Only the leader can serve a read that is guaranteed linearizable; a
// follower returns ErrNotLeader rather than a possibly-stale value.
func (s *Store) Get(key string) (Versioned, bool, error) {
	if !s.IsLeader() {
		return Versioned{}, false, ErrNotLeader
	}
	return s.kv.get(key)
}

// GetVersion returns only the current version for key.
func (s *Store) GetVersion(key string) (Version, bool, error) {
	rec, ok, err := s.Get(key)
	if err != nil || !ok {
		return VersionInvalid, ok, err
	}
	return rec.Version, true, nil
}

// Put writes value for key if precondition holds, blocking until the
// command commits. Returns ErrFailedPrecondition if it does not.
func (s *Store) Put(key string, value []byte, precondition Precondition) error {
	return s.apply(command{Op: opPut, Key: key, Value: value, Precondition: precondition})
}

// Delete removes key if precondition holds, blocking until the command
// commits.
func (s *Store) Delete(key string, precondition Precondition) error {
	return s.apply(command{Op: opDelete, Key: key, Precondition: precondition})
}

func (s *Store) apply(c command) error {
	if !s.IsLeader() {
		return fmt.Errorf("metadatastore: apply: %w, leader is %s", ErrNotLeader, s.LeaderAddr())
	}
	future := s.raft.Apply(marshalCommand(c), 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("metadatastore: raft apply: %w", err)
	}
	resp := future.Response()
	if resp == nil {
		return nil
	}
	if err, ok := resp.(error); ok && err != nil {
		return err
	}
	return nil
}

// Shutdown stops the raft group and closes the local KV.
func (s *Store) Shutdown() error {
	if err := s.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("metadatastore: raft shutdown: %w", err)
	}
	return s.kv.close()
}
