package metadatastore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// fsm implements raft.FSM for the metadata store's cluster-wide raft group.
// Unlike pkg/bifrost's per-partition RaftLog (which declares snapshotting
// hard Unsupported, per spec), the metadata store is a small, long-lived KV
// that every node keeps in full, so real snapshot/restore is exactly the
// WarrenFSM.Snapshot/Restore shape: dump the whole KV to the snapshot sink,
// reload it wholesale on restore. That is the only reason this package
// doesn't build on pkg/bifrost.RaftLog the way the partition processor
// does — the two raft groups have genuinely different snapshot needs.
type fsm struct {
	mu sync.Mutex
	kv *boltKV
}

func newFSM(kv *boltKV) *fsm {
	return &fsm{kv: kv}
}

// Apply decodes and applies one committed command, returning either nil (on
// success) or an error (ErrFailedPrecondition on a failed CAS, or a decode
// error for a corrupt log entry). raft hands this value straight back to
// the caller of raft.Raft.Apply via ApplyFuture.Response().
func (f *fsm) Apply(l *raft.Log) interface{} {
	cmd, err := unmarshalCommand(l.Data)
	if err != nil {
		return fmt.Errorf("metadatastore: corrupt command at index %d: %w", l.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current, exists, err := f.kv.get(cmd.Key)
	if err != nil {
		return err
	}
	if err := checkPrecondition(cmd.Precondition, current, exists); err != nil {
		return err
	}

	switch cmd.Op {
	case opPut:
		next := current.Version.Next()
		return f.kv.put(cmd.Key, Versioned{Value: cmd.Value, Version: next})
	case opDelete:
		return f.kv.delete(cmd.Key)
	default:
		return fmt.Errorf("metadatastore: unknown op %q", cmd.Op)
	}
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dump, err := f.kv.dumpAll()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{records: dump}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var dump map[string]Versioned
	if err := json.NewDecoder(rc).Decode(&dump); err != nil {
		return fmt.Errorf("metadatastore: decode snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kv.loadAll(dump)
}

type fsmSnapshot struct {
	records map[string]Versioned
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.records); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
