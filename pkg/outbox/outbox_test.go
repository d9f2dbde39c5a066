package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	eng := storage.NewEngine()
	db, err := eng.Open(storage.DBSpec{
		Name: "outbox-test",
		Path: filepath.Join(t.TempDir(), "o.db"),
		Patterns: []storage.CFPattern{
			{Match: func(string) bool { return true }, FlushOnShutdown: true},
		},
	})
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range storage.AllTableNames {
		require.NoError(t, db.OpenCF(ctx, name))
	}
	t.Cleanup(func() { _ = db.Shutdown(ctx, 5*time.Second) })
	return db
}

type recordingRouter struct {
	mu        sync.Mutex
	delivered []uint64
}

func (r *recordingRouter) Deliver(ctx context.Context, msg *invocation.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, msg.SequenceNumber)
	return nil
}

type recordingProposer struct {
	db *storage.DB
}

// ProposeTruncateOutbox applies the truncation directly against storage,
// standing in for the real log round-trip a partition processor would do.
func (p *recordingProposer) ProposeTruncateOutbox(ctx context.Context, upToSequence uint64) error {
	return p.db.Update(func(tx *storage.Txn) error {
		msgs, err := (storage.OutboxTable{}).ScanFrom(tx, 0, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.SequenceNumber > upToSequence {
				break
			}
			if err := (storage.OutboxTable{}).Delete(tx, m.SequenceNumber); err != nil {
				return err
			}
		}
		return nil
	})
}

func putMessage(t *testing.T, db *storage.DB, seq uint64) {
	t.Helper()
	require.NoError(t, db.Update(func(tx *storage.Txn) error {
		return (storage.OutboxTable{}).Put(tx, &invocation.OutboxMessage{
			SequenceNumber: seq,
			Kind:           invocation.OutboxServiceResponse,
			TargetID:       ids.NewInvocationID(1),
			EntryIndex:     0,
			Result:         invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("ok")},
		})
	}))
}

func TestShipperDrainsInOrderAndTruncates(t *testing.T) {
	db := openTestDB(t)
	putMessage(t, db, 1)
	putMessage(t, db, 2)
	putMessage(t, db, 3)

	router := &recordingRouter{}
	proposer := &recordingProposer{db: db}
	s := NewShipper(db, router, proposer, func() bool { return true }, time.Hour)

	s.drain(context.Background())

	router.mu.Lock()
	require.Equal(t, []uint64{1, 2, 3}, router.delivered)
	router.mu.Unlock()

	err := db.View(func(tx *storage.Txn) error {
		remaining, err := (storage.OutboxTable{}).ScanFrom(tx, 0, 0)
		require.NoError(t, err)
		require.Empty(t, remaining)
		return nil
	})
	require.NoError(t, err)
}

func TestShipperSkipsWhileNotLeader(t *testing.T) {
	db := openTestDB(t)
	putMessage(t, db, 1)

	router := &recordingRouter{}
	proposer := &recordingProposer{db: db}
	s := NewShipper(db, router, proposer, func() bool { return false }, time.Hour)

	s.drain(context.Background())

	router.mu.Lock()
	require.Empty(t, router.delivered)
	router.mu.Unlock()
}

func TestShipperWakeTriggersDrain(t *testing.T) {
	db := openTestDB(t)
	putMessage(t, db, 1)

	router := &recordingRouter{}
	proposer := &recordingProposer{db: db}
	s := NewShipper(db, router, proposer, func() bool { return true }, time.Hour)
	s.Start()
	t.Cleanup(s.Stop)

	s.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		router.mu.Lock()
		n := len(router.delivered)
		router.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("wake did not trigger a drain")
}
