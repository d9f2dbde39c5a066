package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	eng := NewEngine()
	path := filepath.Join(t.TempDir(), "partition.db")
	db, err := eng.Open(DBSpec{
		Name: "test-partition",
		Path: path,
		Patterns: []CFPattern{
			{Match: func(string) bool { return true }, FlushOnShutdown: true},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, name := range AllTableNames {
		require.NoError(t, db.OpenCF(ctx, name))
	}
	t.Cleanup(func() {
		_ = db.Shutdown(ctx, 5*time.Second)
	})
	return db
}

func TestEngineOpenRejectsDuplicatePath(t *testing.T) {
	eng := NewEngine()
	path := filepath.Join(t.TempDir(), "dup.db")
	spec := DBSpec{Name: "dup", Path: path, Patterns: []CFPattern{{Match: func(string) bool { return true }}}}

	db, err := eng.Open(spec)
	require.NoError(t, err)
	defer db.Shutdown(context.Background(), time.Second)

	_, err = eng.Open(spec)
	require.Error(t, err)
	require.IsType(t, &ErrAlreadyOpen{}, err)
}

func TestOpenCFRequiresMatchingPattern(t *testing.T) {
	eng := NewEngine()
	path := filepath.Join(t.TempDir(), "nopattern.db")
	db, err := eng.Open(DBSpec{Name: "nopattern", Path: path})
	require.NoError(t, err)
	defer db.Shutdown(context.Background(), time.Second)

	err = db.OpenCF(context.Background(), bucketJournal)
	require.Error(t, err)
}

func TestInvocationStatusTableRoundTrip(t *testing.T) {
	db := openTestDB(t)
	id := ids.NewInvocationID(1)
	inv := &invocation.Invocation{
		ID:     id,
		Target: invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
		Status: invocation.StatusInvoked,
		Timestamps: invocation.Timestamps{
			Creation:     time.Unix(1700000000, 0).UTC(),
			Modification: time.Unix(1700000000, 0).UTC(),
		},
	}

	err := db.Update(func(tx *Txn) error {
		return InvocationStatusTable{}.Put(tx, inv)
	})
	require.NoError(t, err)

	var got *invocation.Invocation
	err = db.View(func(tx *Txn) error {
		var ok bool
		var err error
		got, ok, err = InvocationStatusTable{}.Get(tx, id)
		require.True(t, ok)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, inv.ID, got.ID)
	require.Equal(t, inv.Status, got.Status)

	err = db.Update(func(tx *Txn) error {
		return InvocationStatusTable{}.Delete(tx, id)
	})
	require.NoError(t, err)

	err = db.View(func(tx *Txn) error {
		_, ok, err := InvocationStatusTable{}.Get(tx, id)
		require.False(t, ok)
		return err
	})
	require.NoError(t, err)
}

func TestInboxTableFIFOScan(t *testing.T) {
	db := openTestDB(t)
	svc := ids.ServiceID{ServiceName: "cart", Key: "user-1"}

	entries := []*invocation.InboxEntry{
		{ServiceID: svc, SequenceNumber: 1, Kind: invocation.InboxInvocation, InvocationID: ids.NewInvocationID(1)},
		{ServiceID: svc, SequenceNumber: 2, Kind: invocation.InboxInvocation, InvocationID: ids.NewInvocationID(1)},
		{ServiceID: svc, SequenceNumber: 3, Kind: invocation.InboxInvocation, InvocationID: ids.NewInvocationID(1)},
	}
	err := db.Update(func(tx *Txn) error {
		for _, e := range entries {
			if err := (InboxTable{}).Put(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var scanned []*invocation.InboxEntry
	err = db.View(func(tx *Txn) error {
		var err error
		scanned, err = InboxTable{}.ScanByService(tx, svc)
		return err
	})
	require.NoError(t, err)
	require.Len(t, scanned, 3)
	for i, e := range scanned {
		require.Equal(t, uint64(i+1), e.SequenceNumber)
	}
}

func TestStateTableClearAllAndKeys(t *testing.T) {
	db := openTestDB(t)
	svc := ids.ServiceID{ServiceName: "cart", Key: "user-2"}

	err := db.Update(func(tx *Txn) error {
		if err := (StateTable{}).Put(tx, svc, "total", []byte("10")); err != nil {
			return err
		}
		return (StateTable{}).Put(tx, svc, "items", []byte("3"))
	})
	require.NoError(t, err)

	var keys []string
	err = db.View(func(tx *Txn) error {
		var err error
		keys, err = StateTable{}.GetStateKeys(tx, svc)
		return err
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"total", "items"}, keys)

	err = db.Update(func(tx *Txn) error {
		return StateTable{}.ClearAll(tx, svc)
	})
	require.NoError(t, err)

	err = db.View(func(tx *Txn) error {
		keys, err := StateTable{}.GetStateKeys(tx, svc)
		require.NoError(t, err)
		require.Empty(t, keys)
		return nil
	})
	require.NoError(t, err)
}

func TestTimerTableScanDueOrdersByDueTimeThenID(t *testing.T) {
	db := openTestDB(t)
	base := time.Unix(1700000000, 0).UTC()

	early := &invocation.Timer{DueTime: base, InvocationID: ids.NewInvocationID(1), Kind: invocation.TimerInvoke}
	late := &invocation.Timer{DueTime: base.Add(time.Minute), InvocationID: ids.NewInvocationID(1), Kind: invocation.TimerInvoke}

	err := db.Update(func(tx *Txn) error {
		if err := (TimerTable{}).Put(tx, late); err != nil {
			return err
		}
		return (TimerTable{}).Put(tx, early)
	})
	require.NoError(t, err)

	var due []*invocation.Timer
	err = db.View(func(tx *Txn) error {
		var err error
		due, err = TimerTable{}.ScanDue(tx, base.Add(time.Second).UnixNano())
		return err
	})
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.True(t, due[0].DueTime.Equal(early.DueTime))

	// A second timer at the same due time sorts after early by invocation id
	// (partition key 2 > 1), and late comes last.
	tie := &invocation.Timer{DueTime: base, InvocationID: ids.NewInvocationID(2), Kind: invocation.TimerInvoke}
	err = db.Update(func(tx *Txn) error {
		return (TimerTable{}).Put(tx, tie)
	})
	require.NoError(t, err)
	err = db.View(func(tx *Txn) error {
		var err error
		due, err = TimerTable{}.ScanDue(tx, late.DueTime.UnixNano())
		return err
	})
	require.NoError(t, err)
	require.Len(t, due, 3)
	require.Equal(t, early.InvocationID, due[0].InvocationID)
	require.Equal(t, tie.InvocationID, due[1].InvocationID)
	require.Equal(t, late.InvocationID, due[2].InvocationID)
}

func TestOutboxTableScanFromRespectsLimit(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *Txn) error {
		for i := uint64(1); i <= 5; i++ {
			msg := &invocation.OutboxMessage{SequenceNumber: i, Kind: invocation.OutboxServiceResponse}
			if err := (OutboxTable{}).Put(tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var msgs []*invocation.OutboxMessage
	err = db.View(func(tx *Txn) error {
		var err error
		msgs, err = OutboxTable{}.ScanFrom(tx, 2, 2)
		return err
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(2), msgs[0].SequenceNumber)
	require.Equal(t, uint64(3), msgs[1].SequenceNumber)
}

func TestDurableRestartPreservesData(t *testing.T) {
	eng := NewEngine()
	path := filepath.Join(t.TempDir(), "restart.db")
	spec := DBSpec{
		Name: "restart-test",
		Path: path,
		Patterns: []CFPattern{
			{Match: func(string) bool { return true }, FlushOnShutdown: true},
		},
	}

	db, err := eng.Open(spec)
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range AllTableNames {
		require.NoError(t, db.OpenCF(ctx, name))
	}

	ids1 := []ids.InvocationID{ids.NewInvocationID(1), ids.NewInvocationID(2), ids.NewInvocationID(3)}
	err = db.Update(func(tx *Txn) error {
		for _, id := range ids1 {
			inv := &invocation.Invocation{
				ID:     id,
				Target: invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
				Status: invocation.StatusCompleted,
				ResponseResult: &invocation.Result{Kind: invocation.ResultSuccess, Success: []byte(id.String())},
			}
			if err := (InvocationStatusTable{}).Put(tx, inv); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	// Kill the process: flush and close, then drop the engine's handle.
	require.NoError(t, db.Shutdown(ctx, 5*time.Second))
	eng.Close(path)

	// Restart: reopen the same path and column families from scratch.
	db, err = eng.Open(spec)
	require.NoError(t, err)
	for _, name := range AllTableNames {
		require.NoError(t, db.OpenCF(ctx, name))
	}
	t.Cleanup(func() { _ = db.Shutdown(ctx, 5*time.Second) })

	for _, id := range ids1 {
		err = db.View(func(tx *Txn) error {
			got, ok, err := (InvocationStatusTable{}).Get(tx, id)
			require.NoError(t, err)
			require.True(t, ok, "invocation %s should still be present after restart", id)
			require.Equal(t, invocation.StatusCompleted, got.Status)
			require.Equal(t, id.String(), string(got.ResponseResult.Success))
			return nil
		})
		require.NoError(t, err)
	}
}

func TestFsmTableSingleton(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := func() (*invocation.FsmCounters, bool, error) {
		var c *invocation.FsmCounters
		var ok bool
		err := db.View(func(tx *Txn) error {
			var err error
			c, ok, err = FsmTable{}.Get(tx)
			return err
		})
		return c, ok, err
	}()
	require.NoError(t, err)
	require.False(t, ok)

	err = db.Update(func(tx *Txn) error {
		return FsmTable{}.Put(tx, &invocation.FsmCounters{LastAppliedLSN: 42})
	})
	require.NoError(t, err)

	err = db.View(func(tx *Txn) error {
		c, ok, err := FsmTable{}.Get(tx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(42), c.LastAppliedLSN)
		return nil
	})
	require.NoError(t, err)
}
