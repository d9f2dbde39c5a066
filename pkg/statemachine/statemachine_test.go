package statemachine

import (
	"context"
	"path/filepath"
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
		Name: "sm-test",
		Path: filepath.Join(t.TempDir(), "sm.db"),
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

func keyedTarget(name, key string) invocation.Target {
	return invocation.Target{Kind: invocation.TargetVirtualObject, Name: name, Key: key, Handler: "run", Mode: invocation.ModeExclusive}
}

func TestInvokeUnkeyedDispatchesImmediately(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	id := ids.NewInvocationID(1)

	var effects []Effect
	err := db.Update(func(tx *storage.Txn) error {
		var err error
		effects, err = sm.Apply(tx, Command{
			Kind: CmdInvoke, At: at,
			Invoke: &InvokeCommand{
				ID:     id,
				Target: invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
			},
		})
		return err
	})
	require.NoError(t, err)
	require.Len(t, effects, 2)
	require.IsType(t, StatusChanged{}, effects[0])
	require.IsType(t, InvokeAtInvoker{}, effects[1])

	err = db.View(func(tx *storage.Txn) error {
		inv, ok, err := (storage.InvocationStatusTable{}).Get(tx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.StatusInvoked, inv.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestInvokeKeyedSecondCallerIsInboxed(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	target := keyedTarget("cart", "user-1")
	first := ids.NewInvocationID(1)
	second := ids.NewInvocationID(1)

	err := db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{ID: first, Target: target}})
		return err
	})
	require.NoError(t, err)

	var effects []Effect
	err = db.Update(func(tx *storage.Txn) error {
		var err error
		effects, err = sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{ID: second, Target: target}})
		return err
	})
	require.NoError(t, err)
	require.Len(t, effects, 1)
	require.IsType(t, StatusChanged{}, effects[0])
	require.Equal(t, invocation.StatusInboxed, effects[0].(StatusChanged).Status)

	err = db.View(func(tx *storage.Txn) error {
		lock, ok, err := (storage.ServiceStatusTable{}).Get(tx, target.ServiceID())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.Locked, lock.State)
		require.Equal(t, first, lock.InvocationID)
		return nil
	})
	require.NoError(t, err)
}

func TestSendResponseReleasesLockAndDispatchesQueued(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	target := keyedTarget("cart", "user-2")
	first := ids.NewInvocationID(1)
	second := ids.NewInvocationID(1)

	err := db.Update(func(tx *storage.Txn) error {
		if _, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{ID: first, Target: target}}); err != nil {
			return err
		}
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{ID: second, Target: target}})
		return err
	})
	require.NoError(t, err)

	var effects []Effect
	err = db.Update(func(tx *storage.Txn) error {
		var err error
		effects, err = sm.Apply(tx, Command{
			Kind: CmdSendResponse, At: at,
			SendResponse: &SendResponseCommand{InvocationID: first, Result: invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("ok")}},
		})
		return err
	})
	require.NoError(t, err)

	var sawInvokeSecond bool
	for _, e := range effects {
		if inv, ok := e.(InvokeAtInvoker); ok && inv.Invocation.ID == second {
			sawInvokeSecond = true
		}
	}
	require.True(t, sawInvokeSecond, "second caller should be dispatched once the lock frees")

	err = db.View(func(tx *storage.Txn) error {
		lock, ok, err := (storage.ServiceStatusTable{}).Get(tx, target.ServiceID())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, second, lock.InvocationID)

		firstInv, ok, err := (storage.InvocationStatusTable{}).Get(tx, first)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.StatusCompleted, firstInv.Status)

		secondInv, ok, err := (storage.InvocationStatusTable{}).Get(tx, second)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.StatusInvoked, secondInv.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestNeverCleanSkipsCleanupTimer(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	id := ids.NewInvocationID(1)

	err := db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{
			ID: id, NeverClean: true,
			Target: invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
		}})
		return err
	})
	require.NoError(t, err)

	var effects []Effect
	err = db.Update(func(tx *storage.Txn) error {
		var err error
		effects, err = sm.Apply(tx, Command{
			Kind: CmdSendResponse, At: at,
			SendResponse: &SendResponseCommand{InvocationID: id, Result: invocation.Result{Kind: invocation.ResultSuccess}},
		})
		return err
	})
	require.NoError(t, err)
	for _, e := range effects {
		_, isTimer := e.(TimerArmed)
		require.False(t, isTimer, "NeverClean invocation must not arm a cleanup timer")
	}
}

func TestSuspendAndCompleteJournalEntryResumes(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	id := ids.NewInvocationID(1)

	err := db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{
			ID: id, Target: invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
		}})
		return err
	})
	require.NoError(t, err)

	err = db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdSuspend, At: at, Suspend: &SuspendCommand{
			InvocationID: id, WaitingForCompletedEntries: []uint32{0},
		}})
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *storage.Txn) error {
		inv, ok, err := (storage.InvocationStatusTable{}).Get(tx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.StatusSuspended, inv.Status)
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *storage.Txn) error {
		if _, err := sm.Apply(tx, Command{Kind: CmdAppendJournalEntry, At: at, AppendJournalEntry: &AppendJournalEntryCommand{
			InvocationID: id, EntryIndex: 0,
		}}); err != nil {
			return err
		}
		_, err := sm.Apply(tx, Command{Kind: CmdCompleteJournalEntry, At: at, CompleteJournalEntry: &CompleteJournalEntryCommand{
			InvocationID: id, EntryIndex: 0, Result: invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("x")},
		}})
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *storage.Txn) error {
		inv, ok, err := (storage.InvocationStatusTable{}).Get(tx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.StatusInvoked, inv.Status)
		require.Empty(t, inv.WaitingForCompletedEntries)
		return nil
	})
	require.NoError(t, err)
}

func TestFireTimerCleanInvocationStatusFreesRecord(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	id := ids.NewInvocationID(1)
	timer := invocation.Timer{DueTime: at, InvocationID: id, Kind: invocation.TimerCleanInvocationStatus}

	err := db.Update(func(tx *storage.Txn) error {
		return (storage.InvocationStatusTable{}).Put(tx, &invocation.Invocation{ID: id, Status: invocation.StatusCompleted})
	})
	require.NoError(t, err)

	err = db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdFireTimer, At: at, FireTimer: &FireTimerCommand{Timer: timer}})
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *storage.Txn) error {
		_, ok, err := (storage.InvocationStatusTable{}).Get(tx, id)
		require.NoError(t, err)
		require.False(t, ok, "invocation should be freed")
		return nil
	})
	require.NoError(t, err)
}

func TestIdempotencyKeyReuseUnionsResponseSinks(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	key := "order-123"
	target := invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"}
	first := ids.NewInvocationID(1)
	second := ids.NewInvocationID(2)
	sinkA := invocation.ResponseSink{Kind: invocation.SinkIngress, RequestID: "req-a"}
	sinkB := invocation.ResponseSink{Kind: invocation.SinkIngress, RequestID: "req-b"}

	err := db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{
			ID: first, Target: target, IdempotencyKey: &key, ResponseSinks: []invocation.ResponseSink{sinkA},
		}})
		return err
	})
	require.NoError(t, err)

	// Reusing the same idempotency key while the first invocation is still
	// alive must not create a second invocation; its response_sinks union
	// with the first's instead.
	err = db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{
			ID: second, Target: target, IdempotencyKey: &key, ResponseSinks: []invocation.ResponseSink{sinkB},
		}})
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *storage.Txn) error {
		_, ok, err := (storage.InvocationStatusTable{}).Get(tx, second)
		require.NoError(t, err)
		require.False(t, ok, "idempotency reuse must not create a second invocation")

		inv, ok, err := (storage.InvocationStatusTable{}).Get(tx, first)
		require.NoError(t, err)
		require.True(t, ok)
		require.ElementsMatch(t, []invocation.ResponseSink{sinkA, sinkB}, inv.ResponseSinks)
		return nil
	})
	require.NoError(t, err)
}

func TestIdempotencyKeyPointingAtFreedInvocationCreatesNew(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	at := time.Unix(1700000000, 0).UTC()
	key := "order-456"
	target := invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"}
	first := ids.NewInvocationID(1)
	second := ids.NewInvocationID(2)

	err := db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{
			ID: first, Target: target, IdempotencyKey: &key,
		}})
		return err
	})
	require.NoError(t, err)

	// Free the first invocation the same way a cleanup timer fire would,
	// leaving a stale idempotency record pointing at a Free invocation.
	err = db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdFireTimer, At: at, FireTimer: &FireTimerCommand{
			Timer: invocation.Timer{DueTime: at, InvocationID: first, Kind: invocation.TimerCleanInvocationStatus},
		}})
		return err
	})
	require.NoError(t, err)

	var effects []Effect
	err = db.Update(func(tx *storage.Txn) error {
		var err error
		effects, err = sm.Apply(tx, Command{Kind: CmdInvoke, At: at, Invoke: &InvokeCommand{
			ID: second, Target: target, IdempotencyKey: &key,
		}})
		return err
	})
	require.NoError(t, err)
	require.NotEmpty(t, effects, "a stale idempotency record must not silently drop the invoke")

	err = db.View(func(tx *storage.Txn) error {
		inv, ok, err := (storage.InvocationStatusTable{}).Get(tx, second)
		require.NoError(t, err)
		require.True(t, ok, "a new invocation must be created when the idempotency record points at a Free one")
		require.Equal(t, invocation.StatusInvoked, inv.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestTruncateOutboxDeletesUpToSequenceOnly(t *testing.T) {
	db := openTestDB(t)
	sm := New()
	id := ids.NewInvocationID(1)

	err := db.Update(func(tx *storage.Txn) error {
		for seq := uint64(1); seq <= 3; seq++ {
			msg := &invocation.OutboxMessage{
				SequenceNumber: seq,
				Kind:           invocation.OutboxServiceResponse,
				TargetID:       id,
				Result:         invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("ok")},
			}
			if err := (storage.OutboxTable{}).Put(tx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *storage.Txn) error {
		_, err := sm.Apply(tx, Command{Kind: CmdTruncateOutbox, TruncateOutbox: &TruncateOutboxCommand{UpToSequence: 2}})
		return err
	})
	require.NoError(t, err)

	err = db.View(func(tx *storage.Txn) error {
		remaining, err := (storage.OutboxTable{}).ScanFrom(tx, 0, 0)
		require.NoError(t, err)
		require.Len(t, remaining, 1)
		require.Equal(t, uint64(3), remaining[0].SequenceNumber)
		return nil
	})
	require.NoError(t, err)
}
