package partition

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/invoker"
	"github.com/restatedb/partitiond/pkg/statemachine"
	"github.com/restatedb/partitiond/pkg/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	eng := storage.NewEngine()
	db, err := eng.Open(storage.DBSpec{
		Name: "partition-test",
		Path: filepath.Join(t.TempDir(), "p.db"),
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

func waitForLeader(t *testing.T, p *Processor) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("processor never became leader")
}

func TestProcessorInvokeDispatchesToInvokerAndCompletes(t *testing.T) {
	db := openTestDB(t)

	inv := invoker.NewInMemory(map[string]invoker.Handler{
		"billing/charge": func(ctx context.Context, call invocation.Invocation, sink invoker.Sink) invocation.Result {
			return invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("charged")}
		},
	})

	p, err := New(Config{
		ID:       1,
		NodeID:   "n1",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	}, db, inv, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	require.NoError(t, p.BootstrapSingleNode())
	waitForLeader(t, p)

	id := ids.NewInvocationID(1)
	_, err = p.Propose(context.Background(), statemachine.Command{
		Kind: statemachine.CmdInvoke, At: time.Now(),
		Invoke: &statemachine.InvokeCommand{
			ID:     id,
			Target: invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
		},
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var done bool
		err = db.View(func(tx *storage.Txn) error {
			rec, ok, err := (storage.InvocationStatusTable{}).Get(tx, id)
			if err != nil || !ok {
				return err
			}
			done = rec.Status == invocation.StatusCompleted
			return nil
		})
		require.NoError(t, err)
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	err = db.View(func(tx *storage.Txn) error {
		rec, ok, err := (storage.InvocationStatusTable{}).Get(tx, id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, invocation.StatusCompleted, rec.Status)
		require.Equal(t, "charged", string(rec.ResponseResult.Success))
		return nil
	})
	require.NoError(t, err)
}

func TestStatusCellPublishesAfterApply(t *testing.T) {
	db := openTestDB(t)
	inv := invoker.NewInMemory(nil)

	p, err := New(Config{ID: 2, NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()}, db, inv, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop() })

	require.NoError(t, p.BootstrapSingleNode())
	waitForLeader(t, p)

	_, err = p.Propose(context.Background(), statemachine.Command{
		Kind: statemachine.CmdInvoke, At: time.Now(),
		Invoke: &statemachine.InvokeCommand{
			ID:     ids.NewInvocationID(2),
			Target: invocation.Target{Kind: invocation.TargetService, Name: "no-handler", Handler: "run"},
		},
	})
	require.NoError(t, err)

	require.Greater(t, p.Status().LastAppliedLSN, uint64(0))
}
