package bifrost

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func waitLeader(t *testing.T, l *RaftLog) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if l.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("raft group never elected a leader")
}

func TestRaftLogSingleNodeAppliesInOrder(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var applied []LogRecord

	l, err := NewRaftLog(Config{
		PartitionID: "p-0",
		NodeID:      "n1",
		BindAddr:    "127.0.0.1:0",
		DataDir:     dir,
	}, func(rec LogRecord) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, rec)
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })

	require.NoError(t, l.Bootstrap([]raft.Server{
		{ID: raft.ServerID("n1"), Address: l.LocalAddr()},
	}))

	waitLeader(t, l)
	require.True(t, l.IsLeader())

	ctx := context.Background()
	lsn1, err := l.Append(ctx, []byte("first"))
	require.NoError(t, err)
	lsn2, err := l.Append(ctx, []byte("second"))
	require.NoError(t, err)
	require.Greater(t, lsn2, lsn1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, 2)
	require.Equal(t, "first", string(applied[0].Data))
	require.Equal(t, "second", string(applied[1].Data))
	require.Equal(t, lsn1, applied[0].LSN)
	require.Equal(t, lsn2, applied[1].LSN)
}

func TestRaftLogAppendFailsWhenApplyReturnsError(t *testing.T) {
	dir := t.TempDir()

	l, err := NewRaftLog(Config{
		PartitionID: "p-1",
		NodeID:      "n1",
		BindAddr:    "127.0.0.1:0",
		DataDir:     dir,
	}, func(LogRecord) error {
		return errBoom
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Shutdown() })

	require.NoError(t, l.Bootstrap([]raft.Server{
		{ID: raft.ServerID("n1"), Address: l.LocalAddr()},
	}))
	waitLeader(t, l)

	_, err = l.Append(context.Background(), []byte("x"))
	require.ErrorIs(t, err, errBoom)
}
