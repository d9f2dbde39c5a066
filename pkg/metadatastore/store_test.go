package metadatastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitStoreLeader(t *testing.T, s *Store) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("store never became leader")
}

func newSingleNodeStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	require.NoError(t, s.BootstrapSingleNode())
	waitStoreLeader(t, s)
	return s
}

func TestPutDoesNotExistThenMatchesVersion(t *testing.T) {
	s := newSingleNodeStore(t)

	require.NoError(t, s.Put("k", []byte("v1"), DoesNotExist()))
	err := s.Put("k", []byte("v1-again"), DoesNotExist())
	require.ErrorIs(t, err, ErrFailedPrecondition)

	rec, ok, err := s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, VersionMin, rec.Version)

	require.NoError(t, s.Put("k", []byte("v2"), MatchesVersion(rec.Version)))

	rec, ok, err = s.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(rec.Value))
	require.Equal(t, rec.Version, VersionMin.Next())
}

func TestPutMatchesVersionFailsOnStaleVersion(t *testing.T) {
	s := newSingleNodeStore(t)
	require.NoError(t, s.Put("k", []byte("v1"), None()))

	err := s.Put("k", []byte("v2"), MatchesVersion(VersionMin.Next()))
	require.ErrorIs(t, err, ErrFailedPrecondition)
}

func TestDeleteThenGetReportsAbsent(t *testing.T) {
	s := newSingleNodeStore(t)
	require.NoError(t, s.Put("k", []byte("v1"), None()))
	require.NoError(t, s.Delete("k", None()))

	_, ok, err := s.Get("k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDurableRestartKeepsValuesAfterProcessKill(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.BootstrapSingleNode())
	waitStoreLeader(t, s)

	require.NoError(t, s.Put("k1", []byte("v1"), None()))
	require.NoError(t, s.Put("k2", []byte("v2"), None()))

	// Kill the process: shut down without a graceful drain, then bring up
	// a fresh Store over the same on-disk raft log/stable store and kv data.
	require.NoError(t, s.Shutdown())

	restarted, err := NewStore(Config{NodeID: "n1", BindAddr: "127.0.0.1:0", DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Shutdown() })
	waitStoreLeader(t, restarted)

	rec, ok, err := restarted.Get("k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(rec.Value))

	rec, ok, err = restarted.Get("k2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(rec.Value))
}

func TestConcurrentCASBumpsConvergeToWriterCount(t *testing.T) {
	s := newSingleNodeStore(t)
	const writers = 10

	done := make(chan struct{}, writers)
	for i := 0; i < writers; i++ {
		go func() {
			for {
				rec, ok, err := s.Get("counter")
				if err != nil {
					continue
				}
				var pre Precondition
				if ok {
					pre = MatchesVersion(rec.Version)
				} else {
					pre = DoesNotExist()
				}
				count := byte(0)
				if ok {
					count = rec.Value[0]
				}
				if err := s.Put("counter", []byte{count + 1}, pre); err == nil {
					done <- struct{}{}
					return
				}
			}
		}()
	}

	for i := 0; i < writers; i++ {
		<-done
	}

	rec, ok, err := s.Get("counter")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, byte(writers), rec.Value[0])
	require.Equal(t, Version(writers), rec.Version)
}
