package metadatastore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseListenAddr(t *testing.T) {
	network, address, err := ParseListenAddr("tcp://127.0.0.1:9999")
	require.NoError(t, err)
	require.Equal(t, "tcp", network)
	require.Equal(t, "127.0.0.1:9999", address)

	network, address, err = ParseListenAddr("uds:///tmp/metadata.sock")
	require.NoError(t, err)
	require.Equal(t, "unix", network)
	require.Equal(t, "/tmp/metadata.sock", address)

	_, _, err = ParseListenAddr("http://bad")
	require.Error(t, err)
}

func TestClientServerRoundTrip(t *testing.T) {
	s := newSingleNodeStore(t)
	server := NewServer(s)

	sockPath := filepath.Join(t.TempDir(), "metadata.sock")
	addr := "uds://" + sockPath

	go func() { _ = server.Serve(addr) }()
	t.Cleanup(server.Stop)

	var client *Client
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		client, err = Dial(addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Put(ctx, "k", []byte("v1"), DoesNotExist()))

	version, ok, err := clientGetVersionRetry(ctx, client, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, VersionMin, version)

	rec, ok, err := client.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(rec.Value))

	err = client.Put(ctx, "k", []byte("v2"), DoesNotExist())
	require.ErrorIs(t, err, ErrFailedPrecondition)

	require.NoError(t, client.Delete(ctx, "k", MatchesVersion(version)))
	_, ok, err = client.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

// clientGetVersionRetry works around the small window between a successful
// dial and the unix socket server actually accepting its first connection.
func clientGetVersionRetry(ctx context.Context, c *Client, key string) (Version, bool, error) {
	var (
		version Version
		ok      bool
		err     error
	)
	for i := 0; i < 20; i++ {
		version, ok, err = c.GetVersion(ctx, key)
		if err == nil {
			return version, ok, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return version, ok, fmt.Errorf("client get version: %w", err)
}
