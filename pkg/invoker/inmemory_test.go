package invoker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

type recordingSink struct {
	mu     sync.Mutex
	ended  *invocation.Result
	failed error
}

func (s *recordingSink) AppendJournalEntry(ctx context.Context, id ids.InvocationID, entry invocation.JournalEntry) error {
	return nil
}

func (s *recordingSink) Suspend(ctx context.Context, id ids.InvocationID, waitingForCompletedEntries []uint32) error {
	return nil
}

func (s *recordingSink) End(ctx context.Context, id ids.InvocationID, result invocation.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = &result
	return nil
}

func (s *recordingSink) Failed(ctx context.Context, id ids.InvocationID, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = err
	return nil
}

func (s *recordingSink) result() (*invocation.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.failed
}

func TestInMemoryInvokeRunsRegisteredHandler(t *testing.T) {
	inv := NewInMemory(map[string]Handler{
		"greeter/hello": func(ctx context.Context, call invocation.Invocation, sink Sink) invocation.Result {
			return invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("hi")}
		},
	})

	sink := &recordingSink{}
	call := invocation.Invocation{
		ID:     ids.NewInvocationID(1),
		Target: invocation.Target{Kind: invocation.TargetService, Name: "greeter", Handler: "hello"},
	}
	require.NoError(t, inv.Invoke(context.Background(), call, sink))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if result, _ := sink.result(); result != nil {
			require.Equal(t, invocation.ResultSuccess, result.Kind)
			require.Equal(t, "hi", string(result.Success))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("handler never reported completion")
}

func TestInMemoryInvokeFailsWithoutRegisteredHandler(t *testing.T) {
	inv := NewInMemory(nil)
	sink := &recordingSink{}
	call := invocation.Invocation{
		ID:     ids.NewInvocationID(1),
		Target: invocation.Target{Kind: invocation.TargetService, Name: "missing", Handler: "run"},
	}

	require.NoError(t, inv.Invoke(context.Background(), call, sink))

	_, failedErr := sink.result()
	require.Error(t, failedErr)
	var notFound *ErrNoSuchInvocation
	require.ErrorAs(t, failedErr, &notFound)
}

func TestInMemoryAbortCancelsActiveCall(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})

	inv := NewInMemory(map[string]Handler{
		"slow/run": func(ctx context.Context, call invocation.Invocation, sink Sink) invocation.Result {
			close(started)
			<-ctx.Done()
			close(cancelled)
			return invocation.Result{Kind: invocation.ResultFailure, Code: 500, Message: "aborted"}
		},
	})

	sink := &recordingSink{}
	id := ids.NewInvocationID(1)
	call := invocation.Invocation{ID: id, Target: invocation.Target{Kind: invocation.TargetService, Name: "slow", Handler: "run"}}
	require.NoError(t, inv.Invoke(context.Background(), call, sink))

	<-started
	require.NoError(t, inv.Abort(context.Background(), id))

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the running handler")
	}
}
