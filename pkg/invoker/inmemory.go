package invoker

import (
	"context"
	"sync"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

// InMemory is an Invoker test double: Invoke runs a caller-supplied handler
// function in a goroutine against the Sink instead of calling out to a real
// deployment over the network, and Resume does nothing. Used by tests.
type InMemory struct {
	mu       sync.Mutex
	handlers map[string]Handler
	active   map[ids.InvocationID]context.CancelFunc
}

// Handler implements a service handler's business logic entirely in-process.
// It is keyed by "service/handlerName" in NewInMemory's handlers map.
type Handler func(ctx context.Context, inv invocation.Invocation, sink Sink) invocation.Result

// NewInMemory builds an InMemory invoker dispatching by target name.
func NewInMemory(handlers map[string]Handler) *InMemory {
	return &InMemory{
		handlers: handlers,
		active:   make(map[ids.InvocationID]context.CancelFunc),
	}
}

func (m *InMemory) key(t invocation.Target) string {
	return t.Name + "/" + t.Handler
}

// Invoke runs the registered handler for inv.Target in a goroutine and
// reports its result through sink.End, or Failed if no handler is registered.
func (m *InMemory) Invoke(ctx context.Context, inv invocation.Invocation, sink Sink) error {
	handler, ok := m.handlers[m.key(inv.Target)]
	if !ok {
		return sink.Failed(ctx, inv.ID, &ErrNoSuchInvocation{ID: inv.ID})
	}

	callCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.active[inv.ID] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.active, inv.ID)
			m.mu.Unlock()
			cancel()
		}()
		result := handler(callCtx, inv, sink)
		_ = sink.End(callCtx, inv.ID, result)
	}()
	return nil
}

// Resume is a no-op for InMemory: a suspended in-process handler has no
// state to resume from, since it never actually suspended execution. Real
// deployments suspend at an awaitable and resume from the journal; InMemory
// is only meant for handlers that run to completion without suspending.
func (m *InMemory) Resume(ctx context.Context, id ids.InvocationID, sink Sink) error {
	return nil
}

// Abort cancels an in-flight call, if any.
func (m *InMemory) Abort(ctx context.Context, id ids.InvocationID) error {
	m.mu.Lock()
	cancel, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}
