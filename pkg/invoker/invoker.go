// Package invoker is the partition processor's client to deployments: the
// user-code endpoints that actually execute service handlers. The state
// machine never talks to a deployment directly — it only ever returns an
// InvokeAtInvoker/ResumeAtInvoker effect (pkg/statemachine) that the
// partition processor hands to an Invoker, and the Invoker reports back
// through a Sink the processor supplies.
package invoker

import (
	"context"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

// Sink receives callbacks from a running or resuming invocation. Every
// method is itself expected to propose a command back through the
// partition's bifrost log — the invoker only reports what happened, it
// never mutates partition state.
type Sink interface {
	AppendJournalEntry(ctx context.Context, id ids.InvocationID, entry invocation.JournalEntry) error
	Suspend(ctx context.Context, id ids.InvocationID, waitingForCompletedEntries []uint32) error
	End(ctx context.Context, id ids.InvocationID, result invocation.Result) error
	Failed(ctx context.Context, id ids.InvocationID, err error) error
}

// Invoker drives invocations against a deployment. Invoke and Resume return
// once the deployment call has been accepted (the stream is open); delivery
// of journal entries, suspension, and completion arrive asynchronously
// through the Sink passed in.
type Invoker interface {
	Invoke(ctx context.Context, inv invocation.Invocation, sink Sink) error
	Resume(ctx context.Context, id ids.InvocationID, sink Sink) error
	Abort(ctx context.Context, id ids.InvocationID) error
}

// ErrNoSuchInvocation reports an invocation the invoker cannot run.
// InMemory.Invoke passes it to Sink.Failed when no handler is registered
// for the invocation's target; no Resume or Abort in this package
// returns it.
type ErrNoSuchInvocation struct {
	ID ids.InvocationID
}

func (e *ErrNoSuchInvocation) Error() string {
	return "invoker: no active call for invocation " + e.ID.String()
}
