package main

import (
	"context"
	"fmt"
	"time"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/partition"
	"github.com/restatedb/partitiond/pkg/statemachine"
)

// loopbackRouter implements pkg/outbox.Router for a single node hosting
// every partition its config names. It has no cross-node transport: a
// message destined for a partition key this node does not host is reported
// as an error rather than dropped, since nothing in this configuration
// would ever produce one. Wiring a real network hop here is future work —
// inter-partition RPC belongs to a transport layer this node does not yet
// have one of.
type loopbackRouter struct {
	partitions map[uint64]*partition.Processor
}

func newLoopbackRouter(partitions map[uint64]*partition.Processor) *loopbackRouter {
	return &loopbackRouter{partitions: partitions}
}

func (r *loopbackRouter) Deliver(ctx context.Context, msg *invocation.OutboxMessage) error {
	switch msg.Kind {
	case invocation.OutboxServiceInvocation:
		return r.proposeTo(ctx, msg.Invocation.ID.PartitionKey, statemachine.Command{
			Kind: statemachine.CmdInvoke, At: time.Now(),
			Invoke: &statemachine.InvokeCommand{
				ID:                  msg.Invocation.ID,
				Target:              msg.Invocation.Target,
				Source:              msg.Invocation.Source,
				Span:                msg.Invocation.Span,
				Argument:            msg.Invocation.Argument,
				Headers:             msg.Invocation.Headers,
				ResponseSinks:       msg.Invocation.ResponseSinks,
				CompletionRetention: msg.Invocation.CompletionRetention,
				NeverClean:          msg.Invocation.NeverClean,
				IdempotencyKey:      msg.Invocation.IdempotencyKey,
			},
		})
	case invocation.OutboxServiceResponse:
		return r.proposeTo(ctx, msg.TargetID.PartitionKey, statemachine.Command{
			Kind: statemachine.CmdCompleteJournalEntry, At: time.Now(),
			CompleteJournalEntry: &statemachine.CompleteJournalEntryCommand{
				InvocationID: msg.TargetID,
				EntryIndex:   msg.EntryIndex,
				Result:       msg.Result,
			},
		})
	case invocation.OutboxInvocationTermination:
		return r.proposeTo(ctx, msg.TerminationID.PartitionKey, statemachine.Command{
			Kind: statemachine.CmdTerminateInvocation, At: time.Now(),
			TerminateInvocation: &statemachine.TerminateInvocationCommand{
				InvocationID: msg.TerminationID,
				Flavor:       msg.TerminationFlavor,
			},
		})
	case invocation.OutboxAttachInvocation:
		return r.proposeTo(ctx, msg.AttachQuery.PartitionKey, statemachine.Command{
			Kind: statemachine.CmdAttachInvocation, At: time.Now(),
			AttachInvocation: &statemachine.AttachInvocationCommand{
				Query:           msg.AttachQuery,
				BlockOnInflight: msg.AttachBlockOnInflight,
				ResponseSink:    msg.AttachResponseSink,
			},
		})
	default:
		return fmt.Errorf("loopback router: unknown outbox message kind %d", msg.Kind)
	}
}

func (r *loopbackRouter) proposeTo(ctx context.Context, key ids.PartitionKey, cmd statemachine.Command) error {
	p, ok := r.partitions[uint64(key)]
	if !ok {
		return fmt.Errorf("loopback router: no local partition hosts key %d", uint64(key))
	}
	_, err := p.Propose(ctx, cmd)
	return err
}
