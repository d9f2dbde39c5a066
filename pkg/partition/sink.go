package partition

import (
	"context"
	"time"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/statemachine"
)

// partitionSink implements invoker.Sink by turning every callback into a
// command proposed back through the partition's own log: the invoker never
// mutates partition state directly, only through the ordinary committed
// command path, so a suspend or completion observed on a follower that later
// becomes leader is never lost or replayed twice.
type partitionSink struct {
	p *Processor
}

func (s *partitionSink) AppendJournalEntry(ctx context.Context, id ids.InvocationID, entry invocation.JournalEntry) error {
	_, err := s.p.Propose(ctx, statemachine.Command{
		Kind: statemachine.CmdAppendJournalEntry, At: time.Now(),
		AppendJournalEntry: &statemachine.AppendJournalEntryCommand{
			InvocationID: id,
			EntryIndex:   entry.EntryIndex,
			Header:       entry.Header,
			RawPayload:   entry.RawPayload,
		},
	})
	return err
}

func (s *partitionSink) Suspend(ctx context.Context, id ids.InvocationID, waitingForCompletedEntries []uint32) error {
	_, err := s.p.Propose(ctx, statemachine.Command{
		Kind: statemachine.CmdSuspend, At: time.Now(),
		Suspend: &statemachine.SuspendCommand{
			InvocationID:               id,
			WaitingForCompletedEntries: waitingForCompletedEntries,
		},
	})
	return err
}

func (s *partitionSink) End(ctx context.Context, id ids.InvocationID, result invocation.Result) error {
	_, err := s.p.Propose(ctx, statemachine.Command{
		Kind: statemachine.CmdSendResponse, At: time.Now(),
		SendResponse: &statemachine.SendResponseCommand{
			InvocationID: id,
			Result:       result,
		},
	})
	return err
}

func (s *partitionSink) Failed(ctx context.Context, id ids.InvocationID, err error) error {
	_, proposeErr := s.p.Propose(ctx, statemachine.Command{
		Kind: statemachine.CmdSendResponse, At: time.Now(),
		SendResponse: &statemachine.SendResponseCommand{
			InvocationID: id,
			Result: invocation.Result{
				Kind:    invocation.ResultFailure,
				Code:    500,
				Message: err.Error(),
			},
		},
	})
	return proposeErr
}
