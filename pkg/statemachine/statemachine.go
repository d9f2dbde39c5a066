package statemachine

import (
	"fmt"

	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/storage"
)

// StateMachine applies commands to one partition's storage tables. It holds
// no state of its own — every durable fact lives in the Txn passed to
// Apply — so one StateMachine value is safely shared across partitions.
type StateMachine struct {
	serviceStatus storage.ServiceStatusTable
	invStatus     storage.InvocationStatusTable
	inbox         storage.InboxTable
	journal       storage.JournalTable
	state         storage.StateTable
	promise       storage.PromiseTable
	idempotency   storage.IdempotencyTable
	outbox        storage.OutboxTable
	timer         storage.TimerTable
	fsm           storage.FsmTable
}

// New constructs a StateMachine.
func New() *StateMachine {
	return &StateMachine{}
}

// Apply dispatches cmd to its handler and returns the effects the
// partition processor should carry out once tx commits.
func (m *StateMachine) Apply(tx *storage.Txn, cmd Command) ([]Effect, error) {
	switch cmd.Kind {
	case CmdInvoke:
		return m.applyInvoke(tx, cmd.Invoke, cmd.At)
	case CmdResume:
		return m.applyResume(tx, cmd.Resume)
	case CmdSuspend:
		return m.applySuspend(tx, cmd.Suspend)
	case CmdAppendJournalEntry:
		return m.applyAppendJournalEntry(tx, cmd.AppendJournalEntry)
	case CmdCompleteJournalEntry:
		return m.applyCompleteJournalEntry(tx, cmd.CompleteJournalEntry)
	case CmdSetState:
		return nil, m.state.Put(tx, cmd.SetState.ServiceID, cmd.SetState.Key, cmd.SetState.Value)
	case CmdClearState:
		return nil, m.state.Delete(tx, cmd.ClearState.ServiceID, cmd.ClearState.Key)
	case CmdClearAllState:
		return nil, m.state.ClearAll(tx, cmd.ClearAllState.ServiceID)
	case CmdPatchState:
		return nil, m.applyPatchState(tx, &cmd.PatchState.Mutation)
	case CmdSendResponse:
		return m.applySendResponse(tx, cmd.SendResponse, cmd.At)
	case CmdTerminateInvocation:
		return m.applyTerminateInvocation(tx, cmd.TerminateInvocation, cmd.At)
	case CmdScheduleTimer:
		return m.applyScheduleTimer(tx, cmd.ScheduleTimer)
	case CmdFireTimer:
		return m.applyFireTimer(tx, cmd.FireTimer, cmd.At)
	case CmdAttachInvocation:
		return m.applyAttachInvocation(tx, cmd.AttachInvocation)
	case CmdCleanInvocationStatus:
		return nil, m.cleanInvocation(tx, cmd.CleanInvocationStatus.InvocationID)
	case CmdPinDeployment:
		return nil, m.applyPinDeployment(tx, cmd.PinDeployment)
	case CmdTruncateOutbox:
		return nil, m.applyTruncateOutbox(tx, cmd.TruncateOutbox)
	default:
		panic(fmt.Sprintf("statemachine: unknown command kind %d", cmd.Kind))
	}
}

// nextOutboxSequence increments and persists the partition's outbox
// sequence counter, returning the sequence number the caller should use
// for the message it is about to append.
func (m *StateMachine) nextOutboxSequence(tx *storage.Txn) (uint64, error) {
	counters, ok, err := m.fsm.Get(tx)
	if err != nil {
		return 0, err
	}
	if !ok {
		counters = &invocation.FsmCounters{}
	}
	counters.OutboxHead++
	if err := m.fsm.Put(tx, counters); err != nil {
		return 0, err
	}
	return counters.OutboxHead, nil
}

func (m *StateMachine) appendOutbox(tx *storage.Txn, msg *invocation.OutboxMessage) (Effect, error) {
	seq, err := m.nextOutboxSequence(tx)
	if err != nil {
		return nil, err
	}
	msg.SequenceNumber = seq
	if err := m.outbox.Put(tx, msg); err != nil {
		return nil, err
	}
	return OutboxMessageReady{SequenceNumber: seq}, nil
}
