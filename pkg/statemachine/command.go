// Package statemachine applies committed partition commands to storage and
// returns the effects the partition processor must carry out afterward.
//
// Apply is deterministic: it reads and writes only through the supplied
// storage.Txn, and the only external input it accepts is the timestamp
// already carried on each command (stamped at append time by whatever
// proposed the command) — it never calls time.Now(), never iterates a Go
// map where order would leak into committed state, and never consults
// process-local randomness. Replaying the same command log against an
// empty database must always produce the same bytes on disk.
//
// Apply's own side effects (invoking a deployment, shipping an outbox
// message, re-arming a timer) are not performed here: they are returned as
// Effect values for the partition processor (pkg/partition) to carry out
// once the transaction has committed, exactly the way WarrenFSM.Apply
// returns a plain value for raft to hand back to the caller rather than
// doing I/O itself.
package statemachine

import (
	"time"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

// CommandKind discriminates the command taxonomy the partition log carries.
type CommandKind uint8

const (
	CmdInvoke CommandKind = iota
	CmdResume
	CmdSuspend
	CmdAppendJournalEntry
	CmdCompleteJournalEntry
	CmdSetState
	CmdClearState
	CmdClearAllState
	CmdPatchState
	CmdSendResponse
	CmdTerminateInvocation
	CmdScheduleTimer
	CmdFireTimer
	CmdAttachInvocation
	CmdCleanInvocationStatus
	CmdPinDeployment
	CmdTruncateOutbox
)

// Command is one entry of the bifrost-ordered command log. Exactly one of
// the per-kind fields is populated, selected by Kind — mirroring
// WarrenFSM's Command{Op, Data} envelope, but as a typed Go union instead
// of a JSON op-string plus raw payload, since every command shape here is
// known at compile time.
type Command struct {
	Kind CommandKind
	// At is the wall-clock instant the command was appended to the log. It
	// is the only source of "now" Apply is permitted to use.
	At time.Time

	Invoke                 *InvokeCommand
	Resume                 *ResumeCommand
	Suspend                *SuspendCommand
	AppendJournalEntry     *AppendJournalEntryCommand
	CompleteJournalEntry   *CompleteJournalEntryCommand
	SetState               *SetStateCommand
	ClearState             *ClearStateCommand
	ClearAllState          *ClearAllStateCommand
	PatchState             *PatchStateCommand
	SendResponse           *SendResponseCommand
	TerminateInvocation    *TerminateInvocationCommand
	ScheduleTimer          *ScheduleTimerCommand
	FireTimer              *FireTimerCommand
	AttachInvocation       *AttachInvocationCommand
	CleanInvocationStatus  *CleanInvocationStatusCommand
	PinDeployment          *PinDeploymentCommand
	TruncateOutbox         *TruncateOutboxCommand
}

// InvokeCommand creates a new invocation, or attaches to an existing one if
// IdempotencyKey already has a record.
type InvokeCommand struct {
	ID                  ids.InvocationID
	Target              invocation.Target
	Source              invocation.Source
	Span                invocation.SpanContext
	Argument            []byte
	Headers             []invocation.Header
	ResponseSinks       []invocation.ResponseSink
	ExecutionTime       *time.Time
	CompletionRetention time.Duration
	NeverClean          bool
	IdempotencyKey      *string
}

// ResumeCommand transitions a Suspended invocation back to Invoked.
type ResumeCommand struct {
	InvocationID ids.InvocationID
}

// SuspendCommand transitions an Invoked invocation to Suspended, pending the
// given journal entries.
type SuspendCommand struct {
	InvocationID               ids.InvocationID
	WaitingForCompletedEntries []uint32
}

// AppendJournalEntryCommand records one new journal step.
type AppendJournalEntryCommand struct {
	InvocationID ids.InvocationID
	EntryIndex   uint32
	Header       invocation.EntryHeader
	RawPayload   []byte
}

// CompleteJournalEntryCommand marks an existing entry completed.
type CompleteJournalEntryCommand struct {
	InvocationID ids.InvocationID
	EntryIndex   uint32
	Result       invocation.Result
}

// SetStateCommand durably sets one state key for a keyed target.
type SetStateCommand struct {
	ServiceID ids.ServiceID
	Key       string
	Value     []byte
}

// ClearStateCommand removes one state key.
type ClearStateCommand struct {
	ServiceID ids.ServiceID
	Key       string
}

// ClearAllStateCommand removes every state key for a keyed target.
type ClearAllStateCommand struct {
	ServiceID ids.ServiceID
}

// PatchStateCommand applies an externally-initiated state mutation,
// bypassing the handler — routed through the inbox if the target is locked.
type PatchStateCommand struct {
	Mutation invocation.ExternalStateMutation
}

// SendResponseCommand completes an invocation with a terminal result,
// delivers it to every response sink, releases the target's lock (if any),
// and arms the retention-driven cleanup timer.
type SendResponseCommand struct {
	InvocationID ids.InvocationID
	Result       invocation.Result
}

// TerminateInvocationCommand forces an invocation to a terminal state
// out-of-band (kill or cooperative cancel).
type TerminateInvocationCommand struct {
	InvocationID ids.InvocationID
	Flavor       invocation.TerminationFlavor
}

// ScheduleTimerCommand arms a new durable timer.
type ScheduleTimerCommand struct {
	Timer invocation.Timer
}

// FireTimerCommand is proposed by the timer service (pkg/timer) when a due
// timer's wall-clock time has passed; Apply removes it and carries out its
// payload.
type FireTimerCommand struct {
	Timer invocation.Timer
}

// AttachInvocationCommand resolves an attach/await query against an
// invocation, either replying immediately (already Completed) or queuing
// the sink for delivery on eventual completion.
type AttachInvocationCommand struct {
	Query             ids.InvocationID
	BlockOnInflight   bool
	ResponseSink      invocation.ResponseSink
}

// CleanInvocationStatusCommand removes a Completed invocation's record and
// journal immediately, bypassing the retention timer (administrative
// cleanup, or fired by TimerCleanInvocationStatus via FireTimerCommand).
type CleanInvocationStatusCommand struct {
	InvocationID ids.InvocationID
}

// PinDeploymentCommand records the deployment an invocation's first
// dispatch resolved to, fixing it for the invocation's remaining lifetime.
type PinDeploymentCommand struct {
	InvocationID    ids.InvocationID
	DeploymentID    string
	ProtocolVersion uint32
}

// TruncateOutboxCommand is proposed by the outbox shipper (pkg/outbox) once
// it has confirmed external delivery of every message up to and including
// UpToSequence; Apply deletes those entries from OutboxTable. Deletion
// travels through the log rather than happening as a direct local write so
// every replica's OutboxTable converges on the same head, matching how
// FireTimerCommand keeps timer firing on the replicated command path
// instead of being a leader-local side effect.
type TruncateOutboxCommand struct {
	UpToSequence uint64
}
