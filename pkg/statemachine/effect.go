package statemachine

import (
	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

// Effect is work the partition processor must carry out after a command's
// transaction has committed. Effects are plain data: producing them is part
// of Apply's deterministic output, carrying them out is not.
type Effect interface {
	isEffect()
}

// InvokeAtInvoker asks the invoker contract (pkg/invoker) to start running
// inv's handler. Emitted when an invocation transitions into Invoked on a
// fresh dispatch or on promotion from the inbox; a suspended invocation
// whose awaited entries completed gets ResumeAtInvoker instead.
type InvokeAtInvoker struct {
	Invocation *invocation.Invocation
}

func (InvokeAtInvoker) isEffect() {}

// ResumeAtInvoker asks the invoker to resume a previously-suspended
// invocation, replaying its journal.
type ResumeAtInvoker struct {
	InvocationID ids.InvocationID
}

func (ResumeAtInvoker) isEffect() {}

// AbortAtInvoker asks the invoker to stop an in-flight invocation, used on
// Kill and on completion of an invocation the invoker may still be running.
type AbortAtInvoker struct {
	InvocationID ids.InvocationID
}

func (AbortAtInvoker) isEffect() {}

// OutboxMessageReady signals the outbox shipper (pkg/outbox) that a new
// message was appended at SequenceNumber; the shipper re-reads from
// storage rather than carrying the payload itself, so delivery survives a
// crash between commit and dispatch.
type OutboxMessageReady struct {
	SequenceNumber uint64
}

func (OutboxMessageReady) isEffect() {}

// TimerArmed reports that a timer was written to TimerTable. pkg/partition
// takes no action on it; the timer service finds due timers by polling
// TimerTable.
type TimerArmed struct {
	Timer invocation.Timer
}

func (TimerArmed) isEffect() {}

// TimerCancelled reports that a previously-armed timer was removed from
// TimerTable before firing. pkg/partition takes no action on it.
type TimerCancelled struct {
	Timer invocation.Timer
}

func (TimerCancelled) isEffect() {}

// StatusChanged reports an invocation's new status; pkg/partition only
// logs it.
type StatusChanged struct {
	InvocationID ids.InvocationID
	Status       invocation.Status
}

func (StatusChanged) isEffect() {}
