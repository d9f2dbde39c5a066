package statemachine

import (
	"fmt"
	"time"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
	"github.com/restatedb/partitiond/pkg/storage"
)

// panicf reports a transition the log should never have been able to
// produce: the partition processor is a single-writer state machine, so a
// command referencing state that isn't there is a bug in command
// construction upstream, not a runtime condition to recover from. Crashing
// here (rather than returning an error that a raft FSM.Apply would discard
// on every replica but the one that proposed it) keeps every replica's
// state identical by forcing all of them to crash and replay the log
// from the same point.
func panicf(format string, args ...any) {
	panic(fmt.Sprintf("statemachine: "+format, args...))
}

func (m *StateMachine) applyInvoke(tx *storage.Txn, c *InvokeCommand, at time.Time) ([]Effect, error) {
	if c.IdempotencyKey != nil {
		existing, ok, err := m.idempotency.Get(tx, c.Target.Name, c.Target.Handler, *c.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if ok {
			_, alive, err := m.invStatus.Get(tx, existing.InvocationID)
			if err != nil {
				return nil, err
			}
			if alive {
				var effects []Effect
				for _, sink := range c.ResponseSinks {
					eff, err := m.applyAttachInvocation(tx, &AttachInvocationCommand{
						Query:           existing.InvocationID,
						BlockOnInflight: true,
						ResponseSink:    sink,
					})
					if err != nil {
						return nil, err
					}
					effects = append(effects, eff...)
				}
				return effects, nil
			}
			// existing invocation is Free (cleaned up): the idempotency record
			// is stale, fall through and create a new invocation under it.
		}
		if err := m.idempotency.Put(tx, &invocation.IdempotencyRecord{
			ServiceName: c.Target.Name, Handler: c.Target.Handler,
			Key: *c.IdempotencyKey, InvocationID: c.ID,
		}); err != nil {
			return nil, err
		}
	}

	inv := &invocation.Invocation{
		ID:                  c.ID,
		Target:              c.Target,
		Source:              c.Source,
		Span:                c.Span,
		ResponseSinks:       c.ResponseSinks,
		Argument:            c.Argument,
		Headers:             c.Headers,
		ExecutionTime:       c.ExecutionTime,
		CompletionRetention: c.CompletionRetention,
		NeverClean:          c.NeverClean,
		IdempotencyKey:      c.IdempotencyKey,
		Timestamps: invocation.Timestamps{
			Creation:     at,
			Modification: at,
		},
	}

	if c.ExecutionTime != nil && c.ExecutionTime.After(at) {
		inv.Status = invocation.StatusScheduled
		if err := m.invStatus.Put(tx, inv); err != nil {
			return nil, err
		}
		timer := invocation.Timer{
			DueTime: *c.ExecutionTime, InvocationID: inv.ID,
			Kind: invocation.TimerNeoInvoke, Invoke: inv,
		}
		if err := m.timer.Put(tx, &timer); err != nil {
			return nil, err
		}
		return []Effect{StatusChanged{InvocationID: inv.ID, Status: inv.Status}, TimerArmed{Timer: timer}}, nil
	}

	return m.dispatchOrEnqueue(tx, inv)
}

// dispatchOrEnqueue locks and dispatches inv immediately if its target is
// unkeyed or its keyed lock is free; otherwise it queues inv on the
// target's inbox for FIFO dispatch once the lock is released.
func (m *StateMachine) dispatchOrEnqueue(tx *storage.Txn, inv *invocation.Invocation) ([]Effect, error) {
	if !inv.Target.IsKeyed() || inv.Target.Mode == invocation.ModeShared {
		inv.Status = invocation.StatusInvoked
		if err := m.invStatus.Put(tx, inv); err != nil {
			return nil, err
		}
		return []Effect{
			StatusChanged{InvocationID: inv.ID, Status: inv.Status},
			InvokeAtInvoker{Invocation: inv},
		}, nil
	}

	svc := inv.Target.ServiceID()
	lock, ok, err := m.serviceStatus.Get(tx, svc)
	if err != nil {
		return nil, err
	}
	if !ok || lock.State == invocation.Unlocked {
		inv.Status = invocation.StatusInvoked
		if err := m.invStatus.Put(tx, inv); err != nil {
			return nil, err
		}
		if err := m.serviceStatus.Put(tx, svc, &invocation.ServiceLock{State: invocation.Locked, InvocationID: inv.ID}); err != nil {
			return nil, err
		}
		return []Effect{
			StatusChanged{InvocationID: inv.ID, Status: inv.Status},
			InvokeAtInvoker{Invocation: inv},
		}, nil
	}

	inv.Status = invocation.StatusInboxed
	if err := m.invStatus.Put(tx, inv); err != nil {
		return nil, err
	}
	counters, ok2, err := m.fsm.Get(tx)
	if err != nil {
		return nil, err
	}
	if !ok2 {
		counters = &invocation.FsmCounters{}
	}
	counters.InboxHead++
	if err := m.fsm.Put(tx, counters); err != nil {
		return nil, err
	}
	entry := &invocation.InboxEntry{
		ServiceID: svc, SequenceNumber: counters.InboxHead,
		Kind: invocation.InboxInvocation, InvocationID: inv.ID,
	}
	if err := m.inbox.Put(tx, entry); err != nil {
		return nil, err
	}
	return []Effect{StatusChanged{InvocationID: inv.ID, Status: inv.Status}}, nil
}

func (m *StateMachine) applyResume(tx *storage.Txn, c *ResumeCommand) ([]Effect, error) {
	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		panicf("resume: invocation %s not found", c.InvocationID)
	}
	inv.Status = invocation.StatusInvoked
	inv.WaitingForCompletedEntries = nil
	if err := m.invStatus.Put(tx, inv); err != nil {
		return nil, err
	}
	return []Effect{
		StatusChanged{InvocationID: inv.ID, Status: inv.Status},
		ResumeAtInvoker{InvocationID: inv.ID},
	}, nil
}

func (m *StateMachine) applySuspend(tx *storage.Txn, c *SuspendCommand) ([]Effect, error) {
	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		panicf("suspend: invocation %s not found", c.InvocationID)
	}
	inv.Status = invocation.StatusSuspended
	waiting := make(map[uint32]struct{}, len(c.WaitingForCompletedEntries))
	for _, idx := range c.WaitingForCompletedEntries {
		waiting[idx] = struct{}{}
	}
	inv.WaitingForCompletedEntries = waiting
	if err := m.invStatus.Put(tx, inv); err != nil {
		return nil, err
	}
	return []Effect{StatusChanged{InvocationID: inv.ID, Status: inv.Status}}, nil
}

func (m *StateMachine) applyAppendJournalEntry(tx *storage.Txn, c *AppendJournalEntryCommand) ([]Effect, error) {
	entry := &invocation.JournalEntry{
		InvocationID: c.InvocationID, EntryIndex: c.EntryIndex,
		Header: c.Header, RawPayload: c.RawPayload,
	}
	if err := m.journal.Put(tx, entry); err != nil {
		return nil, err
	}

	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		panicf("append_journal_entry: invocation %s not found", c.InvocationID)
	}
	if c.EntryIndex >= inv.JournalLength {
		inv.JournalLength = c.EntryIndex + 1
	}
	if err := m.invStatus.Put(tx, inv); err != nil {
		return nil, err
	}

	var effects []Effect
	if c.Header.Kind == invocation.HeaderCall || c.Header.Kind == invocation.HeaderOneWayCall {
		if c.Header.ResolvedTarget != nil {
			eff, err := m.appendOutbox(tx, &invocation.OutboxMessage{
				Kind: invocation.OutboxServiceInvocation,
				Invocation: &invocation.Invocation{
					Target: *c.Header.ResolvedTarget,
					Source: invocation.Source{
						Kind: invocation.SourceService, CallerID: c.InvocationID,
						CallerEntryIdx: c.EntryIndex, CallerTarget: inv.Target,
					},
				},
			})
			if err != nil {
				return nil, err
			}
			effects = append(effects, eff)
		}
	}
	return effects, nil
}

// applyCompleteJournalEntry is idempotent under at-least-once log delivery:
// a replay of a CompleteJournalEntry for an index that no longer exists, is
// out of range, or is already completed is a no-op, not an error.
func (m *StateMachine) applyCompleteJournalEntry(tx *storage.Txn, c *CompleteJournalEntryCommand) ([]Effect, error) {
	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if c.EntryIndex >= inv.JournalLength {
		return nil, nil
	}

	entry, ok, err := m.journal.Get(tx, c.InvocationID, c.EntryIndex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if entry.Header.IsCompleted {
		return nil, nil
	}
	entry.Completion = &c.Result
	entry.Header.IsCompleted = true
	if err := m.journal.Put(tx, entry); err != nil {
		return nil, err
	}

	if _, waiting := inv.WaitingForCompletedEntries[c.EntryIndex]; !waiting {
		return nil, nil
	}
	delete(inv.WaitingForCompletedEntries, c.EntryIndex)
	if err := m.invStatus.Put(tx, inv); err != nil {
		return nil, err
	}
	if len(inv.WaitingForCompletedEntries) == 0 {
		return m.applyResume(tx, &ResumeCommand{InvocationID: c.InvocationID})
	}
	return nil, nil
}

func (m *StateMachine) applyPatchState(tx *storage.Txn, mutation *invocation.ExternalStateMutation) error {
	if mutation.ClearAll {
		return m.state.ClearAll(tx, mutation.ServiceID)
	}
	for k, v := range mutation.Set {
		if err := m.state.Put(tx, mutation.ServiceID, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *StateMachine) applySendResponse(tx *storage.Txn, c *SendResponseCommand, at time.Time) ([]Effect, error) {
	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		panicf("send_response: invocation %s not found", c.InvocationID)
	}
	return m.complete(tx, inv, c.Result, at)
}

// complete drives an invocation to Completed: records the result, delivers
// it to every response sink, releases the target's lock (dispatching the
// next inbox entry in FIFO order), and arms the retention cleanup timer
// unless NeverClean is set (Duration::MAX sentinel, see DESIGN.md).
func (m *StateMachine) complete(tx *storage.Txn, inv *invocation.Invocation, result invocation.Result, at time.Time) ([]Effect, error) {
	inv.Status = invocation.StatusCompleted
	inv.ResponseResult = &result
	now := at
	inv.Timestamps.Modification = now
	inv.Timestamps.CompletedTransition = &now
	if err := m.invStatus.Put(tx, inv); err != nil {
		return nil, err
	}

	effects := []Effect{StatusChanged{InvocationID: inv.ID, Status: inv.Status}, AbortAtInvoker{InvocationID: inv.ID}}

	for _, sink := range inv.ResponseSinks {
		eff, err := m.deliverToSink(tx, sink, result)
		if err != nil {
			return nil, err
		}
		if eff != nil {
			effects = append(effects, eff)
		}
	}

	if inv.Target.IsKeyed() && inv.Target.Mode != invocation.ModeShared {
		releaseEffects, err := m.releaseLockAndDispatchNext(tx, inv.Target.ServiceID())
		if err != nil {
			return nil, err
		}
		effects = append(effects, releaseEffects...)
	}

	if !inv.NeverClean {
		timer := invocation.Timer{
			DueTime: now.Add(inv.CompletionRetention), InvocationID: inv.ID,
			Kind: invocation.TimerCleanInvocationStatus,
		}
		if err := m.timer.Put(tx, &timer); err != nil {
			return nil, err
		}
		effects = append(effects, TimerArmed{Timer: timer})
	}

	return effects, nil
}

func (m *StateMachine) deliverToSink(tx *storage.Txn, sink invocation.ResponseSink, result invocation.Result) (Effect, error) {
	switch sink.Kind {
	case invocation.SinkPartitionProcessor:
		return m.appendOutbox(tx, &invocation.OutboxMessage{
			Kind: invocation.OutboxServiceResponse, TargetID: sink.CallerID,
			EntryIndex: sink.CallerEntryID, Result: result,
		})
	case invocation.SinkIngress:
		return m.appendOutbox(tx, &invocation.OutboxMessage{
			Kind: invocation.OutboxServiceResponse, TargetID: ids.InvocationID{}, Result: result,
		})
	default:
		panic(fmt.Sprintf("statemachine: unknown response sink kind %d", sink.Kind))
	}
}

// releaseLockAndDispatchNext pops the inbox for svc in FIFO order. State
// mutations are applied and skipped over directly; the first queued
// invocation is dispatched and the lock re-acquired on its behalf. If the
// inbox is empty the lock is cleared.
func (m *StateMachine) releaseLockAndDispatchNext(tx *storage.Txn, svc ids.ServiceID) ([]Effect, error) {
	var effects []Effect
	for {
		entries, err := m.inbox.ScanByService(tx, svc)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			if err := m.serviceStatus.Delete(tx, svc); err != nil {
				return nil, err
			}
			return effects, nil
		}

		next := entries[0]
		if err := m.inbox.Delete(tx, svc, next.SequenceNumber); err != nil {
			return nil, err
		}

		if next.Kind == invocation.InboxStateMutation {
			if err := m.applyPatchState(tx, &next.Mutation); err != nil {
				return nil, err
			}
			continue
		}

		inv, ok, err := m.invStatus.Get(tx, next.InvocationID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		inv.Status = invocation.StatusInvoked
		if err := m.invStatus.Put(tx, inv); err != nil {
			return nil, err
		}
		if err := m.serviceStatus.Put(tx, svc, &invocation.ServiceLock{State: invocation.Locked, InvocationID: inv.ID}); err != nil {
			return nil, err
		}
		effects = append(effects,
			StatusChanged{InvocationID: inv.ID, Status: inv.Status},
			InvokeAtInvoker{Invocation: inv},
		)
		return effects, nil
	}
}

func (m *StateMachine) applyTerminateInvocation(tx *storage.Txn, c *TerminateInvocationCommand, at time.Time) ([]Effect, error) {
	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil // already Free: terminating a finished invocation is a no-op
	}
	message := "invocation killed"
	if c.Flavor == invocation.TerminationCancel {
		message = "invocation cancelled"
	}
	result := invocation.Result{Kind: invocation.ResultFailure, Code: 409, Message: message}
	return m.complete(tx, inv, result, at)
}

func (m *StateMachine) applyScheduleTimer(tx *storage.Txn, c *ScheduleTimerCommand) ([]Effect, error) {
	timer := c.Timer
	if err := m.timer.Put(tx, &timer); err != nil {
		return nil, err
	}
	return []Effect{TimerArmed{Timer: timer}}, nil
}

func (m *StateMachine) applyFireTimer(tx *storage.Txn, c *FireTimerCommand, at time.Time) ([]Effect, error) {
	timer := c.Timer
	if err := m.timer.Delete(tx, &timer); err != nil {
		return nil, err
	}

	switch timer.Kind {
	case invocation.TimerCompleteJournalEntry:
		return m.applyCompleteJournalEntry(tx, &CompleteJournalEntryCommand{
			InvocationID: timer.InvocationID, EntryIndex: timer.EntryIndex, Result: timer.CompleteResult,
		})
	case invocation.TimerInvoke, invocation.TimerNeoInvoke:
		if timer.Invoke == nil {
			panicf("fire_timer: timer kind %d missing invoke payload", timer.Kind)
		}
		return m.dispatchOrEnqueue(tx, timer.Invoke)
	case invocation.TimerCleanInvocationStatus:
		return nil, m.cleanInvocation(tx, timer.InvocationID)
	default:
		panic(fmt.Sprintf("statemachine: fire_timer: unknown timer kind %d", timer.Kind))
	}
}

func (m *StateMachine) cleanInvocation(tx *storage.Txn, id ids.InvocationID) error {
	if err := m.journal.DeleteInvocation(tx, id); err != nil {
		return err
	}
	return m.invStatus.Delete(tx, id)
}

func (m *StateMachine) applyAttachInvocation(tx *storage.Txn, c *AttachInvocationCommand) ([]Effect, error) {
	inv, ok, err := m.invStatus.Get(tx, c.Query)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Already Free: the safest reply to an attach on an unknown id is a
		// not-found failure delivered to the caller, not a silent drop.
		eff, err := m.deliverToSink(tx, c.ResponseSink, invocation.Result{Kind: invocation.ResultFailure, Code: 404, Message: "invocation not found"})
		if err != nil {
			return nil, err
		}
		if eff == nil {
			return nil, nil
		}
		return []Effect{eff}, nil
	}
	if inv.Status == invocation.StatusCompleted {
		eff, err := m.deliverToSink(tx, c.ResponseSink, *inv.ResponseResult)
		if err != nil {
			return nil, err
		}
		if eff == nil {
			return nil, nil
		}
		return []Effect{eff}, nil
	}
	if !c.BlockOnInflight {
		return nil, nil
	}
	inv.ResponseSinks = append(inv.ResponseSinks, c.ResponseSink)
	return nil, m.invStatus.Put(tx, inv)
}

func (m *StateMachine) applyPinDeployment(tx *storage.Txn, c *PinDeploymentCommand) error {
	inv, ok, err := m.invStatus.Get(tx, c.InvocationID)
	if err != nil {
		return err
	}
	if !ok {
		panicf("pin_deployment: invocation %s not found", c.InvocationID)
	}
	inv.PinnedDeployment = &invocation.PinnedDeployment{DeploymentID: c.DeploymentID, ProtocolVersion: c.ProtocolVersion}
	return m.invStatus.Put(tx, inv)
}

func (m *StateMachine) applyTruncateOutbox(tx *storage.Txn, c *TruncateOutboxCommand) error {
	msgs, err := m.outbox.ScanFrom(tx, 0, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.SequenceNumber > c.UpToSequence {
			break
		}
		if err := m.outbox.Delete(tx, msg.SequenceNumber); err != nil {
			return err
		}
	}
	return nil
}
