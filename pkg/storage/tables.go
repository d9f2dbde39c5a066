package storage

import (
	"github.com/restatedb/partitiond/pkg/codec"
	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

// Bucket names. Each is matched against a CFPattern at DB construction; see
// cmd/partitiond's engine wiring for the pattern table these names satisfy.
const (
	bucketServiceStatus   = "service_status"
	bucketInvocationStatus = "invocation_status"
	bucketInbox           = "inbox"
	bucketJournal         = "journal"
	bucketState           = "state"
	bucketPromise         = "promise"
	bucketIdempotency     = "idempotency"
	bucketOutbox          = "outbox"
	bucketTimer           = "timer"
	bucketDeduplication   = "deduplication"
	bucketFsm             = "fsm"
)

// AllTableNames lists every bucket a fresh partition database must OpenCF
// before first use.
var AllTableNames = []string{
	bucketServiceStatus, bucketInvocationStatus, bucketInbox, bucketJournal,
	bucketState, bucketPromise, bucketIdempotency, bucketOutbox, bucketTimer,
	bucketDeduplication, bucketFsm,
}

// ServiceStatusTable holds the per-service_id exclusive-handler lock.
type ServiceStatusTable struct{}

func (ServiceStatusTable) Get(t *Txn, id ids.ServiceID) (*invocation.ServiceLock, bool, error) {
	v, ok, err := t.get(bucketServiceStatus, serviceKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	l, err := codec.DecodeServiceLock(v)
	return l, true, err
}

func (ServiceStatusTable) Put(t *Txn, id ids.ServiceID, lock *invocation.ServiceLock) error {
	return t.put(bucketServiceStatus, serviceKey(id), codec.EncodeServiceLock(lock))
}

func (ServiceStatusTable) Delete(t *Txn, id ids.ServiceID) error {
	return t.delete(bucketServiceStatus, serviceKey(id))
}

// InvocationStatusTable holds the master Invocation record. Absence of a
// record IS the Free status (spec §4.4); there is no tombstone.
type InvocationStatusTable struct{}

func (InvocationStatusTable) Get(t *Txn, id ids.InvocationID) (*invocation.Invocation, bool, error) {
	v, ok, err := t.get(bucketInvocationStatus, invocationKey(id))
	if err != nil || !ok {
		return nil, ok, err
	}
	inv, err := codec.DecodeInvocationStatus(v)
	return inv, true, err
}

// Put always writes the current (V2) wire shape, so any legacy V1 record a
// partition inherits on disk is upgraded in place on its next write.
func (InvocationStatusTable) Put(t *Txn, inv *invocation.Invocation) error {
	return t.put(bucketInvocationStatus, invocationKey(inv.ID), codec.EncodeInvocationStatus(inv))
}

func (InvocationStatusTable) Delete(t *Txn, id ids.InvocationID) error {
	return t.delete(bucketInvocationStatus, invocationKey(id))
}

// InboxTable holds FIFO-ordered queued entries per locked service_id. Keys
// are (service_id, sequence_number) so a prefix scan on service_id yields
// entries in enqueue order.
type InboxTable struct{}

func (InboxTable) Get(t *Txn, svc ids.ServiceID, seq uint64) (*invocation.InboxEntry, bool, error) {
	key := appendUint64BE(serviceKey(svc), seq)
	v, ok, err := t.get(bucketInbox, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	e, err := codec.DecodeInboxEntry(v)
	return e, true, err
}

func (InboxTable) Put(t *Txn, e *invocation.InboxEntry) error {
	key := appendUint64BE(serviceKey(e.ServiceID), e.SequenceNumber)
	return t.put(bucketInbox, key, codec.EncodeInboxEntry(e))
}

func (InboxTable) Delete(t *Txn, svc ids.ServiceID, seq uint64) error {
	key := appendUint64BE(serviceKey(svc), seq)
	return t.delete(bucketInbox, key)
}

// ScanByService returns all queued entries for svc in FIFO order.
func (InboxTable) ScanByService(t *Txn, svc ids.ServiceID) ([]*invocation.InboxEntry, error) {
	var out []*invocation.InboxEntry
	err := t.scanPrefix(bucketInbox, serviceKey(svc), func(_, v []byte) (bool, error) {
		e, err := codec.DecodeInboxEntry(v)
		if err != nil {
			return false, err
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}

// JournalTable holds one entry per (invocation_id, entry_index).
type JournalTable struct{}

func journalKey(id ids.InvocationID, entryIndex uint32) []byte {
	return appendUint32BE(invocationKey(id), entryIndex)
}

func (JournalTable) Get(t *Txn, id ids.InvocationID, entryIndex uint32) (*invocation.JournalEntry, bool, error) {
	v, ok, err := t.get(bucketJournal, journalKey(id, entryIndex))
	if err != nil || !ok {
		return nil, ok, err
	}
	e, err := codec.DecodeJournalEntry(v)
	return e, true, err
}

func (JournalTable) Put(t *Txn, e *invocation.JournalEntry) error {
	return t.put(bucketJournal, journalKey(e.InvocationID, e.EntryIndex), codec.EncodeJournalEntry(e))
}

func (JournalTable) Delete(t *Txn, id ids.InvocationID, entryIndex uint32) error {
	return t.delete(bucketJournal, journalKey(id, entryIndex))
}

// ScanInvocation returns the full journal for id in entry-index order.
func (JournalTable) ScanInvocation(t *Txn, id ids.InvocationID) ([]*invocation.JournalEntry, error) {
	var out []*invocation.JournalEntry
	err := t.scanPrefix(bucketJournal, invocationKey(id), func(_, v []byte) (bool, error) {
		e, err := codec.DecodeJournalEntry(v)
		if err != nil {
			return false, err
		}
		out = append(out, e)
		return true, nil
	})
	return out, err
}

// DeleteInvocation removes every journal entry for id, used when an
// invocation is cleaned up (spec §4.4 CleanInvocationStatus).
func (JournalTable) DeleteInvocation(t *Txn, id ids.InvocationID) error {
	var keys [][]byte
	if err := t.scanPrefix(bucketJournal, invocationKey(id), func(k, _ []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), k...))
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.delete(bucketJournal, k); err != nil {
			return err
		}
	}
	return nil
}

// StateTable holds per-(service_id, key) durable K/V state.
type StateTable struct{}

func stateKey(svc ids.ServiceID, key string) []byte {
	k := serviceKey(svc)
	k = append(k, []byte(key)...)
	return k
}

func (StateTable) Get(t *Txn, svc ids.ServiceID, key string) ([]byte, bool, error) {
	return t.get(bucketState, stateKey(svc, key))
}

func (StateTable) Put(t *Txn, svc ids.ServiceID, key string, value []byte) error {
	return t.put(bucketState, stateKey(svc, key), value)
}

func (StateTable) Delete(t *Txn, svc ids.ServiceID, key string) error {
	return t.delete(bucketState, stateKey(svc, key))
}

// ClearAll deletes every key for svc, implementing ClearAllState.
func (StateTable) ClearAll(t *Txn, svc ids.ServiceID) error {
	var keys [][]byte
	if err := t.scanPrefix(bucketState, serviceKey(svc), func(k, _ []byte) (bool, error) {
		keys = append(keys, append([]byte(nil), k...))
		return true, nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := t.delete(bucketState, k); err != nil {
			return err
		}
	}
	return nil
}

// GetStateKeys lists every key name set for svc, backing HeaderGetStateKeys.
func (StateTable) GetStateKeys(t *Txn, svc ids.ServiceID) ([]string, error) {
	prefix := serviceKey(svc)
	var keys []string
	err := t.scanPrefix(bucketState, prefix, func(k, _ []byte) (bool, error) {
		keys = append(keys, string(k[len(prefix):]))
		return true, nil
	})
	return keys, err
}

// PromiseTable holds per-(service_id, key) await-once promises.
type PromiseTable struct{}

func promiseKey(svc ids.ServiceID, key string) []byte {
	k := serviceKey(svc)
	return append(k, []byte(key)...)
}

func (PromiseTable) Get(t *Txn, svc ids.ServiceID, key string) (*invocation.Promise, bool, error) {
	v, ok, err := t.get(bucketPromise, promiseKey(svc, key))
	if err != nil || !ok {
		return nil, ok, err
	}
	p, err := codec.DecodePromise(v)
	return p, true, err
}

func (PromiseTable) Put(t *Txn, p *invocation.Promise) error {
	return t.put(bucketPromise, promiseKey(p.ServiceID, p.Key), codec.EncodePromise(p))
}

func (PromiseTable) Delete(t *Txn, svc ids.ServiceID, key string) error {
	return t.delete(bucketPromise, promiseKey(svc, key))
}

// IdempotencyTable maps (service_name, handler, key) to the invocation it
// produced, so a retried idempotent request attaches rather than re-runs.
type IdempotencyTable struct{}

func idempotencyKey(serviceName, handler, key string) []byte {
	var b []byte
	b = append(b, []byte(serviceName)...)
	b = append(b, 0)
	b = append(b, []byte(handler)...)
	b = append(b, 0)
	b = append(b, []byte(key)...)
	return b
}

func (IdempotencyTable) Get(t *Txn, serviceName, handler, key string) (*invocation.IdempotencyRecord, bool, error) {
	v, ok, err := t.get(bucketIdempotency, idempotencyKey(serviceName, handler, key))
	if err != nil || !ok {
		return nil, ok, err
	}
	r, err := codec.DecodeIdempotencyRecord(v)
	return r, true, err
}

func (IdempotencyTable) Put(t *Txn, r *invocation.IdempotencyRecord) error {
	key := idempotencyKey(r.ServiceName, r.Handler, r.Key)
	return t.put(bucketIdempotency, key, codec.EncodeIdempotencyRecord(r))
}

func (IdempotencyTable) Delete(t *Txn, serviceName, handler, key string) error {
	return t.delete(bucketIdempotency, idempotencyKey(serviceName, handler, key))
}

// OutboxTable is the strictly-ordered outbound message queue, keyed by
// monotonic sequence number so a cursor scan from the last-shipped sequence
// yields the next batch in order (spec §5 outbox drain).
type OutboxTable struct{}

func outboxKey(seq uint64) []byte {
	return appendUint64BE(nil, seq)
}

func (OutboxTable) Put(t *Txn, msg *invocation.OutboxMessage) error {
	return t.put(bucketOutbox, outboxKey(msg.SequenceNumber), codec.EncodeOutboxMessage(msg))
}

func (OutboxTable) Delete(t *Txn, seq uint64) error {
	return t.delete(bucketOutbox, outboxKey(seq))
}

// ScanFrom returns outbox messages with sequence_number >= fromSeq, in
// order, stopping after limit messages (limit <= 0 means unbounded).
func (OutboxTable) ScanFrom(t *Txn, fromSeq uint64, limit int) ([]*invocation.OutboxMessage, error) {
	var out []*invocation.OutboxMessage
	err := t.scanRange(bucketOutbox, outboxKey(fromSeq), nil, func(_, v []byte) (bool, error) {
		msg, err := codec.DecodeOutboxMessage(v)
		if err != nil {
			return false, err
		}
		out = append(out, msg)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// TimerTable is the due-time-ordered wheel. Keys are (due_time, invocation_id,
// entry_index) so a forward cursor scan yields timers in fire order, with
// ties on due_time broken lexicographically by invocation_id then
// entry_index per spec §4.4.
type TimerTable struct{}

func timerKey(t *invocation.Timer) []byte {
	k := appendUint64BE(nil, uint64(t.DueTime.UnixNano()))
	k = append(k, invocationKey(t.InvocationID)...)
	k = appendUint32BE(k, t.EntryIndex)
	return k
}

func (TimerTable) Put(t *Txn, timer *invocation.Timer) error {
	return t.put(bucketTimer, timerKey(timer), codec.EncodeTimer(timer))
}

func (TimerTable) Delete(t *Txn, timer *invocation.Timer) error {
	return t.delete(bucketTimer, timerKey(timer))
}

// ScanDue returns every timer with due_time <= asOf, in fire order.
func (TimerTable) ScanDue(t *Txn, asOf int64) ([]*invocation.Timer, error) {
	end := appendUint64BE(nil, uint64(asOf)+1)
	var out []*invocation.Timer
	err := t.scanRange(bucketTimer, nil, end, func(_, v []byte) (bool, error) {
		timer, err := codec.DecodeTimer(v)
		if err != nil {
			return false, err
		}
		out = append(out, timer)
		return true, nil
	})
	return out, err
}

// DeduplicationTable maps a producer identifier to the last sequence number
// it has successfully applied, rejecting replays (spec §3 Deduplication
// counter).
type DeduplicationTable struct{}

func (DeduplicationTable) Get(t *Txn, producerID string) (*invocation.DedupSequenceNumber, bool, error) {
	v, ok, err := t.get(bucketDeduplication, []byte(producerID))
	if err != nil || !ok {
		return nil, ok, err
	}
	d, err := codec.DecodeDedupSequenceNumber(v)
	return d, true, err
}

func (DeduplicationTable) Put(t *Txn, producerID string, d *invocation.DedupSequenceNumber) error {
	return t.put(bucketDeduplication, []byte(producerID), codec.EncodeDedupSequenceNumber(d))
}

// FsmTable holds the singleton per-partition counters record.
type FsmTable struct{}

const fsmCountersKey = "counters"

func (FsmTable) Get(t *Txn) (*invocation.FsmCounters, bool, error) {
	v, ok, err := t.get(bucketFsm, []byte(fsmCountersKey))
	if err != nil || !ok {
		return nil, ok, err
	}
	c, err := codec.DecodeFsmCounters(v)
	return c, true, err
}

func (FsmTable) Put(t *Txn, c *invocation.FsmCounters) error {
	return t.put(bucketFsm, []byte(fsmCountersKey), codec.EncodeFsmCounters(c))
}
