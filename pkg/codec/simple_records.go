package codec

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/restatedb/partitiond/pkg/invocation"
)

// The auxiliary records below are flatter and more enumerable than
// InvocationStatus/JournalEntry/OutboxMessage, so they use the
// Flexbuffers-kind codec: a self-describing, schema-less encoding rather
// than a hand-maintained wire layout. go-msgpack/v2 plays that role here
// (see DESIGN.md) — structurally it is a dynamically-typed binary map/array
// format, the same shape flexbuffers has in the original.

var msgpackHandle = &codec.MsgpackHandle{}

func marshalMsgpack(v interface{}) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	// A msgpack encode of a well-formed Go value never fails; panicking here
	// would indicate a programmer error in the record shape, not bad input.
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func unmarshalMsgpack(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	return dec.Decode(v)
}

func EncodeServiceLock(l *invocation.ServiceLock) []byte    { return marshalMsgpack(l) }
func DecodeServiceLock(b []byte) (*invocation.ServiceLock, error) {
	var l invocation.ServiceLock
	if err := unmarshalMsgpack(b, &l); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "service_lock", Cause: err}
	}
	return &l, nil
}

func EncodeInboxEntry(e *invocation.InboxEntry) []byte { return marshalMsgpack(e) }
func DecodeInboxEntry(b []byte) (*invocation.InboxEntry, error) {
	var e invocation.InboxEntry
	if err := unmarshalMsgpack(b, &e); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "inbox_entry", Cause: err}
	}
	return &e, nil
}

func EncodePromise(p *invocation.Promise) []byte { return marshalMsgpack(p) }
func DecodePromise(b []byte) (*invocation.Promise, error) {
	var p invocation.Promise
	if err := unmarshalMsgpack(b, &p); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "promise", Cause: err}
	}
	return &p, nil
}

func EncodeIdempotencyRecord(r *invocation.IdempotencyRecord) []byte { return marshalMsgpack(r) }
func DecodeIdempotencyRecord(b []byte) (*invocation.IdempotencyRecord, error) {
	var r invocation.IdempotencyRecord
	if err := unmarshalMsgpack(b, &r); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "idempotency_record", Cause: err}
	}
	return &r, nil
}

func EncodeTimer(t *invocation.Timer) []byte { return marshalMsgpack(t) }
func DecodeTimer(b []byte) (*invocation.Timer, error) {
	var t invocation.Timer
	if err := unmarshalMsgpack(b, &t); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "timer", Cause: err}
	}
	return &t, nil
}

func EncodeDedupSequenceNumber(d *invocation.DedupSequenceNumber) []byte { return marshalMsgpack(d) }
func DecodeDedupSequenceNumber(b []byte) (*invocation.DedupSequenceNumber, error) {
	var d invocation.DedupSequenceNumber
	if err := unmarshalMsgpack(b, &d); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "dedup_sequence_number", Cause: err}
	}
	return &d, nil
}

func EncodeFsmCounters(f *invocation.FsmCounters) []byte { return marshalMsgpack(f) }
func DecodeFsmCounters(b []byte) (*invocation.FsmCounters, error) {
	var f invocation.FsmCounters
	if err := unmarshalMsgpack(b, &f); err != nil {
		return nil, &ConversionError{Kind: InvalidData, Field: "fsm_counters", Cause: err}
	}
	return &f, nil
}
