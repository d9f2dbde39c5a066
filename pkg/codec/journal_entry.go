package codec

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/restatedb/partitiond/pkg/invocation"
)

// EncodeJournalEntry renders a journal entry as a Protobuf-kind payload.
func EncodeJournalEntry(e *invocation.JournalEntry) []byte {
	var b []byte
	b = appendBytesField(b, 1, e.InvocationID.Bytes())
	b = appendVarint(b, 2, uint64(e.EntryIndex))
	b = appendMessage(b, 3, encodeEntryHeader(e.Header))
	b = appendBytesField(b, 4, e.RawPayload)
	if e.Completion != nil {
		b = appendMessage(b, 5, encodeResult(*e.Completion))
	}
	return b
}

// DecodeJournalEntry is the inverse of EncodeJournalEntry.
func DecodeJournalEntry(payload []byte) (*invocation.JournalEntry, error) {
	e := &invocation.JournalEntry{}
	var headerMsg, completionMsg []byte
	var haveID bool
	err := walkMessage(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(v)
			if err != nil {
				return 0, err
			}
			e.InvocationID = id
			haveID = true
			return n, nil
		case 2:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			e.EntryIndex = uint32(v)
			return n, nil
		case 3:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			headerMsg = v
			return n, nil
		case 4:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			e.RawPayload = v
			return n, nil
		case 5:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			completionMsg = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if !haveID {
		return nil, &ConversionError{Kind: MissingField, Field: "invocation_id"}
	}
	if headerMsg != nil {
		h, err := decodeEntryHeader(headerMsg)
		if err != nil {
			return nil, err
		}
		e.Header = h
	}
	if completionMsg != nil {
		r, err := decodeResult(completionMsg)
		if err != nil {
			return nil, err
		}
		e.Completion = &r
		e.Header.IsCompleted = true
	}
	return e, nil
}

func encodeEntryHeader(h invocation.EntryHeader) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.Kind))
	b = appendVarint(b, 2, uint64(h.CustomCode))
	b = appendBool(b, 3, h.IsCompleted)
	if h.ResolvedTarget != nil {
		b = appendMessage(b, 4, encodeTarget(*h.ResolvedTarget))
	}
	b = appendDuration(b, 5, h.RetentionDuration)
	if h.TargetInvocation != nil {
		b = appendBytesField(b, 6, h.TargetInvocation.Bytes())
	}
	b = appendVarint(b, 7, uint64(h.TargetEntryIndex))
	return b
}

func decodeEntryHeader(raw []byte) (invocation.EntryHeader, error) {
	var h invocation.EntryHeader
	err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			h.Kind = invocation.HeaderKind(v)
			return n, nil
		case 2:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			h.CustomCode = uint16(v)
			return n, nil
		case 3:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			h.IsCompleted = v != 0
			return n, nil
		case 4:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			t, err := decodeTarget(v)
			if err != nil {
				return 0, err
			}
			h.ResolvedTarget = &t
			return n, nil
		case 5:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			h.RetentionDuration = durationFromVarint(v)
			return n, nil
		case 6:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(v)
			if err != nil {
				return 0, err
			}
			h.TargetInvocation = &id
			return n, nil
		case 7:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			h.TargetEntryIndex = uint32(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	return h, err
}

func encodeTarget(t invocation.Target) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(t.Kind))
	b = appendString(b, 2, t.Name)
	b = appendString(b, 3, t.Key)
	b = appendString(b, 4, t.Handler)
	b = appendVarint(b, 5, uint64(t.Mode))
	return b
}

func decodeTarget(raw []byte) (invocation.Target, error) {
	var t invocation.Target
	err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t.Kind = invocation.TargetKind(v)
			return n, nil
		case 2:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			t.Name = v
			return n, nil
		case 3:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			t.Key = v
			return n, nil
		case 4:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			t.Handler = v
			return n, nil
		case 5:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t.Mode = invocation.VirtualObjectMode(v)
			return n, nil
		default:
			return -1, nil
		}
	})
	return t, err
}

// durationFromVarint exists only to name the conversion at call sites.
func durationFromVarint(v uint64) time.Duration {
	return time.Duration(v)
}
