package codec

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

// Invocation-status records carry a one-byte version tag ahead of the
// protowire message itself. Writers always emit V2; a V1 payload can still
// be read (and is rewritten as V2 on the invocation's next mutation),
// implementing the two-version read rule of spec §4.3. The V1 layout is a
// strict subset of V2's field numbers, so a single decoder handles both —
// the version byte is only checked to be V1 or V2, and a field the payload
// does not carry decodes to its zero value or documented default.
const (
	invocationStatusV1 byte = 1
	invocationStatusV2 byte = 2
)

// EncodeInvocationStatus renders inv as a V2 payload, per spec §4.3's "writers
// always emit V2" rule.
func EncodeInvocationStatus(inv *invocation.Invocation) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(inv.Status))
	b = appendVarint(b, 2, uint64(inv.Target.Kind))
	b = appendString(b, 3, inv.Target.Name)
	b = appendString(b, 4, inv.Target.Key)
	b = appendString(b, 5, inv.Target.Handler)
	b = appendVarint(b, 6, uint64(inv.Target.Mode))

	b = appendVarint(b, 7, uint64(inv.Source.Kind))
	b = appendString(b, 8, inv.Source.IngressRequest)
	b = appendString(b, 9, inv.Source.SubscriptionID)
	if !inv.Source.CallerID.IsZero() {
		b = appendBytesField(b, 10, inv.Source.CallerID.Bytes())
		b = appendVarint(b, 11, uint64(inv.Source.CallerEntryIdx))
	}

	b = appendBytesField(b, 12, inv.Span.TraceID[:])
	b = appendBytesField(b, 13, inv.Span.SpanID[:])
	b = appendString(b, 14, inv.Span.TraceState)
	if inv.Span.Cause != nil {
		b = appendBytesField(b, 15, inv.Span.Cause.Bytes())
	}

	for _, sink := range inv.ResponseSinks {
		b = appendMessage(b, 16, encodeResponseSink(sink))
	}

	b = appendTime(b, 17, inv.Timestamps.Creation)
	b = appendTime(b, 18, inv.Timestamps.Modification)
	if inv.Timestamps.InboxedTransition != nil {
		b = appendTime(b, 19, *inv.Timestamps.InboxedTransition)
	}
	if inv.Timestamps.ScheduledTransition != nil {
		b = appendTime(b, 20, *inv.Timestamps.ScheduledTransition)
	}
	if inv.Timestamps.RunningTransition != nil {
		b = appendTime(b, 21, *inv.Timestamps.RunningTransition)
	}
	if inv.Timestamps.CompletedTransition != nil {
		b = appendTime(b, 22, *inv.Timestamps.CompletedTransition)
	}

	b = appendBytesField(b, 23, inv.Argument)
	for _, h := range inv.Headers {
		b = appendMessage(b, 24, encodeHeader(h))
	}
	if inv.ExecutionTime != nil {
		b = appendTime(b, 25, *inv.ExecutionTime)
	}
	b = appendDuration(b, 26, inv.CompletionRetention)
	b = appendBool(b, 27, inv.NeverClean)
	if inv.IdempotencyKey != nil {
		b = appendString(b, 28, *inv.IdempotencyKey)
	}
	if inv.PinnedDeployment != nil {
		b = appendString(b, 29, inv.PinnedDeployment.DeploymentID)
		b = appendVarint(b, 30, uint64(inv.PinnedDeployment.ProtocolVersion))
	}
	b = appendVarint(b, 31, uint64(inv.JournalLength))
	for idx := range inv.WaitingForCompletedEntries {
		// Written unconditionally: appendVarint would drop entry index 0.
		b = protowire.AppendTag(b, 32, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(idx))
	}
	if inv.ResponseResult != nil {
		b = appendMessage(b, 33, encodeResult(*inv.ResponseResult))
	}
	if !inv.ID.IsZero() {
		b = appendBytesField(b, 34, inv.ID.Bytes())
	}

	out := make([]byte, 0, len(b)+1)
	out = append(out, invocationStatusV2)
	return append(out, b...)
}

// DecodeInvocationStatus decodes either a V1 or V2 payload into the current
// domain shape; missing optional fields substitute their documented
// default (spec §4.3 schema-additivity rule), e.g. an absent
// completion_retention decodes to 0.
func DecodeInvocationStatus(payload []byte) (*invocation.Invocation, error) {
	if len(payload) == 0 {
		return nil, &ConversionError{Kind: MissingField, Field: "version"}
	}
	version, body := payload[0], payload[1:]
	if version != invocationStatusV1 && version != invocationStatusV2 {
		return nil, &ConversionError{Kind: UnexpectedEnumVariant, Field: "version", Variant: int32(version)}
	}

	inv := &invocation.Invocation{WaitingForCompletedEntries: map[uint32]struct{}{}}
	var responseSinks [][]byte
	var headerMsgs [][]byte
	var waitingIdx []uint32
	var resultMsg []byte
	var haveStatus bool

	err := walkMessage(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Status = invocation.Status(v)
			haveStatus = true
			return n, nil
		case 2:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Target.Kind = invocation.TargetKind(v)
			return n, nil
		case 3:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.Target.Name = s
			return n, nil
		case 4:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.Target.Key = s
			return n, nil
		case 5:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.Target.Handler = s
			return n, nil
		case 6:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Target.Mode = invocation.VirtualObjectMode(v)
			return n, nil
		case 7:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Source.Kind = invocation.SourceKind(v)
			return n, nil
		case 8:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.Source.IngressRequest = s
			return n, nil
		case 9:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.Source.SubscriptionID = s
			return n, nil
		case 10:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(raw)
			if err != nil {
				return 0, err
			}
			inv.Source.CallerID = id
			return n, nil
		case 11:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Source.CallerEntryIdx = uint32(v)
			return n, nil
		case 12:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			copy(inv.Span.TraceID[:], raw)
			return n, nil
		case 13:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			copy(inv.Span.SpanID[:], raw)
			return n, nil
		case 14:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.Span.TraceState = s
			return n, nil
		case 15:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(raw)
			if err != nil {
				return 0, err
			}
			inv.Span.Cause = &id
			return n, nil
		case 16:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			responseSinks = append(responseSinks, raw)
			return n, nil
		case 17:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Timestamps.Creation = time.Unix(0, int64(v))
			return n, nil
		case 18:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.Timestamps.Modification = time.Unix(0, int64(v))
			return n, nil
		case 19:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t := time.Unix(0, int64(v))
			inv.Timestamps.InboxedTransition = &t
			return n, nil
		case 20:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t := time.Unix(0, int64(v))
			inv.Timestamps.ScheduledTransition = &t
			return n, nil
		case 21:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t := time.Unix(0, int64(v))
			inv.Timestamps.RunningTransition = &t
			return n, nil
		case 22:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t := time.Unix(0, int64(v))
			inv.Timestamps.CompletedTransition = &t
			return n, nil
		case 23:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			inv.Argument = raw
			return n, nil
		case 24:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			headerMsgs = append(headerMsgs, raw)
			return n, nil
		case 25:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			t := time.Unix(0, int64(v))
			inv.ExecutionTime = &t
			return n, nil
		case 26:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.CompletionRetention = time.Duration(v)
			return n, nil
		case 27:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.NeverClean = v != 0
			return n, nil
		case 28:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			inv.IdempotencyKey = &s
			return n, nil
		case 29:
			s, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			if inv.PinnedDeployment == nil {
				inv.PinnedDeployment = &invocation.PinnedDeployment{}
			}
			inv.PinnedDeployment.DeploymentID = s
			return n, nil
		case 30:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			if inv.PinnedDeployment == nil {
				inv.PinnedDeployment = &invocation.PinnedDeployment{}
			}
			inv.PinnedDeployment.ProtocolVersion = uint32(v)
			return n, nil
		case 31:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			inv.JournalLength = uint32(v)
			return n, nil
		case 32:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			waitingIdx = append(waitingIdx, uint32(v))
			return n, nil
		case 33:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			resultMsg = raw
			return n, nil
		case 34:
			raw, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(raw)
			if err != nil {
				return 0, err
			}
			inv.ID = id
			return n, nil
		default:
			return -1, nil // unknown field: schema additivity, skip
		}
	})
	if err != nil {
		return nil, err
	}
	if !haveStatus {
		return nil, &ConversionError{Kind: MissingField, Field: "status"}
	}

	for _, raw := range responseSinks {
		sink, err := decodeResponseSink(raw)
		if err != nil {
			return nil, err
		}
		inv.ResponseSinks = append(inv.ResponseSinks, sink)
	}
	for _, raw := range headerMsgs {
		h, err := decodeHeader(raw)
		if err != nil {
			return nil, err
		}
		inv.Headers = append(inv.Headers, h)
	}
	for _, idx := range waitingIdx {
		inv.WaitingForCompletedEntries[idx] = struct{}{}
	}
	if resultMsg != nil {
		r, err := decodeResult(resultMsg)
		if err != nil {
			return nil, err
		}
		inv.ResponseResult = &r
	}
	return inv, nil
}

func idFromBytes(raw []byte) (ids.InvocationID, error) {
	if len(raw) != 24 {
		return ids.InvocationID{}, &ConversionError{Kind: InvalidData, Field: "invocation_id", Cause: errInvalidIDLength(len(raw))}
	}
	var u [16]byte
	copy(u[:], raw[8:])
	pk := uint64(0)
	for i := 0; i < 8; i++ {
		pk = pk<<8 | uint64(raw[i])
	}
	return ids.InvocationID{PartitionKey: ids.PartitionKey(pk), UUID: u}, nil
}

type errInvalidIDLength int

func (e errInvalidIDLength) Error() string { return "invalid invocation id length" }

func encodeResponseSink(s invocation.ResponseSink) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(s.Kind))
	if !s.CallerID.IsZero() {
		b = appendBytesField(b, 2, s.CallerID.Bytes())
		b = appendVarint(b, 3, uint64(s.CallerEntryID))
	}
	b = appendString(b, 4, s.RequestID)
	return b
}

func decodeResponseSink(raw []byte) (invocation.ResponseSink, error) {
	var s invocation.ResponseSink
	err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			s.Kind = invocation.ResponseSinkKind(v)
			return n, nil
		case 2:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(v)
			if err != nil {
				return 0, err
			}
			s.CallerID = id
			return n, nil
		case 3:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			s.CallerEntryID = uint32(v)
			return n, nil
		case 4:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			s.RequestID = v
			return n, nil
		default:
			return -1, nil
		}
	})
	return s, err
}

func encodeHeader(h invocation.Header) []byte {
	var b []byte
	b = appendString(b, 1, h.Name)
	b = appendString(b, 2, h.Value)
	return b
}

func decodeHeader(raw []byte) (invocation.Header, error) {
	var h invocation.Header
	err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			h.Name = v
			return n, nil
		case 2:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			h.Value = v
			return n, nil
		default:
			return -1, nil
		}
	})
	return h, err
}

func encodeResult(r invocation.Result) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(r.Kind))
	b = appendBytesField(b, 2, r.Success)
	b = appendVarint(b, 3, uint64(r.Code))
	b = appendString(b, 4, r.Message)
	return b
}

func decodeResult(raw []byte) (invocation.Result, error) {
	var r invocation.Result
	err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.Kind = invocation.ResultKind(v)
			return n, nil
		case 2:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			r.Success = v
			return n, nil
		case 3:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			r.Code = uint16(v)
			return n, nil
		case 4:
			v, n, err := consumeString(b)
			if err != nil {
				return 0, err
			}
			r.Message = v
			return n, nil
		default:
			return -1, nil
		}
	})
	return r, err
}
