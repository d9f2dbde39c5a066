package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/restatedb/partitiond/pkg/invocation"
)

// EncodeOutboxMessage renders an outbox message as a Protobuf-kind payload.
func EncodeOutboxMessage(m *invocation.OutboxMessage) []byte {
	var b []byte
	b = appendVarint(b, 1, m.SequenceNumber)
	b = appendVarint(b, 2, uint64(m.Kind))
	if m.Invocation != nil {
		b = appendMessage(b, 3, EncodeInvocationStatus(m.Invocation))
	}
	if !m.TargetID.IsZero() {
		b = appendBytesField(b, 4, m.TargetID.Bytes())
		b = appendVarint(b, 5, uint64(m.EntryIndex))
		b = appendMessage(b, 6, encodeResult(m.Result))
	}
	if !m.TerminationID.IsZero() {
		b = appendBytesField(b, 7, m.TerminationID.Bytes())
		b = appendVarint(b, 8, uint64(m.TerminationFlavor))
	}
	if !m.AttachQuery.IsZero() {
		b = appendBytesField(b, 9, m.AttachQuery.Bytes())
		b = appendBool(b, 10, m.AttachBlockOnInflight)
		b = appendMessage(b, 11, encodeResponseSink(m.AttachResponseSink))
	}
	return b
}

// DecodeOutboxMessage is the inverse of EncodeOutboxMessage.
func DecodeOutboxMessage(payload []byte) (*invocation.OutboxMessage, error) {
	m := &invocation.OutboxMessage{}
	var invMsg, resultMsg, sinkMsg []byte
	err := walkMessage(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			m.SequenceNumber = v
			return n, nil
		case 2:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			m.Kind = invocation.OutboxMessageKind(v)
			return n, nil
		case 3:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			invMsg = v
			return n, nil
		case 4:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(v)
			if err != nil {
				return 0, err
			}
			m.TargetID = id
			return n, nil
		case 5:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			m.EntryIndex = uint32(v)
			return n, nil
		case 6:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			resultMsg = v
			return n, nil
		case 7:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(v)
			if err != nil {
				return 0, err
			}
			m.TerminationID = id
			return n, nil
		case 8:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			m.TerminationFlavor = invocation.TerminationFlavor(v)
			return n, nil
		case 9:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			id, err := idFromBytes(v)
			if err != nil {
				return 0, err
			}
			m.AttachQuery = id
			return n, nil
		case 10:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			m.AttachBlockOnInflight = v != 0
			return n, nil
		case 11:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			sinkMsg = v
			return n, nil
		default:
			return -1, nil
		}
	})
	if err != nil {
		return nil, err
	}
	if invMsg != nil {
		inv, err := DecodeInvocationStatus(invMsg)
		if err != nil {
			return nil, err
		}
		m.Invocation = inv
	}
	if resultMsg != nil {
		r, err := decodeResult(resultMsg)
		if err != nil {
			return nil, err
		}
		m.Result = r
	}
	if sinkMsg != nil {
		s, err := decodeResponseSink(sinkMsg)
		if err != nil {
			return nil, err
		}
		m.AttachResponseSink = s
	}
	return m, nil
}
