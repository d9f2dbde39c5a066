package codec

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/restatedb/partitiond/pkg/invocation"
)

// EncodeInvokeRequest renders the opening frame an invoker sends to start an
// invoke stream: invocation id, target, argument, and headers. The journal
// is not part of this frame, and no other frame in this package carries
// journal entries to the deployment.
func EncodeInvokeRequest(inv invocation.Invocation) ([]byte, error) {
	var b []byte
	b = appendBytesField(b, 1, inv.ID.Bytes())
	b = appendMessage(b, 2, encodeTarget(inv.Target))
	b = appendBytesField(b, 3, inv.Argument)
	for _, h := range inv.Headers {
		b = appendMessage(b, 4, encodeHeader(h))
	}
	return Encode(KindProtobuf, b), nil
}

// SuspendFrame is the payload of an invoker message reporting the handler
// suspended pending completion of one or more journal entries.
type SuspendFrame struct {
	WaitingForCompletedEntries []uint32
}

// InvokerMessage is exactly one of JournalEntry, Suspend, or End — whichever
// field is non-nil names what the deployment reported on this frame.
type InvokerMessage struct {
	JournalEntry *invocation.JournalEntry
	Suspend      *SuspendFrame
	End          *invocation.Result
}

// DecodeInvokerMessage parses one frame a deployment sent back over an
// invoke stream.
func DecodeInvokerMessage(raw []byte) (InvokerMessage, error) {
	kind, payload, err := Decode(raw)
	if err != nil {
		return InvokerMessage{}, err
	}
	if kind != KindProtobuf {
		return InvokerMessage{}, &ErrUnsupportedCodecKind{Kind: kind}
	}

	var msg InvokerMessage
	err = walkMessage(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			e, err := DecodeJournalEntry(v)
			if err != nil {
				return 0, err
			}
			msg.JournalEntry = e
			return n, nil
		case 2:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			sf, err := decodeSuspendFrame(v)
			if err != nil {
				return 0, err
			}
			msg.Suspend = &sf
			return n, nil
		case 3:
			v, n, err := consumeBytesCopy(b)
			if err != nil {
				return 0, err
			}
			r, err := decodeResult(v)
			if err != nil {
				return 0, err
			}
			msg.End = &r
			return n, nil
		default:
			return -1, nil
		}
	})
	return msg, err
}

func decodeSuspendFrame(raw []byte) (SuspendFrame, error) {
	var sf SuspendFrame
	err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(b)
			if err != nil {
				return 0, err
			}
			sf.WaitingForCompletedEntries = append(sf.WaitingForCompletedEntries, uint32(v))
			return n, nil
		default:
			return -1, nil
		}
	})
	return sf, err
}
