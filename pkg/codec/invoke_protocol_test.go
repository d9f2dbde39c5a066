package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/restatedb/partitiond/pkg/ids"
	"github.com/restatedb/partitiond/pkg/invocation"
)

func TestEncodeInvokeRequestRoundTripsViaDecodeTarget(t *testing.T) {
	inv := invocation.Invocation{
		ID:       ids.NewInvocationID(7),
		Target:   invocation.Target{Kind: invocation.TargetService, Name: "billing", Handler: "charge"},
		Argument: []byte("payload"),
		Headers:  []invocation.Header{{Name: "x-trace", Value: "abc"}},
	}
	raw, err := EncodeInvokeRequest(inv)
	require.NoError(t, err)

	kind, payload, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, KindProtobuf, kind)
	require.NotEmpty(t, payload)

	var target invocation.Target
	err = walkMessage(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 2 {
			return -1, nil
		}
		v, n, err := consumeBytesCopy(b)
		if err != nil {
			return 0, err
		}
		target, err = decodeTarget(v)
		return n, err
	})
	require.NoError(t, err)
	require.Equal(t, inv.Target, target)
}

func TestDecodeInvokerMessageJournalEntry(t *testing.T) {
	id := ids.NewInvocationID(3)
	entry := &invocation.JournalEntry{InvocationID: id, EntryIndex: 2, Header: invocation.EntryHeader{Kind: invocation.HeaderOutput}}

	var b []byte
	b = appendBytesField(b, 1, EncodeJournalEntry(entry))
	raw := Encode(KindProtobuf, b)

	msg, err := DecodeInvokerMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.JournalEntry)
	require.Equal(t, id, msg.JournalEntry.InvocationID)
	require.Equal(t, uint32(2), msg.JournalEntry.EntryIndex)
	require.Nil(t, msg.Suspend)
	require.Nil(t, msg.End)
}

func TestDecodeInvokerMessageSuspend(t *testing.T) {
	var sf []byte
	// Written with protowire directly: appendVarint omits the zero index.
	sf = protowire.AppendTag(sf, 1, protowire.VarintType)
	sf = protowire.AppendVarint(sf, 0)
	sf = protowire.AppendTag(sf, 1, protowire.VarintType)
	sf = protowire.AppendVarint(sf, 2)

	var b []byte
	b = appendBytesField(b, 2, sf)
	raw := Encode(KindProtobuf, b)

	msg, err := DecodeInvokerMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Suspend)
	require.Equal(t, []uint32{0, 2}, msg.Suspend.WaitingForCompletedEntries)
}

func TestDecodeInvokerMessageEnd(t *testing.T) {
	var b []byte
	b = appendBytesField(b, 3, encodeResult(invocation.Result{Kind: invocation.ResultSuccess, Success: []byte("ok")}))
	raw := Encode(KindProtobuf, b)

	msg, err := DecodeInvokerMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.End)
	require.Equal(t, invocation.ResultSuccess, msg.End.Kind)
	require.Equal(t, []byte("ok"), msg.End.Success)
}
