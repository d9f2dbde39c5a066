package statemachine

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Commands travel through bifrost as opaque bytes; MarshalCommand/
// UnmarshalCommand are what pkg/partition calls on either side of the log.
// msgpack plays the same self-describing-binary role here as it does for
// the flexbuffers-kind storage records (pkg/codec/simple_records.go) —
// every field of Command is already a plain Go value (no custom wire
// layout needed), so reflection-based encoding is the right tool rather
// than hand-rolling a protobuf message for a type that only ever crosses
// process boundaries as raft log bytes.
var commandMsgpackHandle = &codec.MsgpackHandle{}

// MarshalCommand encodes cmd for appending to the log.
func MarshalCommand(cmd Command) []byte {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, commandMsgpackHandle)
	if err := enc.Encode(cmd); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// UnmarshalCommand decodes a command previously produced by MarshalCommand.
// A decode failure here means the log itself is corrupt: the processor
// treats it as fatal rather than skippable (spec §7: codec errors are
// always fatal for the offending record).
func UnmarshalCommand(data []byte) (Command, error) {
	var cmd Command
	dec := codec.NewDecoderBytes(data, commandMsgpackHandle)
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
