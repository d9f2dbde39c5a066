// Package codec implements the on-disk record encoding for the partition
// store: a length-prefixed envelope around either a hand-rolled
// protobuf-wire payload or a flexbuffers payload, dispatched by a
// per-record StorageCodecKind tag, plus the two-version read path the
// invocation-status table requires.
package codec

import (
	"encoding/binary"
	"fmt"
)

// StorageCodecKind tags every on-disk record with how its payload is
// encoded. Adding a new kind is additive; removing one is not.
type StorageCodecKind uint8

const (
	KindProtobuf StorageCodecKind = iota
	KindFlexbuffers
)

func (k StorageCodecKind) String() string {
	switch k {
	case KindProtobuf:
		return "protobuf"
	case KindFlexbuffers:
		return "flexbuffers"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ErrUnsupportedCodecKind is returned by Decode when the envelope's kind
// byte does not match any known StorageCodecKind.
type ErrUnsupportedCodecKind struct {
	Kind StorageCodecKind
}

func (e *ErrUnsupportedCodecKind) Error() string {
	return fmt.Sprintf("codec: unsupported storage codec kind %d", uint8(e.Kind))
}

// ConversionErrorKind discriminates the ways a decode can fail on data that
// parses structurally but does not map onto the domain model.
type ConversionErrorKind uint8

const (
	MissingField ConversionErrorKind = iota
	UnexpectedEnumVariant
	InvalidData
)

// ConversionError reports a record that decoded but failed domain
// validation; it is always fatal for the offending record (spec §4.3, §7).
type ConversionError struct {
	Kind    ConversionErrorKind
	Field   string
	Variant int32
	Cause   error
}

func (e *ConversionError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("codec: missing field %q", e.Field)
	case UnexpectedEnumVariant:
		return fmt.Sprintf("codec: unexpected enum variant %d for field %q", e.Variant, e.Field)
	default:
		return fmt.Sprintf("codec: invalid data in field %q: %v", e.Field, e.Cause)
	}
}

func (e *ConversionError) Unwrap() error { return e.Cause }

// Encode wraps payload in a length-prefixed envelope tagging its codec kind:
// [1 byte kind][4 byte big-endian length][payload].
func Encode(kind StorageCodecKind, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[5:], payload)
	return out
}

// Decode splits an envelope back into its kind and payload. It does not
// itself reject unknown kinds — callers dispatch on Kind and report
// ErrUnsupportedCodecKind themselves, since only the caller knows which
// kinds it supports for a given table.
func Decode(raw []byte) (kind StorageCodecKind, payload []byte, err error) {
	if len(raw) < 5 {
		return 0, nil, &ConversionError{Kind: InvalidData, Field: "envelope", Cause: fmt.Errorf("truncated: %d bytes", len(raw))}
	}
	kind = StorageCodecKind(raw[0])
	n := binary.BigEndian.Uint32(raw[1:5])
	if uint32(len(raw)-5) < n {
		return 0, nil, &ConversionError{Kind: InvalidData, Field: "envelope", Cause: fmt.Errorf("truncated payload: want %d have %d", n, len(raw)-5)}
	}
	return kind, raw[5 : 5+n], nil
}
