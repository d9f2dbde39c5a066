package codec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// This file collects small, hand-rolled protowire append/consume helpers
// shared by every Protobuf-kind record encoder in this package. There is no
// generated .pb.go package in this tree (see DESIGN.md) — each record type
// writes and reads its own fields directly against protowire, the same
// primitive protoc-gen-go's generated Marshal/Unmarshal methods are built
// on, just without the intermediate descriptor/reflection machinery.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

// appendTime encodes a non-zero instant as Unix nanoseconds; the zero time
// is omitted entirely (schema additivity: a missing field decodes back to
// the zero time).
func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return appendVarint(b, num, uint64(t.UnixNano()))
}

func appendDuration(b []byte, num protowire.Number, d time.Duration) []byte {
	if d == 0 {
		return b
	}
	return appendVarint(b, num, uint64(d))
}

// appendMessage length-delimits a nested message's already-encoded bytes.
func appendMessage(b []byte, num protowire.Number, nested []byte) []byte {
	if len(nested) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, nested)
}

// fieldVisitor is called once per top-level field encountered while
// walking a message buffer; it returns the number of bytes it consumed
// from the *value* (not including the tag), or -1 to skip the field using
// the wire type's default skip rule.
type fieldVisitor func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error)

// walkMessage parses a flat sequence of (tag, value) pairs, invoking visit
// for each. Unknown field numbers are skipped per their wire type, which is
// what makes optional-field schema additivity free: an old decoder reading
// a newer payload simply skips fields it doesn't recognize.
func walkMessage(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &ConversionError{Kind: InvalidData, Field: "tag", Cause: protowire.ParseError(n)}
		}
		b = b[n:]
		consumed, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if consumed < 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return &ConversionError{Kind: InvalidData, Field: fmt.Sprintf("field(%d)", num), Cause: protowire.ParseError(consumed)}
			}
		}
		b = b[consumed:]
	}
	return nil
}

func consumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytesCopy(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeString(b []byte) (string, int, error) {
	v, n, err := consumeBytesCopy(b)
	if err != nil {
		return "", 0, err
	}
	return string(v), n, nil
}
