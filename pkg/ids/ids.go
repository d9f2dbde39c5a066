// Package ids defines the identifier types shared across the partition
// processor: invocation ids, service ids, and the partition key space they
// are scoped to.
package ids

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PartitionKey is the 64-bit key space a partition owns a contiguous range
// of. Every entity's primary key begins with the owning partition key.
type PartitionKey uint64

// InvocationID is partition-key || 128-bit UUID, per the data model: the
// partition key is recoverable from the id without a lookup, so routing a
// command to its owning partition never requires a join.
type InvocationID struct {
	PartitionKey PartitionKey
	UUID         uuid.UUID
}

// NewInvocationID mints a fresh invocation id for the given partition key.
func NewInvocationID(partitionKey PartitionKey) InvocationID {
	return InvocationID{PartitionKey: partitionKey, UUID: uuid.New()}
}

// String renders the id as `inv_<partition-hex>_<uuid>`.
func (id InvocationID) String() string {
	return fmt.Sprintf("inv_%016x_%s", uint64(id.PartitionKey), id.UUID.String())
}

// IsZero reports whether id is the zero value (no invocation).
func (id InvocationID) IsZero() bool {
	return id.PartitionKey == 0 && id.UUID == uuid.Nil
}

// ParseInvocationID parses the String() representation back into an id.
func ParseInvocationID(s string) (InvocationID, error) {
	const prefix = "inv_"
	if !strings.HasPrefix(s, prefix) {
		return InvocationID{}, fmt.Errorf("ids: invalid invocation id %q: missing prefix", s)
	}
	rest := s[len(prefix):]
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return InvocationID{}, fmt.Errorf("ids: invalid invocation id %q: malformed", s)
	}
	pkBytes, err := hex.DecodeString(parts[0])
	if err != nil || len(pkBytes) != 8 {
		return InvocationID{}, fmt.Errorf("ids: invalid invocation id %q: bad partition key", s)
	}
	u, err := uuid.Parse(parts[1])
	if err != nil {
		return InvocationID{}, fmt.Errorf("ids: invalid invocation id %q: bad uuid: %w", s, err)
	}
	return InvocationID{PartitionKey: PartitionKey(binary.BigEndian.Uint64(pkBytes)), UUID: u}, nil
}

// Bytes returns the fixed-width binary encoding used as a storage-table key
// component: 8-byte big-endian partition key followed by the 16-byte UUID,
// so lexicographic byte order matches partition-key order.
func (id InvocationID) Bytes() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[:8], uint64(id.PartitionKey))
	copy(buf[8:], id.UUID[:])
	return buf
}

// ServiceID identifies a virtual-object or workflow instance: a service
// name plus an instance key. Plain (non-keyed) services have an empty Key.
type ServiceID struct {
	ServiceName string
	Key         string
}

// String renders "name/key", or just "name" for keyless services.
func (s ServiceID) String() string {
	if s.Key == "" {
		return s.ServiceName
	}
	return s.ServiceName + "/" + s.Key
}

// Bytes returns a storage-key-safe encoding: length-prefixed name and key so
// neither field's content can create a key-prefix collision with another
// service id.
func (s ServiceID) Bytes() []byte {
	buf := make([]byte, 0, len(s.ServiceName)+len(s.Key)+8)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s.ServiceName)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s.ServiceName...)
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s.Key)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, s.Key...)
	return buf
}
