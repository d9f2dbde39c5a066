package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/restatedb/partitiond/pkg/ids"
)

// Txn wraps one bbolt transaction. Table methods are thin typed views over
// the same Txn, so a caller composes several table operations into one
// atomic commit exactly the way pkg/storage/boltdb.go's db.Update closures
// did for the teacher's entity buckets.
type Txn struct {
	tx       *bolt.Tx
	writable bool
}

// ErrBucketMissing is returned when a table's backing bucket has not been
// opened via DB.OpenCF before first use.
type ErrBucketMissing struct{ Name string }

func (e *ErrBucketMissing) Error() string {
	return fmt.Sprintf("storage: bucket %q not open, call OpenCF first", e.Name)
}

func (t *Txn) bucket(name string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(name))
	if b == nil {
		return nil, &ErrBucketMissing{Name: name}
	}
	return b, nil
}

func (t *Txn) get(bucketName string, key []byte) ([]byte, bool, error) {
	b, err := t.bucket(bucketName)
	if err != nil {
		return nil, false, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	// bbolt reuses the backing mmap for the lifetime of the transaction;
	// callers hold decoded copies beyond that, so we must copy out here.
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (t *Txn) put(bucketName string, key, value []byte) error {
	if !t.writable {
		return fmt.Errorf("storage: put on read-only transaction")
	}
	b, err := t.bucket(bucketName)
	if err != nil {
		return err
	}
	return b.Put(key, value)
}

func (t *Txn) delete(bucketName string, key []byte) error {
	if !t.writable {
		return fmt.Errorf("storage: delete on read-only transaction")
	}
	b, err := t.bucket(bucketName)
	if err != nil {
		return err
	}
	return b.Delete(key)
}

// scanPrefix visits every (key, value) pair whose key starts with prefix, in
// key order, stopping early if visit returns false. It is a lazy,
// non-restartable sequence bounded to the lifetime of the enclosing
// transaction, matching the teacher's ForEach-based bucket scans.
func (t *Txn) scanPrefix(bucketName string, prefix []byte, visit func(key, value []byte) (bool, error)) error {
	b, err := t.bucket(bucketName)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		cont, err := visit(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// scanRange visits every (key, value) pair with start <= key < end, in key
// order.
func (t *Txn) scanRange(bucketName string, start, end []byte, visit func(key, value []byte) (bool, error)) error {
	b, err := t.bucket(bucketName)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(start); k != nil && (end == nil || bytes.Compare(k, end) < 0); k, v = c.Next() {
		cont, err := visit(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// composite key helpers, shared across tables whose keys are
// (entity_id, sub_key) pairs ordered lexicographically on the wire.

func appendUint32BE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64BE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func invocationKey(id ids.InvocationID) []byte {
	return id.Bytes()
}

func serviceKey(id ids.ServiceID) []byte {
	return id.Bytes()
}
