package metadatastore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketMetadata = []byte("metadata")

// boltKV is the durable backing for one metadata store node's view of the
// KV: the raft-boltdb log store and raft's file snapshot store make committed writes
// survive a crash, but boltKV is what lets Get/GetVersion answer a read
// without replaying the log, and what a freshly restored snapshot is
// loaded into. One boltKV exists per node, mirroring the teacher's
// BoltStore — one bucket, JSON-encoded records, opened once at startup.
type boltKV struct {
	db *bolt.DB
}

func newBoltKV(dataDir string) (*boltKV, error) {
	path := filepath.Join(dataDir, "metadata.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadatastore: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetadata)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadatastore: create bucket: %w", err)
	}
	return &boltKV{db: db}, nil
}

func (k *boltKV) close() error {
	return k.db.Close()
}

func (k *boltKV) get(key string) (Versioned, bool, error) {
	var (
		rec Versioned
		ok  bool
	)
	err := k.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMetadata).Get([]byte(key))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &rec)
	})
	return rec, ok, err
}

func (k *boltKV) put(key string, rec Versioned) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("metadatastore: encode record: %w", err)
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(key), data)
	})
}

func (k *boltKV) delete(key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).Delete([]byte(key))
	})
}

// dumpAll is used by Snapshot: a full key->record map of current state.
func (k *boltKV) dumpAll() (map[string]Versioned, error) {
	out := make(map[string]Versioned)
	err := k.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMetadata).ForEach(func(key, v []byte) error {
			var rec Versioned
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(key)] = rec
			return nil
		})
	})
	return out, err
}

// loadAll replaces every existing key with the given snapshot contents,
// used by Restore.
func (k *boltKV) loadAll(snapshot map[string]Versioned) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMetadata)
		c := b.Cursor()
		for key, _ := c.First(); key != nil; key, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		for key, rec := range snapshot {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}
