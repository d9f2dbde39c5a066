// Package storage is the embedded storage engine (C1) and the typed table
// layer built on top of it (C2). bbolt stands in for RocksDB: one *bbolt.DB
// per named database (metadata store, per-partition loglet, per-partition
// store), and buckets stand in for column families. Column families are not
// declared one at a time — they are opened against a registered table of
// glob-like matchers, mirroring the original's BoxedCfMatcher/
// BoxedCfOptionUpdater pattern (see DESIGN.md), so a newly-seen table name
// picks up the right durability/flush behavior automatically.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/restatedb/partitiond/pkg/log"
)

// CFPattern configures how a family of buckets sharing a naming convention
// is treated: whether it participates in flush-on-shutdown.
type CFPattern struct {
	// Match reports whether a bucket name belongs to this pattern. Patterns
	// are consulted in registration order; the first match wins.
	Match func(name string) bool
	// FlushOnShutdown marks this family for the mandatory WAL/memtable
	// flush spec §4.2 requires before a database is closed.
	FlushOnShutdown bool
}

// ErrAlreadyOpen is returned by Open when the database path already has a
// live handle.
type ErrAlreadyOpen struct{ Path string }

func (e *ErrAlreadyOpen) Error() string { return fmt.Sprintf("storage: %s is already open", e.Path) }

// DBSpec names a database and the column-family patterns it declares.
type DBSpec struct {
	Name     string // logical name, used for metrics/logging only
	Path     string // filesystem path, the engine-wide uniqueness key
	Patterns []CFPattern
}

// DB is an open, process-wide-unique handle to one named database.
type DB struct {
	spec    DBSpec
	bolt    *bolt.DB
	mu      sync.RWMutex
	known   map[string]CFPattern // bucket name -> matched pattern
	stats   Stats
}

// Stats exposes histogram/ticker-shaped observability per spec §4.2.
type Stats struct {
	mu          sync.Mutex
	OpenCFCalls uint64
	Flushes     uint64
	FlushNanos  int64
}

func (s *Stats) recordFlush(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Flushes++
	s.FlushNanos += d.Nanoseconds()
}

func (s *Stats) recordOpenCF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCFCalls++
}

// Snapshot returns a point-in-time copy of the counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{OpenCFCalls: s.OpenCFCalls, Flushes: s.Flushes, FlushNanos: s.FlushNanos}
}

// Engine owns the process-wide set of open databases. It is a singleton in
// practice (one per process), matching spec §5's "storage engine is a
// single process-wide singleton" rule; Reset is only valid with no open
// databases, exactly as that rule requires.
type Engine struct {
	mu   sync.Mutex
	dbs  map[string]*DB // path -> open db
	clk  func() time.Time
}

// NewEngine constructs an empty engine.
func NewEngine() *Engine {
	return &Engine{dbs: make(map[string]*DB), clk: time.Now}
}

// Open opens or creates the database described by spec. Returns
// ErrAlreadyOpen if spec.Path already has a live handle.
func (e *Engine) Open(spec DBSpec) (*DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.dbs[spec.Path]; ok {
		return nil, &ErrAlreadyOpen{Path: spec.Path}
	}

	bdb, err := bolt.Open(spec.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", spec.Path, err)
	}

	db := &DB{spec: spec, bolt: bdb, known: make(map[string]CFPattern)}
	e.dbs[spec.Path] = db

	logger := log.WithComponent("storage").With().Str("db", spec.Name).Logger()
	logger.Info().Str("path", spec.Path).Msg("opened database")
	return db, nil
}

// OpenCF opens (creating if absent) a bucket matching one of the db's
// registered CF patterns. Per spec §4.2 this "must run on a background
// blocking executor": bbolt's Update already blocks the calling goroutine
// on disk I/O, so callers are expected to invoke OpenCF from a goroutine
// dedicated to blocking storage work, not from a cooperative scheduler loop.
func (db *DB) OpenCF(ctx context.Context, name string) error {
	db.stats.recordOpenCF()

	pattern, ok := matchPattern(db.spec.Patterns, name)
	if !ok {
		return fmt.Errorf("storage: no column-family pattern matches %q in db %q", name, db.spec.Name)
	}

	err := db.bolt.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: open_cf %q: %w", name, err)
	}

	db.mu.Lock()
	db.known[name] = pattern
	db.mu.Unlock()
	return nil
}

func matchPattern(patterns []CFPattern, name string) (CFPattern, bool) {
	for _, p := range patterns {
		if p.Match(name) {
			return p, true
		}
	}
	return CFPattern{}, false
}

// Update runs fn inside a read-write bbolt transaction, wrapped as a Txn.
func (db *DB) Update(fn func(*Txn) error) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, writable: true})
	})
}

// View runs fn inside a read-only bbolt transaction.
func (db *DB) View(fn func(*Txn) error) error {
	return db.bolt.View(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx, writable: false})
	})
}

// Stats returns the database's observability counters.
func (db *DB) Stats() Stats {
	return db.stats.Snapshot()
}

// Shutdown flushes every family declared flush-on-shutdown, then closes the
// handle. Idempotent and bounded by grace: once grace elapses, Shutdown
// returns a timeout error but the caller's process-level supervision is
// expected to abort per spec §5's cascading-shutdown rule.
func (db *DB) Shutdown(ctx context.Context, grace time.Duration) error {
	done := make(chan error, 1)
	go func() {
		start := time.Now()
		// bbolt fsyncs on every committed transaction by default (no
		// NoSync mode is ever set by this engine), so "flush" here means:
		// run one final no-op write transaction per flush-on-shutdown
		// family to force a fsync'd commit boundary, then close.
		err := db.bolt.Update(func(tx *bolt.Tx) error {
			db.mu.RLock()
			defer db.mu.RUnlock()
			for name, pattern := range db.known {
				if !pattern.FlushOnShutdown {
					continue
				}
				if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
					return fmt.Errorf("flush %q: %w", name, err)
				}
			}
			return nil
		})
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			// Already closed by an earlier Shutdown.
			done <- nil
			return
		}
		db.stats.recordFlush(time.Since(start))
		if err != nil {
			done <- err
			return
		}
		done <- db.bolt.Close()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		return fmt.Errorf("storage: shutdown of %q exceeded grace period %s", db.spec.Name, grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close removes the database from the engine's open set without flushing.
// Used by tests and by Shutdown's caller after a successful flush.
func (e *Engine) Close(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dbs, path)
}

// Reset closes every tracked handle. Valid only when called with no
// databases mid-transaction; per spec §9 this exists purely to let tests
// tear down and rebuild the engine between cases.
func (e *Engine) Reset(ctx context.Context, grace time.Duration) error {
	e.mu.Lock()
	dbs := make([]*DB, 0, len(e.dbs))
	for _, db := range e.dbs {
		dbs = append(dbs, db)
	}
	e.dbs = make(map[string]*DB)
	e.mu.Unlock()

	for _, db := range dbs {
		if err := db.Shutdown(ctx, grace); err != nil {
			return err
		}
	}
	return nil
}
