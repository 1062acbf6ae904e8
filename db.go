// Package gojokv is an embedded, single-file, transactional key-value store.
//
// Keys and values are byte strings kept in byte-wise order in a
// copy-on-write B+Tree. Any number of read-only transactions run alongside
// at most one read-write transaction; each read-only transaction sees the
// version that was current when it began, and a commit publishes a new
// version atomically by swapping which of two meta pages is authoritative.
//
//	db, err := gojokv.Open("data.jokv", nil)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	err = db.Update(func(tx *gojokv.Tx) error {
//		return tx.Put([]byte("a"), []byte("1"))
//	})
package gojokv

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojokv/core/indexing/btree"
	"github.com/sushant-115/gojokv/core/transaction"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// Limits on keys and values.
const (
	MaxKeyLen   = btree.MaxKeyLen
	MaxValueLen = btree.MaxValueLen
)

// DB is an open database file. It is safe for concurrent use.
type DB struct {
	path    string
	opts    Options
	logger  *zap.Logger
	pager   *pagemanager.Pager
	manager *transaction.Manager

	closeOnce sync.Once
	closeErr  error
}

// Open opens the database file at path, creating it if it does not exist.
// A nil opts uses DefaultOptions.
func Open(path string, opts *Options) (*DB, error) {
	o := opts.withDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger.With(zap.String("path", path))

	pager, meta, err := pagemanager.Open(path, pagemanager.Options{
		PageSize: o.PageSize,
		ReadOnly: o.ReadOnly,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	manager, err := transaction.NewManager(pager, meta, transaction.Options{
		ForceSync:        o.ForceSync,
		CacheBudget:      o.MempoolCapacity,
		CompressOverflow: o.CompressOverflow,
		Logger:           logger,
		Metrics:          o.Metrics,
	})
	if err != nil {
		return nil, multierr.Append(err, pager.Close())
	}

	logger.Info("opened database",
		zap.Int("page_size", pager.PageSize()),
		zap.Uint64("txid", meta.TxID),
		zap.Uint64("page_count", uint64(meta.PageCount)),
		zap.Bool("read_only", o.ReadOnly),
	)
	return &DB{
		path:    path,
		opts:    o,
		logger:  logger,
		pager:   pager,
		manager: manager,
	}, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// PageSize returns the page size the file was created with.
func (db *DB) PageSize() int { return db.pager.PageSize() }

// Close waits for the active read-write transaction to finish and closes
// the file. Read-only transactions still open afterwards fail on their next
// page read. Close is idempotent.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		db.manager.Close()
		db.closeErr = db.pager.Close()
		if db.closeErr != nil {
			db.logger.Error("error closing database", zap.Error(db.closeErr))
			return
		}
		db.logger.Info("closed database")
	})
	return db.closeErr
}

// Begin starts a transaction. Only one read-write transaction can be active
// at a time; a second call with writable=true blocks until the first one
// commits or rolls back. Every transaction must be ended with Commit or
// Rollback.
func (db *DB) Begin(writable bool) (*Tx, error) {
	t, err := db.manager.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, tx: t}, nil
}

// View runs fn in a read-only transaction.
func (db *DB) View(fn func(tx *Tx) error) (err error) {
	tx, err := db.Begin(false)
	if err != nil {
		return err
	}
	tx.managed = true
	defer func() {
		tx.managed = false
		_ = tx.Rollback()
	}()
	return fn(tx)
}

// Update runs fn in a read-write transaction. The transaction commits when
// fn returns nil and rolls back when fn returns an error or panics.
func (db *DB) Update(fn func(tx *Tx) error) (err error) {
	tx, err := db.Begin(true)
	if err != nil {
		return err
	}
	tx.managed = true
	defer func() {
		tx.managed = false
		if tx.closed() {
			return
		}
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	tx.managed = false
	return tx.Commit()
}

// Contains reports whether key exists in the latest committed version.
func (db *DB) Contains(key []byte) (found bool, err error) {
	err = db.View(func(tx *Tx) error {
		found, err = tx.Contains(key)
		return err
	})
	return found, err
}

// Get returns the value of key in the latest committed version, or nil if
// the key does not exist. A present key with an empty value returns a
// non-nil empty slice.
func (db *DB) Get(key []byte) (value []byte, err error) {
	err = db.View(func(tx *Tx) error {
		value, err = tx.Get(key)
		return err
	})
	return value, err
}

// Put stores key in its own read-write transaction.
func (db *DB) Put(key, value []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.Put(key, value)
	})
}

// Delete removes key in its own read-write transaction. Deleting an absent
// key succeeds without creating a new version.
func (db *DB) Delete(key []byte) error {
	return db.Update(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// FirstCursor returns a cursor over the latest committed version positioned
// at the smallest key. The cursor owns a read-only transaction that is
// released by Cursor.Close.
func (db *DB) FirstCursor() (*Cursor, error) {
	return db.ownedCursor(func(c *Cursor) (bool, error) { return c.First() })
}

// LastCursor is FirstCursor positioned at the largest key.
func (db *DB) LastCursor() (*Cursor, error) {
	return db.ownedCursor(func(c *Cursor) (bool, error) { return c.Last() })
}

// CursorFromKey is FirstCursor positioned at the smallest key greater than
// or equal to key.
func (db *DB) CursorFromKey(key []byte) (*Cursor, error) {
	return db.ownedCursor(func(c *Cursor) (bool, error) { return c.Seek(key) })
}

func (db *DB) ownedCursor(position func(c *Cursor) (bool, error)) (*Cursor, error) {
	tx, err := db.Begin(false)
	if err != nil {
		return nil, err
	}
	c, err := tx.Cursor()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	c.ownsTx = true
	if _, err := position(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Stats describes the database file and the engine's in-memory state.
type Stats struct {
	FileID         uuid.UUID
	PageSize       int
	TxID           uint64
	PageCount      uint64
	FreePages      int
	PendingPages   int
	FreelistPages  int
	OpenReaders    int
	WriteActive    bool
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
	CachedPages    int
	CacheCapacity  int
}

func (db *DB) Stats() Stats {
	s := db.manager.Stats()
	meta := db.manager.Meta()
	return Stats{
		FileID:         meta.FileID,
		PageSize:       db.pager.PageSize(),
		TxID:           s.TxID,
		PageCount:      s.PageCount,
		FreePages:      s.FreePages,
		PendingPages:   s.PendingPages,
		FreelistPages:  s.FreelistPages,
		OpenReaders:    s.OpenReaders,
		WriteActive:    s.State == transaction.StateWriteActive,
		CacheHits:      s.Cache.Hits,
		CacheMisses:    s.Cache.Misses,
		CacheEvictions: s.Cache.Evictions,
		CachedPages:    s.Cache.Len,
		CacheCapacity:  s.Cache.Capacity,
	}
}

// TreeStats summarizes the shape of the tree found by Check.
type TreeStats = btree.TreeStats

// Check verifies the latest committed version: key order within and across
// pages, equal leaf depth, overflow chain lengths, and that every page of
// the file is either reachable exactly once or recorded as free. It blocks
// read-write transactions while it runs and must not be called from inside
// one. All faults found are returned together.
func (db *DB) Check() (TreeStats, error) {
	stats, err := db.manager.Check()
	if err != nil {
		db.logger.Error("integrity check failed", zap.Error(err))
	}
	return stats, err
}
