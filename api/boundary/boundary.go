// Package boundary exposes the engine through opaque integer handles and
// status values, for hosts that cannot hold Go pointers. Every entry point
// runs through one adapter that turns errors and panics into a CallState.
package boundary

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojokv"
	"github.com/sushant-115/gojokv/core/dberror"
)

// Handle identifies a database, transaction or cursor owned by a Registry.
// Zero is never a valid handle.
type Handle uint64

// CallState is the outcome of a boundary call. Desc is empty on success.
type CallState struct {
	Code dberror.Code
	Desc string
}

func (s CallState) OK() bool { return s.Code == dberror.CodeSuccess }

// Err turns the state back into an error, nil on success.
func (s CallState) Err() error {
	if s.OK() {
		return nil
	}
	return &dberror.Error{Code: s.Code, Err: errors.New(s.Desc)}
}

// Options mirrors the construction options of the boundary contract.
type Options struct {
	PageSize        uint32
	ForceSync       bool
	MempoolCapacity uint64
}

type dbEntry struct {
	db       *gojokv.DB
	children map[Handle]struct{}
}

type txEntry struct {
	tx *gojokv.Tx
	db Handle
}

type cursorEntry struct {
	cursor *gojokv.Cursor
	db     Handle
}

// Registry owns every object reachable through a handle. A handle maps to
// exactly one object, and releasing a database first releases the
// transactions and cursors opened on it.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	next    Handle
	dbs     map[Handle]*dbEntry
	txs     map[Handle]*txEntry
	cursors map[Handle]*cursorEntry
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:  logger,
		dbs:     make(map[Handle]*dbEntry),
		txs:     make(map[Handle]*txEntry),
		cursors: make(map[Handle]*cursorEntry),
	}
}

// call is the single adapter between the engine and the boundary.
func (r *Registry) call(op string, fn func() error) (state CallState) {
	err := func() (err error) {
		defer dberror.Recover(&err)
		return fn()
	}()
	if err == nil {
		return CallState{}
	}
	code := dberror.CodeOf(err)
	if code == dberror.CodePanic {
		r.logger.Error("recovered panic at boundary", zap.String("op", op), zap.Error(err))
	}
	return CallState{Code: code, Desc: err.Error()}
}

func (r *Registry) alloc() Handle {
	r.next++
	return r.next
}

func (r *Registry) lookupDB(h Handle) (*gojokv.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.dbs[h]
	if !ok {
		return nil, fmt.Errorf("%w: database %d", dberror.ErrInvalidHandle, h)
	}
	return e.db, nil
}

func (r *Registry) lookupTx(h Handle, writable bool) (*gojokv.Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.txs[h]
	if !ok || e.tx.Writable() != writable {
		return nil, fmt.Errorf("%w: transaction %d", dberror.ErrInvalidHandle, h)
	}
	return e.tx, nil
}

func (r *Registry) lookupCursor(h Handle) (*gojokv.Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cursors[h]
	if !ok {
		return nil, fmt.Errorf("%w: cursor %d", dberror.ErrInvalidHandle, h)
	}
	return e.cursor, nil
}

// --- Database ---

// Open opens the database file at path and returns its handle.
func (r *Registry) Open(path []byte, opts Options) (h Handle, state CallState) {
	state = r.call("open", func() error {
		db, err := gojokv.Open(string(path), &gojokv.Options{
			PageSize:        int(opts.PageSize),
			ForceSync:       opts.ForceSync,
			MempoolCapacity: int(opts.MempoolCapacity),
			Logger:          r.logger,
		})
		if err != nil {
			return err
		}
		r.mu.Lock()
		h = r.alloc()
		r.dbs[h] = &dbEntry{db: db, children: make(map[Handle]struct{})}
		r.mu.Unlock()
		return nil
	})
	return h, state
}

// Release closes a database after releasing everything opened on it.
func (r *Registry) Release(h Handle) CallState {
	return r.call("release", func() error {
		r.mu.Lock()
		e, ok := r.dbs[h]
		if !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: database %d", dberror.ErrInvalidHandle, h)
		}
		delete(r.dbs, h)
		var cursors []*gojokv.Cursor
		var txs []*gojokv.Tx
		for child := range e.children {
			if c, ok := r.cursors[child]; ok {
				cursors = append(cursors, c.cursor)
				delete(r.cursors, child)
			}
			if t, ok := r.txs[child]; ok {
				txs = append(txs, t.tx)
				delete(r.txs, child)
			}
		}
		r.mu.Unlock()

		for _, c := range cursors {
			_ = c.Close()
		}
		for _, tx := range txs {
			_ = tx.Rollback()
		}
		return e.db.Close()
	})
}

func (r *Registry) Contains(h Handle, key []byte) (found bool, state CallState) {
	state = r.call("contains", func() error {
		db, err := r.lookupDB(h)
		if err != nil {
			return err
		}
		found, err = db.Contains(key)
		return err
	})
	return found, state
}

// Get returns a copy of the value, or nil when the key does not exist.
func (r *Registry) Get(h Handle, key []byte) (value []byte, state CallState) {
	state = r.call("get", func() error {
		db, err := r.lookupDB(h)
		if err != nil {
			return err
		}
		value, err = db.Get(key)
		return err
	})
	return value, state
}

func (r *Registry) Put(h Handle, key, value []byte) CallState {
	return r.call("put", func() error {
		db, err := r.lookupDB(h)
		if err != nil {
			return err
		}
		return db.Put(key, value)
	})
}

func (r *Registry) Delete(h Handle, key []byte) CallState {
	return r.call("delete", func() error {
		db, err := r.lookupDB(h)
		if err != nil {
			return err
		}
		return db.Delete(key)
	})
}

// --- Transactions ---

// BeginTx starts a read-only transaction when writable is false and a
// read-write one otherwise. A read-write begin blocks while another
// read-write transaction is active.
func (r *Registry) BeginTx(h Handle, writable bool) (txh Handle, state CallState) {
	state = r.call("begin", func() error {
		db, err := r.lookupDB(h)
		if err != nil {
			return err
		}
		tx, err := db.Begin(writable)
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		e, ok := r.dbs[h]
		if !ok {
			_ = tx.Rollback()
			return fmt.Errorf("%w: database %d released", dberror.ErrInvalidHandle, h)
		}
		txh = r.alloc()
		r.txs[txh] = &txEntry{tx: tx, db: h}
		e.children[txh] = struct{}{}
		return nil
	})
	return txh, state
}

func (r *Registry) TxContains(txh Handle, writable bool, key []byte) (found bool, state CallState) {
	state = r.call("tx contains", func() error {
		tx, err := r.lookupTx(txh, writable)
		if err != nil {
			return err
		}
		found, err = tx.Contains(key)
		return err
	})
	return found, state
}

func (r *Registry) TxGet(txh Handle, writable bool, key []byte) (value []byte, state CallState) {
	state = r.call("tx get", func() error {
		tx, err := r.lookupTx(txh, writable)
		if err != nil {
			return err
		}
		value, err = tx.Get(key)
		return err
	})
	return value, state
}

func (r *Registry) TxPut(txh Handle, key, value []byte) CallState {
	return r.call("tx put", func() error {
		tx, err := r.lookupTx(txh, true)
		if err != nil {
			return err
		}
		return tx.Put(key, value)
	})
}

func (r *Registry) TxDelete(txh Handle, key []byte) CallState {
	return r.call("tx delete", func() error {
		tx, err := r.lookupTx(txh, true)
		if err != nil {
			return err
		}
		return tx.Delete(key)
	})
}

// TxCommit commits a read-write transaction and releases its handle,
// whether or not the commit succeeds.
func (r *Registry) TxCommit(txh Handle) CallState {
	return r.call("tx commit", func() error {
		tx, err := r.takeTx(txh, true)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ReleaseTx rolls back a read-write transaction or ends a read-only one.
func (r *Registry) ReleaseTx(txh Handle, writable bool) CallState {
	return r.call("tx release", func() error {
		tx, err := r.takeTx(txh, writable)
		if err != nil {
			return err
		}
		if err := tx.Rollback(); err != nil && !errors.Is(err, dberror.ErrTxClosed) {
			return err
		}
		return nil
	})
}

func (r *Registry) takeTx(txh Handle, writable bool) (*gojokv.Tx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.txs[txh]
	if !ok || e.tx.Writable() != writable {
		return nil, fmt.Errorf("%w: transaction %d", dberror.ErrInvalidHandle, txh)
	}
	delete(r.txs, txh)
	if d, ok := r.dbs[e.db]; ok {
		delete(d.children, txh)
	}
	return e.tx, nil
}

// --- Cursors ---

// FirstCursor opens a cursor on the latest committed version at its
// smallest key.
func (r *Registry) FirstCursor(h Handle) (Handle, CallState) {
	return r.openCursor("first cursor", h, (*gojokv.DB).FirstCursor)
}

func (r *Registry) LastCursor(h Handle) (Handle, CallState) {
	return r.openCursor("last cursor", h, (*gojokv.DB).LastCursor)
}

// CursorFromKey opens a cursor at the smallest key greater than or equal
// to key.
func (r *Registry) CursorFromKey(h Handle, key []byte) (Handle, CallState) {
	k := bytes.Clone(key)
	return r.openCursor("cursor from key", h, func(db *gojokv.DB) (*gojokv.Cursor, error) {
		return db.CursorFromKey(k)
	})
}

func (r *Registry) openCursor(op string, h Handle, open func(db *gojokv.DB) (*gojokv.Cursor, error)) (ch Handle, state CallState) {
	state = r.call(op, func() error {
		db, err := r.lookupDB(h)
		if err != nil {
			return err
		}
		c, err := open(db)
		if err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		e, ok := r.dbs[h]
		if !ok {
			_ = c.Close()
			return fmt.Errorf("%w: database %d released", dberror.ErrInvalidHandle, h)
		}
		ch = r.alloc()
		r.cursors[ch] = &cursorEntry{cursor: c, db: h}
		e.children[ch] = struct{}{}
		return nil
	})
	return ch, state
}

func (r *Registry) CursorNext(ch Handle) (bool, CallState) {
	return r.step("cursor next", ch, (*gojokv.Cursor).Next)
}

func (r *Registry) CursorPrev(ch Handle) (bool, CallState) {
	return r.step("cursor prev", ch, (*gojokv.Cursor).Prev)
}

func (r *Registry) step(op string, ch Handle, move func(c *gojokv.Cursor) (bool, error)) (ok bool, state CallState) {
	state = r.call(op, func() error {
		c, err := r.lookupCursor(ch)
		if err != nil {
			return err
		}
		ok, err = move(c)
		return err
	})
	return ok, state
}

// CursorKey returns a copy of the current key, or nil past either end.
func (r *Registry) CursorKey(ch Handle) (key []byte, state CallState) {
	state = r.call("cursor key", func() error {
		c, err := r.lookupCursor(ch)
		if err != nil {
			return err
		}
		key = bytes.Clone(c.Key())
		return nil
	})
	return key, state
}

// CursorValue returns a copy of the current value, or nil past either end.
func (r *Registry) CursorValue(ch Handle) (value []byte, state CallState) {
	state = r.call("cursor value", func() error {
		c, err := r.lookupCursor(ch)
		if err != nil {
			return err
		}
		v, err := c.Value()
		if err != nil {
			return err
		}
		value = bytes.Clone(v)
		return nil
	})
	return value, state
}

func (r *Registry) CursorKeyValue(ch Handle) (key, value []byte, state CallState) {
	state = r.call("cursor key value", func() error {
		c, err := r.lookupCursor(ch)
		if err != nil {
			return err
		}
		k, v, err := c.KeyValue()
		if err != nil {
			return err
		}
		key, value = bytes.Clone(k), bytes.Clone(v)
		return nil
	})
	return key, value, state
}

// ReleaseCursor closes a cursor and the snapshot it holds.
func (r *Registry) ReleaseCursor(ch Handle) CallState {
	return r.call("cursor release", func() error {
		r.mu.Lock()
		e, ok := r.cursors[ch]
		if ok {
			delete(r.cursors, ch)
			if d, ok := r.dbs[e.db]; ok {
				delete(d.children, ch)
			}
		}
		r.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: cursor %d", dberror.ErrInvalidHandle, ch)
		}
		return e.cursor.Close()
	})
}

// FreeBytes releases a buffer returned by the registry. Buffers are
// ordinary Go slices owned by the caller, so there is nothing to do.
func FreeBytes(b []byte) {}

// Len reports how many live handles the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.dbs) + len(r.txs) + len(r.cursors)
}
