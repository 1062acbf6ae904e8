package gojokv

import (
	"github.com/sushant-115/gojokv/core/dberror"
	"github.com/sushant-115/gojokv/core/indexing/btree"
)

// Cursor iterates over the keys of one transaction's view in byte-wise
// order. Positioning methods report whether the cursor landed on an entry;
// once Next or Prev run off either end the cursor stays exhausted until it
// is positioned again.
type Cursor struct {
	tx       *Tx
	cursor   *btree.Cursor
	ownsTx   bool
	isClosed bool
}

func (c *Cursor) check() error {
	if c.isClosed {
		return dberror.ErrCursorClosed
	}
	if c.tx.closed() {
		return dberror.ErrTxClosed
	}
	return nil
}

// First moves to the smallest key.
func (c *Cursor) First() (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.cursor.First()
}

// Last moves to the largest key.
func (c *Cursor) Last() (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.cursor.Last()
}

// Seek moves to the smallest key greater than or equal to key.
func (c *Cursor) Seek(key []byte) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.cursor.Seek(key)
}

func (c *Cursor) Next() (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.cursor.Next()
}

func (c *Cursor) Prev() (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}
	return c.cursor.Prev()
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool {
	return c.check() == nil && c.cursor.Valid()
}

// Key returns the current key, or nil when the cursor is not on an entry.
// The slice is read-only and stays valid until the transaction ends.
func (c *Cursor) Key() []byte {
	if c.check() != nil {
		return nil
	}
	return c.cursor.Key()
}

// Value returns the current value, or nil when the cursor is not on an
// entry. The slice is read-only and stays valid until the transaction ends.
func (c *Cursor) Value() ([]byte, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.cursor.Value()
}

// KeyValue returns the current key and value together.
func (c *Cursor) KeyValue() ([]byte, []byte, error) {
	v, err := c.Value()
	if err != nil || v == nil {
		return nil, nil, err
	}
	return c.cursor.Key(), v, nil
}

// Close releases the cursor, and the transaction it was opened with when it
// came from one of the DB cursor constructors. Close is idempotent.
func (c *Cursor) Close() error {
	if c.isClosed {
		return nil
	}
	c.isClosed = true
	if c.ownsTx && !c.tx.closed() {
		return c.tx.Rollback()
	}
	return nil
}
