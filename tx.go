package gojokv

import (
	"github.com/sushant-115/gojokv/core/dberror"
	"github.com/sushant-115/gojokv/core/transaction"
)

// Tx is a read-only or read-write transaction. A Tx is not safe for
// concurrent use; give each goroutine its own.
type Tx struct {
	db      *DB
	tx      *transaction.Transaction
	managed bool // owned by View or Update
}

// ID returns the version a read-only transaction sees, or the version a
// read-write transaction will publish.
func (tx *Tx) ID() uint64 { return tx.tx.ID }

func (tx *Tx) Writable() bool { return tx.tx.Writable() }

// DB returns the database the transaction belongs to.
func (tx *Tx) DB() *DB { return tx.db }

func (tx *Tx) closed() bool { return tx.tx.State != transaction.TxnStateRunning }

func (tx *Tx) Contains(key []byte) (bool, error) {
	return tx.tx.Contains(key)
}

// Get returns a copy of the value of key, or nil if the key does not exist.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	v, found, err := tx.tx.Get(key)
	if err != nil || !found {
		return nil, err
	}
	return v, nil
}

// Put stores value under key, replacing any previous value. The key and
// value are copied.
func (tx *Tx) Put(key, value []byte) error {
	return tx.tx.Put(key, value)
}

// Delete removes key. Deleting an absent key is not an error.
func (tx *Tx) Delete(key []byte) error {
	return tx.tx.Delete(key)
}

// Cursor returns an unpositioned cursor over the transaction's view. It
// must not be used after the transaction ends.
func (tx *Tx) Cursor() (*Cursor, error) {
	c, err := tx.tx.Cursor()
	if err != nil {
		return nil, err
	}
	return &Cursor{tx: tx, cursor: c}, nil
}

// Commit writes the transaction's changes and publishes them as the new
// current version. If the commit fails the transaction is rolled back and
// the previous version stays current.
func (tx *Tx) Commit() error {
	if tx.managed {
		return dberror.ErrManagedTx
	}
	return tx.tx.Commit()
}

// Rollback discards a read-write transaction's changes or releases a
// read-only transaction's snapshot.
func (tx *Tx) Rollback() error {
	if tx.managed {
		return dberror.ErrManagedTx
	}
	return tx.tx.Rollback()
}
