package transaction

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojokv/core/dberror"
	"github.com/sushant-115/gojokv/core/indexing/btree"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// TransactionState represents the lifecycle of a transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Transaction is active, operations are being applied
	TxnStateCommitted                         // Read-write transaction published its version
	TxnStateAborted                           // Rolled back, or a read-only transaction released
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transaction is bound to one version of the tree. A read-only transaction
// only reads it. A read-write transaction builds the next version out of
// newly allocated pages that nobody else can see until Commit.
type Transaction struct {
	ID       uint64 // snapshot txid for readers, txid being built for writers
	State    TransactionState
	writable bool
	manager  *Manager
	base     pagemanager.Meta // version the transaction started from
	tree     *btree.BTree
	started  time.Time

	// Read-write only.
	dirty     map[pagemanager.PageID]*btree.Node // pages allocated by this transaction
	free      *pagemanager.FreeSet               // private copy of the reusable ids
	freed     []pagemanager.PageID               // committed pages superseded by this transaction
	pageCount pagemanager.PageID
	failed    error // first non-input error; the transaction can no longer commit
}

func (tx *Transaction) Writable() bool { return tx.writable }

// Meta returns the committed version the transaction started from.
func (tx *Transaction) Meta() pagemanager.Meta { return tx.base }

// Root returns the root of the tree as the transaction currently sees it.
func (tx *Transaction) Root() pagemanager.PageID { return tx.tree.Root() }

func (tx *Transaction) checkOpen() error {
	if tx.State != TxnStateRunning {
		return dberror.ErrTxClosed
	}
	return nil
}

func (tx *Transaction) Contains(key []byte) (bool, error) {
	if err := tx.checkOpen(); err != nil {
		return false, err
	}
	return tx.tree.Contains(key)
}

// Get returns a copy of the value for key, or nil and found=false.
func (tx *Transaction) Get(key []byte) ([]byte, bool, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, false, err
	}
	return tx.tree.Get(key)
}

func (tx *Transaction) Put(key, value []byte) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	return tx.noteFailure(tx.tree.Put(key, value))
}

func (tx *Transaction) Delete(key []byte) error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	return tx.noteFailure(tx.tree.Delete(key))
}

// Cursor returns an unpositioned cursor over the transaction's view.
func (tx *Transaction) Cursor() (*btree.Cursor, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	return tx.tree.Cursor(), nil
}

// Check verifies the structure of the tree as the transaction sees it.
func (tx *Transaction) Check() (map[pagemanager.PageID]pagemanager.PageKind, btree.TreeStats, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, btree.TreeStats{}, err
	}
	return tx.tree.Check()
}

func (tx *Transaction) checkMutable() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if !tx.writable {
		return dberror.ErrTxNotWritable
	}
	return nil
}

// noteFailure remembers errors that may have left the dirty pages half
// edited. Input errors are detected before anything is touched.
func (tx *Transaction) noteFailure(err error) error {
	if err != nil && tx.failed == nil && dberror.CodeOf(err) != dberror.CodeInvalidInput {
		tx.failed = err
	}
	return err
}

// --- btree.Writer ---

func (tx *Transaction) PageSize() int { return tx.manager.pager.PageSize() }

func (tx *Transaction) ReadNode(id pagemanager.PageID) (*btree.Node, error) {
	if n, ok := tx.dirty[id]; ok {
		return n, nil
	}
	limit := tx.base.PageCount
	if tx.writable {
		limit = tx.pageCount
	}
	if id < pagemanager.FirstDataPageID || id >= limit {
		return nil, fmt.Errorf("%w: reference to page %d outside [%d, %d)", dberror.ErrInvalidPageData, id, pagemanager.FirstDataPageID, limit)
	}
	return tx.manager.cache.FetchPage(id)
}

func (tx *Transaction) Allocate() (pagemanager.PageID, error) {
	if id, ok := tx.free.Pop(); ok {
		return id, nil
	}
	id := tx.pageCount
	tx.pageCount++
	return id, nil
}

func (tx *Transaction) Stage(n *btree.Node) {
	tx.dirty[n.GetPageID()] = n
}

func (tx *Transaction) IsDirty(id pagemanager.PageID) bool {
	_, ok := tx.dirty[id]
	return ok
}

func (tx *Transaction) Release(id pagemanager.PageID) {
	if _, ok := tx.dirty[id]; ok {
		delete(tx.dirty, id)
		tx.free.Add(id)
		return
	}
	tx.freed = append(tx.freed, id)
}

// --- Commit / Rollback ---

// Commit writes the transaction's pages and publishes the new version. On
// any failure the transaction is rolled back and the previously committed
// version stays current.
func (tx *Transaction) Commit() error {
	if err := tx.checkMutable(); err != nil {
		return err
	}
	m := tx.manager
	if tx.failed != nil {
		_ = tx.Rollback()
		return fmt.Errorf("transaction %d cannot commit after an earlier failure: %w", tx.ID, tx.failed)
	}

	ctx, span := m.tracer.Start(context.Background(), "gojokv.commit",
		trace.WithAttributes(attribute.Int64("gojokv.txid", int64(tx.ID)), attribute.Int("gojokv.dirty_pages", len(tx.dirty))))
	defer span.End()

	if len(tx.dirty) == 0 && len(tx.freed) == 0 {
		tx.finish(TxnStateCommitted)
		return nil
	}

	meta, pages, chain, superseded, err := tx.prepare()
	if err == nil {
		err = m.flusher.Flush(ctx, pages, meta)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		m.logger.Error("commit failed, rolling back", zap.Uint64("txid", tx.ID), zap.Error(err))
		_ = tx.Rollback()
		return err
	}

	m.publish(tx, meta, chain, superseded)
	m.metrics.CommitsCounter.Add(ctx, 1)
	m.metrics.CommitLatencyHistogram.Record(ctx, time.Since(tx.started).Milliseconds())
	m.logger.Debug("committed transaction",
		zap.Uint64("txid", tx.ID),
		zap.Int("dirty_pages", len(tx.dirty)),
		zap.Int("superseded_pages", len(superseded)),
		zap.Uint64("root", uint64(meta.Root)),
	)
	tx.finish(TxnStateCommitted)
	return nil
}

// prepare encodes every page the commit writes: the dirty nodes and a fresh
// freelist chain. The persisted freelist holds the reusable ids plus every
// id still pending, since no reader survives a reopen.
func (tx *Transaction) prepare() (*pagemanager.Meta, []*pagemanager.Page, []pagemanager.PageID, []pagemanager.PageID, error) {
	m := tx.manager
	pageSize := tx.PageSize()

	m.mu.Lock()
	pending := m.freelist.PendingIDs()
	oldChain := slices.Clone(m.freelistChain)
	m.mu.Unlock()

	superseded := append(slices.Clone(tx.freed), oldChain...)

	// Allocating the chain only shrinks the set it has to hold, so sizing it
	// before allocation is enough.
	n := pagemanager.FreelistPagesNeeded(tx.free.Len()+len(pending)+len(superseded), pageSize)
	chain := make([]pagemanager.PageID, n)
	for i := range chain {
		id, err := tx.Allocate()
		if err != nil {
			return nil, nil, nil, nil, err
		}
		chain[i] = id
	}

	ids := make([]pagemanager.PageID, 0, tx.free.Len()+len(pending)+len(superseded))
	tx.free.Ascend(func(id pagemanager.PageID) bool {
		ids = append(ids, id)
		return true
	})
	ids = append(ids, pending...)
	ids = append(ids, superseded...)
	slices.Sort(ids)

	pages, err := pagemanager.EncodeFreelist(ids, chain, pageSize)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	for id, node := range tx.dirty {
		p := pagemanager.NewPage(id, pageSize)
		if err := btree.EncodeNode(node, p); err != nil {
			return nil, nil, nil, nil, err
		}
		pages = append(pages, p)
	}

	meta := tx.base
	meta.Root = tx.tree.Root()
	meta.Freelist = pagemanager.InvalidPageID
	if len(chain) > 0 {
		meta.Freelist = chain[0]
	}
	meta.PageCount = tx.pageCount
	meta.TxID = tx.ID
	return &meta, pages, chain, superseded, nil
}

// Rollback discards the transaction. For a read-write transaction every
// page it allocated is forgotten and the committed version is untouched;
// for a read-only transaction its snapshot is released.
func (tx *Transaction) Rollback() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.writable {
		tx.manager.metrics.RollbacksCounter.Add(context.Background(), 1)
		tx.manager.logger.Debug("rolled back transaction", zap.Uint64("txid", tx.ID), zap.Int("discarded_pages", len(tx.dirty)))
	}
	tx.finish(TxnStateAborted)
	return nil
}

func (tx *Transaction) finish(state TransactionState) {
	tx.State = state
	tx.dirty = nil
	tx.free = nil
	tx.freed = nil
	if tx.writable {
		tx.manager.endWrite()
	} else {
		tx.manager.endRead(tx.ID)
	}
}
