// Package transaction hands out read-only and read-write transactions over
// the versioned tree and publishes new versions on commit.
package transaction

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojokv/core/dberror"
	"github.com/sushant-115/gojokv/core/indexing/btree"
	bufferpool "github.com/sushant-115/gojokv/core/write_engine/buffer_pool"
	flushmanager "github.com/sushant-115/gojokv/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokv/internal/telemetry"
)

// ManagerState tracks whether a read-write transaction is in flight.
// Read-only transactions never change it.
type ManagerState int

const (
	StateIdle ManagerState = iota
	StateWriteActive
)

func (s ManagerState) String() string {
	if s == StateWriteActive {
		return "write-active"
	}
	return "idle"
}

// Options configures a Manager.
type Options struct {
	// ForceSync syncs pages and meta on every commit.
	ForceSync bool
	// CacheBudget is the page cache size in bytes.
	CacheBudget int
	// CompressOverflow snappy-compresses overflow chains.
	CompressOverflow bool
	Logger           *zap.Logger
	Metrics          *internaltelemetry.StorageMetrics
	Tracer           trace.Tracer
}

// Manager enforces a single writer with any number of concurrent readers.
//
// The writer mutex is the only point where transactions wait on each other.
// Readers take mu just long enough to capture the current meta and register
// their snapshot txid, which keeps the pages of that version from being
// reused until they finish.
type Manager struct {
	pager    *pagemanager.Pager
	cache    *bufferpool.BufferPoolManager[*btree.Node]
	flusher  *flushmanager.FlushManager
	compress bool
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics
	tracer   trace.Tracer

	writer sync.Mutex // held for the life of a read-write transaction

	mu            sync.Mutex
	state         ManagerState
	meta          pagemanager.Meta
	freelist      *pagemanager.Freelist
	freelistChain []pagemanager.PageID
	readers       map[uint64]int // snapshot txid -> open readers
	closed        bool
}

// NewManager loads the free list of the version described by meta and sets
// up the page cache.
func NewManager(pager *pagemanager.Pager, meta *pagemanager.Meta, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = internaltelemetry.GlobalStorageMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(internaltelemetry.InstrumentationName)
	}

	free, chain, err := pagemanager.ReadFreelist(pager, meta.Freelist, meta.PageCount)
	if err != nil {
		return nil, fmt.Errorf("loading freelist: %w", err)
	}

	m := &Manager{
		pager:         pager,
		flusher:       flushmanager.New(pager, opts.ForceSync, logger, metrics),
		compress:      opts.CompressOverflow,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		meta:          *meta,
		freelist:      pagemanager.NewFreelist(free...),
		freelistChain: chain,
		readers:       make(map[uint64]int),
	}
	m.cache, err = bufferpool.NewBufferPoolManager(opts.CacheBudget, pager.PageSize(), m.loadNode, logger, metrics)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadNode(id pagemanager.PageID) (*btree.Node, error) {
	page, err := m.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	defer m.pager.PutPage(page)
	return btree.DecodeNode(page)
}

// Begin starts a transaction. A read-write transaction blocks until any
// other read-write transaction has committed or rolled back.
func (m *Manager) Begin(writable bool) (*Transaction, error) {
	if writable {
		return m.beginWrite()
	}
	return m.beginRead()
}

func (m *Manager) beginRead() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, dberror.ErrDatabaseClosed
	}
	tx := &Transaction{
		ID:      m.meta.TxID,
		manager: m,
		base:    m.meta,
		started: time.Now(),
	}
	tx.tree = btree.New(tx, m.meta.Root)
	m.readers[tx.ID]++
	m.metrics.ActiveReadersUpDownCount.Add(context.Background(), 1)
	return tx, nil
}

func (m *Manager) beginWrite() (*Transaction, error) {
	if m.pager.ReadOnly() {
		return nil, dberror.ErrDatabaseReadOnly
	}
	m.writer.Lock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.writer.Unlock()
		return nil, dberror.ErrDatabaseClosed
	}

	released := 0
	if oldest, ok := m.oldestReader(); ok {
		released = m.freelist.Release(oldest)
	} else {
		released = m.freelist.ReleaseAll()
	}
	if released > 0 {
		m.logger.Debug("released pending pages", zap.Int("pages", released))
	}

	m.state = StateWriteActive
	tx := &Transaction{
		ID:        m.meta.TxID + 1,
		writable:  true,
		manager:   m,
		base:      m.meta,
		started:   time.Now(),
		dirty:     make(map[pagemanager.PageID]*btree.Node),
		free:      m.freelist.Free().Clone(),
		pageCount: m.meta.PageCount,
	}
	tx.tree = btree.NewWritable(tx, m.meta.Root, m.compress)
	return tx, nil
}

// oldestReader returns the smallest snapshot txid still open. Must be
// called with mu held.
func (m *Manager) oldestReader() (uint64, bool) {
	if len(m.readers) == 0 {
		return 0, false
	}
	oldest := ^uint64(0)
	for txid := range m.readers {
		oldest = min(oldest, txid)
	}
	return oldest, true
}

// publish makes a flushed version current. The new pages enter the cache
// before the meta swap so that a reader of the new version never finds a
// stale entry for a reused page id.
func (m *Manager) publish(tx *Transaction, meta *pagemanager.Meta, chain, superseded []pagemanager.PageID) {
	for id, n := range tx.dirty {
		m.cache.Put(id, n)
	}
	for _, id := range chain {
		m.cache.Remove(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = *meta
	m.freelist.Commit(meta.TxID, tx.free, superseded)
	m.freelistChain = chain
}

func (m *Manager) endWrite() {
	m.mu.Lock()
	m.state = StateIdle
	m.mu.Unlock()
	m.writer.Unlock()
}

func (m *Manager) endRead(txid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readers[txid]--; m.readers[txid] <= 0 {
		delete(m.readers, txid)
	}
	m.metrics.ActiveReadersUpDownCount.Add(context.Background(), -1)
}

// Meta returns the current committed version.
func (m *Manager) Meta() pagemanager.Meta {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta
}

func (m *Manager) PageSize() int { return m.pager.PageSize() }

// Stats is a point-in-time view of the manager.
type Stats struct {
	State         ManagerState
	TxID          uint64
	PageCount     uint64
	FreePages     int
	PendingPages  int
	FreelistPages int
	OpenReaders   int
	Cache         bufferpool.Stats
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	readers := 0
	for _, n := range m.readers {
		readers += n
	}
	return Stats{
		State:         m.state,
		TxID:          m.meta.TxID,
		PageCount:     uint64(m.meta.PageCount),
		FreePages:     m.freelist.Free().Len(),
		PendingPages:  m.freelist.PendingCount(),
		FreelistPages: len(m.freelistChain),
		OpenReaders:   readers,
		Cache:         m.cache.Stats(),
	}
}

// Check verifies the current version: the tree structure, and that every
// page id below the high-water mark is accounted for exactly once as a tree
// page, a free page, a pending page or a freelist page. Writers are held
// off while it runs, so it must not be called from inside a read-write
// transaction.
func (m *Manager) Check() (btree.TreeStats, error) {
	m.writer.Lock()
	defer m.writer.Unlock()

	tx, err := m.beginRead()
	if err != nil {
		return btree.TreeStats{}, err
	}
	defer func() { _ = tx.Rollback() }()

	reachable, stats, errs := tx.Check()

	m.mu.Lock()
	owner := make(map[pagemanager.PageID]string, len(reachable))
	for id, kind := range reachable {
		owner[id] = kind.String()
	}
	claim := func(id pagemanager.PageID, what string) {
		if id < pagemanager.FirstDataPageID || id >= tx.base.PageCount {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s page %d outside [%d, %d)", dberror.ErrInvalidPageData, what, id, pagemanager.FirstDataPageID, tx.base.PageCount))
			return
		}
		if prev, dup := owner[id]; dup {
			errs = multierr.Append(errs, fmt.Errorf("%w: page %d is both %s and %s", dberror.ErrInvalidPageData, id, prev, what))
			return
		}
		owner[id] = what
	}
	m.freelist.Free().Ascend(func(id pagemanager.PageID) bool {
		claim(id, "free")
		return true
	})
	for _, id := range m.freelist.PendingIDs() {
		claim(id, "pending")
	}
	for _, id := range m.freelistChain {
		claim(id, "freelist")
	}
	m.mu.Unlock()

	var leaked []pagemanager.PageID
	for id := pagemanager.FirstDataPageID; id < tx.base.PageCount; id++ {
		if _, ok := owner[id]; !ok {
			leaked = append(leaked, id)
		}
	}
	if len(leaked) > 0 {
		slices.Sort(leaked)
		errs = multierr.Append(errs, fmt.Errorf("%w: %d pages unreachable and not free, first %d", dberror.ErrInvalidPageData, len(leaked), leaked[0]))
	}
	return stats, errs
}

// Close waits for the active writer, if any, and refuses new transactions.
// Read-only transactions still open fail on their next page load once the
// pager is closed.
func (m *Manager) Close() {
	m.writer.Lock()
	defer m.writer.Unlock()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cache.Purge()
}
