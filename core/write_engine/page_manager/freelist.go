package pagemanager

import (
	"encoding/binary"
	"fmt"
	"maps"
	"slices"

	"github.com/google/btree"

	"github.com/sushant-115/gojokv/core/dberror"
)

// --- Free Space Management ---

const freeSetDegree = 32

// FreeSet is an ordered set of reusable page ids. Allocation always takes the
// lowest id so the file stays packed towards its start.
type FreeSet struct {
	tree *btree.BTreeG[PageID]
}

func NewFreeSet(ids ...PageID) *FreeSet {
	s := &FreeSet{tree: btree.NewOrderedG[PageID](freeSetDegree)}
	s.Add(ids...)
	return s
}

func (s *FreeSet) Add(ids ...PageID) {
	for _, id := range ids {
		s.tree.ReplaceOrInsert(id)
	}
}

// Pop removes and returns the lowest free id.
func (s *FreeSet) Pop() (PageID, bool) {
	return s.tree.DeleteMin()
}

func (s *FreeSet) Has(id PageID) bool { return s.tree.Has(id) }
func (s *FreeSet) Len() int           { return s.tree.Len() }

// Clone returns an independent copy. The underlying tree is copied lazily, so
// cloning at the start of every write transaction is cheap.
func (s *FreeSet) Clone() *FreeSet {
	return &FreeSet{tree: s.tree.Clone()}
}

func (s *FreeSet) Ascend(fn func(id PageID) bool) {
	s.tree.Ascend(func(id PageID) bool { return fn(id) })
}

// Freelist tracks pages that can be reused now and pages that were
// superseded by a commit but may still be reachable from a live snapshot.
// Callers serialize access.
type Freelist struct {
	free    *FreeSet
	pending map[uint64][]PageID // commit txid -> pages that commit superseded
}

func NewFreelist(ids ...PageID) *Freelist {
	return &Freelist{free: NewFreeSet(ids...), pending: make(map[uint64][]PageID)}
}

func (f *Freelist) Free() *FreeSet { return f.free }

func (f *Freelist) PendingCount() int {
	n := 0
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// PendingIDs returns every id still waiting for readers to drain.
func (f *Freelist) PendingIDs() []PageID {
	var out []PageID
	for _, ids := range f.pending {
		out = append(out, ids...)
	}
	return out
}

// Release makes the pages superseded by commits with txid <= upTo reusable.
// A page superseded by commit N is reachable only from snapshots older than
// N, so it is released once the oldest live snapshot is at least N.
func (f *Freelist) Release(upTo uint64) int {
	released := 0
	for _, txid := range slices.Sorted(maps.Keys(f.pending)) {
		if txid > upTo {
			break
		}
		f.free.Add(f.pending[txid]...)
		released += len(f.pending[txid])
		delete(f.pending, txid)
	}
	return released
}

// ReleaseAll is Release with no live snapshot.
func (f *Freelist) ReleaseAll() int {
	return f.Release(^uint64(0))
}

// Commit installs the free set produced by write transaction txid and parks
// the pages it superseded until readers drain.
func (f *Freelist) Commit(txid uint64, free *FreeSet, superseded []PageID) {
	f.free = free
	if len(superseded) > 0 {
		f.pending[txid] = append(f.pending[txid], superseded...)
	}
}

// --- On-disk encoding ---
//
// A freelist page body is [next u64][ids u64...]; the header count holds the
// number of ids on the page.

const freelistNextSize = 8

// FreelistIDsPerPage is how many ids fit on one freelist page.
func FreelistIDsPerPage(pageSize int) int {
	return (pageSize - PageHeaderSize - freelistNextSize) / 8
}

// FreelistPagesNeeded returns the chain length needed to persist n ids.
func FreelistPagesNeeded(n, pageSize int) int {
	per := FreelistIDsPerPage(pageSize)
	return (n + per - 1) / per
}

// EncodeFreelist lays sorted ids out over the chain pages chain[0] -> chain[1] -> ...
// len(chain) must be at least FreelistPagesNeeded(len(ids)).
func EncodeFreelist(ids []PageID, chain []PageID, pageSize int) ([]*Page, error) {
	per := FreelistIDsPerPage(pageSize)
	if len(ids) > per*len(chain) {
		return nil, fmt.Errorf("freelist of %d ids does not fit in %d pages", len(ids), len(chain))
	}
	pages := make([]*Page, 0, len(chain))
	for i, id := range chain {
		p := NewPage(id, pageSize)
		p.SetKind(KindFreelist)
		next := InvalidPageID
		if i+1 < len(chain) {
			next = chain[i+1]
		}
		body := p.Body()
		binary.LittleEndian.PutUint64(body, uint64(next))
		lo := min(i*per, len(ids))
		hi := min(lo+per, len(ids))
		for j, free := range ids[lo:hi] {
			binary.LittleEndian.PutUint64(body[freelistNextSize+8*j:], uint64(free))
		}
		p.SetCount(hi - lo)
		pages = append(pages, p)
	}
	return pages, nil
}

// ReadFreelist walks the chain starting at head and returns the free ids and
// the ids of the chain pages themselves.
func ReadFreelist(p *Pager, head PageID, pageCount PageID) (ids []PageID, chain []PageID, err error) {
	seen := make(map[PageID]struct{})
	for id := head; id != InvalidPageID; {
		if id < FirstDataPageID || id >= pageCount {
			return nil, nil, fmt.Errorf("%w: freelist page %d out of range", dberror.ErrInvalidPageData, id)
		}
		if _, dup := seen[id]; dup {
			return nil, nil, fmt.Errorf("%w: freelist chain loops at page %d", dberror.ErrInvalidPageData, id)
		}
		seen[id] = struct{}{}

		page, err := p.ReadPage(id)
		if err != nil {
			return nil, nil, err
		}
		if err := page.ExpectKind(KindFreelist); err != nil {
			p.PutPage(page)
			return nil, nil, err
		}
		body := page.Body()
		count := page.Count()
		if count > FreelistIDsPerPage(p.PageSize()) {
			p.PutPage(page)
			return nil, nil, fmt.Errorf("%w: freelist page %d claims %d ids", dberror.ErrInvalidPageData, id, count)
		}
		for j := 0; j < count; j++ {
			ids = append(ids, PageID(binary.LittleEndian.Uint64(body[freelistNextSize+8*j:])))
		}
		chain = append(chain, id)
		id = PageID(binary.LittleEndian.Uint64(body))
		p.PutPage(page)
	}
	return ids, chain, nil
}
