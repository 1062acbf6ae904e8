package btree

import (
	"bytes"
	"fmt"

	"go.uber.org/multierr"

	"github.com/sushant-115/gojokv/core/dberror"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// --- Integrity checking ---

// TreeStats summarizes the shape of a tree version.
type TreeStats struct {
	Depth         int
	BranchPages   int
	LeafPages     int
	OverflowPages int
	Keys          int
}

// Check walks the whole tree and reports every structural fault it finds:
// keys out of order, keys outside the range their parent assigns, leaves at
// different depths, and pages reachable more than once. It returns the set
// of reachable page ids alongside the faults.
func (bt *BTree) Check() (map[PageID]pagemanager.PageKind, TreeStats, error) {
	c := &checker{tree: bt, seen: make(map[PageID]pagemanager.PageKind), leafDepth: -1}
	if bt.root != InvalidPageID {
		c.visit(bt.root, nil, nil, 1)
	}
	c.stats.Depth = max(c.leafDepth, 0)
	return c.seen, c.stats, c.errs
}

type checker struct {
	tree      *BTree
	seen      map[PageID]pagemanager.PageKind
	leafDepth int
	stats     TreeStats
	errs      error
}

func (c *checker) fault(format string, args ...any) {
	c.errs = multierr.Append(c.errs, fmt.Errorf("%w: "+format, append([]any{dberror.ErrInvalidPageData}, args...)...))
}

func (c *checker) mark(id PageID, kind pagemanager.PageKind) bool {
	if prev, dup := c.seen[id]; dup {
		c.fault("page %d reachable twice (as %s and %s)", id, prev, kind)
		return false
	}
	c.seen[id] = kind
	return true
}

// visit checks the subtree at id, whose keys must lie in [lo, hi). A nil
// bound is unbounded.
func (c *checker) visit(id PageID, lo, hi []byte, depth int) {
	if depth > maxDepth {
		c.fault("tree deeper than %d levels at page %d", maxDepth, id)
		return
	}
	n, err := c.tree.node(id)
	if err != nil {
		c.errs = multierr.Append(c.errs, err)
		return
	}
	if !c.mark(id, n.kind) {
		return
	}
	if n.size() > c.tree.pageSize() {
		c.fault("page %d holds %d bytes, more than a page", id, n.size())
	}

	inRange := func(k []byte) bool {
		return (lo == nil || bytes.Compare(k, lo) >= 0) && (hi == nil || bytes.Compare(k, hi) < 0)
	}

	if n.IsLeaf() {
		c.stats.LeafPages++
		c.stats.Keys += len(n.entries)
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if c.leafDepth != depth {
			c.fault("leaf %d at depth %d, other leaves at depth %d", id, depth, c.leafDepth)
		}
		for i := range n.entries {
			e := &n.entries[i]
			if i > 0 && bytes.Compare(n.entries[i-1].key, e.key) >= 0 {
				c.fault("leaf %d keys out of order at index %d", id, i)
			}
			if !inRange(e.key) {
				c.fault("leaf %d key at index %d outside its parent's range", id, i)
			}
			if e.isOverflow() {
				c.visitChain(e)
			}
		}
		return
	}

	c.stats.BranchPages++
	for i := range n.children {
		childLo := lo
		if i > 0 {
			childLo = n.children[i].key
			if i > 1 && bytes.Compare(n.children[i-1].key, childLo) >= 0 {
				c.fault("branch %d separators out of order at index %d", id, i)
			}
			if !inRange(childLo) {
				c.fault("branch %d separator at index %d outside its parent's range", id, i)
			}
		}
		childHi := hi
		if i+1 < len(n.children) {
			childHi = n.children[i+1].key
		}
		c.visit(n.children[i].child, childLo, childHi, depth+1)
	}
}

func (c *checker) visitChain(e *leafEntry) {
	total := 0
	err := c.tree.walkChain(e, func(n *Node) error {
		total += len(n.data)
		if c.mark(n.pageID, n.kind) {
			c.stats.OverflowPages++
		}
		return nil
	})
	if err != nil {
		c.errs = multierr.Append(c.errs, err)
		return
	}
	if total != int(e.storedLen) {
		c.fault("overflow chain at page %d holds %d bytes, entry says %d", e.overflow, total, e.storedLen)
	}
}
