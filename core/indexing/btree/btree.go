// Package btree implements a copy-on-write B+Tree over fixed-size pages.
//
// A tree is a view of one version: a root page id read through a Reader.
// Mutations go through a Writer, which hands out fresh page ids and owns the
// transaction's dirty nodes. No node reachable from a committed version is
// ever modified; every edit clones the root-to-leaf path first.
package btree

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/sushant-115/gojokv/core/dberror"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// --- Configuration & Constants ---

const (
	MaxKeyLen   = 255
	MaxValueLen = 10 * 1024 * 1024

	// Nodes whose encoded size falls to this percentage of the page size or
	// below are merged with a sibling after a delete.
	mergeThresholdPercent = 35
)

// MaxInlineValueLen returns the largest value stored directly in a leaf for
// the given page size. Larger values go to an overflow chain.
func MaxInlineValueLen(pageSize int) int { return pageSize / 4 }

// Reader resolves page ids to decoded nodes for one version.
type Reader interface {
	PageSize() int
	ReadNode(id PageID) (*Node, error)
}

// Writer is a Reader that can also stage new nodes for a commit.
type Writer interface {
	Reader
	// Allocate returns an unused page id.
	Allocate() (PageID, error)
	// Stage records n as a dirty node of the transaction under n's id.
	Stage(n *Node)
	// IsDirty reports whether id was allocated by this transaction.
	IsDirty(id PageID) bool
	// Release gives up a page id. Pages the transaction allocated can be
	// reused immediately; committed pages wait for readers to drain.
	Release(id PageID)
}

// BTree is a view of one version of the ordered index.
type BTree struct {
	reader   Reader
	writer   Writer // nil for read-only views
	root     PageID // InvalidPageID when the tree is empty
	compress bool
	// edits counts Put and Delete calls so cursors can tell when their path is stale.
	edits uint64
}

// New returns a read-only view of the tree rooted at root.
func New(r Reader, root PageID) *BTree {
	return &BTree{reader: r, root: root}
}

// NewWritable returns a tree that applies copy-on-write edits through w.
// When compress is set, overflow payloads are snappy-compressed whenever
// that makes them smaller.
func NewWritable(w Writer, root PageID, compress bool) *BTree {
	return &BTree{reader: w, writer: w, root: root, compress: compress}
}

// Root returns the current root page id. For a writable tree it reflects
// every edit made so far.
func (bt *BTree) Root() PageID { return bt.root }

func (bt *BTree) pageSize() int { return bt.reader.PageSize() }

func (bt *BTree) node(id PageID) (*Node, error) {
	n, err := bt.reader.ReadNode(id)
	if err != nil {
		return nil, err
	}
	if !n.IsLeaf() && !n.isBranch() {
		return nil, fmt.Errorf("%w: page %d is %s, expected a tree node", dberror.ErrInvalidPageData, id, n.kind)
	}
	return n, nil
}

// ValidateKey checks the length limits on a key.
func ValidateKey(key []byte) error {
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %d bytes, max %d", dberror.ErrKeyTooLarge, len(key), MaxKeyLen)
	}
	return nil
}

// ValidateValue checks the length limits on a value.
func ValidateValue(value []byte) error {
	if len(value) > MaxValueLen {
		return fmt.Errorf("%w: %d bytes, max %d", dberror.ErrValueTooLarge, len(value), MaxValueLen)
	}
	return nil
}

// --- Lookups ---

// findLeaf descends to the leaf whose range covers key.
func (bt *BTree) findLeaf(key []byte) (*Node, error) {
	if bt.root == InvalidPageID {
		return nil, nil
	}
	id := bt.root
	for depth := 0; ; depth++ {
		n, err := bt.node(id)
		if err != nil {
			return nil, err
		}
		if n.IsLeaf() {
			return n, nil
		}
		if depth > maxDepth {
			return nil, fmt.Errorf("%w: tree deeper than %d levels at page %d", dberror.ErrInvalidPageData, maxDepth, id)
		}
		id = n.children[n.childIndex(key)].child
	}
}

// maxDepth bounds descents so that a cycle in a corrupted file cannot hang
// a lookup.
const maxDepth = 64

// Get returns a copy of the value stored under key, or found=false.
func (bt *BTree) Get(key []byte) (value []byte, found bool, err error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}
	leaf, err := bt.findLeaf(key)
	if err != nil || leaf == nil {
		return nil, false, err
	}
	i, ok := leaf.search(key)
	if !ok {
		return nil, false, nil
	}
	v, err := bt.loadValue(&leaf.entries[i])
	if err != nil {
		return nil, false, err
	}
	if !leaf.entries[i].isOverflow() {
		v = bytes.Clone(v)
		if v == nil {
			v = []byte{}
		}
	}
	return v, true, nil
}

// Contains reports whether key is present without materializing its value.
func (bt *BTree) Contains(key []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	leaf, err := bt.findLeaf(key)
	if err != nil || leaf == nil {
		return false, err
	}
	_, ok := leaf.search(key)
	return ok, nil
}

// --- Mutations ---

func (bt *BTree) checkWritable() error {
	if bt.writer == nil {
		return dberror.ErrTxNotWritable
	}
	return nil
}

// shadow returns a version of n that the transaction may edit. Nodes the
// transaction already owns are returned as they are; committed nodes are
// cloned to a fresh page id and the old id is released.
func (bt *BTree) shadow(n *Node) (*Node, error) {
	if bt.writer.IsDirty(n.pageID) {
		return n, nil
	}
	id, err := bt.writer.Allocate()
	if err != nil {
		return nil, err
	}
	c := n.clone(id)
	bt.writer.Release(n.pageID)
	bt.writer.Stage(c)
	return c, nil
}

func (bt *BTree) allocNode(kind pagemanager.PageKind) (*Node, error) {
	id, err := bt.writer.Allocate()
	if err != nil {
		return nil, err
	}
	n := &Node{pageID: id, kind: kind}
	bt.writer.Stage(n)
	return n, nil
}

// split is produced when an insert overflows a node: a new right sibling and
// the key that separates it from the left half.
type split struct {
	key   []byte
	right PageID
}

// Put inserts or overwrites key.
func (bt *BTree) Put(key, value []byte) error {
	if err := bt.checkWritable(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateValue(value); err != nil {
		return err
	}

	entry, err := bt.makeEntry(bytes.Clone(key), value)
	if err != nil {
		return err
	}
	bt.edits++

	if bt.root == InvalidPageID {
		leaf, err := bt.allocNode(pagemanager.KindLeaf)
		if err != nil {
			return err
		}
		leaf.entries = append(leaf.entries, entry)
		bt.root = leaf.pageID
		return nil
	}

	newRoot, sp, err := bt.insert(bt.root, entry, 0)
	if err != nil {
		return err
	}
	if sp != nil {
		root, err := bt.allocNode(pagemanager.KindBranch)
		if err != nil {
			return err
		}
		root.children = []branchEntry{{child: newRoot}, {key: sp.key, child: sp.right}}
		newRoot = root.pageID
	}
	bt.root = newRoot
	return nil
}

func (bt *BTree) insert(id PageID, entry leafEntry, depth int) (PageID, *split, error) {
	if depth > maxDepth {
		return InvalidPageID, nil, fmt.Errorf("%w: tree deeper than %d levels at page %d", dberror.ErrInvalidPageData, maxDepth, id)
	}
	n, err := bt.node(id)
	if err != nil {
		return InvalidPageID, nil, err
	}

	if n.IsLeaf() {
		n, err = bt.shadow(n)
		if err != nil {
			return InvalidPageID, nil, err
		}
		i, found := n.search(entry.key)
		if found {
			if err := bt.freeValue(&n.entries[i]); err != nil {
				return InvalidPageID, nil, err
			}
			n.entries[i] = entry
		} else {
			n.entries = append(n.entries, leafEntry{})
			copy(n.entries[i+1:], n.entries[i:])
			n.entries[i] = entry
		}
		sp, err := bt.splitIfNeeded(n)
		return n.pageID, sp, err
	}

	i := n.childIndex(entry.key)
	child, childSplit, err := bt.insert(n.children[i].child, entry, depth+1)
	if err != nil {
		return InvalidPageID, nil, err
	}
	n, err = bt.shadow(n)
	if err != nil {
		return InvalidPageID, nil, err
	}
	n.children[i].child = child
	if childSplit != nil {
		n.children = append(n.children, branchEntry{})
		copy(n.children[i+2:], n.children[i+1:])
		n.children[i+1] = branchEntry{key: childSplit.key, child: childSplit.right}
	}
	sp, err := bt.splitIfNeeded(n)
	return n.pageID, sp, err
}

// splitIfNeeded moves the upper half of an oversized dirty node into a new
// right sibling. Entry sizes are bounded well below half a page, so two
// halves always fit.
func (bt *BTree) splitIfNeeded(n *Node) (*split, error) {
	pageSize := bt.pageSize()
	total := n.size()
	if total <= pageSize {
		return nil, nil
	}

	at := splitPoint(n, total)
	right, err := bt.allocNode(n.kind)
	if err != nil {
		return nil, err
	}

	var sep []byte
	if n.IsLeaf() {
		right.entries = append([]leafEntry(nil), n.entries[at:]...)
		n.entries = n.entries[:at:at]
		sep = right.entries[0].key
	} else {
		right.children = append([]branchEntry(nil), n.children[at:]...)
		n.children = n.children[:at:at]
		sep = right.children[0].key
		right.children[0].key = nil
	}

	if n.size() > pageSize || right.size() > pageSize {
		panic(fmt.Sprintf("btree: split of page %d produced halves of %d and %d bytes for page size %d", n.pageID, n.size(), right.size(), pageSize))
	}
	return &split{key: sep, right: right.pageID}, nil
}

// splitPoint picks the first index of the right half so that the left half
// holds about half of the encoded bytes and neither half is empty.
func splitPoint(n *Node, total int) int {
	half := (total - pagemanager.PageHeaderSize) / 2
	acc := 0
	count := n.count()
	for i := 0; i < count; i++ {
		var sz int
		if n.IsLeaf() {
			sz = n.entries[i].size()
		} else {
			sz = n.children[i].size()
		}
		if i > 0 && acc+sz > half {
			return i
		}
		acc += sz
	}
	return count - 1
}

// Delete removes key. Deleting an absent key is a no-op and dirties nothing.
func (bt *BTree) Delete(key []byte) error {
	if err := bt.checkWritable(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if bt.root == InvalidPageID {
		return nil
	}

	newRoot, found, err := bt.remove(bt.root, key, 0)
	if err != nil || !found {
		if err != nil {
			bt.edits++
		}
		return err
	}
	bt.edits++

	// Collapse branch roots left with a single child.
	for {
		root, err := bt.node(newRoot)
		if err != nil {
			return err
		}
		if root.isBranch() && len(root.children) == 1 {
			bt.writer.Release(root.pageID)
			newRoot = root.children[0].child
			continue
		}
		if root.IsLeaf() && len(root.entries) == 0 {
			bt.writer.Release(root.pageID)
			newRoot = InvalidPageID
		}
		break
	}
	bt.root = newRoot
	return nil
}

func (bt *BTree) remove(id PageID, key []byte, depth int) (PageID, bool, error) {
	if depth > maxDepth {
		return InvalidPageID, false, fmt.Errorf("%w: tree deeper than %d levels at page %d", dberror.ErrInvalidPageData, maxDepth, id)
	}
	n, err := bt.node(id)
	if err != nil {
		return InvalidPageID, false, err
	}

	if n.IsLeaf() {
		i, found := n.search(key)
		if !found {
			return id, false, nil
		}
		n, err = bt.shadow(n)
		if err != nil {
			return InvalidPageID, false, err
		}
		if err := bt.freeValue(&n.entries[i]); err != nil {
			return InvalidPageID, false, err
		}
		n.entries = append(n.entries[:i], n.entries[i+1:]...)
		return n.pageID, true, nil
	}

	i := n.childIndex(key)
	child, found, err := bt.remove(n.children[i].child, key, depth+1)
	if err != nil || !found {
		return id, found, err
	}
	n, err = bt.shadow(n)
	if err != nil {
		return InvalidPageID, false, err
	}
	n.children[i].child = child
	if err := bt.rebalance(n, i); err != nil {
		return InvalidPageID, false, err
	}
	return n.pageID, true, nil
}

// rebalance merges child i of the dirty branch n into an adjacent sibling
// when it has fallen below the merge threshold and the two fit in one page.
// Entries are never borrowed; an underfull child that fits with neither
// sibling stays as it is, which keeps every leaf at the same depth.
func (bt *BTree) rebalance(n *Node, i int) error {
	pageSize := bt.pageSize()
	child, err := bt.node(n.children[i].child)
	if err != nil {
		return err
	}
	if child.size()*100 > pageSize*mergeThresholdPercent || len(n.children) < 2 {
		return nil
	}

	if i > 0 {
		merged, err := bt.tryMerge(n, i-1)
		if err != nil || merged {
			return err
		}
	}
	if i+1 < len(n.children) {
		if _, err := bt.tryMerge(n, i); err != nil {
			return err
		}
	}
	return nil
}

// tryMerge folds child j+1 of n into child j if the result fits in a page.
func (bt *BTree) tryMerge(n *Node, j int) (bool, error) {
	left, err := bt.node(n.children[j].child)
	if err != nil {
		return false, err
	}
	right, err := bt.node(n.children[j+1].child)
	if err != nil {
		return false, err
	}
	if left.kind != right.kind {
		return false, fmt.Errorf("%w: sibling pages %d and %d differ in kind", dberror.ErrInvalidPageData, left.pageID, right.pageID)
	}

	// A branch merge pulls the separator down as the key of right's first child.
	combined := left.size() + right.size() - pagemanager.PageHeaderSize
	if left.isBranch() {
		combined += len(n.children[j+1].key)
	}
	if combined > bt.pageSize() {
		return false, nil
	}

	left, err = bt.shadow(left)
	if err != nil {
		return false, err
	}
	if left.IsLeaf() {
		left.entries = append(left.entries, right.entries...)
	} else {
		moved := slices.Clone(right.children)
		moved[0].key = n.children[j+1].key
		left.children = append(left.children, moved...)
	}
	bt.writer.Release(right.pageID)

	n.children[j].child = left.pageID
	n.children = append(n.children[:j+1], n.children[j+2:]...)
	return true, nil
}
