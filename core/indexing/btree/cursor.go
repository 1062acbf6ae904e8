package btree

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/gojokv/core/dberror"
)

// --- Cursor ---

// elemRef is one step of the path from the root to the current entry.
type elemRef struct {
	node  *Node
	index int
}

// Cursor walks the entries of one tree version in key order. Its position
// is the path from the root to a leaf entry.
//
// A cursor over a writable tree observes every edit made through the tree.
// Put and Delete may rewrite the nodes on its path in place, so after an
// edit the cursor finds its key again before moving. A deleted key leaves
// the cursor between its neighbours: Value fails with ErrCursorStale until
// Next or Prev moves on from where the key used to be.
type Cursor struct {
	tree  *BTree
	stack []elemRef
	valid bool
	// removed is set when the current key was deleted. The stack then holds
	// its successor, or is empty when there is none.
	removed bool
	key     []byte
	edits   uint64
}

// Cursor returns an unpositioned cursor over bt.
func (bt *BTree) Cursor() *Cursor {
	return &Cursor{tree: bt}
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool {
	return c.resync() == nil && c.valid && !c.removed
}

// First positions the cursor at the smallest key.
func (c *Cursor) First() (bool, error) {
	if err := c.descend(func(n *Node) int { return 0 }); err != nil {
		return c.position(false, err)
	}
	return c.position(c.settleForward())
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() (bool, error) {
	if err := c.descend(func(n *Node) int { return n.count() - 1 }); err != nil {
		return c.position(false, err)
	}
	return c.position(c.settleBackward())
}

// Seek positions the cursor at the smallest key greater than or equal to key.
func (c *Cursor) Seek(key []byte) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return c.position(false, err)
	}
	return c.position(c.lowerBound(key))
}

// Next advances to the following key. It returns false once the cursor has
// moved past the last key; the cursor then stays exhausted until it is
// repositioned.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, nil
	}
	if err := c.resync(); err != nil {
		return false, err
	}
	if c.removed {
		return c.position(len(c.stack) > 0, nil)
	}
	c.top().index++
	return c.position(c.settleForward())
}

// Prev moves to the preceding key, with the same exhaustion rule as Next.
func (c *Cursor) Prev() (bool, error) {
	if !c.valid {
		return false, nil
	}
	if err := c.resync(); err != nil {
		return false, err
	}
	if c.removed && len(c.stack) == 0 {
		return c.Last()
	}
	c.top().index--
	return c.position(c.settleBackward())
}

// Key returns the current key, or nil when the cursor is not positioned.
// The slice must not be modified and is valid until the owning transaction
// ends.
func (c *Cursor) Key() []byte {
	if !c.valid || c.resync() != nil || c.removed {
		return nil
	}
	return c.key
}

// Value returns the current value, or nil when the cursor is not
// positioned. Inline values are views with the same lifetime rules as Key.
func (c *Cursor) Value() ([]byte, error) {
	if !c.valid {
		return nil, nil
	}
	if err := c.resync(); err != nil {
		return nil, err
	}
	if c.removed {
		return nil, fmt.Errorf("%w: %q", dberror.ErrCursorStale, c.key)
	}
	v, err := c.tree.loadValue(c.entry())
	if err == nil && v == nil {
		v = []byte{}
	}
	return v, err
}

// position records the outcome of a move and the tree version it saw.
func (c *Cursor) position(ok bool, err error) (bool, error) {
	c.edits = c.tree.edits
	c.removed = false
	c.key = nil
	c.valid = ok && err == nil
	if c.valid {
		c.key = c.entry().key
	}
	return c.valid, err
}

// resync finds the current key again after the tree was edited.
func (c *Cursor) resync() error {
	if !c.valid || c.edits == c.tree.edits {
		return nil
	}
	saved := c.key
	ok, err := c.lowerBound(saved)
	c.edits = c.tree.edits
	if err != nil {
		c.valid, c.key = false, nil
		return err
	}
	c.removed = !ok || !bytes.Equal(c.entry().key, saved)
	return nil
}

func (c *Cursor) lowerBound(key []byte) (bool, error) {
	err := c.descend(func(n *Node) int {
		if n.IsLeaf() {
			i, _ := n.search(key)
			return i
		}
		return n.childIndex(key)
	})
	if err != nil {
		return false, err
	}
	return c.settleForward()
}

func (c *Cursor) entry() *leafEntry {
	ref := c.top()
	return &ref.node.entries[ref.index]
}

func (c *Cursor) top() *elemRef { return &c.stack[len(c.stack)-1] }

// descend rebuilds the stack from the root, choosing a child at each level
// with pick.
func (c *Cursor) descend(pick func(n *Node) int) error {
	c.stack = c.stack[:0]
	id := c.tree.root
	if id == InvalidPageID {
		return nil
	}
	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return fmt.Errorf("%w: tree deeper than %d levels at page %d", dberror.ErrInvalidPageData, maxDepth, id)
		}
		n, err := c.tree.node(id)
		if err != nil {
			return err
		}
		i := pick(n)
		c.stack = append(c.stack, elemRef{node: n, index: i})
		if n.IsLeaf() {
			return nil
		}
		if i < 0 || i >= len(n.children) {
			return fmt.Errorf("%w: branch page %d has no child %d", dberror.ErrInvalidPageData, n.pageID, i)
		}
		id = n.children[i].child
	}
}

// settleForward moves the position to the next existing entry at or after
// the current leaf index, climbing into following leaves as needed.
func (c *Cursor) settleForward() (bool, error) {
	for {
		if len(c.stack) == 0 {
			return false, nil
		}
		ref := c.top()
		if ref.index < ref.node.count() {
			if ref.node.IsLeaf() {
				return true, nil
			}
			if err := c.pushChild(ref, func(n *Node) int { return 0 }); err != nil {
				return false, err
			}
			continue
		}
		// This node is exhausted; move to the next sibling subtree.
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) == 0 {
			return false, nil
		}
		c.top().index++
	}
}

// settleBackward is settleForward in reverse.
func (c *Cursor) settleBackward() (bool, error) {
	for {
		if len(c.stack) == 0 {
			return false, nil
		}
		ref := c.top()
		if ref.index >= 0 && ref.index < ref.node.count() {
			if ref.node.IsLeaf() {
				return true, nil
			}
			if err := c.pushChild(ref, func(n *Node) int { return n.count() - 1 }); err != nil {
				return false, err
			}
			continue
		}
		c.stack = c.stack[:len(c.stack)-1]
		if len(c.stack) == 0 {
			return false, nil
		}
		c.top().index--
	}
}

func (c *Cursor) pushChild(ref *elemRef, pick func(n *Node) int) error {
	if len(c.stack) > maxDepth {
		return fmt.Errorf("%w: tree deeper than %d levels", dberror.ErrInvalidPageData, maxDepth)
	}
	n, err := c.tree.node(ref.node.children[ref.index].child)
	if err != nil {
		return err
	}
	c.stack = append(c.stack, elemRef{node: n, index: pick(n)})
	return nil
}
