package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/sushant-115/gojokv/core/dberror"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// --- BTree Node Serialization/Deserialization ---

type PageID = pagemanager.PageID

const InvalidPageID = pagemanager.InvalidPageID

// Leaf entry flags.
const (
	flagOverflow   uint8 = 1 << 0 // value lives in an overflow chain
	flagCompressed uint8 = 1 << 1 // overflow payload is snappy-compressed
)

// Encoded sizes. A leaf entry is [flags u8][klen u8][vlen u32][key][value or
// overflow head u64]; a branch entry is [klen u8][key][child u64]; an
// overflow page body is [next u64][len u32][payload].
const (
	leafEntryHeaderSize   = 1 + 1 + 4
	overflowRefSize       = 8
	branchEntryHeaderSize = 1 + 8
	overflowHeaderSize    = 8 + 4
)

type leafEntry struct {
	key       []byte
	value     []byte // inline value; nil when overflowed
	flags     uint8
	overflow  PageID // head of the overflow chain
	storedLen uint32 // bytes stored in the chain, after compression
}

func (e *leafEntry) isOverflow() bool { return e.flags&flagOverflow != 0 }

func (e *leafEntry) size() int {
	if e.isOverflow() {
		return leafEntryHeaderSize + len(e.key) + overflowRefSize
	}
	return leafEntryHeaderSize + len(e.key) + len(e.value)
}

type branchEntry struct {
	key   []byte // lower bound of child; ignored for entry 0
	child PageID
}

func (e *branchEntry) size() int { return branchEntryHeaderSize + len(e.key) }

// Node represents the decoded content of a branch, leaf or overflow page.
// Nodes handed out by the page cache are shared between transactions and
// must never be modified; a write transaction clones a node before editing.
type Node struct {
	pageID   PageID
	kind     pagemanager.PageKind
	entries  []leafEntry   // leaf
	children []branchEntry // branch
	next     PageID        // overflow
	data     []byte        // overflow
}

func newLeaf(id PageID) *Node   { return &Node{pageID: id, kind: pagemanager.KindLeaf} }
func newBranch(id PageID) *Node { return &Node{pageID: id, kind: pagemanager.KindBranch} }

func (n *Node) GetPageID() PageID           { return n.pageID }
func (n *Node) Kind() pagemanager.PageKind { return n.kind }
func (n *Node) IsLeaf() bool                { return n.kind == pagemanager.KindLeaf }
func (n *Node) isBranch() bool              { return n.kind == pagemanager.KindBranch }

// count is the number of entries of a leaf or children of a branch.
func (n *Node) count() int {
	if n.IsLeaf() {
		return len(n.entries)
	}
	return len(n.children)
}

// size is the encoded size of the node including the page header.
func (n *Node) size() int {
	sz := pagemanager.PageHeaderSize
	switch n.kind {
	case pagemanager.KindLeaf:
		for i := range n.entries {
			sz += n.entries[i].size()
		}
	case pagemanager.KindBranch:
		for i := range n.children {
			sz += n.children[i].size()
		}
	case pagemanager.KindOverflow:
		sz += overflowHeaderSize + len(n.data)
	}
	return sz
}

// clone returns a copy that can be edited without affecting n. Key and value
// byte slices are shared: they are never written to in place.
func (n *Node) clone(id PageID) *Node {
	return &Node{
		pageID:   id,
		kind:     n.kind,
		entries:  slices.Clone(n.entries),
		children: slices.Clone(n.children),
		next:     n.next,
		data:     n.data,
	}
}

// search returns the position of key in a leaf, or where it would be inserted.
func (n *Node) search(key []byte) (int, bool) {
	return slices.BinarySearchFunc(n.entries, key, func(e leafEntry, k []byte) int {
		return bytes.Compare(e.key, k)
	})
}

// childIndex returns the index of the child of a branch whose range covers
// key: the last entry whose lower bound is <= key, or 0.
func (n *Node) childIndex(key []byte) int {
	i := sort.Search(len(n.children)-1, func(i int) bool {
		return bytes.Compare(n.children[i+1].key, key) > 0
	})
	return i
}

// EncodeNode serializes n into page, which must be a zeroed page of the
// tree's page size with the node's id.
func EncodeNode(n *Node, page *pagemanager.Page) error {
	if sz := n.size(); sz > len(page.GetData()) {
		return fmt.Errorf("node %d of %d bytes exceeds page size %d", n.pageID, sz, len(page.GetData()))
	}
	page.SetKind(n.kind)
	body := page.Body()
	le := binary.LittleEndian
	off := 0

	switch n.kind {
	case pagemanager.KindLeaf:
		page.SetCount(len(n.entries))
		for i := range n.entries {
			e := &n.entries[i]
			body[off] = e.flags
			body[off+1] = uint8(len(e.key))
			if e.isOverflow() {
				le.PutUint32(body[off+2:], e.storedLen)
			} else {
				le.PutUint32(body[off+2:], uint32(len(e.value)))
			}
			off += leafEntryHeaderSize
			off += copy(body[off:], e.key)
			if e.isOverflow() {
				le.PutUint64(body[off:], uint64(e.overflow))
				off += overflowRefSize
			} else {
				off += copy(body[off:], e.value)
			}
		}
	case pagemanager.KindBranch:
		page.SetCount(len(n.children))
		for i := range n.children {
			e := &n.children[i]
			body[off] = uint8(len(e.key))
			off++
			off += copy(body[off:], e.key)
			le.PutUint64(body[off:], uint64(e.child))
			off += 8
		}
	case pagemanager.KindOverflow:
		le.PutUint64(body, uint64(n.next))
		le.PutUint32(body[8:], uint32(len(n.data)))
		copy(body[overflowHeaderSize:], n.data)
	default:
		return fmt.Errorf("cannot encode node %d of kind %s", n.pageID, n.kind)
	}
	return nil
}

// DecodeNode parses a verified page. The node does not retain the page buffer.
func DecodeNode(page *pagemanager.Page) (*Node, error) {
	if err := page.ExpectKind(pagemanager.KindBranch, pagemanager.KindLeaf, pagemanager.KindOverflow); err != nil {
		return nil, err
	}
	id := page.GetPageID()
	body := slices.Clone(page.Body())
	le := binary.LittleEndian
	corrupt := func(what string) error {
		return fmt.Errorf("%w: page %d: %s", dberror.ErrInvalidPageData, id, what)
	}

	n := &Node{pageID: id, kind: page.Kind()}
	off := 0
	switch n.kind {
	case pagemanager.KindLeaf:
		count := page.Count()
		n.entries = make([]leafEntry, count)
		for i := 0; i < count; i++ {
			if off+leafEntryHeaderSize > len(body) {
				return nil, corrupt("leaf entry header past end of page")
			}
			e := &n.entries[i]
			e.flags = body[off]
			klen := int(body[off+1])
			vlen := le.Uint32(body[off+2:])
			off += leafEntryHeaderSize
			if off+klen > len(body) {
				return nil, corrupt("leaf key past end of page")
			}
			e.key = body[off : off+klen : off+klen]
			off += klen
			if e.isOverflow() {
				if off+overflowRefSize > len(body) {
					return nil, corrupt("overflow reference past end of page")
				}
				e.overflow = PageID(le.Uint64(body[off:]))
				e.storedLen = vlen
				off += overflowRefSize
				continue
			}
			if off+int(vlen) > len(body) {
				return nil, corrupt("leaf value past end of page")
			}
			e.value = body[off : off+int(vlen) : off+int(vlen)]
			off += int(vlen)
		}
	case pagemanager.KindBranch:
		count := page.Count()
		if count == 0 {
			return nil, corrupt("branch without children")
		}
		n.children = make([]branchEntry, count)
		for i := 0; i < count; i++ {
			if off+1 > len(body) {
				return nil, corrupt("branch entry past end of page")
			}
			klen := int(body[off])
			off++
			if off+klen+8 > len(body) {
				return nil, corrupt("branch key past end of page")
			}
			n.children[i].key = body[off : off+klen : off+klen]
			off += klen
			n.children[i].child = PageID(le.Uint64(body[off:]))
			off += 8
		}
	case pagemanager.KindOverflow:
		n.next = PageID(le.Uint64(body))
		dlen := int(le.Uint32(body[8:]))
		if overflowHeaderSize+dlen > len(body) {
			return nil, corrupt("overflow payload past end of page")
		}
		n.data = body[overflowHeaderSize : overflowHeaderSize+dlen : overflowHeaderSize+dlen]
	}
	return n, nil
}
