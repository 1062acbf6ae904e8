package btree

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/sushant-115/gojokv/core/dberror"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// --- Overflow chains ---

// overflowCapacity is the payload one overflow page carries.
func overflowCapacity(pageSize int) int {
	return pageSize - pagemanager.PageHeaderSize - overflowHeaderSize
}

// makeEntry builds the leaf entry for key/value, writing the value to a new
// overflow chain when it is too large to live in the leaf.
func (bt *BTree) makeEntry(key, value []byte) (leafEntry, error) {
	pageSize := bt.pageSize()
	if len(value) <= MaxInlineValueLen(pageSize) {
		v := make([]byte, len(value))
		copy(v, value)
		return leafEntry{key: key, value: v}, nil
	}

	flags := flagOverflow
	var payload []byte
	if bt.compress {
		if c := snappy.Encode(nil, value); len(c) < len(value) {
			payload = c
			flags |= flagCompressed
		}
	}
	if payload == nil {
		payload = bytes.Clone(value)
	}

	head, err := bt.writeChain(payload)
	if err != nil {
		return leafEntry{}, err
	}
	return leafEntry{key: key, flags: flags, overflow: head, storedLen: uint32(len(payload))}, nil
}

// writeChain stores payload across as many overflow pages as it needs and
// returns the id of the first one.
func (bt *BTree) writeChain(payload []byte) (PageID, error) {
	capacity := overflowCapacity(bt.pageSize())
	var nodes []*Node
	for off := 0; off < len(payload); off += capacity {
		n, err := bt.allocNode(pagemanager.KindOverflow)
		if err != nil {
			return InvalidPageID, err
		}
		n.data = payload[off:min(off+capacity, len(payload))]
		nodes = append(nodes, n)
	}
	for i := 0; i+1 < len(nodes); i++ {
		nodes[i].next = nodes[i+1].pageID
	}
	return nodes[0].pageID, nil
}

// loadValue returns the value of e. Inline values are returned as views of
// the node; overflowed values are assembled into a fresh buffer.
func (bt *BTree) loadValue(e *leafEntry) ([]byte, error) {
	if !e.isOverflow() {
		return e.value, nil
	}
	stored := make([]byte, 0, e.storedLen)
	err := bt.walkChain(e, func(n *Node) error {
		stored = append(stored, n.data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(stored) != int(e.storedLen) {
		return nil, fmt.Errorf("%w: overflow chain at page %d holds %d bytes, entry says %d", dberror.ErrInvalidPageData, e.overflow, len(stored), e.storedLen)
	}
	if e.flags&flagCompressed == 0 {
		return stored, nil
	}
	v, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing overflow chain at page %d: %v", dberror.ErrInvalidPageData, e.overflow, err)
	}
	return v, nil
}

// freeValue releases the overflow pages of e, if it has any.
func (bt *BTree) freeValue(e *leafEntry) error {
	if !e.isOverflow() {
		return nil
	}
	var ids []PageID
	if err := bt.walkChain(e, func(n *Node) error {
		ids = append(ids, n.pageID)
		return nil
	}); err != nil {
		return err
	}
	for _, id := range ids {
		bt.writer.Release(id)
	}
	return nil
}

func (bt *BTree) walkChain(e *leafEntry, fn func(n *Node) error) error {
	maxPages := int(e.storedLen)/overflowCapacity(bt.pageSize()) + 1
	id := e.overflow
	for i := 0; id != InvalidPageID; i++ {
		if i >= maxPages {
			return fmt.Errorf("%w: overflow chain at page %d is longer than its %d bytes need", dberror.ErrInvalidPageData, e.overflow, e.storedLen)
		}
		n, err := bt.reader.ReadNode(id)
		if err != nil {
			return err
		}
		if n.kind != pagemanager.KindOverflow {
			return fmt.Errorf("%w: page %d in overflow chain is %s", dberror.ErrInvalidPageData, id, n.kind)
		}
		if err := fn(n); err != nil {
			return err
		}
		id = n.next
	}
	return nil
}
