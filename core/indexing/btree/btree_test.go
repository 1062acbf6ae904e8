package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojokv/core/dberror"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// --- Test Helpers ---

// memStore is an in-memory page store. Committed nodes are kept encoded so
// every read goes through DecodeNode, the way the page cache loads them.
type memStore struct {
	pageSize int
	pages    map[PageID][]byte
	dirty    map[PageID]*Node
	reuse    []PageID
	next     PageID
	freed    []PageID
}

func newMemStore(pageSize int) *memStore {
	return &memStore{
		pageSize: pageSize,
		pages:    make(map[PageID][]byte),
		dirty:    make(map[PageID]*Node),
		next:     pagemanager.FirstDataPageID,
	}
}

func (s *memStore) PageSize() int { return s.pageSize }

func (s *memStore) ReadNode(id PageID) (*Node, error) {
	if n, ok := s.dirty[id]; ok {
		return n, nil
	}
	buf, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("%w: page %d was never written", dberror.ErrInvalidPageData, id)
	}
	return DecodeNode(pagemanager.WrapPage(id, slices.Clone(buf)))
}

func (s *memStore) Allocate() (PageID, error) {
	if len(s.reuse) > 0 {
		id := s.reuse[len(s.reuse)-1]
		s.reuse = s.reuse[:len(s.reuse)-1]
		return id, nil
	}
	id := s.next
	s.next++
	return id, nil
}

func (s *memStore) Stage(n *Node) { s.dirty[n.pageID] = n }

func (s *memStore) IsDirty(id PageID) bool {
	_, ok := s.dirty[id]
	return ok
}

func (s *memStore) Release(id PageID) {
	if _, ok := s.dirty[id]; ok {
		delete(s.dirty, id)
		s.reuse = append(s.reuse, id)
		return
	}
	s.freed = append(s.freed, id)
}

// commit encodes every dirty node and forgets the ones superseded.
func (s *memStore) commit(t *testing.T) {
	t.Helper()
	for id, n := range s.dirty {
		page := pagemanager.NewPage(id, s.pageSize)
		require.NoError(t, EncodeNode(n, page))
		s.pages[id] = page.GetData()
	}
	for _, id := range s.freed {
		delete(s.pages, id)
	}
	clear(s.dirty)
	s.freed = nil
	s.reuse = nil
}

func setupTree(t *testing.T, pageSize int, compress bool) (*memStore, *BTree) {
	t.Helper()
	s := newMemStore(pageSize)
	return s, NewWritable(s, InvalidPageID, compress)
}

func key(i int) []byte { return []byte(fmt.Sprintf("key-%06d", i)) }

func requireHealthy(t *testing.T, bt *BTree) TreeStats {
	t.Helper()
	_, stats, err := bt.Check()
	require.NoError(t, err)
	return stats
}

func scan(t *testing.T, bt *BTree, reverse bool) [][]byte {
	t.Helper()
	c := bt.Cursor()
	var keys [][]byte
	var ok bool
	var err error
	if reverse {
		ok, err = c.Last()
	} else {
		ok, err = c.First()
	}
	for ; ok; ok, err = step(c, reverse) {
		keys = append(keys, slices.Clone(c.Key()))
	}
	require.NoError(t, err)
	return keys
}

func step(c *Cursor, reverse bool) (bool, error) {
	if reverse {
		return c.Prev()
	}
	return c.Next()
}

// --- Test Cases ---

func TestNode_EncodeDecode(t *testing.T) {
	leaf := newLeaf(5)
	leaf.entries = []leafEntry{
		{key: []byte(""), value: []byte("empty key")},
		{key: []byte("a"), value: []byte{}},
		{key: []byte("big"), flags: flagOverflow | flagCompressed, overflow: 9, storedLen: 7000},
	}
	page := pagemanager.NewPage(5, 4096)
	require.NoError(t, EncodeNode(leaf, page))
	require.Equal(t, pagemanager.KindLeaf, page.Kind())
	require.Equal(t, 3, page.Count())
	require.Zero(t, page.GetData()[1], "reserved header byte")

	got, err := DecodeNode(page)
	require.NoError(t, err)
	require.True(t, got.IsLeaf())
	require.Len(t, got.entries, 3)
	require.Equal(t, []byte("empty key"), got.entries[0].value)
	require.Empty(t, got.entries[1].value)
	require.True(t, got.entries[2].isOverflow())
	require.Equal(t, PageID(9), got.entries[2].overflow)
	require.Equal(t, uint32(7000), got.entries[2].storedLen)
	require.Equal(t, leaf.size(), got.size())

	branch := newBranch(6)
	branch.children = []branchEntry{{child: 2}, {key: []byte("m"), child: 3}, {key: []byte("t"), child: 4}}
	page = pagemanager.NewPage(6, 4096)
	require.NoError(t, EncodeNode(branch, page))
	got, err = DecodeNode(page)
	require.NoError(t, err)
	require.Equal(t, pagemanager.KindBranch, got.Kind())
	require.Equal(t, 1, got.childIndex([]byte("p")))
	require.Equal(t, 0, got.childIndex([]byte("")))
	require.Equal(t, 2, got.childIndex([]byte("zz")))
}

func TestDecodeNode_RejectsMalformedPages(t *testing.T) {
	page := pagemanager.NewPage(4, 4096)
	page.SetKind(pagemanager.KindBranch)
	_, err := DecodeNode(page)
	require.ErrorIs(t, err, dberror.ErrInvalidPageData)

	page = pagemanager.NewPage(4, 4096)
	page.SetKind(pagemanager.KindLeaf)
	page.SetCount(1)
	// One entry claiming a value longer than the page.
	page.Body()[2] = 0xff
	page.Body()[3] = 0xff
	_, err = DecodeNode(page)
	require.ErrorIs(t, err, dberror.ErrInvalidPageData)

	page = pagemanager.NewPage(4, 4096)
	page.SetKind(pagemanager.KindFreelist)
	_, err = DecodeNode(page)
	require.ErrorIs(t, err, dberror.ErrInvalidPageData)

	require.Error(t, EncodeNode(&Node{pageID: 4, kind: pagemanager.KindFreelist}, pagemanager.NewPage(4, 4096)))
}

func TestBTree_PutGetDelete(t *testing.T) {
	s, bt := setupTree(t, 4096, false)

	_, found, err := bt.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, bt.Put([]byte("k"), []byte("v1")))
	require.NoError(t, bt.Put([]byte("k"), []byte("v2")))
	require.NoError(t, bt.Put([]byte(""), []byte("empty key")))
	require.NoError(t, bt.Put([]byte("nil"), nil))

	v, found, err := bt.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)

	v, found, err = bt.Get([]byte(""))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("empty key"), v)

	v, found, err = bt.Get([]byte("nil"))
	require.NoError(t, err)
	require.True(t, found)
	require.NotNil(t, v)
	require.Empty(t, v)

	s.commit(t)
	ok, err := bt.Contains([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, bt.Delete([]byte("k")))
	ok, err = bt.Contains([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting an absent key dirties nothing.
	s.commit(t)
	require.NoError(t, bt.Delete([]byte("never there")))
	require.Empty(t, s.dirty)
	require.Empty(t, s.freed)

	require.NoError(t, bt.Delete([]byte("")))
	require.NoError(t, bt.Delete([]byte("nil")))
	require.Equal(t, InvalidPageID, bt.Root())
}

func TestBTree_ValidatesLengths(t *testing.T) {
	_, bt := setupTree(t, 4096, false)

	require.ErrorIs(t, bt.Put(bytes.Repeat([]byte("k"), MaxKeyLen+1), nil), dberror.ErrKeyTooLarge)
	require.ErrorIs(t, bt.Put([]byte("k"), make([]byte, MaxValueLen+1)), dberror.ErrValueTooLarge)
	require.NoError(t, bt.Put(bytes.Repeat([]byte("k"), MaxKeyLen), nil))

	_, _, err := bt.Get(bytes.Repeat([]byte("k"), MaxKeyLen+1))
	require.ErrorIs(t, err, dberror.ErrKeyTooLarge)
	require.ErrorIs(t, bt.Delete(bytes.Repeat([]byte("k"), MaxKeyLen+1)), dberror.ErrKeyTooLarge)
}

func TestBTree_ReadOnlyViewRefusesWrites(t *testing.T) {
	s, bt := setupTree(t, 4096, false)
	require.NoError(t, bt.Put([]byte("a"), []byte("1")))
	s.commit(t)

	view := New(s, bt.Root())
	require.ErrorIs(t, view.Put([]byte("b"), nil), dberror.ErrTxNotWritable)
	require.ErrorIs(t, view.Delete([]byte("a")), dberror.ErrTxNotWritable)
	v, found, err := view.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
}

// TestBTree_SplitsAndMerges grows a tree over several levels, checks its
// structure, then shrinks it and checks that leaves were merged.
func TestBTree_SplitsAndMerges(t *testing.T) {
	s, bt := setupTree(t, 4096, false)
	const n = 3000
	value := bytes.Repeat([]byte("v"), 40)

	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		require.NoError(t, bt.Put(key(i), value))
	}
	s.commit(t)

	grown := requireHealthy(t, bt)
	require.Equal(t, n, grown.Keys)
	require.GreaterOrEqual(t, grown.Depth, 2)
	require.Greater(t, grown.LeafPages, 10)

	keys := scan(t, bt, false)
	require.Len(t, keys, n)
	for i := range keys {
		require.Equal(t, key(i), keys[i])
	}

	for i := 0; i < n; i++ {
		if i%10 != 0 {
			require.NoError(t, bt.Delete(key(i)))
		}
	}
	s.commit(t)

	shrunk := requireHealthy(t, bt)
	require.Equal(t, n/10, shrunk.Keys)
	require.Less(t, shrunk.LeafPages, grown.LeafPages/3)

	for i := 0; i < n; i += 10 {
		ok, err := bt.Contains(key(i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	for i := 0; i < n; i += 10 {
		require.NoError(t, bt.Delete(key(i)))
	}
	require.Equal(t, InvalidPageID, bt.Root())
	s.commit(t)
	require.Empty(t, s.pages)
}

// TestBTree_CopyOnWrite checks that a committed version is unaffected by a
// later transaction's edits.
func TestBTree_CopyOnWrite(t *testing.T) {
	s, bt := setupTree(t, 4096, false)
	for i := 0; i < 500; i++ {
		require.NoError(t, bt.Put(key(i), []byte("old")))
	}
	s.commit(t)
	oldRoot := bt.Root()
	snapshot := clonePages(s.pages)

	for i := 0; i < 500; i += 2 {
		require.NoError(t, bt.Put(key(i), []byte("new")))
	}
	require.NoError(t, bt.Delete(key(1)))
	require.NotEqual(t, oldRoot, bt.Root())

	// Nothing committed was rewritten in place.
	for id, buf := range snapshot {
		require.Equal(t, buf, s.pages[id], "page %d", id)
	}
	old := New(s, oldRoot)
	v, found, err := old.Get(key(0))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("old"), v)
	ok, err := old.Contains(key(1))
	require.NoError(t, err)
	require.True(t, ok)
}

func clonePages(m map[PageID][]byte) map[PageID][]byte {
	out := make(map[PageID][]byte, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func TestCursor_OrderAndSeek(t *testing.T) {
	s, bt := setupTree(t, 4096, false)
	for i := 0; i < 1000; i += 2 {
		require.NoError(t, bt.Put(key(i), key(i)))
	}
	s.commit(t)

	forward := scan(t, bt, false)
	reverse := scan(t, bt, true)
	require.Len(t, forward, 500)
	slices.Reverse(reverse)
	require.Equal(t, forward, reverse)

	c := bt.Cursor()
	require.False(t, c.Valid())
	require.Nil(t, c.Key())

	// Seek lands on the key itself or the next larger one.
	ok, err := c.Seek(key(100))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(100), c.Key())

	ok, err = c.Seek(key(101))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(102), c.Key())
	v, err := c.Value()
	require.NoError(t, err)
	require.Equal(t, key(102), v)

	ok, err = c.Prev()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(100), c.Key())

	ok, err = c.Seek([]byte("zzz"))
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, c.Valid())

	// An exhausted cursor stays exhausted.
	ok, err = c.Next()
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = c.Prev()
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(998), c.Key())
	ok, err = c.Next()
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Seek(bytes.Repeat([]byte("k"), MaxKeyLen+1))
	require.ErrorIs(t, err, dberror.ErrKeyTooLarge)
}

func TestCursor_EmptyTree(t *testing.T) {
	_, bt := setupTree(t, 4096, false)
	c := bt.Cursor()
	ok, err := c.First()
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = c.Last()
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = c.Seek(nil)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCursor_DeleteUnderCursor removes keys from a tree whose nodes are all
// dirty while a cursor sits on them.
func TestCursor_DeleteUnderCursor(t *testing.T) {
	_, bt := setupTree(t, 4096, false)
	for i := 0; i < 5; i++ {
		require.NoError(t, bt.Put(key(i), []byte("v")))
	}

	c := bt.Cursor()
	ok, err := c.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, bt.Delete(key(4)))
	require.NoError(t, bt.Delete(key(3)))

	require.Nil(t, c.Key())
	require.False(t, c.Valid())
	_, err = c.Value()
	require.ErrorIs(t, err, dberror.ErrCursorStale)

	ok, err = c.Prev()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key(2), c.Key())

	// The current key survives an unrelated delete.
	require.NoError(t, bt.Delete(key(0)))
	require.Equal(t, key(2), c.Key())
	v, err := c.Value()
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	ok, err = c.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCursor_DrainWhileIterating(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		t.Run(fmt.Sprintf("reverse=%v", reverse), func(t *testing.T) {
			_, bt := setupTree(t, 4096, false)
			const n = 2000
			for i := 0; i < n; i++ {
				require.NoError(t, bt.Put(key(i), key(i)))
			}

			c := bt.Cursor()
			var visited [][]byte
			var ok bool
			var err error
			if reverse {
				ok, err = c.Last()
			} else {
				ok, err = c.First()
			}
			for ; ok; ok, err = step(c, reverse) {
				k := slices.Clone(c.Key())
				visited = append(visited, k)
				require.NoError(t, bt.Delete(k))
			}
			require.NoError(t, err)

			require.Len(t, visited, n)
			if reverse {
				slices.Reverse(visited)
			}
			for i, k := range visited {
				require.Equal(t, key(i), k)
			}
			require.Equal(t, InvalidPageID, bt.Root())
		})
	}
}

// TestCursor_SeesInsertsAhead inserts the key after the current one on every
// step; the cursor must visit each inserted key exactly once, in order.
func TestCursor_SeesInsertsAhead(t *testing.T) {
	_, bt := setupTree(t, 4096, false)
	const n = 1000
	for i := 0; i < n; i += 2 {
		require.NoError(t, bt.Put(key(i), key(i)))
	}

	c := bt.Cursor()
	var visited [][]byte
	ok, err := c.First()
	for ; ok; ok, err = c.Next() {
		k := slices.Clone(c.Key())
		visited = append(visited, k)
		var i int
		_, scanErr := fmt.Sscanf(string(k), "key-%06d", &i)
		require.NoError(t, scanErr)
		if i%2 == 0 {
			require.NoError(t, bt.Put(key(i+1), key(i+1)))
		}
	}
	require.NoError(t, err)

	require.Len(t, visited, n)
	for i, k := range visited {
		require.Equal(t, key(i), k)
	}
	requireHealthy(t, bt)
}

func TestBTree_OverflowValues(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			s, bt := setupTree(t, 4096, compress)

			big := bytes.Repeat([]byte("0123456789"), 2000)
			random := make([]byte, 9000)
			rand.New(rand.NewSource(2)).Read(random)
			require.NoError(t, bt.Put([]byte("big"), big))
			require.NoError(t, bt.Put([]byte("random"), random))
			require.NoError(t, bt.Put([]byte("inline"), bytes.Repeat([]byte("i"), MaxInlineValueLen(4096))))
			s.commit(t)

			stats := requireHealthy(t, bt)
			if compress {
				// The repetitive value shrinks to a single page; random bytes do not.
				require.Equal(t, 1+3, stats.OverflowPages)
			} else {
				require.Equal(t, 5+3, stats.OverflowPages)
			}

			v, found, err := bt.Get([]byte("big"))
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, big, v)

			c := bt.Cursor()
			ok, err := c.Seek([]byte("random"))
			require.NoError(t, err)
			require.True(t, ok)
			v, err = c.Value()
			require.NoError(t, err)
			require.Equal(t, random, v)

			// Overwriting and deleting release the old chains.
			require.NoError(t, bt.Put([]byte("big"), []byte("small")))
			require.NoError(t, bt.Delete([]byte("random")))
			s.commit(t)
			stats = requireHealthy(t, bt)
			require.Zero(t, stats.OverflowPages)
			require.Len(t, s.pages, 1)
		})
	}
}

func TestBTree_CheckDetectsDamage(t *testing.T) {
	s, bt := setupTree(t, 4096, false)
	for i := 0; i < 400; i++ {
		require.NoError(t, bt.Put(key(i), []byte("value")))
	}
	s.commit(t)
	requireHealthy(t, bt)

	root, err := s.ReadNode(bt.Root())
	require.NoError(t, err)
	require.False(t, root.IsLeaf())

	// Point two children at the same page.
	broken := root.clone(root.pageID)
	broken.children[1].child = broken.children[0].child
	page := pagemanager.NewPage(root.pageID, 4096)
	require.NoError(t, EncodeNode(broken, page))
	s.pages[root.pageID] = page.GetData()

	_, _, err = bt.Check()
	require.ErrorIs(t, err, dberror.ErrInvalidPageData)
	require.Contains(t, err.Error(), "reachable twice")
}
