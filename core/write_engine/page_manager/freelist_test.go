package pagemanager

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(s *FreeSet) []PageID {
	var ids []PageID
	s.Ascend(func(id PageID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func TestFreeSet_PopsLowestFirst(t *testing.T) {
	s := NewFreeSet(9, 3, 7, 3)
	require.Equal(t, 3, s.Len())

	id, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, PageID(3), id)

	c := s.Clone()
	c.Add(1)
	_, _ = c.Pop()
	_, _ = c.Pop()
	require.Equal(t, []PageID{9}, collect(c))
	require.Equal(t, []PageID{7, 9}, collect(s), "clone must not affect the original")

	_, _ = s.Pop()
	_, _ = s.Pop()
	_, ok = s.Pop()
	require.False(t, ok)
}

func TestFreelist_PendingReleasedByOldestReader(t *testing.T) {
	f := NewFreelist(2)
	f.Commit(5, f.Free().Clone(), []PageID{10, 11})
	f.Commit(6, f.Free().Clone(), []PageID{12})
	f.Commit(7, f.Free().Clone(), nil)
	require.Equal(t, 3, f.PendingCount())
	require.ElementsMatch(t, []PageID{10, 11, 12}, f.PendingIDs())

	// A reader on version 4 can still reach everything.
	require.Equal(t, 0, f.Release(4))
	// A reader on version 5 no longer needs what commit 5 replaced.
	require.Equal(t, 2, f.Release(5))
	require.True(t, f.Free().Has(10))
	require.False(t, f.Free().Has(12))

	require.Equal(t, 1, f.ReleaseAll())
	require.Equal(t, 0, f.PendingCount())
	require.Equal(t, []PageID{2, 10, 11, 12}, collect(f.Free()))
}

func TestFreelist_PersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "freelist.db")
	p, meta, err := Open(path, Options{PageSize: 4096})
	require.NoError(t, err)
	defer p.Close()

	per := FreelistIDsPerPage(4096)
	n := per + per/2
	ids := make([]PageID, n)
	for i := range ids {
		ids[i] = PageID(100 + i)
	}
	chain := []PageID{2, 3}
	require.Equal(t, len(chain), FreelistPagesNeeded(n, 4096))

	pages, err := EncodeFreelist(ids, chain, 4096)
	require.NoError(t, err)
	meta.PageCount = PageID(100 + n)
	require.NoError(t, p.Grow(meta.PageCount))
	for _, page := range pages {
		require.NoError(t, p.WritePage(page))
	}

	gotIDs, gotChain, err := ReadFreelist(p, chain[0], meta.PageCount)
	require.NoError(t, err)
	require.Equal(t, ids, gotIDs)
	require.Equal(t, chain, gotChain)

	_, err = EncodeFreelist(ids, chain[:1], 4096)
	require.Error(t, err)
}

func TestReadFreelist_DetectsLoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loop.db")
	p, _, err := Open(path, Options{PageSize: 4096})
	require.NoError(t, err)
	defer p.Close()

	// Two pages pointing at each other.
	pages, err := EncodeFreelist([]PageID{9}, []PageID{2, 3}, 4096)
	require.NoError(t, err)
	last := pages[1].Body()
	last[0] = 2
	require.NoError(t, p.Grow(10))
	for _, page := range pages {
		require.NoError(t, p.WritePage(page))
	}

	_, _, err = ReadFreelist(p, 2, 10)
	require.ErrorContains(t, err, "loops")
}
