package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojokv/core/dberror"
)

func TestMeta_EncodeDecode(t *testing.T) {
	m := NewMeta(8192)
	m.Root = 17
	m.Freelist = 9
	m.PageCount = 40
	m.TxID = 12

	buf := make([]byte, 8192)
	m.Encode(buf)

	got, err := DecodeMeta(buf)
	require.NoError(t, err)
	require.Equal(t, m.FileID, got.FileID)
	require.Equal(t, PageID(17), got.Root)
	require.Equal(t, PageID(9), got.Freelist)
	require.Equal(t, PageID(40), got.PageCount)
	require.Equal(t, uint64(12), got.TxID)
	require.Equal(t, uint32(8192), got.PageSize)
	require.Equal(t, MetaSlot0, got.Slot())
}

func TestMeta_SlotAlternates(t *testing.T) {
	m := NewMeta(4096)
	for txid := uint64(0); txid < 6; txid++ {
		m.TxID = txid
		require.Equal(t, PageID(txid%2), m.Slot())
	}
}

func TestDecodeMeta_Rejects(t *testing.T) {
	encode := func(mutate func(m *Meta)) []byte {
		m := NewMeta(4096)
		m.PageCount = 10
		mutate(m)
		buf := make([]byte, 4096)
		m.Encode(buf)
		return buf
	}

	t.Run("bad magic", func(t *testing.T) {
		_, err := DecodeMeta(encode(func(m *Meta) { m.Magic = 0xdeadbeef }))
		require.ErrorIs(t, err, dberror.ErrInvalidMagic)
	})
	t.Run("checksum", func(t *testing.T) {
		buf := encode(func(m *Meta) {})
		buf[40] ^= 0xff
		_, err := DecodeMeta(buf)
		require.ErrorIs(t, err, dberror.ErrChecksumMismatch)
		require.Equal(t, dberror.CodeDBCorrupted, dberror.CodeOf(err))
	})
	t.Run("version", func(t *testing.T) {
		_, err := DecodeMeta(encode(func(m *Meta) { m.Version = DBVersion + 1 }))
		require.ErrorIs(t, err, dberror.ErrVersionMismatch)
	})
	t.Run("page size", func(t *testing.T) {
		_, err := DecodeMeta(encode(func(m *Meta) { m.PageSize = 5000 }))
		require.ErrorIs(t, err, dberror.ErrInvalidPageData)
	})
	t.Run("root out of range", func(t *testing.T) {
		_, err := DecodeMeta(encode(func(m *Meta) { m.Root = 10 }))
		require.ErrorIs(t, err, dberror.ErrInvalidPageData)
	})
	t.Run("short", func(t *testing.T) {
		_, err := DecodeMeta([]byte("ABCD1234"))
		require.ErrorIs(t, err, dberror.ErrFileTooSmall)
	})
}

func TestPage_SealVerify(t *testing.T) {
	p := NewPage(5, 4096)
	p.SetKind(KindLeaf)
	p.SetCount(3)
	copy(p.Body(), "payload")
	p.Seal()
	require.NoError(t, p.Verify())
	require.NoError(t, p.ExpectKind(KindBranch, KindLeaf))
	require.ErrorIs(t, p.ExpectKind(KindOverflow), dberror.ErrInvalidPageData)

	p.GetData()[PageHeaderSize+2] ^= 1
	require.ErrorIs(t, p.Verify(), dberror.ErrChecksumMismatch)

	// A page read from the wrong offset carries someone else's id.
	q := NewPage(6, 4096)
	q.SetKind(KindLeaf)
	q.Seal()
	moved := WrapPage(7, q.GetData())
	require.ErrorIs(t, moved.Verify(), dberror.ErrInvalidPageData)
}
