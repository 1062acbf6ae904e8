package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/sushant-115/gojokv/core/dberror"
)

const (
	DBMagic   uint32 = 0x6A6F6B76 // "jokv"
	DBVersion uint32 = 1

	metaSize = 4*4 + 16 + 4*8 + 4
)

// Meta is the authoritative pointer to one committed version. Two copies
// live in pages 0 and 1; the valid one with the higher TxID wins.
type Meta struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	Flags     uint32
	FileID    uuid.UUID
	Root      PageID // InvalidPageID for an empty tree
	Freelist  PageID // head of the freelist chain, InvalidPageID when empty
	PageCount PageID // high-water mark: first page id never handed out
	TxID      uint64
	Checksum  uint32
}

// NewMeta returns the meta record of a freshly created file.
func NewMeta(pageSize int) *Meta {
	return &Meta{
		Magic:     DBMagic,
		Version:   DBVersion,
		PageSize:  uint32(pageSize),
		FileID:    uuid.New(),
		PageCount: FirstDataPageID,
	}
}

// Slot returns the meta page this version is written to.
func (m *Meta) Slot() PageID {
	return PageID(m.TxID % 2)
}

// Encode writes the meta record into buf, which must be at least metaSize bytes.
func (m *Meta) Encode(buf []byte) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:], m.Magic)
	le.PutUint32(buf[4:], m.Version)
	le.PutUint32(buf[8:], m.PageSize)
	le.PutUint32(buf[12:], m.Flags)
	copy(buf[16:32], m.FileID[:])
	le.PutUint64(buf[32:], uint64(m.Root))
	le.PutUint64(buf[40:], uint64(m.Freelist))
	le.PutUint64(buf[48:], uint64(m.PageCount))
	le.PutUint64(buf[56:], m.TxID)
	m.Checksum = crc32.Checksum(buf[:64], castagnoli)
	le.PutUint32(buf[64:], m.Checksum)
}

// DecodeMeta parses and validates a meta record.
func DecodeMeta(buf []byte) (*Meta, error) {
	if len(buf) < metaSize {
		return nil, fmt.Errorf("%w: meta record needs %d bytes, got %d", dberror.ErrFileTooSmall, metaSize, len(buf))
	}
	le := binary.LittleEndian
	m := &Meta{
		Magic:     le.Uint32(buf[0:]),
		Version:   le.Uint32(buf[4:]),
		PageSize:  le.Uint32(buf[8:]),
		Flags:     le.Uint32(buf[12:]),
		Root:      PageID(le.Uint64(buf[32:])),
		Freelist:  PageID(le.Uint64(buf[40:])),
		PageCount: PageID(le.Uint64(buf[48:])),
		TxID:      le.Uint64(buf[56:]),
		Checksum:  le.Uint32(buf[64:]),
	}
	copy(m.FileID[:], buf[16:32])

	if m.Magic != DBMagic {
		return nil, fmt.Errorf("%w: expected 0x%x, got 0x%x", dberror.ErrInvalidMagic, DBMagic, m.Magic)
	}
	if calculated := crc32.Checksum(buf[:64], castagnoli); calculated != m.Checksum {
		return nil, fmt.Errorf("%w: meta stored=0x%x, calculated=0x%x", dberror.ErrChecksumMismatch, m.Checksum, calculated)
	}
	if m.Version != DBVersion {
		return nil, fmt.Errorf("%w: file version %d, supported %d", dberror.ErrVersionMismatch, m.Version, DBVersion)
	}
	if err := ValidatePageSize(int(m.PageSize)); err != nil {
		return nil, fmt.Errorf("%w: meta carries page size %d", dberror.ErrInvalidPageData, m.PageSize)
	}
	if m.PageCount < FirstDataPageID || (m.Root != InvalidPageID && m.Root >= m.PageCount) || (m.Freelist != InvalidPageID && m.Freelist >= m.PageCount) {
		return nil, fmt.Errorf("%w: meta page references out of range (root=%d freelist=%d count=%d)", dberror.ErrInvalidPageData, m.Root, m.Freelist, m.PageCount)
	}
	return m, nil
}
