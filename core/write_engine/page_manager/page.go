package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/gojokv/core/dberror"
)

// --- Page Management ---

// PageID represents a unique identifier for a page on disk. The page with
// id N lives at byte offset N*pageSize.
type PageID uint64

const (
	// InvalidPageID doubles as meta slot 0; no tree, overflow or freelist page
	// ever uses it, so it is safe as a "none" marker in page references.
	InvalidPageID PageID = 0

	MetaSlot0       PageID = 0
	MetaSlot1       PageID = 1
	FirstDataPageID PageID = 2
)

// PageKind tags the content stored in a non-meta page.
type PageKind uint8

const (
	KindBranch   PageKind = 1
	KindLeaf     PageKind = 2
	KindOverflow PageKind = 3
	KindFreelist PageKind = 4
)

func (k PageKind) String() string {
	switch k {
	case KindBranch:
		return "branch"
	case KindLeaf:
		return "leaf"
	case KindOverflow:
		return "overflow"
	case KindFreelist:
		return "freelist"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Page header layout. The checksum covers everything from the id onwards.
//
//	[0]    kind
//	[1]    reserved, zero
//	[2:4]  count
//	[4:8]  crc32c
//	[8:16] page id
const (
	PageHeaderSize = 16

	kindOffset     = 0
	countOffset    = 2
	checksumOffset = 4
	idOffset       = 8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Page represents an in-memory copy of a disk page.
type Page struct {
	id   PageID
	data []byte
}

// NewPage creates a new zeroed Page instance.
func NewPage(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// WrapPage adopts buf as the backing storage of page id.
func WrapPage(id PageID, buf []byte) *Page {
	return &Page{id: id, data: buf}
}

func (p *Page) GetData() []byte    { return p.data }
func (p *Page) GetPageID() PageID  { return p.id }
func (p *Page) Kind() PageKind     { return PageKind(p.data[kindOffset]) }
func (p *Page) SetKind(k PageKind) { p.data[kindOffset] = byte(k) }
func (p *Page) Count() int         { return int(binary.LittleEndian.Uint16(p.data[countOffset:])) }
func (p *Page) SetCount(n int)     { binary.LittleEndian.PutUint16(p.data[countOffset:], uint16(n)) }
func (p *Page) Body() []byte       { return p.data[PageHeaderSize:] }
func (p *Page) storedID() PageID   { return PageID(binary.LittleEndian.Uint64(p.data[idOffset:])) }
func (p *Page) storedChecksum() uint32 {
	return binary.LittleEndian.Uint32(p.data[checksumOffset:])
}

// Seal stamps the page id into the header and computes the checksum. It must
// be the last thing done to a page before it is written.
func (p *Page) Seal() {
	binary.LittleEndian.PutUint64(p.data[idOffset:], uint64(p.id))
	binary.LittleEndian.PutUint32(p.data[checksumOffset:], crc32.Checksum(p.data[idOffset:], castagnoli))
}

// Verify checks the checksum and the stamped page id of a page read from disk.
func (p *Page) Verify() error {
	calculated := crc32.Checksum(p.data[idOffset:], castagnoli)
	if stored := p.storedChecksum(); stored != calculated {
		return fmt.Errorf("%w: stored=0x%x, calculated=0x%x for page %d", dberror.ErrChecksumMismatch, stored, calculated, p.id)
	}
	if got := p.storedID(); got != p.id {
		return fmt.Errorf("%w: page %d carries id %d", dberror.ErrInvalidPageData, p.id, got)
	}
	return nil
}

// ExpectKind returns a corruption error unless the page holds one of kinds.
func (p *Page) ExpectKind(kinds ...PageKind) error {
	k := p.Kind()
	for _, want := range kinds {
		if k == want {
			return nil
		}
	}
	return fmt.Errorf("%w: page %d has unexpected kind %s", dberror.ErrInvalidPageData, p.id, k)
}
