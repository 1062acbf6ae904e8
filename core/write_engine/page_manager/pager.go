package pagemanager

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojokv/core/dberror"
)

// --- Pager ---

const (
	MinPageSize = 4096
	MaxPageSize = 65536
)

// DefaultPageSize is the OS page size clamped into the supported range.
func DefaultPageSize() int {
	size := os.Getpagesize()
	if ValidatePageSize(size) != nil {
		return MinPageSize
	}
	return size
}

// ValidatePageSize reports whether size is a supported page size.
func ValidatePageSize(size int) error {
	if size < MinPageSize || size > MaxPageSize || bits.OnesCount(uint(size)) != 1 {
		return fmt.Errorf("%w: got %d", dberror.ErrInvalidPageSize, size)
	}
	return nil
}

// Options configures how a Pager opens its file.
type Options struct {
	// PageSize is used when creating a file and checked when opening one.
	// Zero accepts whatever the file was created with.
	PageSize int
	// ReadOnly opens the file without write access under a shared lock.
	ReadOnly bool
	Logger   *zap.Logger
}

// Pager reads and writes fixed-size pages of the database file. Reads and
// writes go through pread/pwrite and are safe for concurrent use.
type Pager struct {
	path     string
	file     *os.File
	pageSize int
	readOnly bool
	logger   *zap.Logger
	bufPool  sync.Pool
	closed   atomic.Bool
}

// Open opens or creates the database file at path and returns the pager
// together with the authoritative meta record.
func Open(path string, opts Options) (*Pager, *Meta, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize != 0 {
		if err := ValidatePageSize(opts.PageSize); err != nil {
			return nil, nil, err
		}
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: opening file %s: %v", dberror.ErrIO, path, err)
	}
	if err := lockFile(file, !opts.ReadOnly); err != nil {
		_ = file.Close()
		return nil, nil, err
	}

	p := &Pager{
		path:     path,
		file:     file,
		readOnly: opts.ReadOnly,
		logger:   logger,
	}

	meta, err := p.load(opts)
	if err != nil {
		return nil, nil, multierr.Append(err, p.Close())
	}
	p.bufPool.New = func() any { return make([]byte, p.pageSize) }
	return p, meta, nil
}

func (p *Pager) load(opts Options) (*Meta, error) {
	fi, err := p.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: getting file info: %v", dberror.ErrIO, err)
	}
	if fi.Size() == 0 {
		if p.readOnly {
			return nil, fmt.Errorf("%w: %s is empty", dberror.ErrFileTooSmall, p.path)
		}
		return p.create(opts.PageSize)
	}

	meta, err := p.readMetas(fi.Size(), opts.PageSize)
	if err != nil {
		return nil, err
	}
	if opts.PageSize != 0 && int(meta.PageSize) != opts.PageSize {
		return nil, fmt.Errorf("%w: file has %d, configured %d", dberror.ErrPageSizeMismatch, meta.PageSize, opts.PageSize)
	}
	p.pageSize = int(meta.PageSize)
	if want := int64(meta.PageCount) * int64(p.pageSize); fi.Size() < want {
		return nil, fmt.Errorf("%w: file is %d bytes, version %d needs %d", dberror.ErrFileTooSmall, fi.Size(), meta.TxID, want)
	}
	return meta, nil
}

// create initializes both meta slots of an empty file.
func (p *Pager) create(pageSize int) (*Meta, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize()
	}
	p.pageSize = pageSize
	meta := NewMeta(pageSize)

	buf := make([]byte, 2*pageSize)
	meta.Encode(buf)
	meta.Encode(buf[pageSize:])
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: writing initial meta pages: %v", dberror.ErrIO, err)
	}
	if err := p.Sync(); err != nil {
		return nil, err
	}
	p.logger.Info("created database file", zap.String("path", p.path), zap.Int("page_size", pageSize), zap.String("file_id", meta.FileID.String()))
	return meta, nil
}

// readMetas decodes both meta slots and returns the valid one with the
// higher txid. The page size comes from slot 0 when it is intact; otherwise
// every supported size is tried for slot 1.
func (p *Pager) readMetas(fileSize int64, configured int) (*Meta, error) {
	m0, err0 := p.readMetaAt(0)

	var candidates []int
	switch {
	case err0 == nil:
		candidates = []int{int(m0.PageSize)}
	case configured != 0:
		candidates = []int{configured}
	default:
		for size := MinPageSize; size <= MaxPageSize; size <<= 1 {
			candidates = append(candidates, size)
		}
	}

	var m1 *Meta
	err1 := dberror.ErrFileTooSmall
	for _, size := range candidates {
		if int64(2*size) > fileSize {
			continue
		}
		m, err := p.readMetaAt(int64(size))
		if err == nil && int(m.PageSize) != size {
			err = fmt.Errorf("%w: meta slot 1 at offset %d claims page size %d", dberror.ErrInvalidPageData, size, m.PageSize)
		}
		if err == nil {
			m1, err1 = m, nil
			break
		}
		err1 = err
	}

	switch {
	case err0 == nil && err1 == nil:
		if m1.TxID > m0.TxID {
			return m1, nil
		}
		return m0, nil
	case err0 == nil:
		if int64(2*m0.PageSize) > fileSize {
			return nil, fmt.Errorf("%w: file is %d bytes, smaller than two meta pages", dberror.ErrFileTooSmall, fileSize)
		}
		p.logger.Warn("meta slot 1 is invalid, using slot 0", zap.String("path", p.path), zap.Error(err1))
		return m0, nil
	case err1 == nil:
		p.logger.Warn("meta slot 0 is invalid, using slot 1", zap.String("path", p.path), zap.Error(err0))
		return m1, nil
	}

	// Neither slot is usable. A file that never was one of ours is reported
	// as unexpected; one that was is corrupted.
	if errors.Is(err0, dberror.ErrInvalidMagic) || errors.Is(err0, dberror.ErrFileTooSmall) || errors.Is(err0, dberror.ErrVersionMismatch) {
		return nil, dberror.New(dberror.CodeUnexpectedFile, "open "+p.path, err0)
	}
	p.logger.Error("no valid meta page", zap.String("path", p.path), zap.NamedError("slot0", err0), zap.NamedError("slot1", err1))
	return nil, dberror.New(dberror.CodeDBCorrupted, "open "+p.path, fmt.Errorf("%w: %v", dberror.ErrNoValidMeta, err0))
}

func (p *Pager) readMetaAt(offset int64) (*Meta, error) {
	buf := make([]byte, metaSize)
	n, err := p.file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading meta at offset %d: %v", dberror.ErrIO, offset, err)
	}
	return DecodeMeta(buf[:n])
}

func (p *Pager) PageSize() int  { return p.pageSize }
func (p *Pager) Path() string   { return p.path }
func (p *Pager) ReadOnly() bool { return p.readOnly }

func (p *Pager) getBuffer() []byte { return p.bufPool.Get().([]byte) }

// PutPage hands the buffer of a page obtained from ReadPage back for reuse.
// The page must not be used afterwards.
func (p *Pager) PutPage(page *Page) {
	if page == nil || len(page.data) != p.pageSize {
		return
	}
	p.bufPool.Put(page.data)
}

// ReadPage reads and verifies a data page. The returned page should be
// handed back with PutPage once decoded.
func (p *Pager) ReadPage(pageID PageID) (*Page, error) {
	if p.closed.Load() {
		return nil, dberror.ErrDatabaseClosed
	}
	if pageID < FirstDataPageID {
		return nil, fmt.Errorf("%w: page %d is a meta slot", dberror.ErrInvalidPageData, pageID)
	}
	buf := p.getBuffer()
	offset := int64(pageID) * int64(p.pageSize)
	n, err := p.file.ReadAt(buf, offset)
	if err != nil {
		p.bufPool.Put(buf)
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: EOF reading page %d at offset %d (read %d bytes)", dberror.ErrInvalidPageData, pageID, offset, n)
		}
		return nil, fmt.Errorf("%w: reading page %d at offset %d: %v", dberror.ErrIO, pageID, offset, err)
	}
	page := WrapPage(pageID, buf)
	if err := page.Verify(); err != nil {
		p.bufPool.Put(buf)
		p.logger.Error("page failed verification", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		return nil, err
	}
	return page, nil
}

// WritePage seals and writes a data page at its id's location. Durability
// is up to Sync.
func (p *Pager) WritePage(page *Page) error {
	if p.closed.Load() {
		return dberror.ErrDatabaseClosed
	}
	if p.readOnly {
		return dberror.ErrDatabaseReadOnly
	}
	if page.id < FirstDataPageID {
		return fmt.Errorf("%w: refusing to write data page over meta slot %d", dberror.ErrInvalidPageData, page.id)
	}
	if len(page.data) != p.pageSize {
		return fmt.Errorf("page data buffer size (%d) != pager page size (%d)", len(page.data), p.pageSize)
	}
	page.Seal()
	offset := int64(page.id) * int64(p.pageSize)
	if _, err := p.file.WriteAt(page.data, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", dberror.ErrIO, page.id, offset, err)
	}
	return nil
}

// WriteMeta writes meta into the slot selected by its txid.
func (p *Pager) WriteMeta(meta *Meta) error {
	if p.closed.Load() {
		return dberror.ErrDatabaseClosed
	}
	if p.readOnly {
		return dberror.ErrDatabaseReadOnly
	}
	buf := p.getBuffer()
	defer p.bufPool.Put(buf)
	clear(buf)
	meta.Encode(buf)
	offset := int64(meta.Slot()) * int64(p.pageSize)
	if _, err := p.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: writing meta slot %d: %v", dberror.ErrIO, meta.Slot(), err)
	}
	return nil
}

// EncodeMetaPage renders meta as a full page image, as written to a slot.
func (p *Pager) EncodeMetaPage(meta *Meta) []byte {
	buf := make([]byte, p.pageSize)
	meta.Encode(buf)
	return buf
}

// Grow extends the file so that pages [0, pageCount) exist.
func (p *Pager) Grow(pageCount PageID) error {
	if p.closed.Load() {
		return dberror.ErrDatabaseClosed
	}
	fi, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: getting file info: %v", dberror.ErrIO, err)
	}
	want := int64(pageCount) * int64(p.pageSize)
	if fi.Size() >= want {
		return nil
	}
	if err := p.file.Truncate(want); err != nil {
		return fmt.Errorf("%w: growing file to %d bytes: %v", dberror.ErrIO, want, err)
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (p *Pager) Sync() error {
	if err := fdatasync(p.file); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", dberror.ErrIO, p.path, err)
	}
	return nil
}

// SectionReader exposes the raw bytes of pages [from, to).
func (p *Pager) SectionReader(from, to PageID) *io.SectionReader {
	return io.NewSectionReader(p.file, int64(from)*int64(p.pageSize), int64(to-from)*int64(p.pageSize))
}

// Close releases the file lock and closes the file handle.
func (p *Pager) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if !p.readOnly {
		err = multierr.Append(err, p.Sync())
	}
	err = multierr.Append(err, unlockFile(p.file))
	if cerr := p.file.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: closing %s: %v", dberror.ErrIO, p.path, cerr))
	}
	return err
}
