package gojokv

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/sushant-115/gojokv/core/dberror"
	"github.com/sushant-115/gojokv/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
)

// WriteTo writes a complete database file holding exactly the
// transaction's version to w. Both meta slots of the copy point at that
// version. It implements io.WriterTo.
func (tx *Tx) WriteTo(w io.Writer) (int64, error) {
	res, err := tx.copyTo(context.Background(), w, 0)
	return res.Bytes, err
}

func (tx *Tx) copyTo(ctx context.Context, w io.Writer, bytesPerSec int64) (common.CopyResult, error) {
	if tx.closed() {
		return common.CopyResult{}, dberror.ErrTxClosed
	}
	pager := tx.db.pager
	// A read-write transaction copies the version it started from; its own
	// pages are not in the file until it commits.
	meta := tx.tx.Meta()

	slot := pager.EncodeMetaPage(&meta)
	head := make([]byte, 0, 2*len(slot))
	head = append(head, slot...)
	head = append(head, slot...)

	src := io.MultiReader(
		bytes.NewReader(head),
		pager.SectionReader(pagemanager.FirstDataPageID, meta.PageCount),
	)
	return common.CopyThrottled(ctx, w, src, bytesPerSec)
}

// BackupResult describes a finished backup.
type BackupResult struct {
	TxID   uint64
	Bytes  int64
	SHA256 []byte
}

// Backup writes a consistent copy of the latest committed version to w
// while other transactions keep running. Writes are throttled to
// bytesPerSec when it is positive. Cancelling ctx aborts the copy.
func (db *DB) Backup(ctx context.Context, w io.Writer, bytesPerSec int64) (BackupResult, error) {
	tx, err := db.Begin(false)
	if err != nil {
		return BackupResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.copyTo(ctx, w, bytesPerSec)
	if err != nil {
		return BackupResult{TxID: tx.ID(), Bytes: res.Bytes}, fmt.Errorf("backup of version %d: %w", tx.ID(), err)
	}
	db.logger.Info("backup complete",
		zap.Uint64("txid", tx.ID()),
		zap.Int64("bytes", res.Bytes),
		zap.String("sha256", fmt.Sprintf("%x", res.SHA256)),
	)
	return BackupResult{TxID: tx.ID(), Bytes: res.Bytes, SHA256: res.SHA256}, nil
}
