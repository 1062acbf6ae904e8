// Package flushmanager writes a committed version to the database file.
package flushmanager

import (
	"cmp"
	"context"
	"slices"

	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokv/internal/telemetry"
)

// FlushManager performs the durable part of a commit:
//
//  1. grow the file to the new page count
//  2. write every new page
//  3. sync, when ForceSync is set
//  4. write the meta record into the slot its txid selects
//  5. sync again, when ForceSync is set
//
// The previous meta slot is never touched, so a failure at any step leaves
// the last committed version intact.
type FlushManager struct {
	pager     *pagemanager.Pager
	forceSync bool
	logger    *zap.Logger
	metrics   *internaltelemetry.StorageMetrics
}

func New(pager *pagemanager.Pager, forceSync bool, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *FlushManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.GlobalStorageMetrics()
	}
	return &FlushManager{pager: pager, forceSync: forceSync, logger: logger, metrics: metrics}
}

func (fm *FlushManager) ForceSync() bool { return fm.forceSync }

// Flush writes pages followed by meta. Pages are written in id order.
func (fm *FlushManager) Flush(ctx context.Context, pages []*pagemanager.Page, meta *pagemanager.Meta) error {
	slices.SortFunc(pages, func(a, b *pagemanager.Page) int {
		return cmp.Compare(a.GetPageID(), b.GetPageID())
	})

	if err := fm.pager.Grow(meta.PageCount); err != nil {
		return err
	}
	for _, p := range pages {
		if err := fm.pager.WritePage(p); err != nil {
			return err
		}
	}
	if fm.forceSync {
		if err := fm.pager.Sync(); err != nil {
			return err
		}
	}

	if err := fm.pager.WriteMeta(meta); err != nil {
		return err
	}
	if fm.forceSync {
		if err := fm.pager.Sync(); err != nil {
			return err
		}
	}

	fm.metrics.PagesWrittenCounter.Add(ctx, int64(len(pages)+1))
	fm.logger.Debug("flushed version",
		zap.Uint64("txid", meta.TxID),
		zap.Int("pages", len(pages)),
		zap.Uint64("root", uint64(meta.Root)),
		zap.Uint64("page_count", uint64(meta.PageCount)),
		zap.Bool("synced", fm.forceSync),
	)
	return nil
}
