package gojokv

import (
	"go.uber.org/zap"

	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokv/internal/telemetry"
)

// DefaultMempoolCapacity is the page cache budget used when none is configured.
const DefaultMempoolCapacity = 4 * 1024 * 1024

// Options configures how a database file is opened.
type Options struct {
	// PageSize is a power of two between 4096 and 65536. It is fixed when the
	// file is created; opening an existing file with a different non-zero
	// PageSize fails. Zero means the OS page size for new files and whatever
	// the file was created with for existing ones.
	PageSize int
	// ForceSync syncs every commit to stable storage before it returns.
	// Without it a commit is atomic but may be lost on power failure.
	ForceSync bool
	// MempoolCapacity is the page cache budget in bytes.
	MempoolCapacity int
	// ReadOnly opens the file under a shared lock and rejects read-write
	// transactions.
	ReadOnly bool
	// CompressOverflow snappy-compresses values stored in overflow pages.
	CompressOverflow bool

	Logger  *zap.Logger
	Metrics *internaltelemetry.StorageMetrics
}

// DefaultOptions returns the options used when Open is given nil.
func DefaultOptions() *Options {
	return &Options{
		MempoolCapacity: DefaultMempoolCapacity,
	}
}

func (o *Options) withDefaults() Options {
	out := *DefaultOptions()
	if o != nil {
		out = *o
	}
	if out.MempoolCapacity <= 0 {
		out.MempoolCapacity = DefaultMempoolCapacity
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Metrics == nil {
		out.Metrics = internaltelemetry.GlobalStorageMetrics()
	}
	return out
}

// Validate checks the options without touching the file system.
func (o *Options) Validate() error {
	if o.PageSize != 0 {
		return pagemanager.ValidatePageSize(o.PageSize)
	}
	return nil
}
