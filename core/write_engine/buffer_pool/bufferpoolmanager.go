// Package bufferpool caches decoded pages shared by every transaction of a
// process.
package bufferpool

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	pagemanager "github.com/sushant-115/gojokv/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokv/internal/telemetry"
)

// MinCapacityPages is the smallest number of pages the pool holds whatever
// the configured byte budget.
const MinCapacityPages = 16

// Loader reads and decodes a page that is not in the pool.
type Loader[V any] func(pageID pagemanager.PageID) (V, error)

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Capacity  int
}

// BufferPoolManager maps page ids to decoded, immutable page contents and
// evicts the least recently used entry once the budget is reached.
//
// Only committed pages are ever handed to the pool. Pages dirtied by an
// in-flight write transaction stay in that transaction's own table until
// commit, so they can never be evicted.
type BufferPoolManager[V any] struct {
	cache    *lru.Cache[pagemanager.PageID, V]
	loads    singleflight.Group
	load     Loader[V]
	capacity int
	logger   *zap.Logger
	metrics  *internaltelemetry.StorageMetrics

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewBufferPoolManager creates a pool sized to budgetBytes worth of pages.
func NewBufferPoolManager[V any](budgetBytes, pageSize int, load Loader[V], logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BufferPoolManager[V], error) {
	if load == nil {
		return nil, fmt.Errorf("buffer pool needs a loader")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.GlobalStorageMetrics()
	}
	capacity := max(budgetBytes/pageSize, MinCapacityPages)
	cache, err := lru.New[pagemanager.PageID, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}
	logger.Debug("buffer pool initialized", zap.Int("capacity_pages", capacity), zap.Int("page_size", pageSize))
	return &BufferPoolManager[V]{
		cache:    cache,
		load:     load,
		capacity: capacity,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// FetchPage returns the decoded page, loading it on a miss. Concurrent
// misses on the same id share a single load.
func (bpm *BufferPoolManager[V]) FetchPage(pageID pagemanager.PageID) (V, error) {
	if v, ok := bpm.cache.Get(pageID); ok {
		bpm.hits.Add(1)
		bpm.metrics.CacheHitsCounter.Add(context.Background(), 1)
		return v, nil
	}
	bpm.misses.Add(1)
	bpm.metrics.CacheMissesCounter.Add(context.Background(), 1)

	res, err, _ := bpm.loads.Do(strconv.FormatUint(uint64(pageID), 10), func() (any, error) {
		v, err := bpm.load(pageID)
		if err != nil {
			return nil, err
		}
		bpm.add(pageID, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Put installs the content of a page that has just been committed,
// replacing whatever the pool held for that id.
func (bpm *BufferPoolManager[V]) Put(pageID pagemanager.PageID, v V) {
	bpm.add(pageID, v)
}

func (bpm *BufferPoolManager[V]) add(pageID pagemanager.PageID, v V) {
	if evicted := bpm.cache.Add(pageID, v); evicted {
		bpm.evictions.Add(1)
		bpm.metrics.CacheEvictionsCounter.Add(context.Background(), 1)
	}
}

// Remove drops a page id from the pool.
func (bpm *BufferPoolManager[V]) Remove(pageID pagemanager.PageID) {
	bpm.cache.Remove(pageID)
}

// Contains reports whether the page is cached without touching its recency.
func (bpm *BufferPoolManager[V]) Contains(pageID pagemanager.PageID) bool {
	return bpm.cache.Contains(pageID)
}

// Purge empties the pool.
func (bpm *BufferPoolManager[V]) Purge() {
	bpm.cache.Purge()
}

func (bpm *BufferPoolManager[V]) Stats() Stats {
	return Stats{
		Hits:      bpm.hits.Load(),
		Misses:    bpm.misses.Load(),
		Evictions: bpm.evictions.Load(),
		Len:       bpm.cache.Len(),
		Capacity:  bpm.capacity,
	}
}
