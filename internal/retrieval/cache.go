package retrieval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hyperjump/policydesk/internal/metrics"
	"github.com/hyperjump/policydesk/internal/storage"
	"github.com/hyperjump/policydesk/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status describes the cache state.
type Status struct {
	Loaded     bool       `json:"loaded"`
	Chunks     int        `json:"chunks"`
	LoadTimeMS int64      `json:"load_time_ms"`
	LoadedAt   *time.Time `json:"loaded_at,omitempty"`
	SizeBytes  int64      `json:"size_bytes,omitempty"`
}

// IndexCache lazily loads the index once per process and hands the same Retriever to
// every caller. Concurrent first calls share a single load; a failed load is not
// remembered, so the next call tries again.
type IndexCache struct {
	load     LoadFunc
	indexDir string
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	retriever *Retriever
	loadTime  time.Duration
	loadedAt  time.Time
}

// CacheOption configures an IndexCache.
type CacheOption func(*IndexCache)

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) CacheOption {
	return func(c *IndexCache) { c.logger = l }
}

// WithMetrics records load timings.
func WithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *IndexCache) { c.metrics = m }
}

// WithIndexDir sets the artifact directory reported in Status.SizeBytes.
func WithIndexDir(dir string) CacheOption {
	return func(c *IndexCache) { c.indexDir = dir }
}

// NewIndexCache returns an empty cache that loads with load on first use.
func NewIndexCache(load LoadFunc, opts ...CacheOption) *IndexCache {
	c := &IndexCache{load: load}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = utils.NopIfNil(c.logger)
	return c
}

// GetOrLoad returns the loaded Retriever, loading it if needed. Callers whose ctx ends
// while another caller's load is in flight return ctx.Err(); the load itself continues.
func (c *IndexCache) GetOrLoad(ctx context.Context) (Searcher, error) {
	r, err := c.getOrLoad(ctx)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *IndexCache) getOrLoad(ctx context.Context) (*Retriever, error) {
	if r := c.current(); r != nil {
		return r, nil
	}
	ch := c.group.DoChan("index", func() (interface{}, error) {
		if r := c.current(); r != nil {
			return r, nil
		}
		return c.loadNow(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Retriever), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *IndexCache) loadNow(ctx context.Context) (*Retriever, error) {
	start := time.Now()
	c.logger.Info("loading index")
	r, err := c.load(ctx)
	if err != nil {
		c.logger.Warn("index load failed", zap.Error(err))
		return nil, fmt.Errorf("load index: %w", err)
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	c.retriever = r
	c.loadTime = elapsed
	c.loadedAt = time.Now().UTC()
	c.mu.Unlock()

	c.metrics.IndexLoaded(elapsed)
	c.logger.Info("index loaded", zap.Int("chunks", r.Size()), zap.Duration("duration", elapsed))
	return r, nil
}

func (c *IndexCache) current() *Retriever {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retriever
}

// Warm loads the index if it is not loaded yet and returns the resulting status.
func (c *IndexCache) Warm(ctx context.Context) (Status, error) {
	if _, err := c.getOrLoad(ctx); err != nil {
		return c.Status(), err
	}
	return c.Status(), nil
}

// Loaded reports whether the index is in memory.
func (c *IndexCache) Loaded() bool {
	return c.current() != nil
}

// Status returns the current cache state.
func (c *IndexCache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.retriever == nil {
		return Status{}
	}
	loadedAt := c.loadedAt
	st := Status{
		Loaded:     true,
		Chunks:     c.retriever.Size(),
		LoadTimeMS: c.loadTime.Milliseconds(),
		LoadedAt:   &loadedAt,
	}
	if c.indexDir != "" {
		if genDir, err := storage.CurrentGeneration(c.indexDir); err == nil {
			if size, err := storage.DiskUsageBytes(genDir); err == nil {
				st.SizeBytes = size
			}
		}
	}
	return st
}

// Close releases the loaded index. A later GetOrLoad loads it again.
func (c *IndexCache) Close() error {
	c.mu.Lock()
	r := c.retriever
	c.retriever = nil
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	c.metrics.IndexUnloaded()
	return r.Close()
}
