// Package assetcache keeps local copies of remote creatives so playback
// survives network loss. The Cache maps ad ids to local handles; the Store
// does the downloading and disk housekeeping behind it.
package assetcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agleyzer/kiosk/internal/ad"
	"github.com/agleyzer/kiosk/internal/metrics"
)

// DefaultWorkers is the download concurrency used when none is configured.
const DefaultWorkers = 4

// Generation is one playlist version produced by a single fetch cycle.
type Generation struct {
	ID  string
	Ads []ad.Ad
}

// entry is a local copy of the creative at src.
type entry struct {
	handle string
	src    string
}

// Cache maps ad ids to local handles. Entries are best effort: an ad with
// no entry plays from its remote source.
type Cache struct {
	store   Store
	workers int
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	latest  string
	live    map[string]string
}

// New creates a Cache backed by store. workers bounds concurrent downloads.
func New(store Store, workers int, logger *slog.Logger) *Cache {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Cache{
		store:   store,
		workers: workers,
		logger:  logger,
		entries: make(map[string]entry),
		live:    make(map[string]string),
	}
}

// Resolve returns the local handle for id. It never blocks on I/O.
func (c *Cache) Resolve(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.handle, ok
}

// Len returns the number of ads with a local copy.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the id to handle map.
func (c *Cache) Entries() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.handle
	}
	return out
}

// Prefetch downloads every remote image and video of gen, then, once all
// downloads have settled, evicts entries that gen no longer references.
// Failures are logged per asset and never abort the others. Prefetch blocks
// until the cleanup pass is done; callers run it in the background.
func (c *Cache) Prefetch(ctx context.Context, gen Generation) {
	start := time.Now()
	ids := ad.IDs(gen.Ads)

	c.mu.Lock()
	c.latest = gen.ID
	c.live = make(map[string]string, len(gen.Ads))
	for _, a := range gen.Ads {
		// The first remote source wins for duplicated ids.
		if src, ok := c.live[a.ID]; ok && src != "" {
			continue
		}
		if a.NeedsPrefetch() {
			c.live[a.ID] = a.Src
		} else {
			c.live[a.ID] = ""
		}
	}
	// A copy of an earlier source must not stand in for the new one, even
	// if the new download fails.
	for id, e := range c.entries {
		if src, ok := c.live[id]; ok && src != e.src {
			delete(c.entries, id)
		}
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	seen := make(map[string]bool, len(gen.Ads))
	queued := 0
	for _, a := range gen.Ads {
		if !a.NeedsPrefetch() || seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		queued++

		id, src := a.ID, a.Src
		g.Go(func() error {
			c.fetch(gctx, gen.ID, id, src)
			// Never fail the group: one bad asset must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	metrics.PrefetchDuration.Observe(time.Since(start).Seconds())
	c.logger.Debug("prefetch settled",
		"generation", gen.ID,
		"assets", queued,
		"duration", time.Since(start),
	)

	c.mu.RLock()
	current := c.latest == gen.ID
	c.mu.RUnlock()
	if !current {
		c.logger.Debug("skipping cleanup for superseded generation", "generation", gen.ID)
		return
	}
	if ctx.Err() != nil {
		return
	}

	c.Cleanup(ids)
}

func (c *Cache) fetch(ctx context.Context, genID, id, src string) {
	handle, err := c.store.DownloadAsset(ctx, id, src)
	if err != nil {
		c.logger.Warn("asset download failed, playing from remote",
			"id", id,
			"src", src,
			"error", err,
		)
		return
	}
	if handle == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A later generation may have dropped the ad or changed its source.
	if want, ok := c.live[id]; !ok || want != src {
		c.logger.Debug("discarding stale download", "id", id, "generation", genID)
		return
	}
	c.entries[id] = entry{handle: handle, src: src}
	metrics.CacheEntries.Set(float64(len(c.entries)))
}

// Cleanup drops every entry whose id is not in liveIDs and asks the store to
// remove the matching files. Store failures are logged and swallowed; the
// next generation's cleanup retries them.
func (c *Cache) Cleanup(liveIDs []string) {
	keep := make(map[string]bool, len(liveIDs))
	for _, id := range liveIDs {
		keep[id] = true
	}

	c.mu.Lock()
	for id := range c.entries {
		if !keep[id] {
			delete(c.entries, id)
		}
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if err := c.store.CleanupAssets(liveIDs); err != nil {
		metrics.CleanupFailures.Inc()
		c.logger.Warn("cache cleanup failed", "error", err)
	}
}
