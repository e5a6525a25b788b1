// Package fetcher polls the playlist feed and hands each result to the
// scheduler and the asset cache.
package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/kiosk/internal/ad"
	"github.com/agleyzer/kiosk/internal/assetcache"
	"github.com/agleyzer/kiosk/internal/events"
	"github.com/agleyzer/kiosk/internal/metrics"
	"github.com/agleyzer/kiosk/internal/parser"
)

// DefaultInterval is the feed poll period used when none is configured.
const DefaultInterval = 60 * time.Second

// StatusKind classifies the outcome of the last poll.
type StatusKind string

const (
	StatusPending StatusKind = "pending"
	StatusOK      StatusKind = "ok"
	StatusEmpty   StatusKind = "empty"
	StatusFailed  StatusKind = "failed"
)

// Status is the operator-visible result of the last poll.
type Status struct {
	Kind       StatusKind `json:"kind"`
	Text       string     `json:"text"`
	Fallback   bool       `json:"fallback"`
	Generation string     `json:"generation,omitempty"`
	Ads        int        `json:"ads"`
	FetchedAt  time.Time  `json:"fetchedAt"`
}

// Scheduler is the part of playlist.Scheduler the fetcher drives.
type Scheduler interface {
	Replace(ads []ad.Ad)
	Playlist() []ad.Ad
}

// Prefetcher is the part of assetcache.Cache the fetcher drives.
type Prefetcher interface {
	Prefetch(ctx context.Context, gen assetcache.Generation)
}

// Publisher receives status changes. May be nil.
type Publisher interface {
	Publish(t events.Type, payload any)
}

// Fetcher runs the poll loop.
type Fetcher struct {
	source    parser.Source
	scheduler Scheduler
	cache     Prefetcher
	bus       Publisher
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	status Status

	prefetches sync.WaitGroup
}

// New creates a Fetcher.
func New(source parser.Source, scheduler Scheduler, cache Prefetcher, bus Publisher, interval time.Duration, logger *slog.Logger) *Fetcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Fetcher{
		source:    source,
		scheduler: scheduler,
		cache:     cache,
		bus:       bus,
		interval:  interval,
		logger:    logger,
		status:    Status{Kind: StatusPending, Text: "waiting for first fetch"},
	}
}

// Run polls immediately and then every interval until ctx is cancelled. A
// failed poll is not retried early; the next tick is the retry.
func (f *Fetcher) Run(ctx context.Context) error {
	f.logger.Info("starting playlist fetcher", "interval", f.interval)

	f.Poll(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("stopping playlist fetcher")
			f.prefetches.Wait()
			return nil
		case <-ticker.C:
			f.Poll(ctx)
		}
	}
}

// Poll performs one fetch cycle and returns the resulting status. A playlist
// equal to the one already playing is not replaced, so the slot on screen
// keeps running. Background caching for the new generation is started but
// not waited for.
func (f *Fetcher) Poll(ctx context.Context) Status {
	genID := uuid.NewString()

	raw, err := f.source.FetchPlaylist(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return f.Status()
		}
		metrics.FeedFetches.WithLabelValues(string(StatusFailed)).Inc()
		f.logger.Warn("playlist fetch failed, using fallback", "error", err)
		// The cache keeps its entries: the last real playlist is still the
		// most recent one fetched.
		f.apply(ad.Fallback())
		return f.setStatus(Status{
			Kind:     StatusFailed,
			Text:     fmt.Sprintf("fallback: fetch failed: %v", err),
			Fallback: true,
			Ads:      len(ad.Fallback()),
		})
	}

	ads := ad.Normalize(raw)
	if len(ads) == 0 {
		metrics.FeedFetches.WithLabelValues(string(StatusEmpty)).Inc()
		f.logger.Warn("playlist feed is empty, using fallback", "entries", len(raw))
		fallback := ad.Fallback()
		f.apply(fallback)
		f.prefetch(ctx, assetcache.Generation{ID: genID, Ads: fallback})
		return f.setStatus(Status{
			Kind:       StatusEmpty,
			Text:       "fallback: empty feed",
			Fallback:   true,
			Generation: genID,
			Ads:        len(fallback),
		})
	}

	metrics.FeedFetches.WithLabelValues(string(StatusOK)).Inc()
	if dropped := len(raw) - len(ads); dropped > 0 {
		f.logger.Info("dropped malformed playlist entries", "dropped", dropped)
	}
	changed := f.apply(ads)
	f.logger.Debug("playlist fetched",
		"generation", genID,
		"ads", len(ads),
		"changed", changed,
	)
	f.prefetch(ctx, assetcache.Generation{ID: genID, Ads: ads})

	return f.setStatus(Status{
		Kind:       StatusOK,
		Text:       "ok",
		Generation: genID,
		Ads:        len(ads),
	})
}

// Status returns the result of the last poll.
func (f *Fetcher) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

// Wait blocks until every prefetch started so far has finished.
func (f *Fetcher) Wait() {
	f.prefetches.Wait()
}

// apply replaces the scheduler playlist unless it is already playing the
// same ads, so an unchanged feed does not restart the slot on screen.
func (f *Fetcher) apply(ads []ad.Ad) bool {
	if ad.Equal(f.scheduler.Playlist(), ads) {
		return false
	}
	f.scheduler.Replace(ads)
	return true
}

func (f *Fetcher) prefetch(ctx context.Context, gen assetcache.Generation) {
	if f.cache == nil {
		return
	}
	f.prefetches.Add(1)
	go func() {
		defer f.prefetches.Done()
		f.cache.Prefetch(ctx, gen)
	}()
}

func (f *Fetcher) setStatus(s Status) Status {
	s.FetchedAt = time.Now()

	f.mu.Lock()
	prev := f.status
	f.status = s
	f.mu.Unlock()

	if prev.Kind != s.Kind || prev.Text != s.Text {
		f.logger.Info("feed status changed", "status", s.Kind, "text", s.Text)
	}
	if f.bus != nil {
		f.bus.Publish(events.TypeStatus, s)
	}
	return s
}
