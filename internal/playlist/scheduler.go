// Package playlist implements the playback scheduler: the state machine that
// decides which ad is on screen, for how long, and with which source.
package playlist

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agleyzer/kiosk/internal/ad"
	"github.com/agleyzer/kiosk/internal/clock"
	"github.com/agleyzer/kiosk/internal/metrics"
)

// minExitDelay is the earliest an exit effect may start after slot entry.
const minExitDelay = 500 * time.Millisecond

var (
	// ErrNavigationDisabled is returned by Navigate outside dev mode.
	ErrNavigationDisabled = errors.New("manual navigation is disabled")

	// ErrNoActiveSlot is returned by Navigate while the playlist is empty.
	ErrNoActiveSlot = errors.New("no active slot")

	// ErrInvalidDelta is returned by Navigate for steps other than +1 and -1.
	ErrInvalidDelta = errors.New("navigation delta must be +1 or -1")

	// ErrClosed is returned once the scheduler has been torn down.
	ErrClosed = errors.New("scheduler closed")
)

// Resolver looks up the local copy of an ad's media. It must not block.
type Resolver interface {
	Resolve(id string) (string, bool)
}

// Snapshot is a copy of the scheduler output handed to the renderer.
type Snapshot struct {
	// Seq increases with every state change.
	Seq          uint64    `json:"seq"`
	Active       bool      `json:"active"`
	Index        int       `json:"index"`
	Length       int       `json:"length"`
	Ad           ad.Ad     `json:"ad"`
	CommittedSrc string    `json:"committedSrc"`
	Enter        ad.Effect `json:"enter"`
	Exit         ad.Effect `json:"exit"`
	Exiting      bool      `json:"exiting"`
	StartedAt    time.Time `json:"startedAt"`
}

// Scheduler owns what is on screen. A slot is either showing or exiting;
// with an empty playlist there is no active slot and no pending timer.
//
// Every timer callback carries the epoch it was armed in. Cancelling bumps
// the epoch, so a callback that already started racing a cancellation finds
// a stale epoch and does nothing.
type Scheduler struct {
	clk        clock.Clock
	cache      Resolver
	navigation bool
	logger     *slog.Logger

	mu           sync.Mutex
	ads          []ad.Ad
	active       bool
	index        int
	startedAt    time.Time
	committedSrc string
	exiting      bool
	epoch        uint64
	seq          uint64
	timers       []clock.Timer
	pending      int
	slotEntries  uint64
	closed       bool

	listenersMu  sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int
}

// New creates a scheduler with an empty playlist. navigation enables the
// operator override exposed by Navigate.
func New(cache Resolver, clk clock.Clock, navigation bool, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		clk:        clk,
		cache:      cache,
		navigation: navigation,
		logger:     logger,
		listeners:  make(map[int]func(Snapshot)),
	}
}

// Replace installs a new playlist and restarts playback at the first slot.
// Timers belonging to the previous playlist are cancelled first.
func (s *Scheduler) Replace(ads []ad.Ad) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.cancelLocked()
	s.ads = append([]ad.Ad(nil), ads...)
	metrics.PlaylistReplacements.Inc()

	if len(s.ads) == 0 {
		s.active = false
		s.index = 0
		s.committedSrc = ""
		s.exiting = false
		s.seq++
		s.logger.Info("playlist replaced with empty list, no active slot")
	} else {
		s.logger.Info("playlist replaced", "length", len(s.ads))
		s.enterLocked(0)
	}

	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// Navigate skips to the next (+1) or previous (-1) ad. The current slot
// still plays its exit effect before the target slot starts.
func (s *Scheduler) Navigate(delta int) error {
	if !s.navigation {
		return ErrNavigationDisabled
	}
	if delta != 1 && delta != -1 {
		return ErrInvalidDelta
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.active {
		s.mu.Unlock()
		return ErrNoActiveSlot
	}

	s.cancelLocked()
	s.exiting = true
	s.seq++
	epoch := s.epoch
	s.timers = append(s.timers, s.clk.AfterFunc(ad.ExitAnimation, func() {
		s.onNavigate(epoch, delta)
	}))
	s.pending++

	direction := "next"
	if delta < 0 {
		direction = "previous"
	}
	metrics.Navigations.WithLabelValues(direction).Inc()
	s.logger.Info("manual navigation", "direction", direction, "from", s.index)

	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// Snapshot returns the current scheduler output.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Playlist returns a copy of the playlist being played.
func (s *Scheduler) Playlist() []ad.Ad {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ad.Ad(nil), s.ads...)
}

// NavigationEnabled reports whether Navigate is allowed.
func (s *Scheduler) NavigationEnabled() bool {
	return s.navigation
}

// Subscribe registers fn to receive every state change. The returned
// function removes the subscription.
func (s *Scheduler) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Close cancels all pending timers. The scheduler ignores every later call.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.closed = true
	s.mu.Unlock()

	s.listenersMu.Lock()
	s.listeners = make(map[int]func(Snapshot))
	s.listenersMu.Unlock()

	s.logger.Info("scheduler stopped")
}

// GetStats returns current statistics about the scheduler.
func (s *Scheduler) GetStats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]any{
		"playlist_length": len(s.ads),
		"active":          s.active,
		"current_index":   s.index,
		"exiting":         s.exiting,
		"slot_entries":    s.slotEntries,
		"pending_timers":  s.pending,
	}
	if s.active {
		stats["current_id"] = s.ads[s.index].ID
		stats["started_at"] = s.startedAt
	}
	return stats
}

// enterLocked makes slot i active. The source is resolved here, once, and
// stays fixed until the slot is left. Caller must hold s.mu.
func (s *Scheduler) enterLocked(i int) {
	s.cancelLocked()

	current := s.ads[i]
	src := current.Src
	kind := "remote"
	if current.Type == ad.TypeHTML && current.Src == "" {
		kind = "inline"
	}
	if s.cache != nil {
		if local, ok := s.cache.Resolve(current.ID); ok && local != "" {
			src = local
			kind = "local"
		}
	}

	s.active = true
	s.index = i
	s.committedSrc = src
	s.startedAt = s.clk.Now()
	s.exiting = false
	s.seq++
	s.slotEntries++
	metrics.SlotsStarted.WithLabelValues(kind).Inc()

	duration := current.Duration()
	exitAt := duration - ad.ExitAnimation
	if exitAt < minExitDelay {
		exitAt = minExitDelay
	}

	epoch := s.epoch
	s.timers = append(s.timers,
		s.clk.AfterFunc(exitAt, func() { s.onExit(epoch) }),
		s.clk.AfterFunc(duration, func() { s.onAdvance(epoch) }),
	)
	s.pending += 2

	s.logger.Debug("slot started",
		"index", i,
		"id", current.ID,
		"source", kind,
		"duration", duration,
	)
}

// cancelLocked stops every pending timer and invalidates callbacks that may
// already be running. Caller must hold s.mu.
func (s *Scheduler) cancelLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.pending = 0
	s.epoch++
}

func (s *Scheduler) onExit(epoch uint64) {
	s.mu.Lock()
	if s.closed || epoch != s.epoch || !s.active {
		s.mu.Unlock()
		return
	}
	s.pending--
	s.exiting = true
	s.seq++
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *Scheduler) onAdvance(epoch uint64) {
	s.mu.Lock()
	if s.closed || epoch != s.epoch || len(s.ads) == 0 {
		s.mu.Unlock()
		return
	}
	s.enterLocked((s.index + 1) % len(s.ads))
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

func (s *Scheduler) onNavigate(epoch uint64, delta int) {
	s.mu.Lock()
	if s.closed || epoch != s.epoch || len(s.ads) == 0 {
		s.mu.Unlock()
		return
	}
	n := len(s.ads)
	s.enterLocked(((s.index+delta)%n + n) % n)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// snapshotLocked copies the output state. Caller must hold s.mu.
func (s *Scheduler) snapshotLocked() Snapshot {
	snap := Snapshot{
		Seq:    s.seq,
		Active: s.active,
		Index:  s.index,
		Length: len(s.ads),
	}
	if !s.active {
		return snap
	}
	current := s.ads[s.index]
	snap.Ad = current
	snap.CommittedSrc = s.committedSrc
	snap.Enter = current.Transition.Enter
	snap.Exit = current.Transition.Exit
	snap.Exiting = s.exiting
	snap.StartedAt = s.startedAt
	return snap
}

func (s *Scheduler) notify(snap Snapshot) {
	s.listenersMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
