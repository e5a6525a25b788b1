// Package server exposes the scheduler output to the render surface over
// HTTP: JSON snapshots, a websocket stream of slot and update events, the
// cached asset files, and Prometheus metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/afero"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agleyzer/kiosk/internal/events"
	"github.com/agleyzer/kiosk/internal/fetcher"
	"github.com/agleyzer/kiosk/internal/metrics"
	"github.com/agleyzer/kiosk/internal/playlist"
)

const (
	// AssetsPrefix is the URL path under which cached files are served.
	AssetsPrefix = "/assets/"

	pingInterval = 15 * time.Second
	writeTimeout = 5 * time.Second
	sendBuffer   = 32
)

// Player is the part of playlist.Scheduler the server reads and drives.
type Player interface {
	Snapshot() playlist.Snapshot
	Navigate(delta int) error
	NavigationEnabled() bool
	GetStats() map[string]any
}

// StatusSource reports the feed status.
type StatusSource interface {
	Status() fetcher.Status
}

// Config configures the server.
type Config struct {
	Port int
	// DevMode exposes the navigation endpoints.
	DevMode bool
	// Build is reported on /health.
	Build string
	// Assets is the cache filesystem served under AssetsPrefix. May be nil.
	Assets afero.Fs
}

// Server serves the render surface.
type Server struct {
	player     Player
	status     StatusSource
	bus        *events.Bus
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server.
func New(player Player, status StatusSource, bus *events.Bus, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		player: player,
		status: status,
		bus:    bus,
		cfg:    cfg,
		logger: logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/now", s.handleNow)
	r.Get("/ws", s.handleEvents)
	r.Post("/nav/{direction}", s.handleNavigate)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if s.cfg.Assets != nil {
		files := http.StripPrefix(AssetsPrefix, http.FileServer(afero.NewHttpFs(s.cfg.Assets)))
		r.Handle(AssetsPrefix+"*", files)
	}

	return r
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket connections are not tracked by Shutdown; they
		// end when ctx does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "port", s.cfg.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth serves health check information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"build":  s.cfg.Build,
		"dev":    s.cfg.DevMode,
		"stats":  s.player.GetStats(),
	}
	if s.status != nil {
		health["feed"] = s.status.Status()
	}

	writeJSON(w, http.StatusOK, health)
}

// handleNow serves the current slot.
func (s *Server) handleNow(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	writeJSON(w, http.StatusOK, s.player.Snapshot())
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.DevMode || !s.player.NavigationEnabled() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": playlist.ErrNavigationDisabled.Error()})
		return
	}

	var delta int
	switch chi.URLParam(r, "direction") {
	case "next":
		delta = 1
	case "prev", "previous":
		delta = -1
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown direction"})
		return
	}

	if err := s.player.Navigate(delta); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, playlist.ErrNavigationDisabled):
			status = http.StatusForbidden
		case errors.Is(err, playlist.ErrNoActiveSlot), errors.Is(err, playlist.ErrClosed):
			status = http.StatusConflict
		case errors.Is(err, playlist.ErrInvalidDelta):
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, s.player.Snapshot())
}

// handleEvents streams slot, status and update events to one render client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	// The client never sends; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(r.Context())

	send := make(chan events.Event, sendBuffer)
	unsubscribe := s.bus.Subscribe(func(ev events.Event) {
		select {
		case send <- ev:
		default:
			s.logger.Debug("websocket client too slow, dropping event", "type", ev.Type)
		}
	}, events.TypeSlot, events.TypeStatus, events.TypeUpdateAvailable, events.TypeUpdateError)
	defer unsubscribe()

	if err := s.writeEvent(ctx, conn, events.Event{Type: events.TypeSlot, Payload: s.player.Snapshot()}); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "client disconnected")
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}
		case ev := <-send:
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *ws.Conn, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket handler take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
