// Package updates polls a build-info endpoint and announces newer builds on
// the event bus. Notifications are for the render surface only; nothing
// here touches playback.
package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agleyzer/kiosk/internal/events"
	"github.com/agleyzer/kiosk/internal/metrics"
)

// DefaultInterval is the check period used when none is configured.
const DefaultInterval = 15 * time.Minute

// Publisher receives update notifications.
type Publisher interface {
	Publish(t events.Type, payload any)
}

// BuildInfo is the document served by the update endpoint.
type BuildInfo struct {
	Build string `json:"build"`
}

// Checker compares the running build against the endpoint's.
type Checker struct {
	url      string
	current  string
	client   *http.Client
	bus      Publisher
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Checker. A nil client gets a default one.
func New(url, currentBuild string, client *http.Client, bus Publisher, interval time.Duration, logger *slog.Logger) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Checker{
		url:      url,
		current:  currentBuild,
		client:   client,
		bus:      bus,
		interval: interval,
		logger:   logger,
	}
}

// Run checks immediately and then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) error {
	c.logger.Info("starting update checker", "url", c.url, "interval", c.interval)

	c.Check(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check performs one comparison and publishes the outcome. It reports
// whether a different build is available.
func (c *Checker) Check(ctx context.Context) bool {
	latest, err := c.fetch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.UpdateChecks.WithLabelValues("failed").Inc()
		c.logger.Warn("update check failed", "error", err)
		c.bus.Publish(events.TypeUpdateError, events.UpdateError{Message: err.Error()})
		return false
	}

	if latest == c.current {
		metrics.UpdateChecks.WithLabelValues("current").Inc()
		c.logger.Debug("build is current", "build", c.current)
		return false
	}

	metrics.UpdateChecks.WithLabelValues("available").Inc()
	c.logger.Info("update available", "current", c.current, "latest", latest)
	c.bus.Publish(events.TypeUpdateAvailable, events.UpdateAvailable{
		CurrentBuild: c.current,
		LatestBuild:  latest,
	})
	return true
}

func (c *Checker) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch build info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch build info: HTTP %d", resp.StatusCode)
	}

	var info BuildInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", fmt.Errorf("failed to parse build info: %w", err)
	}

	build := strings.TrimSpace(info.Build)
	if build == "" {
		return "", fmt.Errorf("build info has no build number")
	}
	return build, nil
}
