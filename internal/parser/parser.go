// Package parser fetches and decodes the kiosk playlist feed.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agleyzer/kiosk/internal/ad"
)

// DefaultTimeout bounds one feed request.
const DefaultTimeout = 30 * time.Second

// maxFeedSize caps how much of a feed response is read.
const maxFeedSize = 8 << 20

// ErrUnexpectedStatus is returned when the feed answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// Source delivers the raw playlist.
type Source interface {
	FetchPlaylist(ctx context.Context) ([]ad.RawAd, error)
}

// HTTPSource reads the playlist from a JSON endpoint.
type HTTPSource struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSource creates a source for feedURL. A nil client gets a default
// one with DefaultTimeout.
func NewHTTPSource(feedURL string, client *http.Client, logger *slog.Logger) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSource{url: feedURL, client: client, logger: logger}
}

// URL returns the feed location.
func (s *HTTPSource) URL() string {
	return s.url
}

// FetchPlaylist fetches and decodes the feed.
func (s *HTTPSource) FetchPlaylist(ctx context.Context) ([]ad.RawAd, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch playlist: %w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}

	raw, err := Decode(data, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return raw, nil
}

// Decode parses a feed document: either a bare array of entries or an
// object with an "ads" array. An entry that does not decode is kept as an
// empty record so positions stay stable; the normalizer drops it.
func Decode(data []byte, logger *slog.Logger) ([]ad.RawAd, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty document")
	}

	var items []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
	case '{':
		var envelope struct {
			Ads []json.RawMessage `json:"ads"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, err
		}
		items = envelope.Ads
	default:
		return nil, fmt.Errorf("expected JSON array or object, got %q", data[0])
	}

	raw := make([]ad.RawAd, len(items))
	for i, item := range items {
		if err := json.Unmarshal(item, &raw[i]); err != nil {
			if logger != nil {
				logger.Debug("dropping undecodable playlist entry", "position", i, "error", err)
			}
			raw[i] = ad.RawAd{}
		}
	}
	return raw, nil
}
