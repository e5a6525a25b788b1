package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/agleyzer/kiosk/internal/metrics"
)

// ErrUnexpectedStatus is returned when the origin answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// DefaultDownloadTimeout bounds a single asset fetch.
const DefaultDownloadTimeout = 2 * time.Minute

// Store downloads and evicts the local copies of remote creatives.
type Store interface {
	// DownloadAsset fetches url for ad id and returns the local handle. An
	// empty handle with a nil error means the ad stays on its remote source.
	DownloadAsset(ctx context.Context, id, url string) (string, error)

	// CleanupAssets removes every local copy not belonging to liveIDs.
	CleanupAssets(liveIDs []string) error
}

// StoreConfig configures a FileStore.
type StoreConfig struct {
	// Fs is the filesystem rooted at the cache directory.
	Fs afero.Fs
	// Client performs origin requests. Defaults to a client with
	// DefaultDownloadTimeout.
	Client *http.Client
	// RatePerSecond limits how many origin requests start per second.
	// Zero or negative means unlimited.
	RatePerSecond float64
	// PublicPrefix is prepended to the cache-relative name to form the
	// handle given to the renderer (e.g. "/assets/").
	PublicPrefix string
	// MaxBandwidth caps the rendition picked from HLS master playlists.
	MaxBandwidth int
}

// FileStore keeps one file (or, for HLS, one directory) per ad in a flat
// cache directory. Names are derived from the ad id and the source URL, so a
// copy written by an earlier run is picked up again without refetching.
type FileStore struct {
	fs           afero.Fs
	client       *http.Client
	limiter      *rate.Limiter
	publicPrefix string
	maxBandwidth int
	logger       *slog.Logger
}

// NewFileStore creates a FileStore.
func NewFileStore(cfg StoreConfig, logger *slog.Logger) *FileStore {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}

	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}

	prefix := cfg.PublicPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &FileStore{
		fs:           cfg.Fs,
		client:       client,
		limiter:      rate.NewLimiter(limit, burst),
		publicPrefix: prefix,
		maxBandwidth: cfg.MaxBandwidth,
		logger:       logger,
	}
}

// DownloadAsset implements Store.
func (s *FileStore) DownloadAsset(ctx context.Context, id, rawURL string) (string, error) {
	stem := entryStem(id, rawURL)

	if isHLS(rawURL) {
		return s.downloadHLS(ctx, id, rawURL, stem)
	}

	name := stem + extension(rawURL)
	if s.complete(name) {
		metrics.AssetDownloads.WithLabelValues("reused").Inc()
		s.logger.Debug("reusing cached asset", "id", id, "file", name)
		s.removeSiblings(id, name)
		return s.handle(name), nil
	}

	if err := s.fetchToFile(ctx, rawURL, name); err != nil {
		metrics.AssetDownloads.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("download %s: %w", id, err)
	}

	metrics.AssetDownloads.WithLabelValues("ok").Inc()
	s.logger.Info("cached asset", "id", id, "file", name)
	s.removeSiblings(id, name)
	return s.handle(name), nil
}

// CleanupAssets implements Store. It keeps going after individual failures
// and reports them together.
func (s *FileStore) CleanupAssets(liveIDs []string) error {
	entries, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		return fmt.Errorf("list cache: %w", err)
	}

	live := make([]string, len(liveIDs))
	for i, id := range liveIDs {
		live[i] = idPrefix(id)
	}

	var errs []error
	for _, entry := range entries {
		name := entry.Name()
		if s.isLive(name, live) {
			continue
		}
		if err := s.fs.RemoveAll(fsPath(name)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		s.logger.Debug("evicted cached asset", "file", name)
	}
	return errors.Join(errs...)
}

func (s *FileStore) isLive(name string, live []string) bool {
	for _, prefix := range live {
		if hasIDPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// removeSiblings deletes older copies of the same ad, left behind when its
// source URL changed. In-flight partial files are left alone.
func (s *FileStore) removeSiblings(id, keep string) {
	prefix := idPrefix(id)
	keepRoot := strings.SplitN(keep, "/", 2)[0]

	entries, err := afero.ReadDir(s.fs, "/")
	if err != nil {
		s.logger.Debug("list cache failed", "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == keepRoot || strings.HasSuffix(name, partialSuffix) || !hasIDPrefix(name, prefix) {
			continue
		}
		if err := s.fs.RemoveAll(fsPath(name)); err != nil {
			s.logger.Debug("remove stale copy failed", "file", name, "error", err)
		}
	}
}

// complete reports whether name exists and holds data.
func (s *FileStore) complete(name string) bool {
	info, err := s.fs.Stat(fsPath(name))
	return err == nil && !info.IsDir() && info.Size() > 0
}

func (s *FileStore) handle(name string) string {
	return s.publicPrefix + name
}

// fsPath maps a cache-relative name to its path on the cache filesystem.
func fsPath(name string) string {
	return "/" + strings.TrimPrefix(name, "/")
}

// fetchToFile downloads rawURL into name. Data is written to a partial file
// first and renamed into place once complete.
func (s *FileStore) fetchToFile(ctx context.Context, rawURL, name string) error {
	body, err := s.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()

	return s.writeFile(name, body)
}

func (s *FileStore) writeFile(name string, r io.Reader) error {
	name = fsPath(name)
	if dir := path.Dir(name); dir != "/" {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	partial := name + partialSuffix
	f, err := s.fs.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr == nil && n == 0 {
		copyErr = errors.New("empty response body")
	}
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.fs.Remove(partial)
		return fmt.Errorf("write file: %w", err)
	}

	if err := s.fs.Rename(partial, name); err != nil {
		_ = s.fs.Remove(partial)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// get issues a paced GET and returns the body of a 200 response.
func (s *FileStore) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return resp.Body, nil
}
