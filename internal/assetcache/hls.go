package assetcache

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/kiosk/internal/metrics"
	"github.com/agleyzer/kiosk/internal/segment"
	"github.com/agleyzer/kiosk/internal/variant"
)

var (
	// ErrLiveStream is returned for HLS sources that never end; they cannot
	// be mirrored and keep playing from the origin.
	ErrLiveStream = errors.New("live HLS playlists cannot be cached")

	// ErrEncrypted is returned for HLS sources with encrypted segments.
	ErrEncrypted = errors.New("encrypted HLS playlists cannot be cached")
)

// downloadHLS mirrors a VOD HLS creative into the directory named stem. For
// master playlists a single rendition is picked. The local playlist is
// written last, so its presence marks a complete mirror.
func (s *FileStore) downloadHLS(ctx context.Context, id, rawURL, stem string) (string, error) {
	index := stem + "/" + hlsIndex
	if s.complete(index) {
		metrics.AssetDownloads.WithLabelValues("reused").Inc()
		s.removeSiblings(id, index)
		return s.handle(index), nil
	}

	segments, targetDuration, err := s.resolveHLS(ctx, rawURL)
	if err != nil {
		metrics.AssetDownloads.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("download %s: %w", id, err)
	}

	local, err := m3u8.NewMediaPlaylist(0, uint(len(segments)))
	if err != nil {
		return "", fmt.Errorf("download %s: create playlist: %w", id, err)
	}

	// abort removes the partial mirror.
	abort := func(err error) (string, error) {
		metrics.AssetDownloads.WithLabelValues("failed").Inc()
		_ = s.fs.RemoveAll(fsPath(stem))
		return "", fmt.Errorf("download %s: %w", id, err)
	}

	for _, seg := range segments {
		name := seg.Filename(extension(seg.URL))
		if err := s.fetchToFile(ctx, seg.URL, stem+"/"+name); err != nil {
			return abort(fmt.Errorf("segment %d: %w", seg.Sequence, err))
		}
		if err := local.Append(name, seg.Duration, ""); err != nil {
			return abort(fmt.Errorf("append segment: %w", err))
		}
	}
	local.TargetDuration = float64(targetDuration)
	local.MediaType = m3u8.VOD
	local.Close()

	if err := s.writeFile(index, local.Encode()); err != nil {
		return abort(fmt.Errorf("write playlist: %w", err))
	}

	metrics.AssetDownloads.WithLabelValues("ok").Inc()
	s.logger.Info("cached HLS asset", "id", id, "segments", len(segments))
	s.removeSiblings(id, index)
	return s.handle(index), nil
}

// resolveHLS fetches the playlist at rawURL, following a master playlist to
// one of its renditions, and returns the absolute segment list.
func (s *FileStore) resolveHLS(ctx context.Context, rawURL string) ([]segment.Segment, int, error) {
	playlist, listType, err := s.decode(ctx, rawURL)
	if err != nil {
		return nil, 0, err
	}

	mediaURL := rawURL
	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, 0, fmt.Errorf("unexpected playlist type")
		}

		v, err := s.pickVariant(master, rawURL)
		if err != nil {
			return nil, 0, err
		}
		s.logger.Debug("selected HLS variant",
			"bandwidth", v.Bandwidth,
			"resolution", v.Resolution,
			"url", v.PlaylistURL,
		)

		mediaURL = v.PlaylistURL
		playlist, listType, err = s.decode(ctx, mediaURL)
		if err != nil {
			return nil, 0, err
		}
		if listType != m3u8.MEDIA {
			return nil, 0, fmt.Errorf("expected media playlist, got master playlist")
		}
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected playlist type")
	}
	if !media.Closed {
		return nil, 0, ErrLiveStream
	}
	if media.Key != nil && media.Key.Method != "" && media.Key.Method != "NONE" {
		return nil, 0, ErrEncrypted
	}

	var segments []segment.Segment
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}
		if seg.Key != nil && seg.Key.Method != "" && seg.Key.Method != "NONE" {
			return nil, 0, ErrEncrypted
		}

		segmentURL, err := resolveURL(mediaURL, seg.URI)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		segments = append(segments, segment.Segment{
			URL:      segmentURL,
			Duration: seg.Duration,
			Sequence: i,
		})
	}

	if len(segments) == 0 {
		return nil, 0, fmt.Errorf("playlist contains no segments")
	}

	targetDuration := int(media.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	return segments, targetDuration, nil
}

func (s *FileStore) pickVariant(master *m3u8.MasterPlaylist, masterURL string) (variant.Variant, error) {
	var variants []variant.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		variantURL, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return variant.Variant{}, fmt.Errorf("failed to resolve variant URL: %w", err)
		}
		variants = append(variants, variant.Variant{
			Bandwidth:   int(v.Bandwidth),
			Resolution:  v.Resolution,
			Codecs:      v.Codecs,
			PlaylistURL: variantURL,
		})
	}

	chosen, ok := variant.Select(variants, s.maxBandwidth)
	if !ok {
		return variant.Variant{}, fmt.Errorf("master playlist contains no variants")
	}
	return chosen, nil
}

func (s *FileStore) decode(ctx context.Context, rawURL string) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := s.get(ctx, rawURL)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()

	playlist, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse playlist: %w", err)
	}
	return playlist, listType, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
