// Package segment describes the media segments of an HLS creative that is
// mirrored into the asset cache.
package segment

import "fmt"

// Segment is one media segment of a VOD media playlist.
type Segment struct {
	// URL is the absolute location of the segment on the origin.
	URL string

	// Duration is the segment duration in seconds.
	Duration float64

	// Sequence is the position in the origin playlist.
	Sequence int
}

// Filename returns the local name of the segment inside its mirror
// directory. ext includes the leading dot.
func (s Segment) Filename(ext string) string {
	if ext == "" {
		ext = ".ts"
	}
	return fmt.Sprintf("seg%05d%s", s.Sequence, ext)
}
