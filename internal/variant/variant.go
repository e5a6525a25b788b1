// Package variant selects which rendition of an HLS master playlist the
// asset cache mirrors for a video creative.
package variant

// Variant is one rendition listed in an HLS master playlist.
type Variant struct {
	// Bandwidth is the peak bitrate in bits per second.
	Bandwidth int

	// Resolution is the video resolution (e.g., "1920x1080"), empty if not
	// advertised.
	Resolution string

	// Codecs is the codec string, empty if not advertised.
	Codecs string

	// PlaylistURL is the absolute URL of the rendition's media playlist.
	PlaylistURL string
}

// Select picks the highest-bandwidth variant not above maxBandwidth. A
// maxBandwidth of 0 means no cap. When every variant exceeds the cap the
// lowest one is returned. ok is false only for an empty list.
func Select(variants []Variant, maxBandwidth int) (v Variant, ok bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}

	best, lowest := -1, 0
	for i, candidate := range variants {
		if candidate.Bandwidth < variants[lowest].Bandwidth {
			lowest = i
		}
		if maxBandwidth > 0 && candidate.Bandwidth > maxBandwidth {
			continue
		}
		if best < 0 || candidate.Bandwidth > variants[best].Bandwidth {
			best = i
		}
	}

	if best < 0 {
		return variants[lowest], true
	}
	return variants[best], true
}
