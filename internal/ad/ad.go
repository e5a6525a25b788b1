// Package ad defines the creative records played by the kiosk and the
// normalizer that turns untrusted feed entries into them.
package ad

import "time"

// Type is the kind of creative.
type Type string

const (
	TypeImage Type = "image"
	TypeVideo Type = "video"
	TypeHTML  Type = "html"
)

// Effect names one of the transition effects the renderer understands.
type Effect string

const (
	EffectFade       Effect = "fade"
	EffectSlideLeft  Effect = "slide-left"
	EffectSlideRight Effect = "slide-right"
	EffectSlideUp    Effect = "slide-up"
	EffectSlideDown  Effect = "slide-down"
	EffectZoom       Effect = "zoom"
	EffectNone       Effect = "none"
)

// DefaultEffect is applied when a transition is missing or unknown.
const DefaultEffect = EffectFade

var knownEffects = map[Effect]bool{
	EffectFade:       true,
	EffectSlideLeft:  true,
	EffectSlideRight: true,
	EffectSlideUp:    true,
	EffectSlideDown:  true,
	EffectZoom:       true,
	EffectNone:       true,
}

const (
	// ExitAnimation is how long the renderer's exit effect runs.
	ExitAnimation = 650 * time.Millisecond

	// SafetyMargin keeps an ad on screen after its exit effect has finished.
	SafetyMargin = 500 * time.Millisecond

	// MinDuration is the floor every ad duration is clamped up to.
	MinDuration = ExitAnimation + SafetyMargin

	// DefaultDuration is used when an entry carries no duration at all.
	DefaultDuration = 8 * time.Second
)

// Transition holds the enter and exit effect of an ad.
type Transition struct {
	Enter Effect `json:"enter"`
	Exit  Effect `json:"exit"`
}

// Layout carries presentation hints. The scheduler never looks inside.
type Layout struct {
	Fit        string `json:"fit,omitempty"`
	PaddingPx  *int   `json:"paddingPx,omitempty"`
	Background string `json:"background,omitempty"`
	Width      string `json:"width,omitempty"`
	Height     string `json:"height,omitempty"`
}

// Ad is a validated creative. Values are never mutated after Normalize
// returns them.
type Ad struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Type       Type       `json:"type"`
	Src        string     `json:"src,omitempty"`
	HTML       string     `json:"html,omitempty"`
	Poster     string     `json:"poster,omitempty"`
	DurationMs int64      `json:"durationMs"`
	Transition Transition `json:"transition"`
	Layout     *Layout    `json:"layout,omitempty"`
}

// Duration returns the display time of the ad.
func (a Ad) Duration() time.Duration {
	return time.Duration(a.DurationMs) * time.Millisecond
}

// NeedsPrefetch reports whether the ad carries remote media worth caching.
func (a Ad) NeedsPrefetch() bool {
	if a.Type != TypeImage && a.Type != TypeVideo {
		return false
	}
	return isRemote(a.Src)
}

// Raw converts the ad back into a feed record.
func (a Ad) Raw() RawAd {
	raw := RawAd{
		ID:         Text(a.ID),
		Name:       Text(a.Name),
		Type:       Text(a.Type),
		Src:        a.Src,
		HTML:       a.HTML,
		Poster:     a.Poster,
		DurationMs: NumberOf(float64(a.DurationMs)),
		Transition: &RawTransition{
			Enter: Text(a.Transition.Enter),
			Exit:  Text(a.Transition.Exit),
		},
	}
	if l := a.Layout; l != nil {
		raw.Layout = &RawLayout{
			Fit:        Text(l.Fit),
			Background: Text(l.Background),
			Width:      Text(l.Width),
			Height:     Text(l.Height),
		}
		if l.PaddingPx != nil {
			raw.Layout.PaddingPx = NumberOf(float64(*l.PaddingPx))
		}
	}
	return raw
}

// IDs returns the ids of ads in playlist order.
func IDs(ads []Ad) []string {
	ids := make([]string, len(ads))
	for i, a := range ads {
		ids[i] = a.ID
	}
	return ids
}

// Equal reports whether two playlists hold the same ads in the same order.
func Equal(a, b []Ad) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

func (a Ad) equal(b Ad) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Type != b.Type ||
		a.Src != b.Src || a.HTML != b.HTML || a.Poster != b.Poster ||
		a.DurationMs != b.DurationMs || a.Transition != b.Transition {
		return false
	}
	if (a.Layout == nil) != (b.Layout == nil) {
		return false
	}
	if a.Layout == nil {
		return true
	}
	la, lb := *a.Layout, *b.Layout
	if (la.PaddingPx == nil) != (lb.PaddingPx == nil) {
		return false
	}
	if la.PaddingPx != nil && *la.PaddingPx != *lb.PaddingPx {
		return false
	}
	la.PaddingPx, lb.PaddingPx = nil, nil
	return la == lb
}
