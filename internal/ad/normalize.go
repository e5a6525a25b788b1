package ad

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Normalize validates raw feed entries and returns the playable ads in feed
// order. Entries with an unknown type, or without anything to render, are
// dropped. It never fails: a batch with no valid entries yields an empty,
// non-nil slice.
func Normalize(raw []RawAd) []Ad {
	ads := make([]Ad, 0, len(raw))
	for i, r := range raw {
		a, ok := normalizeOne(i, r)
		if !ok {
			continue
		}
		ads = append(ads, a)
	}
	return ads
}

// Reraw converts ads back to feed records.
func Reraw(ads []Ad) []RawAd {
	raw := make([]RawAd, len(ads))
	for i, a := range ads {
		raw[i] = a.Raw()
	}
	return raw
}

func normalizeOne(position int, r RawAd) (Ad, bool) {
	t := Type(strings.ToLower(r.Type.String()))
	switch t {
	case TypeImage, TypeVideo, TypeHTML:
	default:
		return Ad{}, false
	}

	a := Ad{
		ID:     r.ID.String(),
		Name:   r.Name.String(),
		Type:   t,
		Src:    strings.TrimSpace(r.Src),
		HTML:   r.HTML,
		Poster: strings.TrimSpace(r.Poster),
	}

	switch t {
	case TypeImage, TypeVideo:
		if a.Src == "" {
			return Ad{}, false
		}
		a.HTML = ""
	case TypeHTML:
		if strings.TrimSpace(a.HTML) == "" && a.Src == "" {
			return Ad{}, false
		}
	}
	if t != TypeVideo {
		a.Poster = ""
	}

	if a.ID == "" {
		a.ID = fmt.Sprintf("ad-%d", position)
	}

	a.DurationMs = clampDuration(r.DurationMs)

	a.Transition = Transition{Enter: DefaultEffect, Exit: DefaultEffect}
	if r.Transition != nil {
		a.Transition.Enter = effect(r.Transition.Enter)
		a.Transition.Exit = effect(r.Transition.Exit)
	}

	if r.Layout != nil {
		a.Layout = normalizeLayout(*r.Layout)
	}

	return a, true
}

// clampDuration applies the default and raises values below the floor.
// Large values pass through untouched up to what time.Duration can hold.
func clampDuration(n Number) int64 {
	floor := MinDuration.Milliseconds()
	if !n.Valid {
		return DefaultDuration.Milliseconds()
	}
	if n.Value < float64(floor) {
		return floor
	}
	if n.Value >= float64(maxDurationMs) {
		return maxDurationMs
	}
	return int64(math.Ceil(n.Value))
}

// maxDurationMs keeps Ad.Duration from overflowing time.Duration.
const maxDurationMs = int64(math.MaxInt64 / int64(time.Millisecond))

func effect(t Text) Effect {
	e := Effect(strings.ToLower(t.String()))
	if knownEffects[e] {
		return e
	}
	return DefaultEffect
}

func normalizeLayout(r RawLayout) *Layout {
	l := &Layout{
		Fit:        r.Fit.String(),
		Background: r.Background.String(),
		Width:      r.Width.String(),
		Height:     r.Height.String(),
	}
	if r.PaddingPx.Valid && r.PaddingPx.Value >= 0 && r.PaddingPx.Value < math.MaxInt32 {
		p := int(r.PaddingPx.Value)
		l.PaddingPx = &p
	}
	if *l == (Layout{}) {
		return nil
	}
	return l
}

func isRemote(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
