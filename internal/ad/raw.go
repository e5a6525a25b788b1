package ad

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RawAd is one untrusted entry as delivered by the playlist feed.
type RawAd struct {
	ID         Text           `json:"id,omitempty"`
	Name       Text           `json:"name,omitempty"`
	Type       Text           `json:"type"`
	Src        string         `json:"src,omitempty"`
	Poster     string         `json:"poster,omitempty"`
	HTML       string         `json:"html,omitempty"`
	DurationMs Number         `json:"durationMs"`
	Transition *RawTransition `json:"transition,omitempty"`
	Layout     *RawLayout     `json:"layout,omitempty"`
}

// RawTransition is the feed form of Transition.
type RawTransition struct {
	Enter Text `json:"enter,omitempty"`
	Exit  Text `json:"exit,omitempty"`
}

// RawLayout is the feed form of Layout.
type RawLayout struct {
	Fit        Text   `json:"fit,omitempty"`
	PaddingPx  Number `json:"paddingPx"`
	Background Text   `json:"background,omitempty"`
	Width      Text   `json:"width,omitempty"`
	Height     Text   `json:"height,omitempty"`
}

// Number is a loosely typed JSON number. It accepts numbers and numeric
// strings; anything else decodes as absent rather than failing the feed.
type Number struct {
	Value float64
	Valid bool
}

// NumberOf returns a present Number.
func NumberOf(v float64) Number {
	return Number{Value: v, Valid: true}
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var s string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
	} else {
		s = string(data)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*n = NumberOf(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Text is a loosely typed JSON string. Numbers and booleans are kept in
// their literal form; objects and arrays decode as empty.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	*t = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		*t = Text(s)
	case '{', '[', 'n':
		// objects, arrays and null carry no usable text
	default:
		*t = Text(data)
	}
	return nil
}

func (t Text) String() string {
	return strings.TrimSpace(string(t))
}
