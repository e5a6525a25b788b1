package ad

// Fallback returns the built-in demonstration playlist shown whenever the feed
// is empty or unreachable. It uses inline markup only so it renders without
// any network access.
func Fallback() []Ad {
	return Normalize([]RawAd{
		{
			ID:         "fallback-welcome",
			Name:       "Welcome",
			Type:       Text(TypeHTML),
			HTML:       `<div class="fallback fallback-welcome"><h1>Welcome</h1><p>Content will appear here shortly.</p></div>`,
			DurationMs: NumberOf(8000),
			Transition: &RawTransition{Enter: Text(EffectFade), Exit: Text(EffectFade)},
			Layout:     &RawLayout{Background: "#101820"},
		},
		{
			ID:         "fallback-advertise",
			Name:       "Advertise here",
			Type:       Text(TypeHTML),
			HTML:       `<div class="fallback fallback-advertise"><h1>Your ad here</h1><p>Reach every visitor who walks by this screen.</p></div>`,
			DurationMs: NumberOf(8000),
			Transition: &RawTransition{Enter: Text(EffectSlideLeft), Exit: Text(EffectSlideLeft)},
			Layout:     &RawLayout{Background: "#1f3a5f"},
		},
		{
			ID:         "fallback-clock",
			Name:       "Status",
			Type:       Text(TypeHTML),
			HTML:       `<div class="fallback fallback-status"><h1>We'll be right back</h1><p>This display is running in offline mode.</p></div>`,
			DurationMs: NumberOf(6000),
			Transition: &RawTransition{Enter: Text(EffectZoom), Exit: Text(EffectFade)},
			Layout:     &RawLayout{Background: "#2d2d2d"},
		},
	})
}
