// Package version reports the build the kiosk was compiled from.
package version

// Build is the build number, set at link time:
//
//	go build -ldflags "-X github.com/agleyzer/kiosk/internal/version.Build=1234"
var Build = "dev"

// IsDev reports whether this binary carries no release build number.
func IsDev() bool {
	return Build == "" || Build == "dev"
}
