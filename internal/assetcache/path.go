package assetcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

const (
	hashLen       = 8
	idHashLen     = 6
	partialSuffix = ".partial"
	hlsIndex      = "index.m3u8"
)

// entryStem returns the name, without extension, under which the copy of
// rawURL for ad id is stored. Stable: the same id and URL always map to the
// same stem, so a copy left on disk by an earlier run is reused.
func entryStem(id, rawURL string) string {
	return idPrefix(id) + "-" + shortHash(rawURL, hashLen)
}

// idPrefix is the part of a stem shared by every copy of one ad. The id hash
// keeps ids that sanitize to the same string apart.
func idPrefix(id string) string {
	return sanitizeID(id) + "-" + shortHash(id, idHashLen)
}

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// extension returns a short, safe file extension taken from the URL path.
func extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if len(ext) < 2 || len(ext) > 6 {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

func isHLS(rawURL string) bool {
	return extension(rawURL) == ".m3u8"
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		return "unknown"
	}
	if s[0] == '.' {
		s = "_" + s[1:]
	}
	return s
}

// belongsTo reports whether a cache directory entry was written for ad id.
func belongsTo(name, id string) bool {
	return hasIDPrefix(name, idPrefix(id))
}

func hasIDPrefix(name, prefix string) bool {
	if !strings.HasPrefix(name, prefix+"-") {
		return false
	}
	rest := name[len(prefix)+1:]
	if len(rest) < hashLen {
		return false
	}
	for _, r := range rest[:hashLen] {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return len(rest) == hashLen || rest[hashLen] == '.'
}
