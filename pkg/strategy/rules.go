package strategy

import (
	"path"
	"strings"
)

// Rules configure the classifier.
// Prefixes are matched against the URL path, extensions against the last path element
// (case insensitive, with the leading dot).
type Rules struct {
	// URL schemes that are never handled, e.g. browser extension schemes.
	ExcludedSchemes []string `yaml:"excludedSchemes"`
	// Substrings that exclude any URL containing them, e.g. dev tooling endpoints.
	ExcludedPatterns []string `yaml:"excludedPatterns"`
	// Administrative and debug path prefixes.
	BypassPrefixes []string `yaml:"bypassPrefixes"`

	StaticPrefixes   []string `yaml:"staticPrefixes"`
	StaticExtensions []string `yaml:"staticExtensions"`
	APIPrefixes      []string `yaml:"apiPrefixes"`
	MediaPrefixes    []string `yaml:"mediaPrefixes"`
}

// DefaultRules returns the rules used when nothing else is configured.
func DefaultRules() Rules {
	return Rules{
		ExcludedSchemes:  []string{"chrome-extension", "moz-extension", "safari-extension"},
		ExcludedPatterns: []string{"browser-sync"},
		BypassPrefixes:   []string{"/admin/", "/__debug__/"},
		StaticPrefixes:   []string{"/static/"},
		// raster photo formats are left to the media prefix, static ones live under /static/
		StaticExtensions: []string{
			".css", ".js", ".mjs",
			".svg", ".ico",
			".woff", ".woff2", ".ttf", ".otf", ".eot",
		},
		APIPrefixes:   []string{"/api/"},
		MediaPrefixes: []string{"/media/"},
	}
}

// Merge returns a copy of r where every empty list is taken from defaults.
func (r Rules) Merge(defaults Rules) Rules {
	pick := func(list, fallback []string) []string {
		if len(list) == 0 {
			return append([]string(nil), fallback...)
		}
		return append([]string(nil), list...)
	}
	return Rules{
		ExcludedSchemes:  pick(r.ExcludedSchemes, defaults.ExcludedSchemes),
		ExcludedPatterns: pick(r.ExcludedPatterns, defaults.ExcludedPatterns),
		BypassPrefixes:   pick(r.BypassPrefixes, defaults.BypassPrefixes),
		StaticPrefixes:   pick(r.StaticPrefixes, defaults.StaticPrefixes),
		StaticExtensions: pick(r.StaticExtensions, defaults.StaticExtensions),
		APIPrefixes:      pick(r.APIPrefixes, defaults.APIPrefixes),
		MediaPrefixes:    pick(r.MediaPrefixes, defaults.MediaPrefixes),
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func containsAny(s string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

func hasExtension(p string, extensions []string) bool {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
