// Package strategy maps incoming requests to the caching strategy that handles them.
package strategy

import (
	"net/http"
	"strings"
)

// Strategy is the read/fetch/write/fallback protocol assigned to a request.
type Strategy int

const (
	// Bypass requests never touch the cache.
	Bypass Strategy = iota
	// StaticCacheFirst serves from the primary namespace, the network is only used on a miss.
	StaticCacheFirst
	// NetworkFirst always tries the network, falling back to the cache or the offline document.
	NetworkFirst
	// DynamicCache tries the network and opportunistically caches into the dynamic namespace.
	DynamicCache
)

func (s Strategy) String() string {
	switch s {
	case Bypass:
		return "bypass"
	case StaticCacheFirst:
		return "static-cache-first"
	case NetworkFirst:
		return "network-first"
	case DynamicCache:
		return "dynamic-cache"
	}
	return "unknown"
}

// Classifier assigns strategies. It is immutable and safe for concurrent use.
type Classifier struct {
	rules Rules
}

// NewClassifier builds a classifier. Empty rule lists are taken from DefaultRules.
func NewClassifier(rules Rules) Classifier {
	return Classifier{rules: rules.Merge(DefaultRules())}
}

// Classify returns the strategy for the request.
// Rules are checked in order and the first match wins:
// bypass, static assets, network-first (API or HTML), dynamic.
func (c Classifier) Classify(r *http.Request) Strategy {
	if r.Method != http.MethodGet {
		return Bypass
	}
	if r.URL.Scheme != "" && containsFold(c.rules.ExcludedSchemes, r.URL.Scheme) {
		return Bypass
	}
	if containsAny(r.URL.String(), c.rules.ExcludedPatterns) {
		return Bypass
	}
	p := r.URL.Path
	if hasAnyPrefix(p, c.rules.BypassPrefixes) {
		return Bypass
	}
	if hasAnyPrefix(p, c.rules.StaticPrefixes) || hasExtension(p, c.rules.StaticExtensions) {
		return StaticCacheFirst
	}
	if hasAnyPrefix(p, c.rules.APIPrefixes) || AcceptsHTML(r) {
		return NetworkFirst
	}
	if hasAnyPrefix(p, c.rules.MediaPrefixes) {
		return DynamicCache
	}
	return DynamicCache
}

// AcceptsHTML reports whether the request negotiates for an HTML document.
func AcceptsHTML(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}

// IsNavigation reports whether the request is a page navigation.
// Fetch metadata is used when the client sends it, HTML negotiation otherwise.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return r.Method == http.MethodGet && AcceptsHTML(r)
}

// IsImage reports whether the request's destination is an image.
func IsImage(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "image"
	}
	if accept := r.Header.Get("Accept"); strings.HasPrefix(accept, "image/") {
		return true
	}
	return hasExtension(r.URL.Path, imageExtensions)
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".avif"}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
