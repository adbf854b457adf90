package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

var ErrorMethodNotSupported = fmt.Errorf("Method not supported")

const (
	originSeparator = ":"
	methodSeparator = ":"
)

type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the origin - well - origin.
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// GetKey returns the canonical request identity used as cache key.
// Only GET responses are ever stored, so the key always uses the GET method,
// and HEAD requests share the key of the equivalent GET.
// The fragment is never part of the key, the query string is.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.KeyForURI(r.URL.RequestURI())
}

// KeyForURI returns the key for a GET of the given request URI (path and optional query).
func (c CacheKeyer) KeyForURI(uri string) string {
	if uri == "" {
		uri = "/"
	}
	return c.OriginPrefix + http.MethodGet + methodSeparator + uri
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("Key and origin do not match")
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	method, uri, found := strings.Cut(keyNoOrigin, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
