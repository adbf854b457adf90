// Package cachestatus builds the Cache-Status response header (RFC 9211 shape)
// describing how the worker handled a request.
package cachestatus

import "fmt"

// HeaderName is the response header carrying the cache status.
const HeaderName = "Cache-Status"

// CacheName identifies this cache in the Cache-Status header.
const CacheName = "OfflineCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The cache may hold a response, but the request's strategy
	// requires going to the network first.
	FwdReasonRequest FwdReason = "request"
)

// Details describing which fallback produced a response when the network failed.
const (
	DetailStale           = "stale"
	DetailOfflineDocument = "offline-document"
	DetailOfflineInline   = "offline-inline"
	DetailFallbackImage   = "fallback-image"
	DetailSynthetic       = "synthetic"
	DetailNotControlled   = "not-controlled"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is true if the response was (scheduled to be) written to the cache.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) SetDetail(detail string) {
	cs.Detail = detail
}

// IsHit reports whether the response came from the cache without network involvement.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	status := CacheName
	if cs.Status == StatusHit {
		status += "; hit"
	} else if cs.FwdReason != "" {
		status = fmt.Sprintf("%s; fwd=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status += "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
