package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/pkg/strategy"

	"github.com/rs/zerolog"
)

const offlineHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>Please check your connection and try again.</p></body>
</html>
`

// OnFetch answers the request. It always returns a response with a status,
// network and storage failures end up in a fallback response.
func (wk *Worker) OnFetch(r *http.Request) (res *http.Response) {
	defer func() {
		if err := recover(); err != nil {
			wk.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in fetch handler")
			res = wk.escapeHatch(r)
		}
	}()

	wk.log.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)
	res, cs, s := wk.handle(r)
	res.Header.Set(cachestatus.HeaderName, cs.String())
	wk.logRequest(r, s, res.StatusCode, cs)
	return res
}

func (wk *Worker) handle(r *http.Request) (*http.Response, cachestatus.CacheStatus, strategy.Strategy) {
	var cs cachestatus.CacheStatus
	if !wk.Controlling() {
		cs.Forward(cachestatus.FwdReasonBypass)
		cs.SetDetail(cachestatus.DetailNotControlled)
		return wk.passThrough(r, &cs), cs, strategy.Bypass
	}

	s := wk.classifier.Classify(r)
	wk.log.Trace().Str("path", r.URL.Path).Str("strategy", s.String()).Msg("Classified request")
	switch s {
	case strategy.Bypass:
		cs.Forward(cachestatus.FwdReasonBypass)
		return wk.passThrough(r, &cs), cs, s
	case strategy.StaticCacheFirst:
		return wk.cacheFirst(r, &cs), cs, s
	case strategy.NetworkFirst:
		return wk.networkFirst(r, &cs), cs, s
	case strategy.DynamicCache:
		return wk.dynamic(r, &cs), cs, s
	}
	panic(fmt.Sprintf("unhandled strategy %s", s))
}

// escapeHatch just forwards the request to the network.
func (wk *Worker) escapeHatch(r *http.Request) *http.Response {
	res, err := wk.fetcher.Fetch(r.Context(), r)
	if err != nil || res == nil {
		wk.log.Error().Err(err).Msg("Error connecting to origin")
		return synthetic(r, http.StatusBadGateway, "text/plain; charset=utf-8", "Could not connect to origin")
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	return res
}

func (wk *Worker) passThrough(r *http.Request, cs *cachestatus.CacheStatus) *http.Response {
	res, err := wk.fetcher.Fetch(r.Context(), r)
	if err != nil || res == nil {
		wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network fetch failed")
		cs.SetDetail(cachestatus.DetailSynthetic)
		return synthetic(r, http.StatusBadGateway, "text/plain; charset=utf-8", "Could not connect to origin")
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	return res
}

// cacheFirst serves from the primary namespace and only goes to the network on a miss.
// Concurrent misses for the same key share one fetch.
func (wk *Worker) cacheFirst(r *http.Request, cs *cachestatus.CacheStatus) *http.Response {
	ns := wk.namespaces.Primary
	key := wk.keyer.GetKey(r)
	if res := wk.match(r, ns, key); res != nil {
		cs.Hit()
		return res
	}

	cs.Forward(cachestatus.FwdReasonUriMiss)
	type shared struct {
		stored []byte
		saved  bool
	}
	// the shared fetch outlives any single caller, each caller only waits on its own context
	detached := r.WithContext(context.WithoutCancel(r.Context()))
	ch := wk.fetchGroup.DoChan(key, func() (any, error) {
		res, stored, err := wk.fetch(detached)
		if err != nil {
			return nil, err
		}
		return shared{
			stored: stored,
			saved:  res.StatusCode == http.StatusOK && wk.persist(detached, ns, key, stored),
		}, nil
	})
	var err error
	select {
	case result := <-ch:
		err = result.Err
		if err == nil {
			fetched := result.Val.(shared)
			sRes, err := serializer.BytesToStoredResponse(fetched.stored, r)
			if err == nil {
				cs.Stored = fetched.saved
				return sRes.Response
			}
			wk.log.Error().Err(err).Str("key", key).Msg("Could not read fetched response")
		}
	case <-r.Context().Done():
		err = r.Context().Err()
	}
	if err != nil {
		wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network fetch failed")
	}

	cs.Forward(cachestatus.FwdReasonMiss)
	if wk.fallbackImage != "" && strategy.IsImage(r) {
		if res := wk.match(r, ns, wk.keyer.KeyForURI(wk.fallbackImage)); res != nil {
			cs.SetDetail(cachestatus.DetailFallbackImage)
			return res
		}
	}
	cs.SetDetail(cachestatus.DetailSynthetic)
	return synthetic(r, http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Offline")
}

// networkFirst returns the live response if there is one, otherwise anything cached for the request,
// then the offline document for navigations.
func (wk *Worker) networkFirst(r *http.Request, cs *cachestatus.CacheStatus) *http.Response {
	cs.Forward(cachestatus.FwdReasonRequest)
	key := wk.keyer.GetKey(r)
	res, stored, err := wk.fetch(r)
	if err == nil {
		if res.StatusCode == http.StatusOK {
			cs.Stored = wk.persist(r, wk.namespaces.Primary, key, stored)
		}
		return res
	}
	wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network fetch failed")

	cs.Forward(cachestatus.FwdReasonMiss)
	if res := wk.matchAny(r, key, wk.namespaces.Primary, wk.namespaces.Dynamic); res != nil {
		cs.SetDetail(cachestatus.DetailStale)
		return res
	}
	if strategy.IsNavigation(r) {
		if wk.offlinePage != "" {
			if res := wk.match(r, wk.namespaces.Offline, wk.keyer.KeyForURI(wk.offlinePage)); res != nil {
				cs.SetDetail(cachestatus.DetailOfflineDocument)
				return res
			}
		}
		cs.SetDetail(cachestatus.DetailOfflineInline)
		return synthetic(r, http.StatusServiceUnavailable, "text/html; charset=utf-8", offlineHTML)
	}
	cs.SetDetail(cachestatus.DetailSynthetic)
	return synthetic(r, http.StatusRequestTimeout, "text/plain; charset=utf-8", "Network error")
}

// dynamic returns the live response and keeps a copy in the dynamic namespace.
func (wk *Worker) dynamic(r *http.Request, cs *cachestatus.CacheStatus) *http.Response {
	cs.Forward(cachestatus.FwdReasonRequest)
	key := wk.keyer.GetKey(r)
	res, stored, err := wk.fetch(r)
	if err == nil {
		if res.StatusCode == http.StatusOK {
			cs.Stored = wk.persist(r, wk.namespaces.Dynamic, key, stored)
		}
		return res
	}
	wk.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network fetch failed")

	cs.Forward(cachestatus.FwdReasonMiss)
	if res := wk.matchAny(r, key, wk.namespaces.Dynamic, wk.namespaces.Primary); res != nil {
		cs.SetDetail(cachestatus.DetailStale)
		return res
	}
	cs.SetDetail(cachestatus.DetailSynthetic)
	return synthetic(r, http.StatusServiceUnavailable, "text/plain; charset=utf-8", "Service Unavailable")
}

// fetch gets the response from the network and buffers it.
// The returned response can be handed to the client, the bytes can be stored.
func (wk *Worker) fetch(r *http.Request) (*http.Response, []byte, error) {
	res, err := wk.fetcher.Fetch(r.Context(), r)
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return nil, nil, errors.New("fetcher returned no response")
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	stored, err := serializer.ResponseToBytes(res, wk.now())
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return res, stored, nil
}

// persist writes the response to the cache in the background.
// It returns false if the write was not even started because the request was abandoned.
func (wk *Worker) persist(r *http.Request, namespace, key string, stored []byte) bool {
	if err := r.Context().Err(); err != nil {
		wk.log.Trace().Err(err).Str("key", key).Msg("Request abandoned, not caching")
		return false
	}
	ctx := context.WithoutCancel(r.Context())
	wk.writes.Add(1)
	go func() {
		defer wk.writes.Done()
		if err := wk.cache.Put(ctx, namespace, key, stored); err != nil {
			wk.log.Warn().Err(err).Str("namespace", namespace).Str("key", key).Msg("Could not write to cache")
			return
		}
		wk.log.Trace().Str("namespace", namespace).Str("key", key).Msg("Wrote to cache")
	}()
	return true
}

func (wk *Worker) matchAny(r *http.Request, key string, namespaces ...string) *http.Response {
	for _, ns := range namespaces {
		if res := wk.match(r, ns, key); res != nil {
			return res
		}
	}
	return nil
}

// match returns the stored response, or nil if there is none.
// Entries that cannot be read back are removed.
func (wk *Worker) match(r *http.Request, namespace, key string) *http.Response {
	b, ok, err := wk.cache.Get(r.Context(), namespace, key)
	if err != nil {
		wk.log.Error().Err(err).Str("namespace", namespace).Str("key", key).Msg("Could not retrieve from cache")
		return nil
	}
	if !ok {
		return nil
	}
	sRes, err := serializer.BytesToStoredResponse(b, r)
	if err != nil {
		wk.log.Error().Err(err).Str("namespace", namespace).Str("key", key).Msg("Could not create response, deleting entry")
		if _, err := wk.cache.Delete(context.WithoutCancel(r.Context()), namespace, key); err != nil {
			wk.log.Error().Err(err).Str("key", key).Msg("Could not delete entry")
		}
		return nil
	}
	wk.log.Trace().Str("namespace", namespace).Str("key", key).Msg("Found cached response")
	return sRes.Response
}

func synthetic(r *http.Request, status int, contentType, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {contentType}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

func (wk *Worker) logRequest(r *http.Request, s strategy.Strategy, statusCode int, cs cachestatus.CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	wk.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("strategy", s.String()).
		Int("statusCode", statusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Str("detail", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
