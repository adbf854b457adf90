package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
	"github.com/always-cache/offline-cache/pkg/strategy"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario A
func TestStaticServedFromCacheWhenOffline(t *testing.T) {
	n := newNetwork(map[string]string{"/static/app.css": "X"})
	wk, _, _ := newTestWorker(t, n)
	start(t, wk)

	res, body := get(t, wk, "/static/app.css")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "X", body)
	assert.Equal(t, "OfflineCache; fwd=uri-miss; stored", res.Header.Get(cachestatus.HeaderName))
	wk.Wait()

	n.setOffline(true)
	calls := n.callCount()
	res, body = get(t, wk, "/static/app.css")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "X", body)
	assert.Equal(t, "OfflineCache; hit", res.Header.Get(cachestatus.HeaderName))
	assert.Equal(t, calls, n.callCount())
}

func TestCacheFirstNeverFetchesCachedAssets(t *testing.T) {
	assets := map[string]string{
		"/static/app.css":    "css",
		"/static/app.js":     "js",
		"/fonts/inter.woff2": "font",
		"/static/img/bg.png": "png",
		"/img/logo.svg":      "svg",
		"/static/data.json":  "json",
	}
	n := newNetwork(map[string]string{})
	precache := []string{}
	for path, body := range assets {
		n.setPage(path, body)
		precache = append(precache, path)
	}
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.Precache = precache
	})
	start(t, wk)

	calls := n.callCount()
	for _, path := range precache {
		// the network has changed, the cache has not
		n.setPage(path, "changed")
		res, body := get(t, wk, path)
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.Equal(t, assets[path], body, path)
	}
	assert.Equal(t, calls, n.callCount())
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	n := newNetwork(map[string]string{})
	wk, store, _ := newTestWorker(t, n)
	start(t, wk)

	res, _ := get(t, wk, "/static/missing.css")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.NotContains(t, res.Header.Get(cachestatus.HeaderName), "stored")
	wk.Wait()

	_, ok, err := store.Get(context.Background(), "v2", wk.keyer.KeyForURI("/static/missing.css"))
	require.NoError(t, err)
	assert.False(t, ok)

	calls := n.callCount()
	get(t, wk, "/static/missing.css")
	assert.Equal(t, calls+1, n.callCount())
}

func TestCacheFirstOfflineFallbacks(t *testing.T) {
	n := newNetwork(map[string]string{"/static/img/logo.svg": "<svg/>"})
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.Precache = []string{"/static/img/logo.svg"}
		c.FallbackImage = "/static/img/logo.svg"
	})
	start(t, wk)
	n.setOffline(true)

	img := httptest.NewRequest(http.MethodGet, "/static/img/avatar.png", nil)
	img.Header.Set("Sec-Fetch-Dest", "image")
	res, body := do(t, wk, img)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "<svg/>", body)
	assert.Contains(t, res.Header.Get(cachestatus.HeaderName), "detail=fallback-image")

	res, body = get(t, wk, "/static/app.css")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "Offline", body)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestCacheFirstConcurrentMisses(t *testing.T) {
	n := newNetwork(map[string]string{"/static/app.js": "js"})
	wk, _, _ := newTestWorker(t, n)
	start(t, wk)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := wk.OnFetch(httptest.NewRequest(http.MethodGet, "/static/app.js", nil))
			assert.Equal(t, http.StatusOK, res.StatusCode)
			res.Body.Close()
		}()
	}
	wg.Wait()
	wk.Wait()

	n.setOffline(true)
	_, body := get(t, wk, "/static/app.js")
	assert.Equal(t, "js", body)
}

// A caller that goes away while the shared fetch is running fails only itself.
func TestCacheFirstCancelledCallerDoesNotFailOthers(t *testing.T) {
	n := newNetwork(map[string]string{"/static/app.css": "css"})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var calls atomic.Int32
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/static/app.css" {
			if calls.Add(1) == 1 {
				entered <- struct{}{}
			}
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return n.Fetch(ctx, r)
	})
	wk, store, _ := newTestWorker(t, fetcher)
	start(t, wk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan *http.Response)
	go func() {
		first <- wk.OnFetch(httptest.NewRequest(http.MethodGet, "/static/app.css", nil).WithContext(ctx))
	}()
	<-entered
	second := make(chan *http.Response)
	go func() {
		second <- wk.OnFetch(httptest.NewRequest(http.MethodGet, "/static/app.css", nil))
	}()
	time.Sleep(20 * time.Millisecond)

	// the cancelled caller is not held up by the hung fetch
	cancel()
	res := <-first
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res.Body.Close()

	close(release)
	res = <-second
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "css", string(body))
	wk.Wait()

	_, ok, err := store.Get(context.Background(), "v2", wk.keyer.KeyForURI("/static/app.css"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNetworkFirstReturnsLiveResponse(t *testing.T) {
	n := newNetwork(map[string]string{"/api/balance": "old"})
	wk, _, _ := newTestWorker(t, n)
	start(t, wk)

	_, body := get(t, wk, "/api/balance")
	assert.Equal(t, "old", body)
	wk.Wait()

	n.setPage("/api/balance", "new")
	res, body := get(t, wk, "/api/balance")
	assert.Equal(t, "new", body)
	assert.Equal(t, "OfflineCache; fwd=request; stored", res.Header.Get(cachestatus.HeaderName))
	assert.Empty(t, res.Header.Get(serializer.TimestampHeaderName))
	wk.Wait()

	n.setOffline(true)
	res, body = get(t, wk, "/api/balance")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "new", body)
	assert.Contains(t, res.Header.Get(cachestatus.HeaderName), "detail=stale")
}

// Scenario B
func TestOfflineNavigationGetsOfflineDocument(t *testing.T) {
	n := newNetwork(map[string]string{"/offline/": "You are offline"})
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.OfflinePage = "/offline/"
	})
	start(t, wk)
	n.setOffline(true)

	res, body := do(t, wk, navigation("/dashboard"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "You are offline", body)
	assert.Equal(t, "OfflineCache; fwd=miss; detail=offline-document", res.Header.Get(cachestatus.HeaderName))
}

func TestOfflineNavigationWithoutOfflineDocument(t *testing.T) {
	n := newNetwork(map[string]string{})
	n.setOffline(true)
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.OfflinePage = "/offline/"
	})
	start(t, wk)

	res, body := do(t, wk, navigation("/dashboard"))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Contains(t, body, "offline")
	assert.Equal(t, "text/html; charset=utf-8", res.Header.Get("Content-Type"))
}

func TestNetworkFirstNonNavigationOffline(t *testing.T) {
	n := newNetwork(map[string]string{})
	wk, _, _ := newTestWorker(t, n)
	start(t, wk)
	n.setOffline(true)

	res, body := get(t, wk, "/api/transactions")
	assert.Equal(t, http.StatusRequestTimeout, res.StatusCode)
	assert.Equal(t, "Network error", body)
}

// Scenario C, first half. The sweep is in sweeper_test.go.
func TestDynamicStoresIntoDynamicNamespace(t *testing.T) {
	n := newNetwork(map[string]string{"/media/photo.jpg": "jpeg"})
	wk, store, _ := newTestWorker(t, n)
	start(t, wk)

	res, body := get(t, wk, "/media/photo.jpg")
	assert.Equal(t, "jpeg", body)
	assert.Equal(t, "OfflineCache; fwd=request; stored", res.Header.Get(cachestatus.HeaderName))
	wk.Wait()

	_, ok, err := store.Get(context.Background(), "v2-dynamic", wk.keyer.KeyForURI("/media/photo.jpg"))
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Get(context.Background(), "v2", wk.keyer.KeyForURI("/media/photo.jpg"))
	require.NoError(t, err)
	assert.False(t, ok)

	n.setOffline(true)
	res, body = get(t, wk, "/media/photo.jpg")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "jpeg", body)
}

func TestDynamicOfflineMiss(t *testing.T) {
	n := newNetwork(map[string]string{})
	wk, _, _ := newTestWorker(t, n)
	start(t, wk)
	n.setOffline(true)

	res, body := get(t, wk, "/media/unknown.jpg")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	assert.Equal(t, "Service Unavailable", body)
}

func TestEveryCombinationHasStatus(t *testing.T) {
	requests := map[string]func() *http.Request{
		"static": func() *http.Request { return httptest.NewRequest(http.MethodGet, "/static/app.css", nil) },
		"image": func() *http.Request {
			r := httptest.NewRequest(http.MethodGet, "/static/img/a.png", nil)
			r.Header.Set("Sec-Fetch-Dest", "image")
			return r
		},
		"navigation": func() *http.Request { return navigation("/dashboard") },
		"api":        func() *http.Request { return httptest.NewRequest(http.MethodGet, "/api/balance", nil) },
		"media":      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/media/photo.jpg", nil) },
		"other":      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/robots.txt", nil) },
		"post":       func() *http.Request { return httptest.NewRequest(http.MethodPost, "/api/transfer", nil) },
		"admin":      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/admin/", nil) },
	}
	pages := map[string]string{
		"/static/app.css":   "css",
		"/static/img/a.png": "png",
		"/dashboard":        "dashboard",
		"/api/balance":      "balance",
		"/media/photo.jpg":  "jpeg",
		"/robots.txt":       "robots",
		"/api/transfer":     "ok",
		"/admin/":           "admin",
	}
	for name, newRequest := range requests {
		for _, cached := range []bool{true, false} {
			for _, online := range []bool{true, false} {
				t.Run(fmt.Sprintf("%s/cached=%v/online=%v", name, cached, online), func(t *testing.T) {
					n := newNetwork(map[string]string{})
					for k, v := range pages {
						n.setPage(k, v)
					}
					wk, _, _ := newTestWorker(t, n)
					start(t, wk)
					if cached {
						do(t, wk, newRequest())
						wk.Wait()
					}
					n.setOffline(!online)

					res, _ := do(t, wk, newRequest())
					assert.NotZero(t, res.StatusCode)
					assert.NotEmpty(t, res.Header.Get(cachestatus.HeaderName))
				})
			}
		}
	}
}

func TestBypassNeverTouchesCache(t *testing.T) {
	n := newNetwork(map[string]string{"/api/transfer": "ok", "/admin/": "admin"})
	wk, store, _ := newTestWorker(t, n)
	start(t, wk)

	res, _ := do(t, wk, httptest.NewRequest(http.MethodPost, "/api/transfer", nil))
	assert.Equal(t, "OfflineCache; fwd=bypass", res.Header.Get(cachestatus.HeaderName))
	get(t, wk, "/admin/")
	wk.Wait()

	assert.Equal(t, []string{"v2", "v2-offline"}, namespaces(t, store))
	entries, err := store.All(context.Background(), "v2")
	require.NoError(t, err)
	assert.Empty(t, entries)

	n.setOffline(true)
	res, _ = do(t, wk, httptest.NewRequest(http.MethodPost, "/api/transfer", nil))
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
}

func TestNotControlledBeforeActivation(t *testing.T) {
	n := newNetwork(map[string]string{"/static/app.css": "css"})
	wk, store, _ := newTestWorker(t, n)
	require.NoError(t, wk.Install(context.Background()))

	res, body := get(t, wk, "/static/app.css")
	assert.Equal(t, "css", body)
	assert.Equal(t, "OfflineCache; fwd=bypass; detail=not-controlled", res.Header.Get(cachestatus.HeaderName))
	wk.Wait()

	entries, err := store.All(context.Background(), "v2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type failingCache struct {
	cache.MemCache
}

func (failingCache) Put(ctx context.Context, namespace, key string, bytes []byte) error {
	return errors.New("disk full")
}

func TestWriteFailureDoesNotChangeResponse(t *testing.T) {
	n := newNetwork(map[string]string{"/static/app.css": "css", "/api/balance": "100"})
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.Cache = failingCache{cache.NewMemCache()}
	})
	start(t, wk)

	res, body := get(t, wk, "/static/app.css")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "css", body)
	res, body = get(t, wk, "/api/balance")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "100", body)
}

func TestAbandonedRequestIsNotCached(t *testing.T) {
	n := newNetwork(map[string]string{"/media/photo.jpg": "jpeg"})
	wk, store, _ := newTestWorker(t, n)
	start(t, wk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/media/photo.jpg", nil).WithContext(ctx)
	res, _ := do(t, wk, req)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotContains(t, res.Header.Get(cachestatus.HeaderName), "stored")
	wk.Wait()

	_, ok, err := store.Get(context.Background(), "v2-dynamic", wk.keyer.KeyForURI("/media/photo.jpg"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptEntryIsDropped(t *testing.T) {
	n := newNetwork(map[string]string{})
	wk, store, _ := newTestWorker(t, n)
	start(t, wk)
	key := wk.keyer.KeyForURI("/static/app.css")
	require.NoError(t, store.Put(context.Background(), "v2", key, []byte("garbage")))
	n.setOffline(true)

	res, _ := get(t, wk, "/static/app.css")
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	_, ok, err := store.Get(context.Background(), "v2", key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPanicFallsBackToNetwork(t *testing.T) {
	calls := 0
	fetcher := FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return newNetwork(map[string]string{"/api/balance": "100"}).Fetch(ctx, r)
	})
	wk, _, _ := newTestWorker(t, fetcher)
	start(t, wk)

	res, body := get(t, wk, "/api/balance")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "100", body)
}

func TestZeroRulesUseDefaultClassification(t *testing.T) {
	n := newNetwork(map[string]string{
		"/static/app.css":  "css",
		"/api/balance":     "100",
		"/media/photo.jpg": "jpeg",
		"/admin/":          "admin",
	})
	wk, store, _ := newTestWorker(t, n, func(c *Config) {
		c.Rules = strategy.Rules{}
	})
	start(t, wk)

	tests := []struct {
		path        string
		cacheStatus string
		namespace   string
	}{
		{"/static/app.css", "OfflineCache; fwd=uri-miss; stored", "v2"},
		{"/api/balance", "OfflineCache; fwd=request; stored", "v2"},
		{"/media/photo.jpg", "OfflineCache; fwd=request; stored", "v2-dynamic"},
		{"/admin/", "OfflineCache; fwd=bypass", ""},
	}
	for _, test := range tests {
		res, _ := get(t, wk, test.path)
		assert.Equal(t, test.cacheStatus, res.Header.Get(cachestatus.HeaderName), test.path)
	}
	wk.Wait()

	for _, test := range tests {
		if test.namespace == "" {
			continue
		}
		_, ok, err := store.Get(context.Background(), test.namespace, wk.keyer.KeyForURI(test.path))
		require.NoError(t, err)
		assert.True(t, ok, test.path)
	}
	for _, ns := range []string{"v2", "v2-dynamic"} {
		_, ok, err := store.Get(context.Background(), ns, wk.keyer.KeyForURI("/admin/"))
		require.NoError(t, err)
		assert.False(t, ok, ns)
	}
}

// Entries written through the worker survive a restart on the durable store.
func TestWorkerOnSQLiteCache(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "cache.db")
	n := newNetwork(map[string]string{
		"/static/app.css":  "css",
		"/offline/":        "offline",
		"/media/photo.jpg": "jpeg",
	})

	store, err := cache.NewSQLiteCache(filename)
	require.NoError(t, err)
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.Cache = store
		c.Precache = []string{"/static/app.css"}
		c.OfflinePage = "/offline/"
	})
	start(t, wk)
	_, body := get(t, wk, "/media/photo.jpg")
	assert.Equal(t, "jpeg", body)
	wk.Wait()
	require.NoError(t, store.Close())

	store, err = cache.NewSQLiteCache(filename)
	require.NoError(t, err)
	defer store.Close()
	n.setOffline(true)
	wk, _, _ = newTestWorker(t, n, func(c *Config) {
		c.Cache = store
		c.Precache = []string{"/static/app.css"}
		c.OfflinePage = "/offline/"
	})
	start(t, wk)

	res, body := get(t, wk, "/static/app.css")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "css", body)
	assert.Equal(t, "OfflineCache; hit", res.Header.Get(cachestatus.HeaderName))

	res, body = get(t, wk, "/media/photo.jpg")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "jpeg", body)
	assert.Contains(t, res.Header.Get(cachestatus.HeaderName), "detail=stale")

	res, body = do(t, wk, navigation("/dashboard"))
	assert.Equal(t, "offline", body)
	assert.Contains(t, res.Header.Get(cachestatus.HeaderName), "detail=offline-document")

	assert.ElementsMatch(t, []string{"v2", "v2-offline", "v2-dynamic"}, namespaces(t, store))
}

func TestClassificationLoggedByWorker(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&buf)).Level(zerolog.TraceLevel)
	n := newNetwork(map[string]string{"/static/app.css": "css"})
	wk, _, _ := newTestWorker(t, n, func(c *Config) {
		c.Logger = &logger
	})
	start(t, wk)

	get(t, wk, "/static/app.css")
	wk.Wait()
	assert.Contains(t, buf.String(), `"cacheVersion":"v2","path":"/static/app.css","strategy":"static-cache-first","message":"Classified request"`)
}
