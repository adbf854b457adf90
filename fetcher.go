package offlinecache

import (
	"context"
	"crypto/tls"
	"fmt"
	stdlog "log"
	"net/http"
	"net/http/httputil"
	"net/url"

	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher performs network requests.
// It returns an error only if no response could be obtained at all;
// any HTTP status (including 5xx) is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// HandlerFetcher serves requests with an in-process handler, e.g. when the origin
// lives in the same binary. The handler's response is fully buffered.
func HandlerFetcher(h http.Handler) Fetcher {
	return FetcherFunc(func(ctx context.Context, r *http.Request) (*http.Response, error) {
		rw := tee.NewResponseSaver(nil)
		h.ServeHTTP(rw, r.WithContext(ctx))
		return rw.Response(r), nil
	})
}

type fetchErrorKey struct{}

// OriginFetcher fetches from an origin server through a reverse proxy,
// recording the complete response before handing it back.
type OriginFetcher struct {
	reverseproxy httputil.ReverseProxy
}

// NewOriginFetcher creates a fetcher for the origin.
// The origin host, if set, is used as Host header and TLS server name,
// use it if e.g. the origin URL is just an IP address.
func NewOriginFetcher(originURL url.URL, originHost string, logger *zerolog.Logger) *OriginFetcher {
	if logger == nil {
		logger = &log.Logger
	}
	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &OriginFetcher{
		reverseproxy: httputil.ReverseProxy{
			Director:     createDirector(originURL.Scheme, host, hostHeader),
			Transport:    transport,
			ErrorHandler: recordFetchError,
			ErrorLog:     stdlog.New(logger.With().Str("component", "fetcher").Logger(), "", 0),
		},
	}
}

// Fetch implements Fetcher.
func (f *OriginFetcher) Fetch(ctx context.Context, r *http.Request) (res *http.Response, err error) {
	var fetchErr error
	req := r.Clone(context.WithValue(ctx, fetchErrorKey{}, &fetchErr))
	// the reverse proxy aborts by panicking when the body cannot be copied
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("fetch %s aborted: %v", r.URL.Path, p)
		}
	}()
	rw := tee.NewResponseSaver(nil)
	f.reverseproxy.ServeHTTP(rw, req)
	if fetchErr != nil {
		return nil, fetchErr
	}
	return rw.Response(r), nil
}

func recordFetchError(w http.ResponseWriter, r *http.Request, err error) {
	if holder, ok := r.Context().Value(fetchErrorKey{}).(*error); ok {
		*holder = err
	}
	w.WriteHeader(http.StatusBadGateway)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}
