package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ControlPrefix is the path under which the lifecycle endpoints are mounted.
const ControlPrefix = "/.offline-cache"

// ServeHTTP implements the http.Handler interface.
func (wk *Worker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res := wk.OnFetch(r)
	if err := send(w, res); err != nil {
		wk.getLogger(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

// Handler returns the worker wrapped with request logging and the lifecycle endpoints:
//
//	POST /.offline-cache/install
//	POST /.offline-cache/activate
//	POST /.offline-cache/message      body: {"type":"SKIP_WAITING"} etc.
//	POST /.offline-cache/maintenance
//	POST /.offline-cache/push         body: push payload
//	POST /.offline-cache/sync/{tag}
//	GET  /.offline-cache/status
//
// Everything else is answered by the worker.
func (wk *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(wk.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Control request")
		}))
		r.Post("/install", wk.handleLifecycle(wk.OnInstall))
		r.Post("/activate", wk.handleLifecycle(wk.OnActivate))
		r.Post("/message", wk.handleMessage)
		r.Post("/maintenance", wk.handleMaintenance)
		r.Post("/push", wk.handlePush)
		r.Post("/sync/{tag}", wk.handleSync)
		r.Get("/status", wk.handleStatus)
		r.NotFound(http.NotFound)
	})

	r.NotFound(wk.ServeHTTP)
	return r
}

func (wk *Worker) handleLifecycle(phase func(context.Context) *Pending) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// the phase runs to completion even if the client goes away
		if err := phase(context.WithoutCancel(r.Context())).Wait(r.Context()); err != nil {
			wk.sendError(w, r, err)
			return
		}
		wk.sendJSON(w, r, http.StatusOK, wk.reply(r.Context()))
	}
}

func (wk *Worker) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		wk.sendError(w, r, err)
		return
	}
	msg, err := ParseMessage(body)
	if err != nil {
		wk.sendError(w, r, err)
		return
	}
	reply, err := wk.OnMessage(r.Context(), msg)
	if err != nil {
		wk.sendError(w, r, err)
		return
	}
	wk.sendJSON(w, r, http.StatusOK, reply)
}

func (wk *Worker) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	result, err := wk.OnPeriodicMaintenance(r.Context())
	if err != nil {
		wk.sendError(w, r, err)
		return
	}
	wk.sendJSON(w, r, http.StatusOK, result)
}

func (wk *Worker) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		wk.sendError(w, r, err)
		return
	}
	wk.sendJSON(w, r, http.StatusOK, wk.OnPush(payload))
}

func (wk *Worker) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := wk.OnSync(r.Context(), chi.URLParam(r, "tag")); err != nil {
		wk.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (wk *Worker) handleStatus(w http.ResponseWriter, r *http.Request) {
	wk.sendJSON(w, r, http.StatusOK, wk.reply(r.Context()))
}

func (wk *Worker) sendJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		wk.getLogger(r).Error().Err(err).Msg("Could not write response body to client")
	}
}

func (wk *Worker) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNotInstalled):
		status = http.StatusConflict
	}
	wk.getLogger(r).Warn().Err(err).Int("status", status).Msg("Control request failed")
	wk.sendJSON(w, r, status, map[string]string{"error": err.Error()})
}

func send(w http.ResponseWriter, res *http.Response) error {
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	defer res.Body.Close()
	_, err := io.Copy(w, res.Body)
	return err
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the worker logger.
func (wk *Worker) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &wk.log
	}
	return logger
}
