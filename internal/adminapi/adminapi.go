// Package adminapi exposes a small read-only (plus DLQ retry/discard and
// warning acknowledgement) HTTP surface over chi, grounded on the teacher's cmd/outbox/main.go
// router wiring (chi.NewRouter, middleware.RequestID/RealIP/Recoverer,
// promhttp.Handler mounted at /metrics, JSON health/status endpoints) and
// internal/platform/api's handler style for the DLQ routes.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/opsstate"
)

// Config wires the collaborators the admin surface reports on. Ready, if
// set, backs /q/health/ready — callers typically wire it to
// leaderelect.Elector.IsLeader or a storage ping.
type Config struct {
	DLQ       dlq.Store
	Ops       opsstate.Store
	Ready     func() (bool, string)
	CORSHosts []string
}

// NewRouter builds the chi.Router serving health, metrics, warnings, and
// DLQ management routes.
func NewRouter(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSHosts) > 0 {
		r.Use(cors.Handler(cors.Options{AllowedOrigins: cfg.CORSHosts, AllowedMethods: []string{"GET", "POST"}}))
	}

	r.Get("/q/health", handleHealth(cfg))
	r.Get("/q/health/live", handleLive)
	r.Get("/q/health/ready", handleReady(cfg))
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	if cfg.Ops != nil {
		r.Get("/q/warnings", handleWarnings(cfg.Ops))
		r.Post("/q/warnings/{id}/ack", handleAckWarning(cfg.Ops))
	}

	if cfg.DLQ != nil {
		r.Get("/q/dlq", handleListDLQ(cfg.DLQ))
		r.Get("/q/dlq/stats", handleDLQStats(cfg.DLQ))
		r.Post("/q/dlq/{id}/retry", handleRetryDLQ(cfg.DLQ))
		r.Post("/q/dlq/{id}/discard", handleDiscardDLQ(cfg.DLQ))
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "live"})
}

func handleReady(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		ready, reason := cfg.Ready()
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": reason})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func handleHealth(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "timestamp": time.Now().UTC()}
		if cfg.Ops != nil {
			body["unacknowledgedWarnings"] = len(cfg.Ops.Unacknowledged())
		}
		if cfg.DLQ != nil {
			if stats, err := cfg.DLQ.Statistics(r.Context()); err == nil {
				body["dlq"] = stats
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleWarnings(ops opsstate.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ops.All())
	}
}

func handleAckWarning(ops opsstate.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !ops.Acknowledge(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "warning not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}

func handleListDLQ(store dlq.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		component := r.URL.Query().Get("component")
		entries, err := store.List(r.Context(), component)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleDLQStats(store dlq.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Statistics(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleRetryDLQ(store dlq.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, err := store.Retry(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

func handleDiscardDLQ(store dlq.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		entry, err := store.Discard(r.Context(), id)
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}
