package metrics

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthFunc reports component health. A nil error is healthy.
type HealthFunc func() error

// Handler serves the registry. Requests accepting application/json get the
// JSON form.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.WritePrometheus(w)
	})
}

// NewRouter mounts /metrics and /healthz.
func NewRouter(r *Registry, health HealthFunc) chi.Router {
	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)

	mux.Method(http.MethodGet, "/metrics", r.Handler())
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if health != nil {
			if err := health(); err != nil {
				status, body = http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()}
			}
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
	return mux
}
