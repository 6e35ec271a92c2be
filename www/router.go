// Package www serves the gateway HTTP API: mesh inspection, command
// dispatch, and rollout management.
package www

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hivemesh/node"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	node *node.Node
}

// NewRouter creates the chi router over a running node.
func NewRouter(n *node.Node) http.Handler {
	h := &Handlers{node: n}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Route("/api", func(r chi.Router) {
		r.Get("/nodes", h.apiNodes)
		r.Get("/state", h.apiState)
		r.Post("/state/{key}", h.apiSetState)
		r.Post("/command", h.apiCommand)

		r.Route("/ota/jobs", func(r chi.Router) {
			r.Get("/", h.apiListJobs)
			r.Post("/", h.apiCreateJob)
			r.Get("/{jobID}", h.apiGetJob)
			r.Post("/{jobID}/cancel", h.apiCancelJob)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func parseDuration(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}
