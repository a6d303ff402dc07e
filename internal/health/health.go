// Package health provides HTTP health and readiness check handlers.
//
// The package exposes these endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - / and /health: the service summary the telephony console and uptime
//     monitors poll, listing which upstream services are configured.
//
// Probe responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "postgres", "redis"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Pinger is implemented by the Postgres store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresChecker probes the call store's connection pool.
func PostgresChecker(p Pinger) Checker {
	return Checker{Name: "postgres", Check: p.Ping}
}

// RedisChecker sends PING to the slot lock server.
func RedisChecker(client *redis.Client) Checker {
	return Checker{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// Info describes the running service for the summary endpoints.
type Info struct {
	Service     string
	Version     string
	Clinic      string
	Environment string

	// Services maps an upstream name to whether credentials for it are
	// configured.
	Services map[string]bool
}

// result is the JSON response body for probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type summary struct {
	Service     string            `json:"service,omitempty"`
	Status      string            `json:"status"`
	Version     string            `json:"version,omitempty"`
	Clinic      string            `json:"clinic,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Services    map[string]string `json:"services,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	info     Info
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithInfo sets the service description returned by [Handler.Root] and
// [Handler.Health].
func (h *Handler) WithInfo(info Info) *Handler {
	h.info = info
	return h
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks, ok := h.run(r.Context())

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ok {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

func (h *Handler) run(ctx context.Context) (map[string]string, bool) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for _, c := range h.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(cctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}
	return checks, allOK
}

// Root answers the bare service URL with its name, version and clinic.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, summary{
		Service: h.info.Service,
		Status:  "healthy",
		Version: h.info.Version,
		Clinic:  h.info.Clinic,
	})
}

// Health reports the environment and which upstream services are
// configured. It does not probe them; that is [Handler.Readyz]'s job.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	services := make(map[string]string, len(h.info.Services))
	for name, configured := range h.info.Services {
		services[name] = "missing"
		if configured {
			services[name] = "configured"
		}
	}
	writeJSON(w, http.StatusOK, summary{
		Status:      "healthy",
		Environment: h.info.Environment,
		Services:    services,
	})
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /{$}", h.Root)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
