// Package health provides HTTP liveness and readiness handlers for the
// consultation host.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK while the process can
//     serve HTTP.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail"),
// a "checks" map containing the result of each named checker, and an optional
// "info" map describing the current consultation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DefaultCheckTimeout is the maximum time a single readiness check may take
// before its context is cancelled.
const DefaultCheckTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the component
// is usable and an error describing the failure otherwise.
type Checker struct {
	// Name appears as a key in the JSON "checks" map (e.g. "session",
	// "transport").
	Name string

	// Check probes the component. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StateChecker wraps a non-blocking probe, such as a state snapshot, as a
// [Checker].
func StateChecker(name string, probe func() error) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return probe()
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Info   map[string]string `json:"info,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithInfo attaches a snapshot function whose key/value pairs are reported
// under "info" on both endpoints.
func WithInfo(fn func() map[string]string) Option {
	return func(h *Handler) { h.info = fn }
}

// WithCheckTimeout overrides [DefaultCheckTimeout].
func WithCheckTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	info     func() map[string]string
	timeout  time.Duration
}

// New creates a [Handler] that evaluates checkers sequentially, in order, on
// each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Info: h.snapshot()})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// checker gets its own deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks, Info: h.snapshot()}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) snapshot() map[string]string {
	if h.info == nil {
		return nil
	}
	return h.info()
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
