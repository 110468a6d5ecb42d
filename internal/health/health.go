// Package health serves the liveness (/healthz) and readiness (/readyz)
// probes of the echonote server.
//
// Liveness only proves the process answers HTTP. Readiness probes the
// database and the artifact store and answers 503 when any of them fails,
// so a load balancer stops sending uploads that could not be persisted.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Checker is a named dependency probe.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Check is shorthand for building a [Checker].
func Check(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}

// Probe is the outcome of one [Checker] in a /readyz report.
type Probe struct {
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status string           `json:"status"`
	Uptime string           `json:"uptime,omitempty"`
	Checks map[string]Probe `json:"checks,omitempty"`
}

// Handler serves the probes. Its checker list is fixed by [New].
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New returns a Handler probing checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.live)
	mux.HandleFunc("GET /readyz", h.ready)
}

func (h *Handler) live(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, Report{Status: "ok", Uptime: time.Since(h.started).Truncate(time.Second).String()})
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	rep := h.Probe(r.Context())
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	respond(w, code, rep)
}

// Probe runs every checker concurrently, each under its own timeout, and
// folds the outcomes into a report whose Status is "fail" if any failed.
func (h *Handler) Probe(ctx context.Context) Report {
	probes := make([]Probe, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			probes[i] = Probe{Status: "ok", LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				probes[i].Status, probes[i].Error = "fail", err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: "ok", Checks: make(map[string]Probe, len(probes))}
	for i, p := range probes {
		rep.Checks[h.checkers[i].Name] = p
		if p.Status != "ok" {
			rep.Status = "fail"
		}
	}
	return rep
}

func respond(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
