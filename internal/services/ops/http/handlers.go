// Package http mounts the small always-on ops surface every cmd binary
// carries: liveness, readiness, and pending-queue/cursor introspection
// (SPEC_FULL.md §1 — this is process observability, not the query API
// spec.md's Non-goals exclude)
package http

import (
	stdctx "context"
	"net/http"
	"time"

	"atrelay/internal/modkit/httpkit"
)

// Pinger is satisfied by adapters that expose Ping
type Pinger interface {
	Ping(stdctx.Context) error
}

// StatusFunc reports one running component's stats as a JSON-able value,
// evaluated lazily on every /status request so it always reflects live state
type StatusFunc func() any

// Deps are the ops handler dependencies
type Deps struct {
	ServiceName string
	StartedAt   time.Time
	PG          any // asserted against Pinger; nil or non-Pinger is reported "skipped"/"unknown"
	Status      map[string]StatusFunc
}

type handlers struct {
	deps Deps
}

// Register mounts the ops routes
func Register(r httpkit.Router, d Deps) {
	h := &handlers{deps: d}

	httpkit.Get(r, "/healthz", h.health)
	httpkit.Get(r, "/readyz", h.ready)
	httpkit.Get(r, "/status", h.status)
}

// HealthResponse is the liveness payload
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Started string `json:"started"`
	Now     string `json:"now"`
}

func (h *handlers) health(_ *http.Request) (any, error) {
	return HealthResponse{
		OK:      true,
		Service: h.deps.ServiceName,
		Started: h.deps.StartedAt.UTC().Format(time.RFC3339),
		Now:     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ReadyCheck describes a single dependency check
type ReadyCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok, fail, skipped, unknown
	Error  string `json:"error,omitempty"`
}

// ReadyResponse summarizes readiness
type ReadyResponse struct {
	Status string       `json:"status"` // ok, degraded
	Checks []ReadyCheck `json:"checks"`
	Now    string       `json:"now"`
}

func (h *handlers) ready(_ *http.Request) (any, error) {
	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), 2*time.Second)
	defer cancel()

	check := func(name string, c any) ReadyCheck {
		if c == nil {
			return ReadyCheck{Name: name, Status: "skipped"}
		}
		if p, ok := c.(Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				return ReadyCheck{Name: name, Status: "fail", Error: err.Error()}
			}
			return ReadyCheck{Name: name, Status: "ok"}
		}
		return ReadyCheck{Name: name, Status: "unknown"}
	}

	checks := []ReadyCheck{check("pg", h.deps.PG)}
	status := "ok"
	for _, c := range checks {
		if c.Status == "fail" {
			status = "degraded"
		}
	}
	return ReadyResponse{Status: status, Checks: checks, Now: time.Now().UTC().Format(time.RFC3339)}, nil
}

func (h *handlers) status(_ *http.Request) (any, error) {
	out := make(map[string]any, len(h.deps.Status))
	for name, fn := range h.deps.Status {
		out[name] = fn()
	}
	return out, nil
}
