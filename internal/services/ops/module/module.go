// Package module implements the ops surface module (health/ready/status)
// mounted by every cmd binary (SPEC_FULL.md §1)
package module

import (
	"time"

	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	opshttp "atrelay/internal/services/ops/http"
)

// Options configures the ops module
type Options struct {
	ServiceName string
	StartedAt   time.Time
	PG          any
	Status      map[string]opshttp.StatusFunc
}

// Ports exposed by the ops module (none; it is HTTP-only)
type Ports struct{}

// Module implements the ops surface module
type Module struct {
	deps modkit.Deps
	opt  Options
}

// New constructs the ops module
func New(deps modkit.Deps, opt Options) *Module {
	if opt.StartedAt.IsZero() {
		opt.StartedAt = time.Now()
	}
	return &Module{deps: deps, opt: opt}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "ops" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return Ports{} }

// MountRoutes satisfies modkit.Module
func (m *Module) MountRoutes(r httpkit.Router) {
	opshttp.Register(r, opshttp.Deps{
		ServiceName: m.opt.ServiceName,
		StartedAt:   m.opt.StartedAt,
		PG:          m.opt.PG,
		Status:      m.opt.Status,
	})
}
