// Package module implements the storegw service module
package module

import (
	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	"atrelay/internal/services/storegw/domain"
	"atrelay/internal/services/storegw/repo"
	"atrelay/internal/services/storegw/service"
)

// Ports exposed by the storegw module
type Ports struct {
	Gateway domain.Ports
}

// Module implements the storegw service module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs a new storegw module. It binds the repo against deps.PG as
// already opened; Options/FromConfig are not read here or by store.Open
func New(deps modkit.Deps) *Module {
	svc := service.New(deps.PG, repo.NewPG())
	return &Module{deps: deps, ports: Ports{Gateway: svc}}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "storegw" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return m.ports }

// MountRoutes satisfies modkit.Module. The store gateway exposes no HTTP
// surface of its own; it is consumed in process by the stream and backfill
// services via module.PortsAs[Ports]("storegw")
func (m *Module) MountRoutes(r httpkit.Router) {}
