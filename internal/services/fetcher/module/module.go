// Package module implements the remote record fetcher service module
package module

import (
	"atrelay/internal/adapters/ingest/pds"
	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	"atrelay/internal/services/fetcher/domain"
	"atrelay/internal/services/fetcher/service"
)

// Ports exposed by the fetcher module
type Ports struct {
	Fetcher domain.Fetcher
}

// Module implements the remote record fetcher service module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the fetcher module. resolver and subjects come from the
// identity and storegw modules (wired by the caller in cmd); sink is the
// router (C5), wired after both are constructed to break the C2/C5 cycle —
// see cmd/atrelay-stream's composition for the shim that satisfies this
func New(deps modkit.Deps, resolver service.EndpointResolver, subjects service.SubjectWriter, sink domain.RecordSink) *Module {
	cfg := deps.Cfg.Prefix("FETCHER_")
	client := pds.NewClient(pds.Options{})
	svc := service.New(resolver, client, subjects, sink, optionsFromConfig(cfg))
	return &Module{deps: deps, ports: Ports{Fetcher: svc}}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "fetcher" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return m.ports }

// MountRoutes satisfies modkit.Module. The fetcher exposes no HTTP surface
// of its own; it is consumed in process via module.PortsAs[Ports]("fetcher")
func (m *Module) MountRoutes(r httpkit.Router) {}
