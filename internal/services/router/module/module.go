// Package module implements the event router service module
package module

import (
	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	identitydomain "atrelay/internal/services/identity/domain"
	"atrelay/internal/services/router/service"
	storegw "atrelay/internal/services/storegw/domain"
)

// Ports exposed by the router module
type Ports struct {
	Router *service.Service
}

// Module implements the event router service module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the router module. The fetcher (C2) is wired afterward via
// SetFetcher on the returned service, once cmd constructs it with this router
// as its sink — see cmd/atrelay-stream's composition for the two-step shim
// that breaks the C2/C5 construction cycle
func New(deps modkit.Deps, store storegw.Ports, identity identitydomain.Resolver) *Module {
	cfg := deps.Cfg.Prefix("ROUTER_")
	opt := service.DefaultOptions()
	if n := cfg.MayInt("MAX_CONCURRENT_USER_CREATIONS", 0); n > 0 {
		opt.MaxConcurrentUserCreations = int64(n)
	}
	svc := service.New(store, identity, opt)
	return &Module{deps: deps, ports: Ports{Router: svc}}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "router" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return m.ports }

// MountRoutes satisfies modkit.Module. The router exposes no HTTP surface of
// its own; it is consumed in process via module.PortsAs[Ports]("router")
func (m *Module) MountRoutes(r httpkit.Router) {}
