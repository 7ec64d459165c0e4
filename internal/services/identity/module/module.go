// Package module implements the identity resolver service module
package module

import (
	"atrelay/internal/adapters/ingest/identity"
	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	"atrelay/internal/services/identity/domain"
	"atrelay/internal/services/identity/service"
)

// Ports exposed by the identity module
type Ports struct {
	Resolver domain.Resolver
}

// Module implements the identity resolver service module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// New constructs the identity module. The HTTP/DNS client lives in
// adapters/ingest/identity; the service wraps it with caching, retry, and
// circuit breaking (§4.1)
func New(deps modkit.Deps) *Module {
	cfg := deps.Cfg.Prefix("IDENTITY_")
	client := identity.NewClient(identity.Options{
		DirectoryBaseURL: cfg.MayString("DIRECTORY_URL", ""),
	})
	svc := service.New(client, client, optionsFromConfig(cfg))
	return &Module{deps: deps, ports: Ports{Resolver: svc}}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "identity" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return m.ports }

// MountRoutes satisfies modkit.Module. The resolver has no HTTP surface of
// its own; it is consumed in process via module.PortsAs[Ports]("identity")
func (m *Module) MountRoutes(r httpkit.Router) {}
