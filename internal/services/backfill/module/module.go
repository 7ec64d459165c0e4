// Package module implements the backfill controller service module
package module

import (
	"context"

	"atrelay/internal/adapters/ingest/relay"
	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	"atrelay/internal/services/backfill/domain"
	"atrelay/internal/services/backfill/service"
	storegw "atrelay/internal/services/storegw/domain"
)

// Ports exposed by the backfill module
type Ports struct {
	Controller domain.Controller
}

// Module implements the backfill controller service module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// cursorAdapter narrows storegw's WriterPort cursor methods (which return a
// storegw Cursor) to the backfill controller's simpler domain.CursorStore
// shape, same narrowing the stream module applies for its own cursor
type cursorAdapter struct {
	w storegw.WriterPort
}

func (c cursorAdapter) SaveCursor(ctx context.Context, service string, seq uint64, ts int64) error {
	return c.w.SaveCursor(ctx, service, seq, ts)
}

func (c cursorAdapter) LoadCursor(ctx context.Context, service string) (uint64, bool, error) {
	cur, found, err := c.w.LoadCursor(ctx, service)
	if err != nil || !found {
		return 0, found, err
	}
	return cur.Seq, true, nil
}

// New constructs the backfill module. router is the event router (C5),
// wired by the caller in cmd/atrelay-backfill
func New(deps modkit.Deps, router domain.Router, store storegw.WriterPort) *Module {
	cfg := deps.Cfg.Prefix("BACKFILL_")
	client := relay.NewClient(relay.Options{
		BaseURL:   cfg.MustString("RELAY_URL"),
		UserAgent: cfg.MayString("USER_AGENT", "atrelay/1"),
	})
	mem, err := service.NewGopsutilSampler()
	if err != nil {
		mem = nil
	}
	svc := service.New(client, router, cursorAdapter{w: store}, mem, optionsFromConfig(cfg))
	return &Module{deps: deps, ports: Ports{Controller: svc}}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "backfill" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return m.ports }

// MountRoutes satisfies modkit.Module. The backfill controller exposes no
// HTTP surface of its own; progress/cursor introspection is served by cmd's
// ops mux
func (m *Module) MountRoutes(r httpkit.Router) {}
