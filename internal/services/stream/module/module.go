// Package module implements the stream client service module
package module

import (
	"context"

	"atrelay/internal/adapters/ingest/relay"
	"atrelay/internal/modkit"
	"atrelay/internal/modkit/httpkit"
	"atrelay/internal/services/stream/domain"
	"atrelay/internal/services/stream/service"
	storegw "atrelay/internal/services/storegw/domain"
)

// Ports exposed by the stream module
type Ports struct {
	Client domain.Client
}

// Module implements the stream client service module
type Module struct {
	deps  modkit.Deps
	ports Ports
}

// cursorAdapter narrows storegw's WriterPort cursor methods (which return a
// storegw Cursor) to the stream client's simpler domain.CursorStore shape
type cursorAdapter struct {
	w storegw.WriterPort
}

func newCursorAdapter(w storegw.WriterPort) cursorAdapter { return cursorAdapter{w: w} }

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

// New constructs the stream module. router is the event router (C5), wired
// by the caller in cmd since the router must already exist
func New(deps modkit.Deps, router domain.Router, store storegw.WriterPort) *Module {
	cfg := deps.Cfg.Prefix("STREAM_")
	client := relay.NewClient(relay.Options{
		BaseURL:   cfg.MustString("RELAY_URL"),
		UserAgent: cfg.MayString("USER_AGENT", "atrelay/1"),
	})
	svc := service.New(client, router, newCursorAdapter(store), service.DefaultOptions())
	return &Module{deps: deps, ports: Ports{Client: svc}}
}

// Name satisfies modkit.Module
func (m *Module) Name() string { return "stream" }

// Ports satisfies modkit.Module
func (m *Module) Ports() any { return m.ports }

// MountRoutes satisfies modkit.Module. The stream client exposes no HTTP
// surface of its own; health/cursor introspection is served by cmd's ops mux
func (m *Module) MountRoutes(r httpkit.Router) {}
