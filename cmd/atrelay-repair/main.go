// Command atrelay-repair runs the remote record fetcher (C2) as a standalone
// process: a background sweep that heals rows the router marked incomplete,
// deployed separately from atrelay-stream when repair load should scale
// independently of live ingest (spec.md §4.2; SPEC_FULL.md §0)
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atrelay/internal/modkit"
	"atrelay/internal/modkit/module"
	"atrelay/internal/platform/config"
	"atrelay/internal/platform/logger"
	phttp "atrelay/internal/platform/net/http"
	"atrelay/internal/platform/store"

	fetchermod "atrelay/internal/services/fetcher/module"
	identitymod "atrelay/internal/services/identity/module"
	opshttp "atrelay/internal/services/ops/http"
	opsmod "atrelay/internal/services/ops/module"
	routermod "atrelay/internal/services/router/module"
	storegwmod "atrelay/internal/services/storegw/module"
)

func main() {
	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	l := logger.Get()

	st, err := store.Open(context.Background(), store.Config{
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Error().Err(err).Msg("atrelay-repair: store.Open failed")
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("atrelay-repair: failed to close store")
		}
	}()

	deps := modkit.Deps{Cfg: root, PG: st.PG, Log: *l}

	storegw := storegwmod.New(deps)
	identity := identitymod.New(deps)
	module.Register(storegw.Name(), storegw.Ports())
	module.Register(identity.Name(), identity.Ports())

	storegwPorts := module.MustPortsOf[storegwmod.Ports](storegw)
	identityPorts := module.MustPortsOf[identitymod.Ports](identity)

	// this process does not read the firehose: the router here exists only
	// as the fetcher's RecordSink, so a repaired record re-enters the same
	// commit-dispatch path it would have taken on the live stream (§4.2 step 4)
	router := routermod.New(deps, storegwPorts.Gateway, identityPorts.Resolver)
	module.Register(router.Name(), router.Ports())
	routerPorts := module.MustPortsOf[routermod.Ports](router)

	fetcher := fetchermod.New(deps, identityPorts.Resolver, storegwPorts.Gateway, routerPorts.Router)
	module.Register(fetcher.Name(), fetcher.Ports())
	fetcherPorts := module.MustPortsOf[fetchermod.Ports](fetcher)
	routerPorts.Router.SetFetcher(fetcherPorts.Fetcher)

	ops := opsmod.New(deps, opsmod.Options{
		ServiceName: "atrelay-repair",
		PG:          st.PG,
		Status: map[string]opshttp.StatusFunc{
			"fetcher": func() any { return fetcherPorts.Fetcher.Stats() },
		},
	})

	srv := phttp.NewServer(root.Prefix("REPAIR_"))
	ops.MountRoutes(srv.Router())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.Run(ctx); err != nil {
			l.Error().Err(err).Msg("atrelay-repair: ops server failed")
		}
	}()

	sweepEvery := root.Prefix("REPAIR_").MayDuration("SWEEP_INTERVAL", 30*time.Second)
	t := time.NewTicker(sweepEvery)
	defer t.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.C:
			fetcherPorts.Fetcher.ProcessIncomplete(ctx)
		}
	}

	l.Info().Msg("atrelay-repair: shutdown signal received")
	_ = srv.Shutdown(context.Background())
	l.Info().Msg("atrelay-repair: shutdown complete")
}
