// Command atrelay-stream runs the live ingest process: the stream client
// (C4) reading the firehose, the event router (C5) dispatching commits into
// storage, and the remote record fetcher's (C2) background repair loop, all
// in one process (spec.md §4.4, §4.5, §4.2; SPEC_FULL.md §0)
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
	opsmod "atrelay/internal/services/ops/module"
	opshttp "atrelay/internal/services/ops/http"
	routermod "atrelay/internal/services/router/module"
	storegwmod "atrelay/internal/services/storegw/module"
	streammod "atrelay/internal/services/stream/module"
)

// drainTimeout bounds the ops server's Shutdown after a shutdown signal. The
// stream client and router are not waited on: in-flight per-commit work is
// not drained before the process exits
const drainTimeout = 15 * time.Second

func main() {
	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	l := logger.Get()

	st, err := store.Open(context.Background(), store.Config{
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 10)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Error().Err(err).Msg("atrelay-stream: store.Open failed")
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("atrelay-stream: failed to close store")
		}
	}()

	deps := modkit.Deps{Cfg: root, PG: st.PG, Log: *l}

	// Construction order breaks the C2/C5 cycle: storegw and identity have no
	// dependency on the others, the router is built without a fetcher, the
	// fetcher is built with the router as its RecordSink, and finally the
	// router is handed the fetcher via SetFetcher
	storegw := storegwmod.New(deps)
	identity := identitymod.New(deps)
	module.Register(storegw.Name(), storegw.Ports())
	module.Register(identity.Name(), identity.Ports())

	storegwPorts := module.MustPortsOf[storegwmod.Ports](storegw)
	identityPorts := module.MustPortsOf[identitymod.Ports](identity)

	router := routermod.New(deps, storegwPorts.Gateway, identityPorts.Resolver)
	module.Register(router.Name(), router.Ports())
	routerPorts := module.MustPortsOf[routermod.Ports](router)

	fetcher := fetchermod.New(deps, identityPorts.Resolver, storegwPorts.Gateway, routerPorts.Router)
	module.Register(fetcher.Name(), fetcher.Ports())
	fetcherPorts := module.MustPortsOf[fetchermod.Ports](fetcher)
	routerPorts.Router.SetFetcher(fetcherPorts.Fetcher)

	stream := streammod.New(deps, routerPorts.Router, storegwPorts.Gateway)
	module.Register(stream.Name(), stream.Ports())
	streamPorts := module.MustPortsOf[streammod.Ports](stream)

	ops := opsmod.New(deps, opsmod.Options{
		ServiceName: "atrelay-stream",
		PG:          st.PG,
		Status: map[string]opshttp.StatusFunc{
			"stream": func() any { return streamPorts.Client.Stats() },
			"router": func() any { return routerPorts.Router.Metrics() },
			"fetcher": func() any { return fetcherPorts.Fetcher.Stats() },
		},
	})

	srv := phttp.NewServer(root.Prefix("STREAM_"))
	ops.MountRoutes(srv.Router())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.Run(ctx); err != nil {
			l.Error().Err(err).Msg("atrelay-stream: ops server failed")
		}
	}()

	go streamPorts.Client.Run(ctx)
	go runFetcherRepairLoop(ctx, fetcherPorts.Fetcher, l)

	<-ctx.Done()
	l.Info().Msg("atrelay-stream: shutdown signal received, draining")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	_ = srv.Shutdown(drainCtx)

	l.Info().Msg("atrelay-stream: shutdown complete")
}

// runFetcherRepairLoop periodically sweeps the fetcher's incomplete-record
// map until ctx is cancelled (spec.md §4.2 "Protocol")
func runFetcherRepairLoop(ctx context.Context, f interface {
	ProcessIncomplete(ctx context.Context)
}, l *logger.Logger,
) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.ProcessIncomplete(ctx)
		}
	}
}
