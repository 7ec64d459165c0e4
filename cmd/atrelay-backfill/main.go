// Command atrelay-backfill runs the backfill controller (C6): a bounded,
// resumable replay of the firehose from a separate "backfill" cursor,
// driving the same event router (C5) live ingest uses (spec.md §4.6)
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"atrelay/internal/modkit"
	"atrelay/internal/modkit/module"
	"atrelay/internal/platform/config"
	"atrelay/internal/platform/logger"
	phttp "atrelay/internal/platform/net/http"
	"atrelay/internal/platform/store"

	backfillmod "atrelay/internal/services/backfill/module"
	backfillsvc "atrelay/internal/services/backfill/service"
	identitymod "atrelay/internal/services/identity/module"
	opshttp "atrelay/internal/services/ops/http"
	opsmod "atrelay/internal/services/ops/module"
	routermod "atrelay/internal/services/router/module"
	storegwmod "atrelay/internal/services/storegw/module"
)

func mustSetEnv(k, v string) {
	if v != "" {
		_ = os.Setenv(k, v)
	}
}

func main() {
	var (
		fDays = flag.Int("days", -2, "backfill window in days: -1 full history, 0 disabled, N>0 bounded (overrides BACKFILL_DAYS if set)")
	)
	flag.Parse()

	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	l := logger.Get()

	if *fDays != -2 {
		mustSetEnv("BACKFILL_DAYS", strconv.Itoa(*fDays))
	}

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
		l.Error().Err(err).Msg("atrelay-backfill: store.Open failed")
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("atrelay-backfill: failed to close store")
		}
	}()

	deps := modkit.Deps{Cfg: root, PG: st.PG, Log: *l}

	storegw := storegwmod.New(deps)
	identity := identitymod.New(deps)
	module.Register(storegw.Name(), storegw.Ports())
	module.Register(identity.Name(), identity.Ports())

	storegwPorts := module.MustPortsOf[storegwmod.Ports](storegw)
	identityPorts := module.MustPortsOf[identitymod.Ports](identity)

	// the backfill run drives the same router (C5) live ingest uses, minus
	// the fetcher (C2): remote repair is owned by atrelay-stream/atrelay-repair,
	// not by a one-shot backfill process
	router := routermod.New(deps, storegwPorts.Gateway, identityPorts.Resolver)
	module.Register(router.Name(), router.Ports())
	routerPorts := module.MustPortsOf[routermod.Ports](router)

	backfill := backfillmod.New(deps, routerPorts.Router, storegwPorts.Gateway)
	module.Register(backfill.Name(), backfill.Ports())
	backfillPorts := module.MustPortsOf[backfillmod.Ports](backfill)

	ops := opsmod.New(deps, opsmod.Options{
		ServiceName: "atrelay-backfill",
		PG:          st.PG,
		Status: map[string]opshttp.StatusFunc{
			"backfill": func() any { return backfillPorts.Controller.Progress() },
			"router":   func() any { return routerPorts.Router.Metrics() },
		},
	})

	srv := phttp.NewServer(root.Prefix("BACKFILL_"))
	ops.MountRoutes(srv.Router())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := srv.Run(ctx); err != nil {
			l.Error().Err(err).Msg("atrelay-backfill: ops server failed")
		}
	}()

	err = backfillPorts.Controller.Run(ctx)
	_ = srv.Shutdown(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, backfillsvc.ErrDisabled) {
		l.Error().Err(err).Msg("atrelay-backfill: run failed")
		os.Exit(1)
	}
	l.Info().Msg("atrelay-backfill: run complete")
}
