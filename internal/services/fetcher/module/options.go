package module

import (
	"atrelay/internal/platform/config"
	"atrelay/internal/services/fetcher/service"
)

// optionsFromConfig reads the fetcher's tunables from a prefixed Conf (§6)
func optionsFromConfig(cfg config.Conf) service.Options {
	d := service.DefaultOptions()
	return service.Options{
		SweepInterval: cfg.MayDuration("SWEEP_INTERVAL", d.SweepInterval),
		RetryAfter:    cfg.MayDuration("RETRY_AFTER", d.RetryAfter),
		FetchTimeout:  cfg.MayDuration("FETCH_TIMEOUT", d.FetchTimeout),
		MaxRetries:    cfg.MayInt("MAX_RETRY_ATTEMPTS", d.MaxRetries),
	}
}
