package module

import (
	"atrelay/internal/platform/config"
	"atrelay/internal/services/identity/service"
)

// optionsFromConfig reads the identity resolver's tunables from a prefixed
// Conf, matching spec.md §6's configuration surface
func optionsFromConfig(cfg config.Conf) service.Options {
	d := service.DefaultOptions()
	return service.Options{
		CacheSize:        cfg.MayInt("CACHE_SIZE", d.CacheSize),
		CacheTTL:         cfg.MayDuration("CACHE_TTL", d.CacheTTL),
		BreakerThreshold: uint32(cfg.MayInt("BREAKER_THRESHOLD", int(d.BreakerThreshold))),
		BreakerCooldown:  cfg.MayDuration("BREAKER_COOLDOWN", d.BreakerCooldown),
		RetryAttempts:    cfg.MayInt("RETRY_ATTEMPTS", d.RetryAttempts),
		RetryBase:        cfg.MayDuration("RETRY_BASE", d.RetryBase),
		RequestTimeout:   cfg.MayDuration("REQUEST_TIMEOUT", d.RequestTimeout),
		MaxConcurrent:    int64(cfg.MayInt("MAX_CONCURRENT", int(d.MaxConcurrent))),
		StatsEvery:       uint64(cfg.MayInt("STATS_EVERY", int(d.StatsEvery))),
	}
}
