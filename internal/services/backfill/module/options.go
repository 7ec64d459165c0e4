package module

import (
	"atrelay/internal/platform/config"
	"atrelay/internal/services/backfill/service"
)

// optionsFromConfig reads the backfill controller's tunables from a prefixed
// Conf, matching spec.md §6's configuration surface
func optionsFromConfig(cfg config.Conf) service.Options {
	d := service.DefaultOptions()
	return service.Options{
		BackfillDays:         cfg.MayInt("DAYS", d.BackfillDays),
		BatchSize:            cfg.MayInt("BATCH_SIZE", d.BatchSize),
		BatchDelay:           cfg.MayDuration("BATCH_DELAY", d.BatchDelay),
		MaxMemoryMB:          cfg.MayFloat64("MAX_MEMORY_MB", d.MaxMemoryMB),
		ProgressSaveInterval: uint64(cfg.MayInt("PROGRESS_SAVE_INTERVAL", int(d.ProgressSaveInterval))),
		MaxEventsPerRun:      uint64(cfg.MayInt("MAX_EVENTS_PER_RUN", int(d.MaxEventsPerRun))),
	}
}
