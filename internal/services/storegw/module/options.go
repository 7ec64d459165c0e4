package module

import "atrelay/internal/platform/config"

// Options holds configuration settings for the storegw module
type Options struct {
	PoolSize       int
	AcquireTimeout int // seconds
}

// FromConfig reads configuration settings from the config.Conf
func FromConfig(cfg config.Conf) Options {
	sf := cfg.Prefix("CORE_STOREGW_")
	return Options{
		PoolSize:       sf.MayInt("POOL_SIZE", 15),
		AcquireTimeout: sf.MayInt("ACQUIRE_TIMEOUT_SEC", 10),
	}
}
