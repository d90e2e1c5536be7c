package stagecache

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvConfig is the environment-tunable subset of Options, for deployments
// that size the cache per venue without a config file.
type EnvConfig struct {
	TTL             time.Duration `env:"STAGECACHE_TTL" envDefault:"10m"`
	MaxSize         int           `env:"STAGECACHE_MAX_SIZE" envDefault:"1000"`
	CleanupInterval time.Duration `env:"STAGECACHE_CLEANUP_INTERVAL" envDefault:"5m"`
	FlushInterval   time.Duration `env:"STAGECACHE_FLUSH_INTERVAL" envDefault:"30s"`
	SyncTimeout     time.Duration `env:"STAGECACHE_SYNC_TIMEOUT" envDefault:"5s"`
}

// OptionsFromEnv reads EnvConfig from the process environment and applies it
// over base. Store, Broadcaster, Codec, Logger, and Hooks are wiring, not
// tuning - they stay as given in base.
func OptionsFromEnv(base Options) (Options, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return Options{}, fmt.Errorf("stagecache: parse env: %w", err)
	}
	base.TTL = cfg.TTL
	base.MaxSize = cfg.MaxSize
	base.CleanupInterval = cfg.CleanupInterval
	base.FlushInterval = cfg.FlushInterval
	base.SyncTimeout = cfg.SyncTimeout
	return base, nil
}
