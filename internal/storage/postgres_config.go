package storage

import "time"

const defaultAcquireTimeout = 5 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	ApplyMigrations     bool
	Clock               func() time.Time
	StreamKeyGenerator  func() (string, error)
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:                dsn,
		MinConnections:     -1,
		AcquireTimeout:     defaultAcquireTimeout,
		ApplicationName:    "janus-hls-bridge",
		Clock:              func() time.Time { return time.Now().UTC() },
		StreamKeyGenerator: generateStreamKey,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	return cfg
}
