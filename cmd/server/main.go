package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"

	"janus-hls-bridge/internal/api"
	"janus-hls-bridge/internal/bridge"
	"janus-hls-bridge/internal/hls"
	"janus-hls-bridge/internal/janus"
	"janus-hls-bridge/internal/observability/logging"
	"janus-hls-bridge/internal/observability/metrics"
	"janus-hls-bridge/internal/redisconn"
	"janus-hls-bridge/internal/server"
	"janus-hls-bridge/internal/serverutil"
	"janus-hls-bridge/internal/storage"
)

const (
	defaultPort         = "8087"
	defaultDataPath     = "data/store.json"
	defaultRTPPortMin   = 10000
	defaultRTPPortMax   = 10999
	defaultOfferLimit   = 10
	defaultOfferWindow  = time.Minute
	defaultRedisTimeout = 2 * time.Second
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to :$PORT or :8087)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum Postgres connections")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle Postgres connections")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout for acquiring a Postgres connection")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime of a Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time of a Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres pool health checks")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	redisAddr := flag.String("redis-addr", "", "Redis address for the session mirror and offer limiter")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis cluster or sentinel addresses")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis commands")
	redisMirrorKey := flag.String("redis-mirror-key", "", "Redis hash active sessions are mirrored into")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second (0 disables)")
	globalBurst := flag.Int("rate-global-burst", 0, "global request burst allowance")
	offerLimit := flag.Int("rate-offer-limit", 0, "offers allowed per client IP per window")
	offerWindow := flag.Duration("rate-offer-window", 0, "offer rate limit window")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust X-Forwarded-For and X-Real-IP from trusted proxies")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated proxy IPs or CIDRs whose forwarded headers are trusted")
	corsOrigins := flag.String("cors-allowed-origins", "", "comma separated publisher origins allowed to call the API")
	corsViewerOrigins := flag.String("cors-viewer-origins", "", "comma separated origins allowed to fetch HLS output (* for any)")
	rtpPortMin := flag.Int("rtp-port-min", 0, "lowest UDP port used for RTP forwarding")
	rtpPortMax := flag.Int("rtp-port-max", 0, "highest UDP port used for RTP forwarding")
	rtpProbePorts := flag.Bool("rtp-probe-ports", false, "skip forwarding ports already bound by another process")
	maxNegotiations := flag.Int("max-negotiations", 0, "maximum concurrent gateway negotiations")
	reconcileInterval := flag.Duration("reconcile-interval", 0, "interval between stale session reconciliation passes")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "time allowed for draining requests and sessions on shutdown")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	janusCfg, err := janus.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load janus configuration", "error", err)
		os.Exit(1)
	}
	hlsCfg, err := hls.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load hls configuration", "error", err)
		os.Exit(1)
	}

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	var (
		store    storage.Repository
		dataFile string
	)
	switch driver {
	case "json":
		dataFile = resolveDataPath(*dataPath, os.Getenv("DATA_PATH"))
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		store, err = storage.NewPostgresRepository(postgresDefaultDSN, pgOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	redisCfg := redisconn.Config{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*redisPoolSize, "REDIS_POOL_SIZE"),
		TLS: redisconn.TLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "REDIS_TLS_SKIP_VERIFY"),
		},
	}
	redisCommandTimeout := resolveDuration(*redisTimeout, "REDIS_TIMEOUT", defaultRedisTimeout)
	var (
		redisClient redis.UniversalClient
		mirror      bridge.SessionMirror
		mirrorKey   string
	)
	if redisCfg.Enabled() {
		redisClient, err = redisconn.New(redisCfg)
		if err != nil {
			logger.Error("failed to configure redis", "error", err)
			os.Exit(1)
		}
		mirrorKey = resolveMirrorKey(*redisMirrorKey, os.Getenv("REDIS_MIRROR_KEY"))
		mirror = bridge.NewRedisMirror(redisClient, mirrorKey)
	}

	ports := bridge.PortRange{
		Min: resolveIntDefault(*rtpPortMin, "WEBRTC_RTP_PORT_MIN", defaultRTPPortMin),
		Max: resolveIntDefault(*rtpPortMax, "WEBRTC_RTP_PORT_MAX", defaultRTPPortMax),
	}
	engineLogger := logging.WithComponent(logger, "janus")
	pipelineLogger := logging.WithComponent(logger, "hls")
	orch, err := bridge.NewOrchestrator(bridge.Config{
		Ports:                     ports,
		ProbePorts:                resolveBool(*rtpProbePorts, "WEBRTC_RTP_PROBE_PORTS"),
		RoomID:                    janusCfg.RoomID,
		MaxConcurrentNegotiations: int64(resolveInt(*maxNegotiations, "WEBRTC_MAX_NEGOTIATIONS")),
	}, bridge.Options{
		Logger: logger,
		NewEngine: func() (bridge.Negotiator, error) {
			engine, err := janus.NewEngine(janusCfg, janus.EngineOptions{Logger: engineLogger, Observer: recorder})
			if err != nil {
				return nil, err
			}
			return engine, nil
		},
		NewPipeline: func() bridge.Pipeline {
			return hls.NewSupervisor(hlsCfg, hls.Options{Logger: pipelineLogger, Observer: recorder})
		},
		Observer: recorder,
		Store:    store,
		Mirror:   mirror,
	})
	if err != nil {
		logger.Error("failed to initialise session orchestrator", "error", err)
		os.Exit(1)
	}

	gateway := janus.NewTransport(janusCfg.BaseURL, janusCfg.HTTPClient, janusCfg.APITimeout)
	defer gateway.Close()
	checks := []api.HealthCheck{
		{Component: "datastore", Check: store.Ping},
		{Component: "janus", Check: func(ctx context.Context) error {
			_, err := gateway.Info(ctx)
			return err
		}},
	}
	if redisClient != nil {
		checks = append(checks, api.HealthCheck{Component: "redis", Check: func(ctx context.Context) error {
			return redisconn.Ping(ctx, redisClient, redisCommandTimeout)
		}})
	}

	handler := api.NewHandler(api.Options{
		Store:    store,
		Sessions: orch,
		HLS:      hlsCfg,
		ICE: api.ICEConfig{
			STUNServer:     os.Getenv("STUN_SERVER"),
			TURNServer:     os.Getenv("TURN_SERVER"),
			TURNUsername:   os.Getenv("TURN_USERNAME"),
			TURNCredential: os.Getenv("TURN_CREDENTIAL"),
		},
		HealthChecks: checks,
		Logger:       logger,
		OfferTimeout: janusCfg.MaxNegotiationWait() + janusCfg.APITimeout,
	})

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*globalRPS, "RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, "RATE_GLOBAL_BURST"),
		OfferLimit:            resolveIntDefault(*offerLimit, "RATE_OFFER_LIMIT", defaultOfferLimit),
		OfferWindow:           resolveDuration(*offerWindow, "RATE_OFFER_WINDOW", defaultOfferWindow),
		RedisClient:           redisClient,
		RedisTimeout:          redisCommandTimeout,
		TrustForwardedHeaders: resolveBool(*trustForwarded, "RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("RATE_TRUSTED_PROXIES"))),
	}
	corsCfg := server.CORSConfig{
		PublisherOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CORS_ALLOWED_ORIGINS"))),
		ViewerOrigins:    splitAndTrim(firstNonEmpty(*corsViewerOrigins, os.Getenv("CORS_VIEWER_ORIGINS"))),
	}
	listenAddr := resolveListenAddr(*addr, os.Getenv("PORT"))
	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("TLS_KEY")),
	}

	srv, err := server.New(handler, server.Config{
		Addr:        listenAddr,
		TLS:         tlsCfg,
		RateLimit:   rateCfg,
		CORS:        corsCfg,
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	summary := newStartupSummary(startupSummaryInput{
		ListenAddr:    listenAddr,
		TLSEnabled:    tlsCfg.Enabled(),
		StorageDriver: driver,
		StoragePath:   dataFile,
		StorageDSN:    postgresDefaultDSN,
		Redis:         redisCfg,
		MirrorKey:     mirrorKey,
		RateLimit:     rateCfg,
		Janus:         janusCfg,
		HLS:           hlsCfg,
		Ports:         ports,
	})
	logger.Info("starting webrtc hls bridge", summary.LogArgs()...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconcileStop := startReconcileWorker(ctx, logging.WithComponent(logger, "reconciler"), orch,
		resolveDuration(*reconcileInterval, "WEBRTC_RECONCILE_INTERVAL", time.Minute))

	drainTimeout := resolveDuration(*shutdownTimeout, "SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout)
	runErr := srv.Run(ctx, drainTimeout, func(drainCtx context.Context) error {
		reconcileStop()
		return orch.Shutdown(drainCtx)
	})
	reconcileStop()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", "error", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("server stopped with error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveListenAddr(flagValue, envPort string) string {
	if listenAddr := strings.TrimSpace(flagValue); listenAddr != "" {
		return listenAddr
	}
	if port := strings.TrimSpace(envPort); port != "" {
		return ":" + strings.TrimPrefix(port, ":")
	}
	return ":" + defaultPort
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return defaultDataPath
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("DATABASE_URL"))
}

// resolveMirrorKey scopes the mirror hash to this host unless one is given,
// so replicas sharing a Redis do not reconcile each other's sessions away.
func resolveMirrorKey(flagValue, envValue string) string {
	if key := firstNonEmpty(flagValue, envValue); key != "" {
		return key
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return bridge.DefaultMirrorKey
	}
	return fmt.Sprintf("%s:%s", bridge.DefaultMirrorKey, strings.TrimSpace(host))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	return resolveIntDefault(flagValue, envKey, 0)
}

func resolveIntDefault(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
		slog.Warn("ignoring invalid integer setting", "key", envKey, "value", env)
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
		slog.Warn("ignoring invalid duration setting", "key", envKey, "value", env)
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
