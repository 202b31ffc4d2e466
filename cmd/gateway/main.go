package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"terrains-gateway/middleware/cache"
	"terrains-gateway/middleware/ratelimit"
	"terrains-gateway/middleware/ratelimit/application"
	"terrains-gateway/middleware/ratelimit/domain"
	"terrains-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := readConfig()
	if err != nil {
		// logger ainda não existe; zap de produção só para este erro
		zap.Must(zap.NewProduction()).Fatal("config error", zap.Error(err))
	}

	logger := newLogger(cfg.logDev)
	defer func() { _ = logger.Sync() }()

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		logger.Fatal("invalid UPSTREAM_URL", zap.Error(err))
	}

	policies, err := loadPolicies(cfg.policiesFile)
	if err != nil {
		logger.Fatal("invalid rate limit policies", zap.String("file", cfg.policiesFile), zap.Error(err))
	}
	if err := checkKeyspace(policies, cfg.statsPrefix); err != nil {
		logger.Fatal("invalid rate limit policies", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rateMetrics, err := infra.NewPrometheusMetrics(reg)
	if err != nil {
		logger.Fatal("metrics registration", zap.Error(err))
	}
	cacheMetrics, err := cache.NewPrometheusMetrics(reg)
	if err != nil {
		logger.Fatal("metrics registration", zap.Error(err))
	}
	slotMetrics, err := infra.NewPrometheusConcurrencyMetrics(reg)
	if err != nil {
		logger.Fatal("metrics registration", zap.Error(err))
	}

	// Sem REDIS_URL o store fica nil: o limiter avisa uma vez e falha aberto.
	var (
		rdb         *redis.Client
		store       domain.CounterStore
		counters    domain.KeyStore
		statsStore  domain.StatsStore
		cacheClient redis.UniversalClient
		ping        func(context.Context) error
	)
	if cfg.redisURL != "" {
		opt, err := redisOptions(cfg.redisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb = redis.NewClient(opt)
		defer func() { _ = rdb.Close() }()

		redisStore := infra.NewRedisCounterStore(rdb)
		store = redisStore
		counters = redisStore
		ping = redisStore.Ping

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			// não é fatal: avaliações falham aberto até o Redis voltar
			logger.Warn("redis ping failed at startup", zap.String("addr", opt.Addr), zap.Error(err))
		}
		cancel()

		if cfg.statsEnabled {
			statsStore = infra.NewRedisStatsStore(
				rdb,
				infra.WithStatsPrefix(cfg.statsPrefix),
				infra.WithStatsTTL(cfg.statsTTL),
				infra.WithStatsBucket(cfg.statsBucket),
				infra.WithStatsTrackKeys(cfg.statsTrackKeys),
			)
		}
		if cfg.cacheEnabled {
			cacheClient = rdb
		}
	}

	limiter := application.NewLimiter(store, policies,
		application.WithLogger(logger),
		application.WithMetrics(rateMetrics),
		application.WithStoreTimeout(cfg.redisTimeout),
		application.WithFailOpenLogEvery(cfg.failOpenLogEvery),
	)
	respCache := cache.New(cacheClient,
		cache.WithLogger(logger),
		cache.WithMetrics(cacheMetrics),
		cache.WithTimeout(cfg.redisTimeout),
	)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	g := &gateway{
		proxy:       proxy,
		limiter:     limiter,
		stats:       statsStore,
		cache:       respCache,
		logger:      logger,
		rateEnabled:  cfg.rateEnabled,
		trustXFF:     cfg.trustXFF,
		statsTimeout: cfg.redisTimeout,
		concurrency: ratelimit.ConcurrencyOptions{
			Group:   ratelimit.GroupDefault,
			Max:     cfg.concurrencyMax,
			Wait:    cfg.concurrencyTimeout,
			Metrics: slotMetrics,
			Logger:  logger,
		},
		mapsConcurrency: ratelimit.ConcurrencyOptions{
			Group:   ratelimit.GroupMaps,
			Max:     cfg.concurrencyMapsMax,
			Wait:    cfg.concurrencyTimeout,
			Metrics: slotMetrics,
			Logger:  logger,
		},
		counters: counters,
		opsToken: cfg.opsToken,
		ping:     ping,
		metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
	h, err := g.routes()
	if err != nil {
		logger.Fatal("route setup", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("upstream", target.String()),
		zap.Bool("rate_enabled", cfg.rateEnabled),
		zap.Bool("redis", rdb != nil),
		zap.Duration("redis_timeout", cfg.redisTimeout),
		zap.Strings("policies", policies.Names()),
		zap.Bool("trust_xff", cfg.trustXFF),
		zap.Bool("cache", respCache.Enabled()),
		zap.Bool("stats", statsStore != nil),
		zap.Int("concurrency_max", cfg.concurrencyMax),
		zap.Int("concurrency_maps_max", cfg.concurrencyMapsMax),
		zap.Bool("ops", cfg.opsToken != ""),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

// redisOptions lê REDIS_URL. Sem ContextTimeoutEnabled o go-redis ignora o
// deadline do ctx e só desiste no ReadTimeout do socket; os tetos de
// REDIS_TIMEOUT dependem dele.
func redisOptions(rawURL string) (*redis.Options, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	opt.ContextTimeoutEnabled = true
	return opt, nil
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}
