package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"terrains-gateway/middleware/cache"
	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/joho/godotenv"
)

type config struct {
	listenAddr   string
	upstreamURL  string
	redisURL     string
	redisTimeout time.Duration

	rateEnabled      bool
	trustXFF         bool
	policiesFile     string
	failOpenLogEvery time.Duration

	cacheEnabled bool

	statsEnabled   bool
	statsPrefix    string
	statsTTL       time.Duration
	statsBucket    string
	statsTrackKeys bool

	concurrencyMax     int
	concurrencyMapsMax int
	concurrencyTimeout time.Duration

	opsToken string
	logDev   bool
}

func readConfig() (config, error) {
	// .env é opcional; variáveis já exportadas têm precedência
	_ = godotenv.Load()

	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = strings.TrimSpace(os.Getenv("UPSTREAM_URL"))
	cfg.redisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.redisTimeout = getenvDurationDefault("REDIS_TIMEOUT", 250*time.Millisecond)

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", true)
	cfg.policiesFile = strings.TrimSpace(os.Getenv("POLICIES_FILE"))
	cfg.failOpenLogEvery = getenvDurationDefault("FAIL_OPEN_LOG_EVERY", 10*time.Second)

	cfg.cacheEnabled = getenvBoolDefault("CACHE_ENABLED", true)

	cfg.statsEnabled = getenvBoolDefault("STATS_ENABLED", false)
	cfg.statsPrefix = getenvDefault("STATS_PREFIX", "ratelimit:stats")
	cfg.statsTTL = getenvDurationDefault("STATS_TTL", 24*time.Hour)
	cfg.statsBucket = getenvDefault("STATS_BUCKET", "minute")
	cfg.statsTrackKeys = getenvBoolDefault("STATS_TRACK_KEYS", false)

	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyMapsMax = getenvIntDefault("CONCURRENCY_MAPS_MAX", 10)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)

	cfg.opsToken = strings.TrimSpace(os.Getenv("OPS_TOKEN"))
	cfg.logDev = getenvBoolDefault("LOG_DEV", false)

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.redisTimeout <= 0 {
		return config{}, errors.New("REDIS_TIMEOUT must be > 0")
	}
	if cfg.statsEnabled && cfg.redisURL == "" {
		return config{}, errors.New("REDIS_URL is required when STATS_ENABLED=true")
	}
	if cfg.concurrencyMax < 0 || cfg.concurrencyMapsMax < 0 {
		return config{}, errors.New("CONCURRENCY_MAX and CONCURRENCY_MAPS_MAX must be >= 0")
	}
	return cfg, nil
}

// loadPolicies lê POLICIES_FILE (YAML) sobre a tabela padrão. Sem arquivo,
// vale a tabela padrão.
func loadPolicies(path string) (*domain.Policies, error) {
	if path == "" {
		return domain.DefaultPolicies(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return domain.ParsePolicies(data)
}

// checkKeyspace garante que contadores, cache e estatísticas não se
// sobrepõem no mesmo banco Redis.
func checkKeyspace(policies *domain.Policies, statsPrefix string) error {
	for _, ns := range []string{cache.DefaultPrefix, statsPrefix + ":"} {
		if policies.OwnsPattern(ns) {
			return fmt.Errorf("%w: a policy key prefix overlaps %q", domain.ErrInvalidPolicy, ns)
		}
	}
	return nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
