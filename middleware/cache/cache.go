package cache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTimeout limita cada round trip ao Redis. Cache lento é pior que
// cache nenhum: estourou, a operação vira erro e o chamador segue sem cache.
const DefaultTimeout = 250 * time.Millisecond

// DefaultPrefix separa as keys do cache das demais no mesmo banco (contadores
// do rate limit, estatísticas).
const DefaultPrefix = "cache:"

// Cache é um cache JSON sobre Redis.
//
// Cache sem client (nil) está desligado: toda leitura é miss e escritas são
// no-op. Assim o código chamador não precisa saber se há Redis provisionado.
//
// As keys recebidas pelos métodos são lógicas ("listing:slug"); no Redis
// elas vivem sob o prefixo do cache.
type Cache struct {
	rdb       redis.UniversalClient
	logger    *zap.Logger
	metrics   Metrics
	scanCount int64
	timeout   time.Duration
	prefix    string
}

type Option func(*Cache)

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithScanCount ajusta o COUNT usado no SCAN de DeletePattern.
func WithScanCount(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.scanCount = n
		}
	}
}

// WithTimeout ajusta o teto de cada round trip ao Redis.
func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPrefix troca o namespace das keys. Não pode ser vazio.
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{
		rdb:       rdb,
		logger:    zap.NewNop(),
		metrics:   noopMetrics{},
		scanCount: 500,
		timeout:   DefaultTimeout,
		prefix:    DefaultPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reporta se há um Redis por trás.
func (c *Cache) Enabled() bool { return c != nil && c.rdb != nil }

// Prefix é o namespace das keys no Redis.
func (c *Cache) Prefix() string { return c.prefix }

func (c *Cache) key(k string) string { return c.prefix + k }

func (c *Cache) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Get decodifica o valor de key em dst. Retorna false em miss.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if !c.Enabled() {
		return false, nil
	}

	ctx, cancel := c.bounded(ctx)
	defer cancel()
	raw, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		c.metrics.Request(ResultMiss)
		return false, nil
	}
	if err != nil {
		c.metrics.Request(ResultError)
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.metrics.Request(ResultError)
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	c.metrics.Request(ResultHit)
	return true, nil
}

// Set grava v (JSON) com expiração ttl.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	if err := c.rdb.Set(ctx, c.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.Enabled() {
		return nil
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// scan percorre as keys do Redis que casam com o pattern (já com prefixo),
// uma página por vez. Cada round trip tem o seu próprio teto.
func (c *Cache) scan(ctx context.Context, match string, page func(keys []string) error) error {
	var cursor uint64
	for {
		sctx, cancel := c.bounded(ctx)
		keys, next, err := c.rdb.Scan(sctx, cursor, match, c.scanCount).Result()
		cancel()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := page(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// DeletePattern remove todas as keys do cache que casam com pattern (glob
// do Redis, relativo ao prefixo). Usa SCAN em vez de KEYS para não travar
// o servidor.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	var deleted int
	err := c.scan(ctx, c.key(pattern), func(keys []string) error {
		dctx, cancel := c.bounded(ctx)
		defer cancel()
		n, err := c.rdb.Del(dctx, keys...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("cache delete pattern %s: %w", pattern, err)
	}
	return deleted, nil
}

// InvalidateListings apaga o detalhe do anúncio (quando slug != "") e todas
// as consultas de listagem em cache.
func (c *Cache) InvalidateListings(ctx context.Context, slug string) (int, error) {
	var deleted int
	if slug != "" {
		if err := c.Delete(ctx, KeyListing(slug)); err != nil {
			return 0, err
		}
		deleted++
	}
	n, err := c.DeletePattern(ctx, listingsPrefix+"*")
	return deleted + n, err
}

// Stats é um retrato do banco de cache.
type Stats struct {
	Enabled     bool  `json:"enabled"`
	Keys        int64 `json:"keys"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Stats conta só as keys do cache; contadores e estatísticas que dividem o
// banco ficam de fora. A memória é a do servidor inteiro.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	if !c.Enabled() {
		return Stats{}, nil
	}
	st := Stats{Enabled: true}
	err := c.scan(ctx, c.prefix+"*", func(keys []string) error {
		st.Keys += int64(len(keys))
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}

	// alguns provedores gerenciados não expõem INFO memory; sem memória não
	// é erro
	ictx, cancel := c.bounded(ctx)
	defer cancel()
	if info, err := c.rdb.Info(ictx, "memory").Result(); err == nil {
		st.MemoryBytes = parseUsedMemory(info)
	}
	return st, nil
}

func parseUsedMemory(info string) int64 {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "used_memory:")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return n
		}
	}
	return 0
}

// Ping checa a conectividade com o Redis.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return ErrDisabled
	}
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// ErrDisabled é retornado por Ping quando não há Redis configurado.
var ErrDisabled = errors.New("cache: redis not configured")

// Wrap é um read-through: devolve o valor em cache ou chama fn e grava o
// resultado. Falhas do cache são logadas e degradam para fn.
func Wrap[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return fn(ctx)
	}
	var cached T
	hit, err := c.Get(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("cache.get_failed", zap.String("key", key), zap.Error(err))
	}
	if hit {
		c.logger.Debug("cache.hit", zap.String("key", key))
		return cached, nil
	}

	if c.Enabled() {
		c.logger.Debug("cache.miss", zap.String("key", key))
	}
	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		c.logger.Warn("cache.set_failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}
