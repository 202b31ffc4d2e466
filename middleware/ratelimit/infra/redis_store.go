package infra

import (
	"context"
	"strconv"

	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implementa domain.CounterStore sobre um sorted set por
// key. As quatro operações vão num único MULTI/EXEC (TxPipeline), então
// avaliações concorrentes da mesma key, vindas de qualquer instância, são
// serializadas pelo Redis.
type RedisCounterStore struct {
	rdb       redis.UniversalClient
	scanCount int64
}

func NewRedisCounterStore(rdb redis.UniversalClient) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb, scanCount: 500}
}

var (
	_ domain.CounterStore = (*RedisCounterStore)(nil)
	_ domain.KeyStore     = (*RedisCounterStore)(nil)
)

// Record implementa domain.CounterStore.
func (s *RedisCounterStore) Record(ctx context.Context, key string, hit domain.Hit) (int64, error) {
	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(hit.WindowStart, 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(hit.Score), Member: hit.Member})
	pipe.Expire(ctx, key, hit.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Keys implementa domain.KeyStore usando SCAN (não bloqueia o Redis como KEYS).
func (s *RedisCounterStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, pattern, s.scanCount).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implementa domain.KeyStore.
func (s *RedisCounterStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

// Ping verifica a conexão (usado no health check do gateway).
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
