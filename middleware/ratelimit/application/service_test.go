package application

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type logEntry struct {
	score  int64
	member string
}

// logStore é um sliding log em memória com a mesma semântica do Redis
// (ZREMRANGEBYSCORE -inf..start, ZCARD, ZADD, EXPIRE).
type logStore struct {
	mu   sync.Mutex
	logs map[string][]logEntry
	hits []domain.Hit
}

func newLogStore() *logStore {
	return &logStore{logs: make(map[string][]logEntry)}
}

func (s *logStore) Record(_ context.Context, key string, hit domain.Hit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits = append(s.hits, hit)
	kept := s.logs[key][:0]
	for _, e := range s.logs[key] {
		if e.score > hit.WindowStart {
			kept = append(kept, e)
		}
	}
	count := int64(len(kept))
	for i := range kept {
		if kept[i].member == hit.Member {
			kept[i].score = hit.Score
			s.logs[key] = kept
			return count, nil
		}
	}
	s.logs[key] = append(kept, logEntry{score: hit.Score, member: hit.Member})
	return count, nil
}

type failingStore struct{ calls int }

func (s *failingStore) Record(context.Context, string, domain.Hit) (int64, error) {
	s.calls++
	return 0, errors.New("dial tcp: connection refused")
}

type slowStore struct{}

func (slowStore) Record(ctx context.Context, _ string, _ domain.Hit) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

type countingMetrics struct {
	mu        sync.Mutex
	decisions map[domain.Outcome]int
	latencies int
}

func (m *countingMetrics) Decision(_ string, o domain.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.decisions == nil {
		m.decisions = make(map[domain.Outcome]int)
	}
	m.decisions[o]++
}

func (m *countingMetrics) StoreLatency(string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies++
}

func mustPolicy(t *testing.T, name string, window time.Duration, max int) domain.Policy {
	t.Helper()
	p, err := domain.NewPolicy(name, window, max, "")
	require.NoError(t, err)
	return p
}

func at(ms int64) time.Time { return time.UnixMilli(ms) }

func TestLimiter_AdmitsUpToMaxThenDenies(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "forms", time.Minute, 5)
	id := domain.Identity("ip:10.0.0.1")
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		res := l.Evaluate(ctx, p, id, at(i))
		require.True(t, res.Success, "request %d should be admitted", i+1)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, int(4-i), res.Remaining)
		assert.Equal(t, at(i+60000), res.Reset)
		assert.False(t, res.FailOpen)
	}

	res := l.Evaluate(ctx, p, id, at(5))
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, at(60005), res.Reset)
}

func TestLimiter_WindowSlides(t *testing.T) {
	store := newLogStore()
	l := NewLimiter(store, nil)
	p := mustPolicy(t, "forms", time.Minute, 5)
	id := domain.Identity("ip:10.0.0.1")
	ctx := context.Background()

	for i := int64(0); i <= 5; i++ {
		l.Evaluate(ctx, p, id, at(i))
	}

	// em t=60001 saem os hits de t=0 e t=1; ficam 2,3,4,5 (o negado também conta)
	res := l.Evaluate(ctx, p, id, at(60001))
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Remaining)

	// em t=120000 saem 2..5; sobra só o hit de 60001
	res = l.Evaluate(ctx, p, id, at(120000))
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Remaining)
}

func TestLimiter_RetriedAfterWholeWindowSeesEmptyLog(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "forms", time.Minute, 5)
	id := domain.Identity("ip:10.0.0.1")
	ctx := context.Background()

	for i := int64(0); i <= 5; i++ {
		l.Evaluate(ctx, p, id, at(i))
	}

	// windowStart = 6: todos os scores 0..5 são <= 6 e saem
	res := l.Evaluate(ctx, p, id, at(60006))
	require.True(t, res.Success)
	assert.Equal(t, 4, res.Remaining)
}

func TestLimiter_BoundaryHitIsExpired(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "two", time.Minute, 2)
	id := domain.Identity("ip:1.1.1.1")
	ctx := context.Background()

	require.True(t, l.Evaluate(ctx, p, id, at(0)).Success)
	require.True(t, l.Evaluate(ctx, p, id, at(59999)).Success)

	// o hit de t=0 tem exatamente windowMs de idade e não conta mais
	res := l.Evaluate(ctx, p, id, at(60000))
	assert.True(t, res.Success, "score == windowStart must be pruned")
	assert.Equal(t, 0, res.Remaining)

	res = l.Evaluate(ctx, p, id, at(60001))
	assert.False(t, res.Success)
}

func TestLimiter_IdentitiesAreIsolated(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "forms", time.Minute, 5)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		l.Evaluate(ctx, p, "ip:10.0.0.1", at(i))
	}

	res := l.Evaluate(ctx, p, "ip:10.0.0.2", at(3))
	require.True(t, res.Success)
	assert.Equal(t, 4, res.Remaining)

	res = l.Evaluate(ctx, p, "ip:10.0.0.1", at(4))
	assert.Equal(t, 1, res.Remaining)
}

func TestLimiter_PoliciesAreIsolated(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	forms := mustPolicy(t, "forms", time.Minute, 1)
	uploads := mustPolicy(t, "uploads", time.Minute, 1)
	id := domain.Identity("ip:10.0.0.1")
	ctx := context.Background()

	require.True(t, l.Evaluate(ctx, forms, id, at(0)).Success)
	require.False(t, l.Evaluate(ctx, forms, id, at(1)).Success)

	assert.True(t, l.Evaluate(ctx, uploads, id, at(2)).Success)
}

func TestLimiter_FailsOpenWhenStoreErrors(t *testing.T) {
	store := &failingStore{}
	m := &countingMetrics{}
	l := NewLimiter(store, nil, WithMetrics(m))
	p := mustPolicy(t, "forms", time.Minute, 5)

	for i := int64(0); i < 20; i++ {
		res := l.Evaluate(context.Background(), p, "ip:10.0.0.1", at(i))
		require.True(t, res.Success)
		assert.Equal(t, 5, res.Remaining)
		assert.Equal(t, at(i+60000), res.Reset)
		assert.True(t, res.FailOpen)
	}
	assert.Equal(t, 20, store.calls)
	assert.Equal(t, 20, m.decisions[domain.OutcomeFailOpen])
	assert.Zero(t, m.decisions[domain.OutcomeDenied])
}

func TestLimiter_StoreTimeoutFailsOpen(t *testing.T) {
	l := NewLimiter(slowStore{}, nil, WithStoreTimeout(20*time.Millisecond))
	p := mustPolicy(t, "forms", time.Minute, 5)

	start := time.Now()
	res := l.Evaluate(context.Background(), p, "ip:10.0.0.1", at(0))
	assert.True(t, res.Success)
	assert.True(t, res.FailOpen)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLimiter_NilStoreWarnsOnceAndFailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewLimiter(nil, nil, WithLogger(zap.New(core)))
	p := mustPolicy(t, "forms", time.Minute, 5)

	for i := int64(0); i < 3; i++ {
		res := l.Evaluate(context.Background(), p, "ip:10.0.0.1", at(i))
		assert.True(t, res.Success)
		assert.Equal(t, 5, res.Remaining)
	}
	assert.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "store_not_configured")
}

func TestLimiter_FailOpenWarningsAreThrottled(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewLimiter(&failingStore{}, nil,
		WithLogger(zap.New(core)),
		WithFailOpenLogEvery(time.Hour),
	)
	p := mustPolicy(t, "forms", time.Minute, 5)

	for i := int64(0); i < 10; i++ {
		l.Evaluate(context.Background(), p, "ip:10.0.0.1", at(i))
	}

	entries := logs.FilterMessage("ratelimit.store_unavailable").All()
	require.Len(t, entries, 1)
	errField, ok := entries[0].ContextMap()["error"].(string)
	require.True(t, ok)
	assert.Contains(t, errField, domain.ErrStoreUnavailable.Error())
}

func TestLimiter_RemainingNeverNegative(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "forms", time.Minute, 2)

	for i := int64(0); i < 10; i++ {
		res := l.Evaluate(context.Background(), p, "ip:10.0.0.1", at(i))
		assert.GreaterOrEqual(t, res.Remaining, 0)
		assert.Equal(t, i < 2, res.Success)
	}
}

func TestLimiter_SameMillisecondHitsCountTwice(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "forms", time.Minute, 5)
	ctx := context.Background()

	l.Evaluate(ctx, p, "ip:10.0.0.1", at(42))
	l.Evaluate(ctx, p, "ip:10.0.0.1", at(42))

	res := l.Evaluate(ctx, p, "ip:10.0.0.1", at(42))
	assert.Equal(t, 2, res.Remaining)
}

func TestLimiter_PassesHitToStore(t *testing.T) {
	store := newLogStore()
	l := NewLimiter(store, nil, WithNonce(func() string { return "n1" }))
	p := mustPolicy(t, "forms", 1500*time.Millisecond, 5)

	l.Evaluate(context.Background(), p, "", at(10_000))

	require.Len(t, store.hits, 1)
	hit := store.hits[0]
	assert.Equal(t, int64(8_500), hit.WindowStart)
	assert.Equal(t, int64(10_000), hit.Score)
	assert.Equal(t, "10000-n1", hit.Member)
	assert.Equal(t, 2*time.Second, hit.TTL)

	_, ok := store.logs["forms:"+string(domain.AnonymousIdentity)]
	assert.True(t, ok, "empty identity should map to the anonymous key")
}

func TestLimiter_DefaultNonceIsUnique(t *testing.T) {
	store := newLogStore()
	l := NewLimiter(store, nil)
	p := mustPolicy(t, "forms", time.Minute, 5)

	l.Evaluate(context.Background(), p, "ip:a", at(1))
	l.Evaluate(context.Background(), p, "ip:a", at(1))

	require.Len(t, store.hits, 2)
	assert.True(t, strings.HasPrefix(store.hits[0].Member, "1-"))
	assert.NotEqual(t, store.hits[0].Member, store.hits[1].Member)
}

func TestLimiter_ConcurrentEvaluationsNeverOverAdmit(t *testing.T) {
	l := NewLimiter(newLogStore(), nil)
	p := mustPolicy(t, "forms", time.Minute, 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Evaluate(context.Background(), p, "ip:10.0.0.1", at(1000)).Success {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestLimiter_EvaluateNamed(t *testing.T) {
	l := NewLimiter(newLogStore(), domain.DefaultPolicies())

	res, err := l.EvaluateNamed(context.Background(), domain.PolicyForms, "ip:10.0.0.1", at(0))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 4, res.Remaining)

	_, err = l.EvaluateNamed(context.Background(), "missing", "ip:10.0.0.1", at(0))
	require.ErrorIs(t, err, domain.ErrUnknownPolicy)

	_, err = l.Policy("missing")
	require.ErrorIs(t, err, domain.ErrUnknownPolicy)
}

func TestLimiter_MetricsSeparateDeniedFromAllowed(t *testing.T) {
	m := &countingMetrics{}
	l := NewLimiter(newLogStore(), nil, WithMetrics(m))
	p := mustPolicy(t, "forms", time.Minute, 1)

	l.Evaluate(context.Background(), p, "ip:a", at(0))
	l.Evaluate(context.Background(), p, "ip:a", at(1))

	assert.Equal(t, 1, m.decisions[domain.OutcomeAllowed])
	assert.Equal(t, 1, m.decisions[domain.OutcomeDenied])
	assert.Equal(t, 2, m.latencies)
}
