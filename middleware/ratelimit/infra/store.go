package infra

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"terrains-gateway/middleware/ratelimit/domain"
)

// MemoryCounterStore implementa domain.CounterStore em memória, com a mesma
// semântica do sorted set do Redis. Útil para testes, desenvolvimento e o
// example-server; não compartilha contadores entre instâncias.
//
// O TTL de cada key é calculado a partir do Score do hit (o relógio do
// limiter), não do relógio de parede.
type MemoryCounterStore struct {
	mu           sync.Mutex
	entries      map[string]*logEntry
	cleanupEvery time.Duration
	now          func() time.Time
}

type logEntry struct {
	scores    []int64 // ordenado
	members   map[string]int64
	expiresAt int64 // ms
}

type MemoryStoreOption func(*MemoryCounterStore)

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryCounterStore) { s.cleanupEvery = d }
}

// WithClock troca o relógio usado pelo janitor.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryCounterStore) { s.now = now }
}

func NewMemoryCounterStore(opts ...MemoryStoreOption) *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries:      make(map[string]*logEntry),
		cleanupEvery: time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ domain.CounterStore = (*MemoryCounterStore)(nil)
	_ domain.KeyStore     = (*MemoryCounterStore)(nil)
)

// Record implementa domain.CounterStore.
func (s *MemoryCounterStore) Record(ctx context.Context, key string, hit domain.Hit) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || hit.Score >= ent.expiresAt {
		ent = &logEntry{members: make(map[string]int64)}
		s.entries[key] = ent
	}

	// ZREMRANGEBYSCORE key -inf windowStart
	cut := sort.Search(len(ent.scores), func(i int) bool { return ent.scores[i] > hit.WindowStart })
	if cut > 0 {
		ent.scores = ent.scores[cut:]
		for m, sc := range ent.members {
			if sc <= hit.WindowStart {
				delete(ent.members, m)
			}
		}
	}

	// ZCARD
	count := int64(len(ent.scores))

	// ZADD: membro repetido só atualiza o score
	if old, dup := ent.members[hit.Member]; dup {
		ent.removeScore(old)
	}
	ent.members[hit.Member] = hit.Score
	ent.insertScore(hit.Score)

	// EXPIRE
	ent.expiresAt = hit.Score + hit.TTL.Milliseconds()

	return count, nil
}

func (e *logEntry) insertScore(score int64) {
	i := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] > score })
	e.scores = append(e.scores, 0)
	copy(e.scores[i+1:], e.scores[i:])
	e.scores[i] = score
}

func (e *logEntry) removeScore(score int64) {
	i := sort.Search(len(e.scores), func(i int) bool { return e.scores[i] >= score })
	if i < len(e.scores) && e.scores[i] == score {
		e.scores = append(e.scores[:i], e.scores[i+1:]...)
	}
}

// Keys implementa domain.KeyStore com o glob do path.Match (mesmo formato
// do KEYS/SCAN MATCH para os padrões usados aqui: *, ?, [..]).
func (s *MemoryCounterStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0)
	for k := range s.entries {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Delete implementa domain.KeyStore.
func (s *MemoryCounterStore) Delete(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.entries[k]; ok {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Cleanup remove keys cujo TTL já passou.
func (s *MemoryCounterStore) Cleanup() {
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if now >= ent.expiresAt {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa keys expiradas periodicamente.
// Pare cancelando o contexto.
func (s *MemoryCounterStore) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context no janitor.
type DoneContext interface {
	Done() <-chan struct{}
}
