package infra

import (
	"context"
	"sync"

	"terrains-gateway/middleware/ratelimit/domain"
)

// Counters separa as três saídas possíveis de uma avaliação.
type Counters struct {
	Allowed  int64
	Denied   int64
	FailOpen int64
}

func (c *Counters) add(o domain.Outcome) {
	switch o {
	case domain.OutcomeAllowed:
		c.Allowed++
	case domain.OutcomeDenied:
		c.Denied++
	case domain.OutcomeFailOpen:
		c.FailOpen++
	}
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byPolicy map[string]Counters
	byRoute  map[string]Counters
	byKey    map[string]Counters

	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byPolicy: make(map[string]Counters),
		byRoute:  make(map[string]Counters),
		byKey:    make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Outcome)
	bump(s.byPolicy, ev.Policy, ev.Outcome)
	bump(s.byRoute, route, ev.Outcome)
	if s.trackKeys {
		bump(s.byKey, ev.Key, ev.Outcome)
	}
	return nil
}

func bump(m map[string]Counters, k string, o domain.Outcome) {
	c := m[k]
	c.add(o)
	m[k] = c
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByPolicy() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byPolicy)
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byRoute)
}

func (s *MemoryStatsStore) ByKey() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byKey)
}

func copyCounters(src map[string]Counters) map[string]Counters {
	out := make(map[string]Counters, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
