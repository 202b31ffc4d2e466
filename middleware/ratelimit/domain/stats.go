package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do rate limit.
//
// Method/Path são strings genéricas; Key é a chave completa do counter
// (prefixo da política + identidade).
//
// Observação: cuidado com cardinalidade ao persistir Key/Path.
type StatsEvent struct {
	Policy  string
	Key     string
	Outcome Outcome

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do rate limit.
//
// O middleware trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
