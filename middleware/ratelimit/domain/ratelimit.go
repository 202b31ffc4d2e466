package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidPolicy indica uma política com max <= 0 ou janela < 1ms.
	// É erro de configuração: o processo não deve subir.
	ErrInvalidPolicy = errors.New("ratelimit: invalid policy")
	// ErrDuplicatePolicy indica duas políticas registradas com o mesmo nome.
	ErrDuplicatePolicy = errors.New("ratelimit: duplicate policy")
	// ErrUnknownPolicy indica referência a uma política não registrada.
	ErrUnknownPolicy = errors.New("ratelimit: unknown policy")
	// ErrStoreUnavailable envolve qualquer falha do counter store (rede,
	// autenticação, timeout). Nunca chega ao chamador da operação protegida.
	ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")
)

// Identity identifica o chamador (ex: "user:abc", "ip:10.0.0.1").
type Identity string

// Result é a decisão para uma única requisição. Recalculado a cada chamada.
type Result struct {
	Success   bool      `json:"success"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`

	// FailOpen é true quando a decisão veio do caminho de store indisponível.
	FailOpen bool `json:"-"`
}

// RetryAfter retorna os segundos (arredondados para cima) até Reset.
func (r Result) RetryAfter(now time.Time) int {
	d := r.Reset.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// Hit descreve uma avaliação do sliding log contra o store.
type Hit struct {
	// WindowStart: entradas com score <= WindowStart são removidas.
	WindowStart int64
	// Score do novo registro (ms desde epoch).
	Score int64
	// Member precisa ser único por requisição.
	Member string
	// TTL do key inteiro, renovado a cada avaliação.
	TTL time.Duration
}

// CounterStore executa a sequência prune+count+insert+expire como uma
// unidade atômica e retorna a cardinalidade ANTES da inserção.
//
// Implementações: Redis (MULTI/EXEC) e memória (mutex).
type CounterStore interface {
	Record(ctx context.Context, key string, hit Hit) (countBefore int64, err error)
}

// KeyStore é usado só por ferramentas de operação (invalidação, inspeção),
// nunca pelo caminho de avaliação.
type KeyStore interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) (int64, error)
}

// Outcome classifica uma decisão para logs e métricas.
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeDenied   Outcome = "denied"
	OutcomeFailOpen Outcome = "fail_open"
)

// OutcomeOf deriva o Outcome de um Result.
func OutcomeOf(r Result) Outcome {
	switch {
	case r.FailOpen:
		return OutcomeFailOpen
	case r.Success:
		return OutcomeAllowed
	default:
		return OutcomeDenied
	}
}

// Metrics recebe sinais do limiter. Negado e fail-open são séries distintas.
type Metrics interface {
	Decision(policy string, outcome Outcome)
	StoreLatency(policy string, d time.Duration)
}
