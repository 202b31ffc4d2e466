package application

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultStoreTimeout    = 250 * time.Millisecond
	defaultFailOpenLogEach = 10 * time.Second
)

// Limiter concentra a regra de aplicação do rate limit (janela deslizante).
//
// Não guarda estado próprio: todo contador vive no CounterStore, então
// qualquer número de instâncias pode compartilhar o mesmo store.
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna um Result.
type Limiter struct {
	store    domain.CounterStore
	policies *domain.Policies
	logger   *zap.Logger
	metrics  domain.Metrics
	timeout  time.Duration
	nonce    func() string

	warnLimiter *rate.Limiter
	suppressed  atomic.Int64
}

type Option func(*Limiter)

func WithLogger(l *zap.Logger) Option {
	return func(s *Limiter) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m domain.Metrics) Option {
	return func(s *Limiter) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStoreTimeout limita o round trip ao store. Timeout = store indisponível.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Limiter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithNonce troca o gerador do sufixo único do membro (testes).
func WithNonce(fn func() string) Option {
	return func(s *Limiter) {
		if fn != nil {
			s.nonce = fn
		}
	}
}

// WithFailOpenLogEvery limita a frequência do warning de store indisponível.
func WithFailOpenLogEvery(d time.Duration) Option {
	return func(s *Limiter) {
		if d > 0 {
			s.warnLimiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// NewLimiter monta o limiter. store nil significa "não provisionado": toda
// avaliação falha aberta e o aviso é emitido uma única vez, aqui.
func NewLimiter(store domain.CounterStore, policies *domain.Policies, opts ...Option) *Limiter {
	l := &Limiter{
		store:       store,
		policies:    policies,
		logger:      zap.NewNop(),
		metrics:     noopMetrics{},
		timeout:     defaultStoreTimeout,
		nonce:       uuid.NewString,
		warnLimiter: rate.NewLimiter(rate.Every(defaultFailOpenLogEach), 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.policies == nil {
		l.policies = domain.DefaultPolicies()
	}
	if l.store == nil {
		l.logger.Warn("ratelimit.store_not_configured: rate limiting disabled, all requests fail open")
	}
	return l
}

// Policy resolve uma política registrada. Usado na montagem dos middlewares,
// nunca por requisição.
func (l *Limiter) Policy(name string) (domain.Policy, error) {
	return l.policies.Lookup(name)
}

// Policies retorna a tabela registrada.
func (l *Limiter) Policies() *domain.Policies { return l.policies }

// EvaluateNamed é Evaluate com a política referenciada por nome.
func (l *Limiter) EvaluateNamed(ctx context.Context, name string, id domain.Identity, now time.Time) (domain.Result, error) {
	p, err := l.policies.Lookup(name)
	if err != nil {
		return domain.Result{}, err
	}
	return l.Evaluate(ctx, p, id, now), nil
}

// Evaluate decide admitir/negar uma requisição sob a política p.
//
// O insert acontece mesmo quando a requisição é negada, então sobrecarga
// contínua mantém o chamador negado. remaining usa a contagem anterior ao
// insert: max(0, max - countBefore - 1).
func (l *Limiter) Evaluate(ctx context.Context, p domain.Policy, id domain.Identity, now time.Time) domain.Result {
	if id == "" {
		id = domain.AnonymousIdentity
	}
	if l.store == nil {
		return l.openResult(p, now)
	}

	key := p.Key(id)
	nowMs := now.UnixMilli()
	hit := domain.Hit{
		WindowStart: nowMs - p.Window().Milliseconds(),
		Score:       nowMs,
		Member:      fmt.Sprintf("%d-%s", nowMs, l.nonce()),
		TTL:         p.TTL(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	started := time.Now()
	countBefore, err := l.store.Record(storeCtx, key, hit)
	l.metrics.StoreLatency(p.Name(), time.Since(started))
	if err != nil {
		return l.storeUnavailable(p, key, now, err)
	}

	limit := int64(p.Max())
	res := domain.Result{
		Success:   countBefore < limit,
		Limit:     p.Max(),
		Remaining: int(max(0, limit-countBefore-1)),
		Reset:     now.Add(p.Window()),
	}
	if !res.Success {
		l.logger.Debug("ratelimit.denied",
			zap.String("policy", p.Name()),
			zap.String("key", key),
			zap.Int64("count", countBefore),
		)
	}
	l.metrics.Decision(p.Name(), domain.OutcomeOf(res))
	return res
}

// storeUnavailable é o caminho fail-open: a requisição passa, o erro vira
// log (amostrado) e métrica; nada é propagado ao chamador.
func (l *Limiter) storeUnavailable(p domain.Policy, key string, now time.Time, err error) domain.Result {
	err = fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	if l.warnLimiter.Allow() {
		l.logger.Warn("ratelimit.store_unavailable",
			zap.String("policy", p.Name()),
			zap.String("key", key),
			zap.Int64("suppressed", l.suppressed.Swap(0)),
			zap.Error(err),
		)
	} else {
		l.suppressed.Add(1)
	}
	return l.openResult(p, now)
}

func (l *Limiter) openResult(p domain.Policy, now time.Time) domain.Result {
	l.metrics.Decision(p.Name(), domain.OutcomeFailOpen)
	return domain.Result{
		Success:   true,
		Limit:     p.Max(),
		Remaining: p.Max(),
		Reset:     now.Add(p.Window()),
		FailOpen:  true,
	}
}

type noopMetrics struct{}

func (noopMetrics) Decision(string, domain.Outcome)    {}
func (noopMetrics) StoreLatency(string, time.Duration) {}
