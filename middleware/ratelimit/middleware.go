package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"terrains-gateway/middleware/ratelimit/application"
	"terrains-gateway/middleware/ratelimit/domain"

	"go.uber.org/zap"
)

// DefaultStatsTimeout é o mesmo teto do limiter: estatística lenta não
// pode segurar a requisição.
const DefaultStatsTimeout = 250 * time.Millisecond

const (
	deniedError   = "Too many requests"
	deniedMessage = "Rate limit exceeded. Please try again later."
)

// IdentityFunc extrai a identidade do chamador de uma requisição.
type IdentityFunc func(r *http.Request) domain.Identity

type Options struct {
	Limiter *application.Limiter

	// Policy é o nome da política aplicada. Resolvida na montagem.
	Policy string
	// AuthenticatedPolicy, quando preenchida, substitui Policy para
	// requisições com header Authorization.
	AuthenticatedPolicy string

	IdentityFn         IdentityFunc
	TrustXForwardedFor bool

	Stats domain.StatsStore
	// StatsTimeout limita a gravação de estatísticas por requisição.
	// Zero usa DefaultStatsTimeout.
	StatsTimeout time.Duration
	Logger       *zap.Logger

	// Now permite injetar o relógio (testes).
	Now func() time.Time
}

// DefaultIdentityFunc usa o token do header Authorization, depois o IP.
//
// Com trustXFF o IP vem de X-Forwarded-For / X-Real-IP (o gateway está atrás
// de um proxy confiável); sem ele, só RemoteAddr é considerado.
func DefaultIdentityFunc(trustXFF bool) IdentityFunc {
	return func(r *http.Request) domain.Identity {
		auth := r.Header.Get("Authorization")
		if !trustXFF {
			return domain.DeriveIdentity(auth, "", remoteHost(r))
		}
		realIP := r.Header.Get("X-Real-IP")
		if strings.TrimSpace(realIP) == "" {
			realIP = remoteHost(r)
		}
		return domain.DeriveIdentity(auth, r.Header.Get("X-Forwarded-For"), realIP)
	}
}

func remoteHost(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return host
	}
	return addr
}

// Middleware avalia o rate limit antes do handler protegido.
//
// Política desconhecida é erro de configuração e volta na montagem, não
// por requisição.
func Middleware(opts Options) (func(next http.Handler) http.Handler, error) {
	if opts.Limiter == nil {
		return nil, fmt.Errorf("%w: nil limiter", domain.ErrInvalidPolicy)
	}
	policy, err := opts.Limiter.Policy(opts.Policy)
	if err != nil {
		return nil, err
	}
	authPolicy := policy
	if opts.AuthenticatedPolicy != "" {
		if authPolicy, err = opts.Limiter.Policy(opts.AuthenticatedPolicy); err != nil {
			return nil, err
		}
	}
	if opts.IdentityFn == nil {
		opts.IdentityFn = DefaultIdentityFunc(opts.TrustXForwardedFor)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StatsTimeout <= 0 {
		opts.StatsTimeout = DefaultStatsTimeout
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := policy
			if r.Header.Get("Authorization") != "" {
				p = authPolicy
			}
			id := opts.IdentityFn(r)
			now := opts.Now()

			res := opts.Limiter.Evaluate(r.Context(), p, id, now)

			if opts.Stats != nil {
				ev := domain.StatsEvent{
					Policy:  p.Name(),
					Key:     p.Key(id),
					Outcome: domain.OutcomeOf(res),
					Method:  r.Method,
					Path:    r.URL.Path,
					At:      now,
				}
				recordStats(r.Context(), opts, ev)
			}

			setRateHeaders(w.Header(), res)
			if !res.Success {
				writeTooManyRequests(w, res, now)
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

func recordStats(ctx context.Context, opts Options, ev domain.StatsEvent) {
	ctx, cancel := context.WithTimeout(ctx, opts.StatsTimeout)
	defer cancel()
	if err := opts.Stats.Record(ctx, ev); err != nil {
		opts.Logger.Debug("ratelimit.stats_failed", zap.String("policy", ev.Policy), zap.Error(err))
	}
}

// MustMiddleware é Middleware para montagem em main: erro de configuração
// vira panic.
func MustMiddleware(opts Options) func(next http.Handler) http.Handler {
	mw, err := Middleware(opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func setRateHeaders(h http.Header, res domain.Result) {
	h.Set("X-RateLimit-Limit", formatInt(res.Limit))
	h.Set("X-RateLimit-Remaining", formatInt(res.Remaining))
	h.Set("X-RateLimit-Reset", formatInt64(res.Reset.UnixMilli()))
}

type deniedBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Reset     string `json:"reset"`
}

func writeTooManyRequests(w http.ResponseWriter, res domain.Result, now time.Time) {
	w.Header().Set("Retry-After", formatInt(res.RetryAfter(now)))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(deniedBody{
		Error:     deniedError,
		Message:   deniedMessage,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		Reset:     formatISO(res.Reset),
	})
}
