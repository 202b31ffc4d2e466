package ratelimit

import (
	"encoding/json"
	"net/http"
	"time"

	"terrains-gateway/middleware/ratelimit/application"
	"terrains-gateway/middleware/ratelimit/domain"
	"terrains-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

// Grupos de rotas com vagas próprias.
const (
	GroupDefault = "default"
	GroupMaps    = "maps"
)

const busyError = "Service busy"

type ConcurrencyOptions struct {
	// Group nomeia o grupo nas métricas e no corpo do 503. Vazio vira
	// GroupDefault.
	Group string
	// Max é o número de vagas do grupo. <= 0 desliga o limite.
	Max int
	// Wait é quanto uma requisição espera por vaga antes do 503. <= 0 espera
	// enquanto o cliente estiver conectado.
	Wait    time.Duration
	Metrics domain.ConcurrencyMetrics
	Logger  *zap.Logger
}

type busyBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Group   string `json:"group"`
}

// ConcurrencyMiddleware é o bulkhead de um grupo de rotas: cada chamada cria
// um pool próprio, então grupos montados separadamente não disputam vagas.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.Group == "" {
		opts.Group = GroupDefault
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	bh := application.Bulkhead{
		Group:   opts.Group,
		Pool:    infra.NewSlotPool(opts.Max),
		Wait:    opts.Wait,
		Metrics: opts.Metrics,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			leave, err := bh.Enter(r.Context())
			if err != nil {
				opts.Logger.Info("concurrency.rejected",
					zap.String("group", opts.Group),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(busyBody{
					Error:   busyError,
					Message: "Too many concurrent requests for this route. Please retry shortly.",
					Group:   opts.Group,
				})
				return
			}
			defer leave()

			next.ServeHTTP(w, r)
		})
	}
}
