package main

import (
	"context"
	"net/http"
	"slices"
	"time"

	"terrains-gateway/middleware/cache"
	"terrains-gateway/middleware/ratelimit"
	"terrains-gateway/middleware/ratelimit/application"
	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type gateway struct {
	proxy   http.Handler
	limiter *application.Limiter
	stats   domain.StatsStore
	cache   *cache.Cache
	logger  *zap.Logger

	rateEnabled  bool
	trustXFF     bool
	statsTimeout time.Duration

	// vagas do upstream: /api/maps/* tem grupo próprio, o resto divide o
	// grupo default
	concurrency     ratelimit.ConcurrencyOptions
	mapsConcurrency ratelimit.ConcurrencyOptions

	// ops
	counters domain.KeyStore
	opsToken string
	ping     func(context.Context) error
	metrics  http.Handler
}

var writeMethods = []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// routes monta a tabela de rotas. Erro aqui é de configuração (política
// desconhecida) e impede o processo de subir.
func (g *gateway) routes() (http.Handler, error) {
	limit := func(policy, authPolicy string) (func(http.Handler) http.Handler, error) {
		if !g.rateEnabled {
			return func(next http.Handler) http.Handler { return next }, nil
		}
		return ratelimit.Middleware(ratelimit.Options{
			Limiter:             g.limiter,
			Policy:              policy,
			AuthenticatedPolicy: authPolicy,
			TrustXForwardedFor:  g.trustXFF,
			Stats:               g.stats,
			StatsTimeout:        g.statsTimeout,
			Logger:              g.logger,
		})
	}

	read, err := limit(domain.PolicyPublic, domain.PolicyAuthenticated)
	if err != nil {
		return nil, err
	}
	forms, err := limit(domain.PolicyForms, "")
	if err != nil {
		return nil, err
	}
	uploads, err := limit(domain.PolicyUploads, "")
	if err != nil {
		return nil, err
	}
	expensive, err := limit(domain.PolicyExpensive, "")
	if err != nil {
		return nil, err
	}

	proxy := g.proxy
	listings := read(cache.ResponseMiddleware(g.cache, cache.TTLListings, listingsKey)(proxy))
	detail := read(cache.ResponseMiddleware(g.cache, cache.TTLListingDetail, detailKey)(proxy))
	writes := read(invalidateListings(g.cache, g.logger)(proxy))

	r := chi.NewRouter()

	if g.metrics != nil {
		r.Handle("/metrics", g.metrics)
	}
	if g.opsToken != "" {
		r.Route("/_ops", func(r chi.Router) {
			r.Use(requireBearer(g.opsToken))
			r.Get("/health", g.health)
			r.Get("/cache/stats", g.cacheStats)
			r.Post("/cache/invalidate", g.cacheInvalidate)
			if g.counters != nil {
				r.Get("/ratelimit/keys", g.counterKeys)
				r.Delete("/ratelimit/keys", g.counterReset)
			}
		})
	}

	r.With(ratelimit.ConcurrencyMiddleware(g.mapsConcurrency)).Handle("/api/maps/*", expensive(proxy))

	r.Group(func(r chi.Router) {
		r.Use(ratelimit.ConcurrencyMiddleware(g.concurrency))

		r.Handle("/api/listings", byMethod(proxy, listings, http.MethodGet))
		r.Handle("/api/listings/*", byMethod(proxy, listings, http.MethodGet))
		r.Handle("/api/properties", byMethod(byMethod(proxy, listings, http.MethodGet), writes, writeMethods...))
		r.Handle("/api/properties/{slug}", byMethod(byMethod(proxy, detail, http.MethodGet), writes, writeMethods...))
		r.Handle("/api/leads", byMethod(proxy, forms(proxy), http.MethodPost))
		r.Handle("/api/uploads/sign", byMethod(proxy, uploads(proxy), http.MethodPost))
		r.Handle("/*", proxy)
	})

	return r, nil
}

// byMethod envia os métodos listados para h e o resto para fallback.
func byMethod(fallback, h http.Handler, methods ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(methods, r.Method) {
			h.ServeHTTP(w, r)
			return
		}
		fallback.ServeHTTP(w, r)
	})
}

// respostas com Authorization podem ser personalizadas: não entram no cache
func listingsKey(r *http.Request) string {
	if r.Header.Get("Authorization") != "" {
		return ""
	}
	q := r.URL.Query()
	q.Set("_path", r.URL.Path)
	return cache.KeyListingsQuery(q)
}

func detailKey(r *http.Request) string {
	if r.Header.Get("Authorization") != "" {
		return ""
	}
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		return ""
	}
	return cache.KeyListing(slug)
}

// invalidateListings limpa o cache de anúncios depois de uma escrita 2xx.
func invalidateListings(c *cache.Cache, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !c.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status < 200 || sw.status >= 300 {
				return
			}
			slug := chi.URLParam(r, "slug")
			n, err := c.InvalidateListings(r.Context(), slug)
			if err != nil {
				logger.Warn("cache.invalidate_failed", zap.String("slug", slug), zap.Error(err))
				return
			}
			logger.Debug("cache.invalidated", zap.String("slug", slug), zap.Int("keys", n))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(p)
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }
