package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// opsTimeout limita as varreduras dos endpoints de operação.
const opsTimeout = 5 * time.Second

// requireBearer protege os endpoints de operação com um token fixo.
func requireBearer(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (g *gateway) health(w http.ResponseWriter, r *http.Request) {
	if g.ping == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"redis":  "not configured",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	started := time.Now()
	if err := g.ping(ctx); err != nil {
		g.logger.Warn("ops.redis_ping_failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"redis":  "unreachable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"redis":      "ok",
		"latency_ms": time.Since(started).Milliseconds(),
	})
}

func (g *gateway) cacheStats(w http.ResponseWriter, r *http.Request) {
	st, err := g.cache.Stats(r.Context())
	if err != nil {
		g.logger.Warn("ops.cache_stats_failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (g *gateway) cacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pattern is required"})
		return
	}
	n, err := g.cache.DeletePattern(r.Context(), pattern)
	if err != nil {
		g.logger.Warn("ops.cache_invalidate_failed", zap.String("pattern", pattern), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error(), "deleted": n})
		return
	}
	g.logger.Info("ops.cache_invalidated", zap.String("pattern", pattern), zap.Int("deleted", n))
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "deleted": n})
}

// counterPattern lê ?pattern= e exige que ele fique no namespace de uma
// política: "*" apagaria também cache e estatísticas que dividem o banco.
func (g *gateway) counterPattern(w http.ResponseWriter, r *http.Request) (string, bool) {
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pattern is required"})
		return "", false
	}
	if !g.limiter.Policies().OwnsPattern(pattern) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":    "pattern must start with a policy key prefix",
			"policies": g.limiter.Policies().Names(),
		})
		return "", false
	}
	return pattern, true
}

// counterKeys lista as keys de contador que casam com ?pattern=
// (ex: "form:ip:41.82.*").
func (g *gateway) counterKeys(w http.ResponseWriter, r *http.Request) {
	pattern, ok := g.counterPattern(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opsTimeout)
	defer cancel()
	keys, err := g.counters.Keys(ctx, pattern)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "keys": keys})
}

// counterReset apaga os contadores que casam com ?pattern=, liberando os
// chamadores antes do fim da janela.
func (g *gateway) counterReset(w http.ResponseWriter, r *http.Request) {
	pattern, ok := g.counterPattern(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), opsTimeout)
	defer cancel()
	keys, err := g.counters.Keys(ctx, pattern)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	n, err := g.counters.Delete(ctx, keys...)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	g.logger.Info("ops.ratelimit_reset", zap.String("pattern", pattern), zap.Int64("deleted", n))
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "deleted": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
