package cache

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// KeyFunc escolhe a key de cache de uma requisição. "" desliga o cache
// para aquela requisição.
type KeyFunc func(r *http.Request) string

type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// ResponseMiddleware guarda respostas GET 200 com corpo JSON e as devolve
// nas próximas requisições com a mesma key. X-Cache indica HIT ou MISS.
func ResponseMiddleware(c *Cache, ttl time.Duration, keyFn KeyFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !c.Enabled() || keyFn == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFn(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			var cached cachedResponse
			hit, err := c.Get(r.Context(), key, &cached)
			if err != nil {
				c.logger.Warn("cache.get_failed", zap.String("key", key), zap.Error(err))
			}
			if hit {
				c.logger.Debug("cache.hit", zap.String("key", key))
				w.Header().Set("Content-Type", cached.ContentType)
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			c.logger.Debug("cache.miss", zap.String("key", key))
			w.Header().Set("X-Cache", "MISS")
			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			ct := rec.Header().Get("Content-Type")
			if rec.status != http.StatusOK || !strings.Contains(ct, "json") {
				return
			}
			resp := cachedResponse{Status: rec.status, ContentType: ct, Body: rec.body.Bytes()}
			if err := c.Set(r.Context(), key, resp, ttl); err != nil {
				c.logger.Warn("cache.set_failed", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

// captureWriter repassa a resposta ao cliente e guarda uma cópia do corpo.
type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	if !cw.wroteHeader {
		cw.status = code
		cw.wroteHeader = true
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	cw.body.Write(p)
	return cw.ResponseWriter.Write(p)
}

func (cw *captureWriter) Unwrap() http.ResponseWriter { return cw.ResponseWriter }
