package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"terrains-gateway/middleware/cache"
	"terrains-gateway/middleware/ratelimit"
	"terrains-gateway/middleware/ratelimit/application"
	"terrains-gateway/middleware/ratelimit/domain"
	"terrains-gateway/middleware/ratelimit/infra"

	"go.uber.org/zap"
)

func main() {
	logger := zap.Must(zap.NewDevelopment())
	defer func() { _ = logger.Sync() }()

	// Exemplo: middleware direto no webserver (sem proxy), store em memória.
	// Em produção use infra.NewRedisCounterStore: o store em memória não é
	// compartilhado entre instâncias.
	store := infra.NewMemoryCounterStore()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	store.StartJanitor(ctx)

	limiter := application.NewLimiter(store, domain.DefaultPolicies(), application.WithLogger(logger))
	stats := infra.NewMemoryStatsStore()
	geocoder := cache.New(nil, cache.WithLogger(logger))

	forms := ratelimit.MustMiddleware(ratelimit.Options{
		Limiter:            limiter,
		Policy:             domain.PolicyForms,
		TrustXForwardedFor: true,
		Stats:              stats,
		Logger:             logger,
	})
	expensive := ratelimit.MustMiddleware(ratelimit.Options{
		Limiter:            limiter,
		Policy:             domain.PolicyExpensive,
		TrustXForwardedFor: true,
		Stats:              stats,
		Logger:             logger,
	})

	mux := http.NewServeMux()
	mux.Handle("POST /api/leads", forms(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}` + "\n"))
	})))
	mux.Handle("GET /api/maps/geocode", expensive(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.URL.Query().Get("address")
		res, err := cache.Wrap(r.Context(), geocoder, cache.KeyGeocode(address), cache.TTLGeocode,
			func(context.Context) (map[string]any, error) {
				// provedor de mapas fictício
				return map[string]any{"address": address, "lat": 14.6928, "lng": -17.4467}, nil
			})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})))
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":     stats.Total(),
			"by_policy": stats.ByPolicy(),
		})
	})

	h := ratelimit.ConcurrencyMiddleware(ratelimit.ConcurrencyOptions{Max: 50, Logger: logger})(mux)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("example server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
