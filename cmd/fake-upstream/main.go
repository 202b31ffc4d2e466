package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Upstream fictício da aplicação de anúncios, para validar o gateway
// localmente (UPSTREAM_URL=http://localhost:8081).
func main() {
	logger := zap.Must(zap.NewDevelopment())
	defer func() { _ = logger.Sync() }()

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{Addr: addr, Handler: newMux(logger)}
	logger.Info("fake upstream listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

type listing struct {
	Slug   string `json:"slug"`
	Title  string `json:"title"`
	Region string `json:"region"`
	Price  int    `json:"price_xof"`
}

var listings = []listing{
	{Slug: "terrain-ngor-300m2", Title: "Terrain 300m² à Ngor", Region: "dakar", Price: 45_000_000},
	{Slug: "villa-saly", Title: "Villa 4 chambres à Saly", Region: "thies", Price: 120_000_000},
}

func newMux(logger *zap.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/listings", func(w http.ResponseWriter, r *http.Request) {
		region := strings.ToLower(r.URL.Query().Get("region"))
		out := make([]listing, 0, len(listings))
		for _, l := range listings {
			if region == "" || l.Region == region {
				out = append(out, l)
			}
		}
		logger.Debug("listings", zap.String("region", region), zap.Int("count", len(out)))
		writeJSON(w, http.StatusOK, map[string]any{"items": out})
	})

	mux.HandleFunc("GET /api/properties/{slug}", func(w http.ResponseWriter, r *http.Request) {
		slug := r.PathValue("slug")
		for _, l := range listings {
			if l.Slug == slug {
				writeJSON(w, http.StatusOK, l)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	mux.HandleFunc("POST /api/leads", func(w http.ResponseWriter, r *http.Request) {
		logger.Info("lead received", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusCreated, map[string]bool{"ok": true})
	})

	mux.HandleFunc("POST /api/uploads/sign", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"url": "http://localhost/upload/fake"})
	})

	mux.HandleFunc("GET /api/maps/geocode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"address": r.URL.Query().Get("address"),
			"lat":     14.6928,
			"lng":     -17.4467,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
