package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"terrains-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// holdingHandler segura cada requisição até release ser fechado.
func holdingHandler(started chan<- struct{}, release <-chan struct{}) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	})
}

func TestConcurrencyMiddleware_RejectsWhenGroupSaturated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := infra.NewPrometheusConcurrencyMetrics(reg)
	require.NoError(t, err)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	h := ConcurrencyMiddleware(ConcurrencyOptions{
		Group:   GroupMaps,
		Max:     1,
		Wait:    25 * time.Millisecond,
		Metrics: m,
	})(holdingHandler(started, release))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/api/maps/geocode", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		close(release)
		wg.Wait()
		t.Fatal("first request never started")
	}
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(inFlightSeries(1)), "terrains_gateway_inflight_requests"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/api/maps/places", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body busyBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, busyError, body.Error)
	assert.Equal(t, GroupMaps, body.Group)

	close(release)
	wg.Wait()

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP terrains_gateway_concurrency_rejected_total Requests rejected because the route group had no free slot.
# TYPE terrains_gateway_concurrency_rejected_total counter
terrains_gateway_concurrency_rejected_total{group="maps"} 1
`), "terrains_gateway_concurrency_rejected_total"))
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(inFlightSeries(0)), "terrains_gateway_inflight_requests"))
}

func inFlightSeries(n int) string {
	return `
# HELP terrains_gateway_inflight_requests Requests currently holding a slot, by route group.
# TYPE terrains_gateway_inflight_requests gauge
terrains_gateway_inflight_requests{group="maps"} ` + strconv.Itoa(n) + "\n"
}

func TestConcurrencyMiddleware_GroupsDoNotShareSlots(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	maps := ConcurrencyMiddleware(ConcurrencyOptions{Group: GroupMaps, Max: 1, Wait: 10 * time.Millisecond})(holdingHandler(started, release))
	listings := ConcurrencyMiddleware(ConcurrencyOptions{Max: 1, Wait: 10 * time.Millisecond})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		maps.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "http://example/api/maps/geocode", nil))
	}()
	<-started

	w := httptest.NewRecorder()
	listings.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/api/listings", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	close(release)
	wg.Wait()
}

func TestConcurrencyMiddleware_DisabledWhenMaxZero(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := ConcurrencyMiddleware(ConcurrencyOptions{})(next)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://example/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
