package infra

import (
	"context"
	"testing"
	"time"

	"terrains-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hitAt(score, window int64, member string) domain.Hit {
	return domain.Hit{
		WindowStart: score - window,
		Score:       score,
		Member:      member,
		TTL:         time.Duration(window) * time.Millisecond,
	}
}

func TestMemoryCounterStore_CountsBeforeInsert(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		n, err := s.Record(ctx, "k", hitAt(i, 1000, "m"+string(rune('a'+i))))
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

func TestMemoryCounterStore_PrunesAtOrBeforeWindowStart(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	_, _ = s.Record(ctx, "k", hitAt(0, 1000, "a"))
	_, _ = s.Record(ctx, "k", hitAt(500, 1000, "b"))

	// windowStart = 0: o hit de score 0 sai
	n, err := s.Record(ctx, "k", hitAt(1000, 1000, "c"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCounterStore_DuplicateMemberCollapses(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	_, _ = s.Record(ctx, "k", hitAt(10, 1000, "same"))
	_, _ = s.Record(ctx, "k", hitAt(10, 1000, "same"))

	n, err := s.Record(ctx, "k", hitAt(10, 1000, "other"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCounterStore_KeyExpiresAfterTTL(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	hit := domain.Hit{WindowStart: -10_000, Score: 0, Member: "a", TTL: time.Second}
	_, _ = s.Record(ctx, "k", hit)

	// janela longa, mas TTL de 1s: em 1000ms a key inteira já expirou
	n, err := s.Record(ctx, "k", domain.Hit{WindowStart: -9_000, Score: 1000, Member: "b", TTL: time.Second})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemoryCounterStore_CleanupRemovesExpiredKeys(t *testing.T) {
	now := time.UnixMilli(0)
	s := NewMemoryCounterStore(WithClock(func() time.Time { return now }), WithCleanupEvery(0))
	ctx := context.Background()

	_, _ = s.Record(ctx, "a", hitAt(0, 1000, "x"))
	_, _ = s.Record(ctx, "b", hitAt(900, 1000, "y"))

	now = time.UnixMilli(1000)
	s.Cleanup()

	keys, err := s.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestMemoryCounterStore_KeysAndDelete(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	for _, k := range []string{"form:ip:1", "form:ip:2", "upload:ip:1"} {
		_, _ = s.Record(ctx, k, hitAt(0, 1000, "m"))
	}

	keys, err := s.Keys(ctx, "form:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"form:ip:1", "form:ip:2"}, keys)

	n, err := s.Delete(ctx, append(keys, "missing")...)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	keys, _ = s.Keys(ctx, "*")
	assert.Equal(t, []string{"upload:ip:1"}, keys)
}

func TestMemoryCounterStore_CancelledContext(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Record(ctx, "k", hitAt(0, 1000, "m"))
	require.ErrorIs(t, err, context.Canceled)
}
