package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFingerprintNormalization(t *testing.T) {
	// Case and whitespace differences must map to the same key.
	a := Fingerprint("search", "Quantum  Error correction")
	b := Fingerprint("search", "quantum error CORRECTION")
	assert.Equal(t, a, b)

	// Different stages with identical input must not collide.
	assert.NotEqual(t, Fingerprint("search", "x"), Fingerprint("plan", "x"))

	// Part boundaries matter.
	assert.NotEqual(t, Fingerprint("plan", "ab", "c"), Fingerprint("plan", "a", "bc"))
}

func TestCanonicalizeMapSorted(t *testing.T) {
	a := CanonicalizeMap(map[string]string{"b": "2", "a": "1"})
	b := CanonicalizeMap(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a, b)
	assert.Equal(t, "a=1;b=2", a)
	assert.Equal(t, "", CanonicalizeMap(nil))
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	store, err := NewRedisStore(s.Addr(), "", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisStoreHitMissAndCounts(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	fp := Fingerprint("search", "quantum error correction")

	_, err := store.Get(ctx, fp)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Put(ctx, fp, []byte(`{"results":[]}`), time.Minute))

	b, err := store.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, `{"results":[]}`, string(b))

	_, err = store.Get(ctx, fp)
	require.NoError(t, err)

	hits, err := store.Hits(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	fp := Fingerprint("search", "short lived")

	require.NoError(t, store.Put(ctx, fp, []byte("payload"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := store.Get(ctx, fp)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLocalStoreHitMissAndTTL(t *testing.T) {
	store := NewLocalStore(8)
	ctx := context.Background()
	fp := Fingerprint("complete", "prompt text")

	_, err := store.Get(ctx, fp)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, store.Put(ctx, fp, []byte("answer"), 10*time.Millisecond))
	b, err := store.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, "answer", string(b))

	hits, err := store.Hits(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), hits)

	time.Sleep(20 * time.Millisecond)
	_, err = store.Get(ctx, fp)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLocalStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewLocalStore(2)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Put(ctx, "b", []byte("2"), time.Minute))

	// Touch "a" so "b" becomes the eviction candidate.
	_, err := store.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "c", []byte("3"), time.Minute))

	_, err = store.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = store.Get(ctx, "a")
	assert.NoError(t, err)
}
