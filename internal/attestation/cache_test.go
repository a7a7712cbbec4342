package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/attestation-trust-engine/internal/policy"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, "test:result:", quietLogger()), mr
}

func TestStores(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore(0) },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return s
		},
		"tiered": func(t *testing.T) Store {
			s, _ := newRedisStore(t)
			return NewTieredStore(NewMemoryStore(0), s, time.Minute, quietLogger())
		},
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			s := build(t)
			defer s.Close()

			_, ok, err := s.Get(ctx, "host-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "host-1", []byte("one"), time.Hour))
			require.NoError(t, s.Set(ctx, "host-2", []byte("two"), time.Hour))
			require.NoError(t, s.Set(ctx, "host-1", []byte("uno"), time.Hour))

			data, ok, err := s.Get(ctx, "host-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("uno"), data)
			assert.Equal(t, int64(2), s.Size(ctx))

			require.NoError(t, s.Delete(ctx, "host-1"))
			_, ok, err = s.Get(ctx, "host-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: t0}
	s := NewMemoryStore(0)
	s.now = clock.Now

	require.NoError(t, s.Set(ctx, "host-1", []byte("x"), time.Minute))

	clock.Set(t0.Add(time.Minute - time.Nanosecond))
	_, ok, _ := s.Get(ctx, "host-1")
	assert.True(t, ok)

	clock.Set(t0.Add(time.Minute))
	_, ok, _ = s.Get(ctx, "host-1")
	assert.False(t, ok)

	s.removeExpired()
	assert.Equal(t, int64(0), s.Size(ctx))
}

func TestRedisStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Set(ctx, "host-1", []byte("x"), time.Minute))
	assert.True(t, mr.Exists("test:result:host-1"))

	mr.FastForward(time.Minute)
	_, ok, err := s.Get(ctx, "host-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredStorePromotes(t *testing.T) {
	ctx := context.Background()
	l1 := NewMemoryStore(0)
	l2, _ := newRedisStore(t)
	s := NewTieredStore(l1, l2, time.Minute, quietLogger())

	require.NoError(t, l2.Set(ctx, "host-1", []byte("shared"), time.Hour))

	data, ok, err := s.Get(ctx, "host-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("shared"), data)

	promoted, ok, _ := l1.Get(ctx, "host-1")
	require.True(t, ok)
	assert.Equal(t, []byte("shared"), promoted)
}

func TestResultCacheRoundTripOverRedis(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	clock := &fakeClock{now: t0}
	cache := NewResultCache(ResultCacheConfig{Store: store, Now: clock.Now, Logger: quietLogger()})

	in := &CachedDecision{
		HostID:      "host-1",
		Markers:     map[policy.Marker]bool{policy.MarkerBIOS: true, policy.MarkerVMM: false},
		Trusted:     false,
		BIOS:        "BIOS|Firmware_v1_003|1.0",
		Faults:      []string{"PCR 18 value mismatch"},
		EvaluatedAt: t0,
	}
	require.NoError(t, cache.Put(ctx, in))

	out, ok := cache.Get(ctx, "host-1")
	require.True(t, ok)
	assert.Equal(t, in.Markers, out.Markers)
	assert.Equal(t, in.BIOS, out.BIOS)
	assert.Equal(t, in.Faults, out.Faults)
	assert.True(t, in.EvaluatedAt.Equal(out.EvaluatedAt))

	require.NoError(t, cache.Invalidate(ctx, "host-1"))
	_, ok = cache.Get(ctx, "host-1")
	assert.False(t, ok)
}

func TestResultCacheDiscardsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	cache := NewResultCache(ResultCacheConfig{Store: store, Logger: quietLogger()})

	require.NoError(t, store.Set(ctx, "host-1", []byte{0xff, 0x00}, time.Hour))
	_, ok := cache.Get(ctx, "host-1")
	assert.False(t, ok)
}
