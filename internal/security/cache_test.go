package security

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/nimasrn/notifyhub-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func newMemoryCacheAt(start time.Time) (*MemoryCache, *fakeNow) {
	clock := &fakeNow{t: start}
	c := NewMemoryCache()
	c.now = clock.now
	return c, clock
}

func TestMemoryCache_PutGet(t *testing.T) {
	c, clock := newMemoryCacheAt(time.Unix(1_700_000_000, 0))

	require.NoError(t, c.Put("k", []byte("v"), time.Minute))
	v, ok, err := c.Get("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.advance(time.Minute)
	_, ok, err = c.Get("k")
	require.NoError(t, err)
	assert.False(t, ok, "entry expires at its ttl")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_IncrSlidesWindow(t *testing.T) {
	c, clock := newMemoryCacheAt(time.Unix(1_700_000_000, 0))

	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr("count", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		clock.advance(9 * time.Minute)
	}

	clock.advance(2 * time.Minute)
	n, err := c.Incr("count", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "window restarted after expiry")
}

func TestMemoryCache_Purge(t *testing.T) {
	c, clock := newMemoryCacheAt(time.Unix(1_700_000_000, 0))

	require.NoError(t, c.Put("short", []byte("1"), time.Second))
	require.NoError(t, c.Put("long", []byte("1"), time.Hour))
	_, err := c.Incr("counter", time.Second)
	require.NoError(t, err)

	clock.advance(time.Minute)
	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 1, c.Len())
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter("security-"+uuid.NewString(), "guard:", &redis.Options{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	c := NewRedisCache(adapter)

	_, ok, err := c.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("banned:1.2.3.4", []byte("x"), time.Hour))
	v, ok, err := c.Get("banned:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), v)

	mr.FastForward(2 * time.Hour)
	_, ok, err = c.Get("banned:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := c.Incr("violation:scanner:1.2.3.4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Incr("violation:scanner:1.2.3.4", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Hour, mr.TTL("guard:violation:scanner:1.2.3.4"))
}
