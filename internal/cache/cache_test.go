package cache

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Key(k int64) string {
	return strconv.FormatInt(k, 10)
}

func TestTTLCache_GetOrLoad(t *testing.T) {
	c := New[int64, float64](16, time.Minute, int64Key)

	var loads int32
	load := func() (float64, error) {
		atomic.AddInt32(&loads, 1)
		return 3.5, nil
	}

	v, err := c.GetOrLoad(97, load)
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)

	v, err = c.GetOrLoad(97, load)
	require.NoError(t, err)
	assert.Equal(t, 3.5, v)
	assert.Equal(t, int32(1), loads)

	c.Invalidate(97)
	_, err = c.GetOrLoad(97, load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads)
}

func TestTTLCache_LoadErrorNotCached(t *testing.T) {
	c := New[int64, int](16, time.Minute, int64Key)

	_, err := c.GetOrLoad(1, func() (int, error) { return 0, errors.New("rpc down") })
	assert.Error(t, err)

	_, ok := c.Get(1)
	assert.False(t, ok)
}

func TestTTLCache_Expiry(t *testing.T) {
	c := New[int64, int](16, 20*time.Millisecond, int64Key)
	c.Set(1, 7)

	v, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	assert.Eventually(t, func() bool {
		_, ok := c.Get(1)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestTTLCache_ConcurrentLoadOnce(t *testing.T) {
	c := New[int64, int](16, time.Minute, int64Key)

	var loads int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.GetOrLoad(5, func() (int, error) {
				atomic.AddInt32(&loads, 1)
				time.Sleep(10 * time.Millisecond)
				return 1, nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, loads, int32(2))
}
