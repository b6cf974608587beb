package ingress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPortPool_InvalidRange(t *testing.T) {
	tests := []struct {
		name     string
		min, max int
	}{
		{"zero min", 0, 10},
		{"inverted", 30010, 30000},
		{"above max", 65000, 70000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPortPool(tt.min, tt.max)
			assert.Error(t, err)
		})
	}
}

func TestPortPool_AcquireRelease(t *testing.T) {
	pool, err := NewPortPool(30000, 30002)
	require.NoError(t, err)

	p1, err := pool.Acquire()
	require.NoError(t, err)
	p2, err := pool.Acquire()
	require.NoError(t, err)
	p3, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, []int{30000, 30001, 30002}, []int{p1, p2, p3})
	assert.Equal(t, 0, pool.Available())

	_, err = pool.Acquire()
	assert.ErrorIs(t, err, ErrNoAvailablePort)

	pool.Release(p2)
	pool.Release(p2)
	pool.Release(12345)
	assert.Equal(t, 1, pool.Available())

	p, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30001, p)
}

func TestPortPool_RoundRobin(t *testing.T) {
	pool, err := NewPortPool(30000, 30009)
	require.NoError(t, err)

	p1, _ := pool.Acquire()
	pool.Release(p1)
	p2, _ := pool.Acquire()
	assert.NotEqual(t, p1, p2)
}

func TestPortPool_Reserve(t *testing.T) {
	pool, err := NewPortPool(30000, 30001)
	require.NoError(t, err)

	assert.True(t, pool.Reserve(30000))
	assert.False(t, pool.Reserve(30000))
	assert.False(t, pool.Reserve(40000))

	p, err := pool.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 30001, p)
}

func TestPortPool_ConcurrentAcquireIsUnique(t *testing.T) {
	pool, err := NewPortPool(30000, 30099)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]bool)
	)
	for n := 0; n < 100; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := pool.Acquire()
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[p], "port %d handed out twice", p)
			seen[p] = true
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	assert.Equal(t, 0, pool.Available())
}
