package inference

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// AcquireTimeout bounds how long a caller waits for a free adapter.
const AcquireTimeout = 5 * time.Second

// AdapterPool is a fixed-size pool of inference adapters. The pool is
// also the concurrency bound for inference: at most size runs execute
// at once, and callers past that wait or time out.
type AdapterPool struct {
	adapters chan Adapter
	size     int

	mu      sync.Mutex
	closed  bool
	metrics poolMetrics
}

type poolMetrics struct {
	mu              sync.RWMutex
	inUse           int
	totalAcquired   int64
	totalReleased   int64
	acquireFailures int64
	waitTime        time.Duration
}

// PoolMetrics is a point-in-time snapshot for the metrics endpoint.
type PoolMetrics struct {
	PoolSize        int   `json:"pool_size"`
	InUse           int   `json:"sessions_in_use"`
	TotalAcquired   int64 `json:"total_acquired"`
	TotalReleased   int64 `json:"total_released"`
	AcquireFailures int64 `json:"acquire_failures"`
}

// NewAdapterPool builds size adapters through factory. On any failure the
// already-created adapters are closed and the error returned.
func NewAdapterPool(factory func() (Adapter, error), size int) (*AdapterPool, error) {
	if size <= 0 {
		size = 1
	}
	pool := &AdapterPool{
		adapters: make(chan Adapter, size),
		size:     size,
	}
	for i := 0; i < size; i++ {
		adapter, err := factory()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initialize adapter %d: %w", i, err)
		}
		pool.adapters <- adapter
	}
	return pool, nil
}

// Acquire takes an adapter from the pool, waiting up to AcquireTimeout.
func (p *AdapterPool) Acquire(ctx context.Context) (Adapter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("adapter pool is closed")
	}
	p.mu.Unlock()

	start := time.Now()
	defer func() {
		p.metrics.mu.Lock()
		p.metrics.waitTime += time.Since(start)
		p.metrics.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case adapter := <-p.adapters:
		p.metrics.mu.Lock()
		p.metrics.inUse++
		p.metrics.totalAcquired++
		p.metrics.mu.Unlock()
		return adapter, nil
	case <-timer.C:
		p.metrics.mu.Lock()
		p.metrics.acquireFailures++
		p.metrics.mu.Unlock()
		return nil, fmt.Errorf("timeout waiting for available adapter")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an adapter to the pool. After Close the adapter is
// destroyed instead.
func (p *AdapterPool) Release(adapter Adapter) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		adapter.Close()
		return
	}
	p.mu.Unlock()

	p.metrics.mu.Lock()
	p.metrics.inUse--
	p.metrics.totalReleased++
	p.metrics.mu.Unlock()

	p.adapters <- adapter
}

// Close drains the pool and closes every idle adapter. Adapters still
// checked out are closed on Release.
func (p *AdapterPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.adapters)
	for adapter := range p.adapters {
		adapter.Close()
	}
}

// Metrics returns a snapshot of pool counters.
func (p *AdapterPool) Metrics() PoolMetrics {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()
	return PoolMetrics{
		PoolSize:        p.size,
		InUse:           p.metrics.inUse,
		TotalAcquired:   p.metrics.totalAcquired,
		TotalReleased:   p.metrics.totalReleased,
		AcquireFailures: p.metrics.acquireFailures,
	}
}
