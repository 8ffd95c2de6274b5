package inference

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	closed bool
}

func (f *fakeAdapter) Infer(context.Context, image.Image) (*Output, error) {
	return &Output{}, nil
}
func (f *fakeAdapter) Reinitialize() error { return nil }
func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, err := NewAdapterPool(func() (Adapter, error) { return &fakeAdapter{}, nil }, 2)
	require.NoError(t, err)
	defer pool.Close()

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	b, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	m := pool.Metrics()
	assert.Equal(t, 2, m.InUse)
	assert.Equal(t, int64(2), m.TotalAcquired)

	pool.Release(a)
	pool.Release(b)
	m = pool.Metrics()
	assert.Equal(t, 0, m.InUse)
	assert.Equal(t, int64(2), m.TotalReleased)
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	pool, err := NewAdapterPool(func() (Adapter, error) { return &fakeAdapter{}, nil }, 1)
	require.NoError(t, err)
	defer pool.Close()

	a, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolFactoryFailure(t *testing.T) {
	boom := errors.New("no model")
	_, err := NewAdapterPool(func() (Adapter, error) { return nil, boom }, 2)
	assert.ErrorIs(t, err, boom)
}

func TestPoolCloseDestroysIdleAdapters(t *testing.T) {
	adapters := []*fakeAdapter{}
	pool, err := NewAdapterPool(func() (Adapter, error) {
		a := &fakeAdapter{}
		adapters = append(adapters, a)
		return a, nil
	}, 2)
	require.NoError(t, err)

	checkedOut, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Close()
	pool.Release(checkedOut)

	for i, a := range adapters {
		assert.True(t, a.closed, "adapter %d", i)
	}
}
