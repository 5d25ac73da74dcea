package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopDriverCreateIsIdempotent(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()

	id1, err := d.GetOrCreateCorePool(ctx, "alpha")
	require.NoError(t, err)

	id2, err := d.GetOrCreateCorePool(ctx, "alpha")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "repeated calls for the same key must return the same worker id")
}

func TestNoopDriverDistinctKeysGetDistinctWorkers(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()

	id1, err := d.GetOrCreateCorePool(ctx, "alpha")
	require.NoError(t, err)
	id2, err := d.GetOrCreateCorePool(ctx, "beta")
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestNoopDriverDestroyIsIdempotent(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()

	_, err := d.GetOrCreateCorePool(ctx, "alpha")
	require.NoError(t, err)

	require.NoError(t, d.DestroyCorePool(ctx, "alpha"))
	// destroying again, or destroying a key that was never created, is not an error
	require.NoError(t, d.DestroyCorePool(ctx, "alpha"))
	require.NoError(t, d.DestroyCorePool(ctx, "never-existed"))
}

func TestNoopDriverListReflectsLifecycle(t *testing.T) {
	d := NewNoopDriver()
	ctx := context.Background()

	list, err := d.ListCorePools(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = d.GetOrCreateCorePool(ctx, "alpha")
	require.NoError(t, err)
	_, err = d.GetOrCreateCorePool(ctx, "beta")
	require.NoError(t, err)

	list, err = d.ListCorePools(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, d.DestroyCorePool(ctx, "alpha"))
	list, err = d.ListCorePools(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "beta", list[0].Key)
}

// driverContract exercises the Driver interface generically so backend
// implementations that behave like an in-memory store (noop today) share a
// single source of behavioral truth.
func driverContract(t *testing.T, d Driver) {
	t.Helper()
	ctx := context.Background()

	id, err := d.GetOrCreateCorePool(ctx, "contract-key")
	require.NoError(t, err)
	assert.NotEmpty(t, id.String())

	again, err := d.GetOrCreateCorePool(ctx, "contract-key")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	list, err := d.ListCorePools(ctx)
	require.NoError(t, err)
	found := false
	for _, w := range list {
		if w.Key == "contract-key" {
			found = true
			assert.Equal(t, id, w.WorkerID)
		}
	}
	assert.True(t, found)

	require.NoError(t, d.DestroyCorePool(ctx, "contract-key"))
	list, err = d.ListCorePools(ctx)
	require.NoError(t, err)
	for _, w := range list {
		assert.NotEqual(t, "contract-key", w.Key)
	}
}

func TestNoopDriverSatisfiesContract(t *testing.T) {
	driverContract(t, NewNoopDriver())
}
