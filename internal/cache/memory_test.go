package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testToken struct {
	Value  string
	Expiry time.Time
}

func TestMemory_GetMissing(t *testing.T) {
	c, err := NewMemory[testToken](time.Minute, 10)
	require.NoError(t, err)

	value, found, err := c.Get(context.Background(), "absent")

	assert.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, value)
}

func TestMemory_SetOverwrites(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[testToken](time.Minute, 10)
	require.NoError(t, err)

	expiry := time.Unix(1_700_000_000, 0)

	require.NoError(t, c.Set(ctx, "slot", testToken{Value: "first", Expiry: expiry}))
	require.NoError(t, c.Set(ctx, "slot", testToken{Value: "second", Expiry: expiry}))

	value, found, err := c.Get(ctx, "slot")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, testToken{Value: "second", Expiry: expiry}, value)
}

func TestMemory_Invalidate(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[testToken](time.Minute, 10)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "slot", testToken{Value: "value"}))
	require.NoError(t, c.Invalidate(ctx, "slot"))

	_, found, err := c.Get(ctx, "slot")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_CloseEmptiesCache(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[testToken](time.Minute, 10)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "a", testToken{Value: "a"}))
	require.NoError(t, c.Set(ctx, "b", testToken{Value: "b"}))
	require.NoError(t, c.Close())

	_, found, _ := c.Get(ctx, "a")
	assert.False(t, found)
	_, found, _ = c.Get(ctx, "b")
	assert.False(t, found)
}

func TestMemory_EvictsAfterTTL(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[testToken](100*time.Millisecond, 10)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "slot", testToken{Value: "value"}))

	_, found, _ := c.Get(ctx, "slot")
	assert.True(t, found)

	assert.Eventually(t, func() bool {
		_, found, _ := c.Get(ctx, "slot")
		return !found
	}, 2*time.Second, 25*time.Millisecond)
}

func TestMemory_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemory[testToken](time.Minute, 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, v := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Set(ctx, "slot", testToken{Value: v})
			_, _, _ = c.Get(ctx, "slot")
		}()
	}
	wg.Wait()

	value, found, err := c.Get(ctx, "slot")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Contains(t, []string{"a", "b", "c", "d"}, value.Value)
}
