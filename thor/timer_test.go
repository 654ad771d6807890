package thor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnot/thor/thor"
)

func TestScheduleFiresInDeadlineOrder(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	var mu sync.Mutex
	var order []int

	loop.Schedule(30*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})
	loop.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	loop.Schedule(20*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		loop.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestTimeoutCancel(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	fired := false
	to := loop.Schedule(10*time.Millisecond, func() { fired = true })
	to.Cancel()

	loop.Schedule(30*time.Millisecond, func() { loop.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))
	assert.False(t, fired, "cancelled timer fired")
}

func TestTwoEqualDeadlinesFireFIFO(t *testing.T) {
	loop, err := thor.New(thor.DefaultConfig())
	require.NoError(t, err)
	defer loop.Close()

	var mu sync.Mutex
	var order []int
	loop.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	loop.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		loop.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order, "equal-deadline timers did not fire FIFO")
}
