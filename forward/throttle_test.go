package forward

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestThrottleDisabled verifies kbps=0 admits everything immediately.
func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0)
	assert.False(t, th.Enabled())

	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), 10*1024*1024))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// TestThrottlePaces verifies sustained throughput is bounded by
// kbps*1024 bytes per second plus one bucket of burst.
func TestThrottlePaces(t *testing.T) {
	const kbps = 8 // 8192 bytes per second, burst 8192
	th := NewThrottle(kbps)
	require.True(t, th.Enabled())

	// One burst passes immediately; the next full bucket must wait
	// about a second.
	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), kbps*1024))
	require.NoError(t, th.Wait(context.Background(), kbps*1024))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 700*time.Millisecond, "second bucket should be paced")
	assert.Less(t, elapsed, 3*time.Second)
}

// TestThrottleOversizedChunk verifies chunks beyond the bucket capacity
// are split instead of rejected.
func TestThrottleOversizedChunk(t *testing.T) {
	th := NewThrottle(64) // burst 65536
	require.NoError(t, th.Wait(context.Background(), 3*64*1024/2))
}

// TestThrottleCancel verifies a canceled context aborts the wait.
func TestThrottleCancel(t *testing.T) {
	th := NewThrottle(1) // 1024 bytes per second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	// Burst drains instantly, the follow-up would take a second.
	require.NoError(t, th.Wait(ctx, 1024))
	err := th.Wait(ctx, 1024)
	assert.Error(t, err)
}
