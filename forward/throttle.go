package forward

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle is a per-stream token bucket applied to the direction that
// enters the tunnel. Capacity and refill rate are both kbps*1024 bytes
// per second; a zero rate disables pacing entirely.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle builds a throttle for the given rate. kbps <= 0 returns a
// pass-through throttle.
func NewThrottle(kbps int) *Throttle {
	if kbps <= 0 {
		return &Throttle{}
	}
	bytesPerSec := kbps * 1024
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// Wait blocks until n bytes may pass. Chunks larger than the bucket
// capacity are admitted in capacity-sized installments.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t.limiter == nil || n <= 0 {
		return nil
	}
	burst := t.limiter.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		if err := t.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// Enabled reports whether the throttle actually paces traffic.
func (t *Throttle) Enabled() bool {
	return t.limiter != nil
}
