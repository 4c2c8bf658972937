package dispatcher

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/mechlabs/mech-queue/internal/queue"
)

const defaultMaxBackoff = 30 * time.Minute

// ComputeDelay returns the retry delay for the given backoff policy and
// 1-indexed attempt number, with ±20% jitter applied unconditionally to
// avoid thundering-herd waves on retried batches.
func ComputeDelay(b queue.Backoff, attempt int) time.Duration {
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}

	var delay time.Duration
	switch b.Kind {
	case queue.BackoffFixed:
		delay = b.BaseDelay
	case queue.BackoffLinear:
		delay = b.BaseDelay * time.Duration(attempt)
	case queue.BackoffExponential:
		fallthrough
	default:
		factor := math.Pow(2, float64(attempt-1))
		delay = time.Duration(float64(b.BaseDelay) * factor)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return jitter(delay)
}

// jitter applies uniform jitter in [0.8d, 1.2d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := float64(d) * 0.4
	offset := rand.Float64()*spread - spread/2
	return time.Duration(float64(d) + offset)
}
