package executor

import (
	"time"

	"github.com/jdziat/ecoscan/pkg/security"
)

// EffectivePriority combines a base priority with deadline aging and the fallback penalty.
//
// Once the time left before deadline drops below window, the priority is promoted
// (lowered) in proportion to how much of the window has been used; at the deadline it
// reaches zero. A fallback write then adds penalty. The result is clamped to [0,100].
func EffectivePriority(base, penalty int, isFallback bool, deadline, now time.Time, window time.Duration) int {
	p := base
	if !deadline.IsZero() && window > 0 {
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < window {
			used := 1 - float64(remaining)/float64(window)
			p -= int(float64(base) * used)
		}
	}
	if isFallback {
		p += penalty
	}
	return security.ClampPriority(p)
}
