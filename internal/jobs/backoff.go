package jobs

import (
	"math"
	"time"
)

// Backoff doubles the delay per retry: Delay = min(Base * 2^retry, Cap).
// A zero Cap leaves the delay uncapped (saturating at MaxInt64).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := b.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < retry; i++ {
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}
