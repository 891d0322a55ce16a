package upstream

import "time"

const (
	DefaultBackoffBase = 1000 * time.Millisecond
	DefaultBackoffCap  = 30000 * time.Millisecond
	DefaultMaxRetries  = 10
)

// Backoff returns min(base * 2^n, cap).
func Backoff(n int, base, cap time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
