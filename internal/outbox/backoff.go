package outbox

import (
	"math"
	"math/bits"
	"time"
)

// Backoff returns min(base * 2^(attempts-1), cap). attempts below 1 count
// as 1. Without a cap the delay saturates at the largest Duration instead
// of wrapping.
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(math.MaxInt64)
	// base<<shift stays positive while its bit length is at most 63.
	if shift := attempts - 1; shift <= 63-bits.Len64(uint64(base)) {
		delay = base << uint(shift)
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}
