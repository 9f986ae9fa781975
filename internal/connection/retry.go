package connection

import (
	"math"
	"time"
)

// retryPolicy spaces consecutive DISCONNECTED retries. The delay grows
// linearly over the first attempts, is capped at twice the base, and is
// shortened by up to 20% of jitter.
type retryPolicy struct {
	base     time.Duration
	attempts int
	rand     func() float64
}

func (p *retryPolicy) next() time.Duration {
	p.attempts++
	return retryDelay(p.base, p.attempts, p.rand())
}

func (p *retryPolicy) reset() {
	p.attempts = 0
}

func backoffCoefficient(attempt int) float64 {
	return math.Min(float64(attempt+2)/3, 2)
}

func jitterCoefficient(r float64) float64 {
	return 1 - 0.2*r
}

func retryDelay(base time.Duration, attempt int, r float64) time.Duration {
	return time.Duration(float64(base) * backoffCoefficient(attempt) * jitterCoefficient(r))
}
