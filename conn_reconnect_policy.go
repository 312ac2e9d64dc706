package sharedws

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultReconnectBaseDelay  = time.Second
	DefaultReconnectMaxDelay   = 30 * time.Second
	DefaultReconnectMultiplier = 1.5
)

type backoffCalculator func(attempts int) time.Duration

// ReconnectPolicy computes the delay before reconnection attempt n (1-based). There is no attempt
// ceiling: connections retry forever, bounded only by MaxDelay.
type ReconnectPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter scales the delay by a uniform factor in [0.8, 1.2].
	Jitter bool
	// Random returns a value in [0, 1). Defaults to math/rand.
	Random func() float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:  DefaultReconnectBaseDelay,
		MaxDelay:   DefaultReconnectMaxDelay,
		Multiplier: DefaultReconnectMultiplier,
		Jitter:     true,
	}
}

// RawDelay returns min(base * multiplier^(attempts-1), max).
func (p ReconnectPolicy) RawDelay(attempts int) time.Duration {
	return ExponentialBackoff(p.BaseDelay, p.MaxDelay, p.multiplier(), attempts)
}

// Delay returns RawDelay with jitter applied, floored to whole milliseconds.
func (p ReconnectPolicy) Delay(attempts int) time.Duration {
	raw := p.RawDelay(attempts)
	if !p.Jitter {
		return raw
	}

	random := p.Random
	if random == nil {
		random = rand.Float64
	}

	ms := float64(raw) / float64(time.Millisecond)
	return time.Duration(math.Floor(ms*(0.8+random()*0.4))) * time.Millisecond
}

func (p ReconnectPolicy) calculator() backoffCalculator {
	return p.Delay
}

func (p ReconnectPolicy) multiplier() float64 {
	if p.Multiplier <= 1 {
		return DefaultReconnectMultiplier
	}
	return p.Multiplier
}

// ExponentialBackoff returns min(base * multiplier^(attempts-1), max). Attempts below 1 count as 1.
func ExponentialBackoff(base, max time.Duration, multiplier float64, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempts-1))
	if max > 0 && delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}
