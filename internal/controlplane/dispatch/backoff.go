package dispatch

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/solarwatch/flarealert/internal/controlplane/notifications"
)

const (
	defaultBaseDelay = 2 * time.Second
	defaultMaxDelay  = 60 * time.Second
	defaultJitter    = 0.2
)

// maxJitter keeps a jittered delay below the next attempt's smallest
// jittered delay when the base doubles.
const maxJitter = 1.0 / 3.0

// Policy is the retry budget and backoff schedule for a notification.
type Policy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
	// Jitter is the symmetric fraction applied to each uncapped delay.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns 2s doubling to a 60s cap, three attempts, ±20%.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
		MaxAttempts: notifications.DefaultMaxAttempts,
		Jitter:      defaultJitter,
	}
}

// Validate rejects policies whose schedule could shrink between attempts.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive")
	}
	if p.MaxDelay < p.BaseDelay {
		return fmt.Errorf("max_delay must be >= base_delay")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter >= maxJitter {
		return fmt.Errorf("jitter must be in [0, %.3f)", maxJitter)
	}
	return nil
}

// Nominal returns the unjittered delay after failed attempt n (1-indexed).
func (p Policy) Nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delay returns the jittered delay after failed attempt n. At the cap the
// cap is returned as is. rnd yields values in [0,1); nil uses math/rand.
func (p Policy) Delay(attempt int, rnd func() float64) time.Duration {
	nominal := p.Nominal(attempt)
	if nominal >= p.MaxDelay || p.Jitter == 0 {
		return nominal
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	factor := 1 + p.Jitter*(2*rnd()-1)
	delay := time.Duration(float64(nominal) * factor)
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
