package monitor

import (
	"fmt"
	"time"

	"github.com/chazwilder/iqx-dockmonitor/errors"
	"github.com/chazwilder/iqx-dockmonitor/pkg/retry"
)

// MinInterval is the smallest requeue step any policy produces.
const MinInterval = time.Second

// Backoff decides when an unresolved item is checked again.
//
// Next must return a time strictly after both now and the item's current
// NextCheck.
type Backoff interface {
	Next(it Item, now time.Time) time.Time
}

// Fixed re-checks at a constant interval.
type Fixed struct {
	Interval time.Duration
}

// Next implements Backoff.
func (b Fixed) Next(it Item, now time.Time) time.Time {
	return later(now, it.NextCheck).Add(atLeast(b.Interval))
}

// Exponential multiplies the interval on every requeue up to Max.
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Next implements Backoff.
func (b Exponential) Next(it Item, now time.Time) time.Time {
	cfg := retry.Config{InitialDelay: b.Initial, MaxDelay: b.Max, Multiplier: b.Multiplier}
	return later(now, it.NextCheck).Add(atLeast(cfg.Delay(it.Attempts)))
}

// BackoffConfig selects and tunes a policy.
type BackoffConfig struct {
	Policy     string        `json:"policy" yaml:"policy"` // fixed | exponential
	Interval   time.Duration `json:"interval" yaml:"interval"`
	Initial    time.Duration `json:"initial" yaml:"initial"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	Max        time.Duration `json:"max" yaml:"max"`
}

// DefaultBackoffConfig re-announces every 15 minutes.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Policy:     "fixed",
		Interval:   15 * time.Minute,
		Initial:    5 * time.Minute,
		Multiplier: 2,
		Max:        time.Hour,
	}
}

// NewBackoff builds a policy from configuration.
func NewBackoff(cfg BackoffConfig) (Backoff, error) {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"monitor", "NewBackoff", "build backoff policy")
	}

	switch cfg.Policy {
	case "", "fixed":
		if cfg.Interval < MinInterval {
			return nil, invalid("fixed interval %s below %s", cfg.Interval, MinInterval)
		}
		return Fixed{Interval: cfg.Interval}, nil
	case "exponential":
		if cfg.Initial < MinInterval {
			return nil, invalid("initial interval %s below %s", cfg.Initial, MinInterval)
		}
		if cfg.Multiplier < 1 {
			return nil, invalid("multiplier %.2f below 1", cfg.Multiplier)
		}
		if cfg.Max < cfg.Initial {
			return nil, invalid("max %s below initial %s", cfg.Max, cfg.Initial)
		}
		return Exponential{Initial: cfg.Initial, Multiplier: cfg.Multiplier, Max: cfg.Max}, nil
	default:
		return nil, invalid("unknown policy %q", cfg.Policy)
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func atLeast(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}
