// Package backoff holds retry policies as data and a cancellable sleeper.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid backoff policy")

// Linear is a linear-capped policy: Delay(n) = min(Base*n, Cap).
type Linear struct {
	Base        time.Duration `mapstructure:"base"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func (p Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base * time.Duration(attempt)
	if d > p.Cap || d < 0 {
		return p.Cap
	}
	return d
}

func (p Linear) Attempts() int { return p.MaxAttempts }

func (p Linear) Validate() error {
	if p.Base <= 0 || p.Cap < p.Base || p.MaxAttempts < 1 {
		return ErrInvalidPolicy
	}
	return nil
}

// Exponential is an exponential-capped policy without jitter:
// Delay(n) = min(Initial * Factor^(n-1), Cap). Fractional milliseconds are truncated.
type Exponential struct {
	Initial     time.Duration `mapstructure:"initial"`
	Factor      float64       `mapstructure:"factor"`
	Cap         time.Duration `mapstructure:"cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

func (p Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := float64(p.Initial.Milliseconds()) * math.Pow(p.Factor, float64(attempt-1))
	if capMS := float64(p.Cap.Milliseconds()); ms > capMS {
		return p.Cap
	}
	return time.Duration(math.Floor(ms)) * time.Millisecond
}

func (p Exponential) Attempts() int { return p.MaxAttempts }

func (p Exponential) Validate() error {
	if p.Initial <= 0 || p.Factor < 1 || p.Cap < p.Initial || p.MaxAttempts < 1 {
		return ErrInvalidPolicy
	}
	return nil
}

type Policy interface {
	Delay(attempt int) time.Duration
	Attempts() int
}

// Schedule lists the delays for attempts 1..Attempts().
func Schedule(p Policy) []time.Duration {
	out := make([]time.Duration, 0, p.Attempts())
	for n := 1; n <= p.Attempts(); n++ {
		out = append(out, p.Delay(n))
	}
	return out
}

// Total is the sum of Schedule(p).
func Total(p Policy) time.Duration {
	var total time.Duration
	for _, d := range Schedule(p) {
		total += d
	}
	return total
}

// Sleeper waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper. The timer is stopped on cancellation so nothing leaks.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
