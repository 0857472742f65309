// Package retry wraps a single status fetch with bounded retry for transport failures.
package retry

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/JakeFAU/opwatch/internal/operation"
)

// Policy decides how often and how long to wait between fetch attempts.
type Policy interface {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts() int
	// ShouldRetry reports whether another attempt may follow a failed attempt number attempt
	// (1-based).
	ShouldRetry(err error, attempt int) bool
	// Backoff returns the wait before the attempt following attempt.
	Backoff(attempt int) time.Duration
}

// Strategy names a backoff shape.
type Strategy string

// Supported strategies.
const (
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

// Config describes a policy in configuration terms.
type Config struct {
	Strategy    Strategy
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

const (
	defaultMaxAttempts = 3
	defaultDelay       = 250 * time.Millisecond
	defaultMaxDelay    = 5 * time.Second
)

// New builds the Policy described by cfg.
func New(cfg Config) (Policy, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Delay < 0 || cfg.MaxDelay < 0 {
		return nil, fmt.Errorf("retry delays must be >= 0")
	}
	switch Strategy(strings.ToLower(string(cfg.Strategy))) {
	case StrategyFixed:
		return NewFixed(cfg.MaxAttempts, cfg.Delay), nil
	case StrategyExponential, "":
		delay := cfg.Delay
		if delay == 0 {
			delay = defaultDelay
		}
		maxDelay := cfg.MaxDelay
		if maxDelay == 0 {
			maxDelay = defaultMaxDelay
		}
		if maxDelay < delay {
			return nil, fmt.Errorf("retry max delay %s is below base delay %s", maxDelay, delay)
		}
		return &Exponential{
			Attempts:  cfg.MaxAttempts,
			BaseDelay: delay,
			MaxDelay:  maxDelay,
			Jitter:    cfg.Jitter,
		}, nil
	default:
		return nil, fmt.Errorf("unknown retry strategy %q", cfg.Strategy)
	}
}

// Fixed waits the same delay between every attempt.
type Fixed struct {
	Attempts int
	Delay    time.Duration
}

// NewFixed builds a fixed-interval policy.
func NewFixed(attempts int, delay time.Duration) *Fixed {
	return &Fixed{Attempts: attempts, Delay: delay}
}

// MaxAttempts implements Policy.
func (p *Fixed) MaxAttempts() int { return p.Attempts }

// ShouldRetry implements Policy.
func (p *Fixed) ShouldRetry(err error, attempt int) bool {
	return shouldRetry(err, attempt, p.Attempts)
}

// Backoff implements Policy.
func (p *Fixed) Backoff(int) time.Duration { return p.Delay }

// Exponential doubles the delay after every attempt up to MaxDelay, with optional jitter.
type Exponential struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

// NewExponential builds a jittered policy with sane defaults.
func NewExponential() *Exponential {
	return &Exponential{
		Attempts:  defaultMaxAttempts,
		BaseDelay: defaultDelay,
		MaxDelay:  defaultMaxDelay,
		Jitter:    true,
	}
}

// MaxAttempts implements Policy.
func (p *Exponential) MaxAttempts() int { return p.Attempts }

// ShouldRetry implements Policy.
func (p *Exponential) ShouldRetry(err error, attempt int) bool {
	return shouldRetry(err, attempt, p.Attempts)
}

// Backoff returns the wait duration before the next attempt.
func (p *Exponential) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(delay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func shouldRetry(err error, attempt, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if attempt >= maxAttempts {
		return false
	}
	return operation.IsTransport(err)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
