package health

import (
	"context"
	"fmt"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP    CheckType = "http"
	CheckTypeTCP     CheckType = "tcp"
	CheckTypeCommand CheckType = "command"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config bounds the Wait retry window for a liveness probe.
type Config struct {
	// Interval is the time between probe attempts
	Interval time.Duration

	// Retries is the maximum number of attempts before giving up
	Retries int

	// StartPeriod is the grace period before the first probe, giving
	// slow-starting containers time to bind their port
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults for probing a
// freshly started container.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		Retries:     10,
		StartPeriod: time.Second,
	}
}

// Wait probes with the checker until it reports healthy or the retry
// window is exhausted. It returns the last result's message as the
// error cause on failure. This is the post-release liveness probe: the
// only automatic retry in the system besides the connectivity probe.
func Wait(ctx context.Context, checker Checker, cfg Config) error {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}

	if cfg.StartPeriod > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.StartPeriod):
		}
	}

	var last Result
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}

		last = checker.Check(ctx)
		if last.Healthy {
			return nil
		}
	}

	return fmt.Errorf("unhealthy after %d attempts: %s", cfg.Retries, last.Message)
}
