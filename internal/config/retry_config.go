// Package config defines retry configuration helpers.
package config

import (
	"time"
)

// RetryConfig bundles the knobs consumed by the retry executor.
type RetryConfig struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// JitterPct spreads each delay symmetrically by this fraction.
	JitterPct float64
	// ProgressTimeout bounds elapsed time without progress. There is no
	// attempt cap.
	ProgressTimeout time.Duration
	// MaxConnections caps concurrently admitted requests per destination.
	MaxConnections int
	// Enabled turns retrying off entirely when false; every attempt becomes
	// final.
	Enabled bool
}

// GetRetryConfig returns retry configuration appropriate for the current
// environment. Test environments use much shorter timeouts for faster test
// execution.
func (c Config) GetRetryConfig() RetryConfig {
	rc := RetryConfig{
		BaseDelay:       c.RetryBaseDelay,
		MaxDelay:        c.RetryMaxDelay,
		JitterPct:       c.RetryJitterPct,
		ProgressTimeout: c.ProgressTimeout,
		MaxConnections:  c.MaxConnections,
		Enabled:         c.EnableRetryLogic,
	}
	if c.IsTest() {
		rc.BaseDelay = 10 * time.Millisecond
		rc.MaxDelay = 100 * time.Millisecond
		rc.ProgressTimeout = 5 * time.Second
	}
	return rc
}
