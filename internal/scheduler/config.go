// Package scheduler decides which task runs next, drives the supervisor and
// advances session queues and chains.
package scheduler

import "time"

// Config defines the scheduler configuration.
type Config struct {
	// SweepInterval is how often queued sessions are offered for dispatch.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ShutdownTimeout bounds how long Stop waits for continuations.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SweepInterval:   5 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.SweepInterval <= 0 {
		out.SweepInterval = def.SweepInterval
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = def.ShutdownTimeout
	}
	return &out
}
