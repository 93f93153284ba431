// internal/burn/options.go
package burn

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the burn engine configuration
type Config struct {
	// SyncAttempts bounds how many GET_SYNC frames are sent before giving up
	SyncAttempts int
	// SyncInterval is the pause between GET_SYNC attempts
	SyncInterval time.Duration
	// SyncTimeout bounds the wait for each GET_SYNC reply
	SyncTimeout time.Duration
	// Reset pulses the board into its bootloader before syncing when the
	// transport supports it
	Reset bool

	Logger *zap.Logger
}

func defaultConfig() Config {
	return Config{
		SyncAttempts: 10,
		SyncInterval: 50 * time.Millisecond,
		SyncTimeout:  200 * time.Millisecond,
		Reset:        true,
		Logger:       zap.NewNop(),
	}
}

// Option is a functional option for configuring the Engine
type Option func(*Config)

// WithSyncAttempts sets the GET_SYNC retry bound
func WithSyncAttempts(attempts int) Option {
	return func(c *Config) {
		if attempts > 0 {
			c.SyncAttempts = attempts
		}
	}
}

// WithSyncInterval sets the pause between GET_SYNC attempts
func WithSyncInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.SyncInterval = interval
	}
}

// WithSyncTimeout sets the wait for each GET_SYNC reply
func WithSyncTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.SyncTimeout = timeout
		}
	}
}

// WithReset enables or disables the reset pulse before syncing
func WithReset(reset bool) Option {
	return func(c *Config) {
		c.Reset = reset
	}
}

// WithLogger sets the logger for flashing progress
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
