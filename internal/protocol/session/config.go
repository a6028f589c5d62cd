package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// SocketConfig is best-effort TCP tuning applied after connect.
type SocketConfig struct {
	RecvBufferBytes int
	SendBufferBytes int
	KeepAlive       bool
	KeepAlivePeriod time.Duration
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	WriteTimeout     time.Duration
	AutoReconnect    bool
	WatchdogTimeout  time.Duration
	WatchdogInterval time.Duration
	Backoff          BackoffConfig
	Socket           SocketConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   4 * time.Second,
		WriteTimeout:     2 * time.Second,
		AutoReconnect:    true,
		WatchdogTimeout:  5 * time.Second,
		WatchdogInterval: 2 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 2 * time.Second,
			Multiplier:   2.0,
			MaxDelay:     10 * time.Second,
			Jitter:       false,
		},
		Socket: SocketConfig{
			RecvBufferBytes: 1 << 20,
			SendBufferBytes: 1 << 16,
			KeepAlive:       true,
		},
	}
}

// WithDefaults fills zero-valued durations and sizes from DefaultConfig.
// Booleans are taken as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = def.WatchdogInterval
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Socket.RecvBufferBytes <= 0 {
		c.Socket.RecvBufferBytes = def.Socket.RecvBufferBytes
	}
	if c.Socket.SendBufferBytes <= 0 {
		c.Socket.SendBufferBytes = def.Socket.SendBufferBytes
	}
	return c
}

func (c Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.WatchdogTimeout <= 0 || c.WatchdogInterval <= 0 {
		return fmt.Errorf("%w: watchdog timeout and interval must be positive", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: reconnect_max_delay below reconnect_delay", ErrInvalidConfig)
	}
	return nil
}
