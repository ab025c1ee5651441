package transport

import "time"

// Config tunes the client. Zero fields take their default.
type Config struct {
	QueueCapacity        int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int // 0 retries forever
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:     256,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        30 * time.Second,
		DialTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}
