package keyagreement

import (
	"time"

	"cipherline/internal/protocol/ratchet"
)

// Config tunes the engine.
type Config struct {
	// MaxSkippedMessageKeys bounds how far a receiver may skip ahead and
	// how many skipped keys it caches.
	MaxSkippedMessageKeys int
	// OneTimePreKeyBatch is how many bundles GenerateBundles makes by default.
	OneTimePreKeyBatch int
	// SignedPreKeyRotation is the age after which GenerateBundle mints a new
	// signed pre-key.
	SignedPreKeyRotation time.Duration
	// AllowDegradedSessions lets InitiateSession proceed with a bundle that
	// carries no one-time pre-key.
	AllowDegradedSessions bool
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxSkippedMessageKeys: ratchet.DefaultMaxSkip,
		OneTimePreKeyBatch:    20,
		SignedPreKeyRotation:  7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSkippedMessageKeys <= 0 {
		c.MaxSkippedMessageKeys = d.MaxSkippedMessageKeys
	}
	if c.OneTimePreKeyBatch <= 0 {
		c.OneTimePreKeyBatch = d.OneTimePreKeyBatch
	}
	if c.SignedPreKeyRotation <= 0 {
		c.SignedPreKeyRotation = d.SignedPreKeyRotation
	}
	return c
}
