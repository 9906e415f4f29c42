// Package config holds the tunable policy knobs of the crypto machine.
// Policies are plain values so they can be passed around and embedded in
// tests without touching the filesystem; LoadFile layers a TOML file on
// top of the defaults for deployments that want to override them.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Policy controls session rotation, key replenishment and the pacing of
// interactive flows. All durations are expressed in logical ticks; the
// caller decides what a tick means (the machine never reads a clock).
type Policy struct {
	// RotationMaxMessages is the number of messages an outbound group
	// session may encrypt before it is rotated.
	RotationMaxMessages uint32 `toml:"rotation_max_messages"`

	// RotationMaxAge is the number of ticks an outbound group session
	// may live before it is rotated.
	RotationMaxAge int64 `toml:"rotation_max_age"`

	// OneTimeKeyTarget is the number of one-time keys the machine tries
	// to keep published on the server.
	OneTimeKeyTarget uint32 `toml:"one_time_key_target"`

	// OneTimeKeyThreshold triggers a replenishing upload when the
	// server-reported count drops below it.
	OneTimeKeyThreshold uint32 `toml:"one_time_key_threshold"`

	// VerificationTimeout is the number of ticks an interactive
	// verification flow may remain in a non-terminal state before it is
	// cancelled.
	VerificationTimeout int64 `toml:"verification_timeout"`

	// WedgingRateLimit is the minimum number of ticks between session
	// re-establishment attempts towards the same device.
	WedgingRateLimit int64 `toml:"wedging_rate_limit"`

	// OnlyShareToVerified restricts room-key shares to devices in the
	// Verified trust state instead of merely non-blacklisted ones.
	OnlyShareToVerified bool `toml:"only_share_to_verified"`
}

// DefaultPolicy returns the policy used when no config file overrides
// it. The rotation bounds mirror the common one-week / one-hundred
// message group session lifetime.
func DefaultPolicy() Policy {
	return Policy{
		RotationMaxMessages: 100,
		RotationMaxAge:      604800,
		OneTimeKeyTarget:    100,
		OneTimeKeyThreshold: 50,
		VerificationTimeout: 600,
		WedgingRateLimit:    3600,
	}
}

// Validate returns an error when the policy would make the machine
// misbehave (never rotate, never replenish, and so on).
func (p *Policy) Validate() error {
	if p.RotationMaxMessages == 0 {
		return fmt.Errorf("rotation_max_messages must be positive")
	}
	if p.RotationMaxAge <= 0 {
		return fmt.Errorf("rotation_max_age must be positive")
	}
	if p.OneTimeKeyTarget == 0 {
		return fmt.Errorf("one_time_key_target must be positive")
	}
	if p.OneTimeKeyThreshold > p.OneTimeKeyTarget {
		return fmt.Errorf("one_time_key_threshold exceeds target (%d > %d)",
			p.OneTimeKeyThreshold, p.OneTimeKeyTarget)
	}
	if p.VerificationTimeout <= 0 {
		return fmt.Errorf("verification_timeout must be positive")
	}
	if p.WedgingRateLimit < 0 {
		return fmt.Errorf("wedging_rate_limit must not be negative")
	}
	return nil
}

// LoadFile reads a TOML policy file, applying its values on top of the
// defaults. Missing keys keep their default value.
func LoadFile(filename string) (*Policy, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	p := DefaultPolicy()
	if err := toml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unable to parse %q: %w", filename, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy in %q: %w", filename, err)
	}
	return &p, nil
}
