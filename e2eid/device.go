package e2eid

import (
	"crypto/ed25519"
	"fmt"
)

// TrustState is the local trust decision for a remote device. Transitions
// are always explicit caller actions, never inferred from protocol traffic.
type TrustState int

const (
	// TrustUnset is the initial state of every newly observed device.
	TrustUnset TrustState = iota

	// TrustVerified marks a device whose keys were confirmed out-of-band
	// (interactive verification or cross-signing by a verified master
	// key).
	TrustVerified

	// TrustBlacklisted marks a device that must never receive room keys.
	TrustBlacklisted

	// TrustIgnored marks a device the user chose to ignore. It behaves as
	// TrustUnset for key-sharing decisions.
	TrustIgnored
)

// String returns a human readable trust state.
func (t TrustState) String() string {
	switch t {
	case TrustUnset:
		return "unset"
	case TrustVerified:
		return "verified"
	case TrustBlacklisted:
		return "blacklisted"
	case TrustIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Device is the local record of a remote device. Keys are immutable once
// first observed: a re-observation of the same device id with different keys
// must produce a distinct, untrusted record, never an in-place replacement.
type Device struct {
	UserID     ShortID                      `json:"userId"`
	DeviceID   ShortID                      `json:"deviceId"`
	Key        FixedSizeCurve25519PublicKey `json:"key"`
	SigKey     FixedSizeEd25519PublicKey    `json:"sigKey"`
	ExportKey  FixedSizeSntrupPublicKey     `json:"exportKey"`
	Algorithms []string                     `json:"algorithms"`
	Trust      TrustState                   `json:"trust"`

	// MasterSignature, when non-nil, is a cross-signature of the device
	// digest by the owning user's master key.
	MasterSignature *FixedSizeSignature `json:"masterSignature,omitempty"`
}

// DeviceFromIdentity creates a trust-unset device record from a public
// device identity, verifying its self-signature.
func DeviceFromIdentity(p *PublicDeviceIdentity, algorithms []string) (*Device, error) {
	if err := VerifyIdentity(p); err != nil {
		return nil, err
	}
	return &Device{
		UserID:     p.UserID,
		DeviceID:   p.DeviceID,
		Key:        p.Key,
		SigKey:     p.SigKey,
		ExportKey:  p.ExportKey,
		Algorithms: algorithms,
		Trust:      TrustUnset,
	}, nil
}

// SameKeys returns true if the observed identity carries the exact key
// material already recorded for the device.
func (d *Device) SameKeys(p *PublicDeviceIdentity) bool {
	return d.Key == p.Key && d.SigKey == p.SigKey && d.ExportKey == p.ExportKey
}

// Digest recomputes the identity digest of the device record.
func (d *Device) Digest() FixedSizeDigest {
	p := PublicDeviceIdentity{
		UserID:    d.UserID,
		DeviceID:  d.DeviceID,
		Key:       d.Key,
		SigKey:    d.SigKey,
		ExportKey: d.ExportKey,
	}
	return identityDigest(&p)
}

// VerifyMasterSignature checks the cross-signature of the device against the
// given master signing key.
func (d *Device) VerifyMasterSignature(masterKey *FixedSizeEd25519PublicKey) bool {
	if d.MasterSignature == nil {
		return false
	}
	digest := d.Digest()
	return ed25519.Verify(masterKey[:], digest[:], d.MasterSignature[:])
}
