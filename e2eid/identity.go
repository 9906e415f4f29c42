// e2eid package manages the cryptographic identities of end-to-end encrypted
// chat devices: the long-term device identity, its consumable one-time key
// pool, the reusable fallback key and the optional cross-signing master key.
package e2eid

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/companyzero/sntrup4591761"
)

var (
	prng = rand.Reader

	ErrNotEqual      = errors.New("not equal")
	ErrVerify        = errors.New("verify error")
	ErrKeyNotHeld    = errors.New("one-time key not held")
	ErrNoFallbackKey = errors.New("no fallback key")
)

const (
	// IdentitySize is the size of device and user identifiers.
	IdentitySize = sha256.Size

	// DefaultOneTimeKeyTarget is how many unpublished one-time keys an
	// identity tries to keep minted.
	DefaultOneTimeKeyTarget = 50
)

// FixedSizeSntrupPublicKey is the public half of the sealed-export KEM
// keypair.
type FixedSizeSntrupPublicKey [sntrup4591761.PublicKeySize]byte

// FixedSizeSntrupPrivateKey is the private half of the sealed-export KEM
// keypair.
type FixedSizeSntrupPrivateKey [sntrup4591761.PrivateKeySize]byte

// OneTimeKey is a single consumable curve25519 keypair. Each key is handed
// out to exactly one peer during pairwise session establishment and removed
// from the pool once used.
type OneTimeKey struct {
	ID        ShortID                       `json:"id"`
	Public    FixedSizeCurve25519PublicKey  `json:"public"`
	Private   FixedSizeCurve25519PrivateKey `json:"private"`
	Published bool                          `json:"published"`
}

// FallbackKey is a curve25519 keypair used for session establishment when the
// one-time key pool has been exhausted server-side. Unlike one-time keys it
// is reusable until rotated.
type FallbackKey struct {
	ID      ShortID                       `json:"id"`
	Public  FixedSizeCurve25519PublicKey  `json:"public"`
	Private FixedSizeCurve25519PrivateKey `json:"private"`
}

// PublicDeviceIdentity is the shareable half of a device identity. The device
// ID is taken as the SHA256 of the curve25519 identity public key, and is
// used as a short handle to uniquely identify a device.
type PublicDeviceIdentity struct {
	UserID    ShortID                      `json:"userId"`
	DeviceID  ShortID                      `json:"deviceId"`
	Key       FixedSizeCurve25519PublicKey `json:"key"`
	SigKey    FixedSizeEd25519PublicKey    `json:"sigKey"`
	ExportKey FixedSizeSntrupPublicKey     `json:"exportKey"`
	Digest    FixedSizeDigest              `json:"digest"`    // digest of user, device and keys
	Signature FixedSizeSignature           `json:"signature"` // signature of Digest
}

// FullIdentity is the complete device identity, including private key
// material and the one-time key pool.
type FullIdentity struct {
	Public           PublicDeviceIdentity          `json:"publicIdentity"`
	PrivateKey       FixedSizeCurve25519PrivateKey `json:"privateKey"`
	PrivateSigKey    FixedSizeEd25519PrivateKey    `json:"privateSigKey"`
	PrivateExportKey FixedSizeSntrupPrivateKey     `json:"privateExportKey"`

	// MasterSigKey is the optional cross-signing master keypair. When set,
	// device records signed by it can derive trust from the user's own
	// verification instead of per-device verification.
	MasterSigKey    FixedSizeEd25519PublicKey  `json:"masterSigKey"`
	MasterSigPriv   FixedSizeEd25519PrivateKey `json:"masterSigPriv"`
	HasCrossSigning bool                       `json:"hasCrossSigning"`

	OneTimeKeys []OneTimeKey `json:"oneTimeKeys"`
	Fallback    *FallbackKey `json:"fallback,omitempty"`
}

// NewWithRNG generates a fresh device identity for the given user using the
// provided entropy source.
func NewWithRNG(userID ShortID, rng io.Reader) (*FullIdentity, error) {
	priv, pub, err := NewCurve25519KeyPair(rng)
	if err != nil {
		return nil, err
	}
	ed25519Pub, ed25519Priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	sntrupPub, sntrupPriv, err := sntrup4591761.GenerateKey(rng)
	if err != nil {
		return nil, err
	}

	fi := new(FullIdentity)
	fi.Public.UserID = userID
	fi.Public.DeviceID = ShortIDFromBytes(pub[:])
	fi.Public.Key = *pub
	copy(fi.Public.SigKey[:], ed25519Pub)
	copy(fi.Public.ExportKey[:], sntrupPub[:])
	fi.PrivateKey = *priv
	copy(fi.PrivateSigKey[:], ed25519Priv)
	copy(fi.PrivateExportKey[:], sntrupPriv[:])
	if err := fi.RecalculateDigest(); err != nil {
		return nil, err
	}

	zero(ed25519Priv[:])
	zero(sntrupPriv[:])

	return fi, nil
}

// New generates a fresh device identity for the given user.
func New(userID ShortID) (*FullIdentity, error) {
	return NewWithRNG(userID, prng)
}

// MustNew generates a new identity or panics.
func MustNew(userID ShortID) *FullIdentity {
	id, err := New(userID)
	if err != nil {
		panic(err)
	}
	return id
}

// identityDigest computes the digest over the identifying fields of a public
// device identity.
func identityDigest(p *PublicDeviceIdentity) FixedSizeDigest {
	d := sha256.New()
	d.Write(p.UserID[:])
	d.Write(p.DeviceID[:])
	d.Write(p.Key[:])
	d.Write(p.SigKey[:])
	d.Write(p.ExportKey[:])
	var digest FixedSizeDigest
	copy(digest[:], d.Sum(nil))
	return digest
}

// RecalculateDigest recalculates the identity digest and signs it with the
// device signing key.
func (fi *FullIdentity) RecalculateDigest() error {
	fi.Public.Digest = identityDigest(&fi.Public)

	sig := ed25519.Sign(fi.PrivateSigKey[:], fi.Public.Digest[:])
	if len(sig) != len(fi.Public.Signature) {
		return ErrNotEqual
	}
	copy(fi.Public.Signature[:], sig)
	return nil
}

// SignMessage signs the given message with the device signing key.
func (fi *FullIdentity) SignMessage(message []byte) FixedSizeSignature {
	var sig FixedSizeSignature
	copy(sig[:], ed25519.Sign(fi.PrivateSigKey[:], message))
	return sig
}

// VerifyMessage verifies a signature over message against the device signing
// key.
func (p *PublicDeviceIdentity) VerifyMessage(message []byte, sig *FixedSizeSignature) bool {
	return ed25519.Verify(p.SigKey[:], message, sig[:])
}

// EnableCrossSigning mints a master cross-signing keypair for the identity.
// A no-op when one already exists.
func (fi *FullIdentity) EnableCrossSigning() {
	if fi.HasCrossSigning {
		return
	}
	priv, pub := NewFixedSizeEd25519KeyPair()
	fi.MasterSigKey = *pub
	fi.MasterSigPriv = *priv
	fi.HasCrossSigning = true
}

// CrossSignDevice signs the digest of the given public device identity with
// the master key. Fails when cross-signing is not enabled.
func (fi *FullIdentity) CrossSignDevice(pub *PublicDeviceIdentity) (FixedSizeSignature, error) {
	var sig FixedSizeSignature
	if !fi.HasCrossSigning {
		return sig, ErrVerify
	}
	copy(sig[:], ed25519.Sign(fi.MasterSigPriv[:], pub.Digest[:]))
	return sig, nil
}

// VerifyIdentity verifies that the digest and signature of a public device
// identity are self-consistent.
func VerifyIdentity(p *PublicDeviceIdentity) error {
	if identityDigest(p) != p.Digest {
		return ErrNotEqual
	}
	if !ed25519.Verify(p.SigKey[:], p.Digest[:], p.Signature[:]) {
		return ErrVerify
	}
	return nil
}

// GenerateOneTimeKeys mints n fresh unpublished one-time keys into the pool
// and returns them.
func (fi *FullIdentity) GenerateOneTimeKeys(rng io.Reader, n int) ([]OneTimeKey, error) {
	minted := make([]OneTimeKey, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := NewCurve25519KeyPair(rng)
		if err != nil {
			return nil, err
		}
		otk := OneTimeKey{
			ID:      ShortIDFromBytes(pub[:]),
			Public:  *pub,
			Private: *priv,
		}
		fi.OneTimeKeys = append(fi.OneTimeKeys, otk)
		minted = append(minted, otk)
	}
	return minted, nil
}

// UnpublishedOneTimeKeys returns the keys that have not yet been uploaded.
func (fi *FullIdentity) UnpublishedOneTimeKeys() []OneTimeKey {
	var res []OneTimeKey
	for _, k := range fi.OneTimeKeys {
		if !k.Published {
			res = append(res, k)
		}
	}
	return res
}

// MarkKeysAsPublished flags every currently minted one-time key as uploaded.
func (fi *FullIdentity) MarkKeysAsPublished() {
	for i := range fi.OneTimeKeys {
		fi.OneTimeKeys[i].Published = true
	}
}

// TakeOneTimeKey removes the one-time key with the given id from the pool and
// returns it. Each key can be taken exactly once.
func (fi *FullIdentity) TakeOneTimeKey(id ShortID) (*OneTimeKey, error) {
	for i, k := range fi.OneTimeKeys {
		if k.ID != id {
			continue
		}
		fi.OneTimeKeys = append(fi.OneTimeKeys[:i], fi.OneTimeKeys[i+1:]...)
		return &k, nil
	}
	if fi.Fallback != nil && fi.Fallback.ID == id {
		// Fallback keys are reusable until rotated.
		k := OneTimeKey{
			ID:      fi.Fallback.ID,
			Public:  fi.Fallback.Public,
			Private: fi.Fallback.Private,
		}
		return &k, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotHeld, id.ShortLogID())
}

// RotateFallbackKey replaces the fallback key with a fresh keypair and
// returns the new key.
func (fi *FullIdentity) RotateFallbackKey(rng io.Reader) (*FallbackKey, error) {
	priv, pub, err := NewCurve25519KeyPair(rng)
	if err != nil {
		return nil, err
	}
	fi.Fallback = &FallbackKey{
		ID:      ShortIDFromBytes(pub[:]),
		Public:  *pub,
		Private: *priv,
	}
	return fi.Fallback, nil
}
