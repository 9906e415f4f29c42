package e2eid

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// FixedSizeSignature is a 64-byte, fixed size ed25519 signature. This is used
// as an alternative for 64-byte slices to ensure compact encoding into json.
type FixedSizeSignature [64]byte

// FixedSizeEd25519PrivateKey is a 64-byte, fixed size ed25519 private key.
type FixedSizeEd25519PrivateKey = FixedSizeSignature

// FixedSizeEd25519PublicKey is a 32-byte, fixed size ed25519 public key.
type FixedSizeEd25519PublicKey = ShortID

// FixedSizeCurve25519PublicKey is a 32-byte, fixed size curve25519 public
// key.
type FixedSizeCurve25519PublicKey = ShortID

// FixedSizeCurve25519PrivateKey is a 32-byte, fixed size curve25519 private
// (scalar) key.
type FixedSizeCurve25519PrivateKey [32]byte

// FixedSizeSymmetricKey is a 32-byte, fixed size symmetric encryption key.
type FixedSizeSymmetricKey [32]byte

// FixedSizeDigest is a 32-byte, fixed size sha256 digest.
type FixedSizeDigest = ShortID

// NewFixedSizeEd25519KeyPair generates a new, random keypair.
func NewFixedSizeEd25519KeyPair() (*FixedSizeEd25519PrivateKey, *FixedSizeEd25519PublicKey) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		// Should not happen with crypto rand reader.
		panic(err)
	}

	var fixedPriv FixedSizeEd25519PrivateKey
	var fixedPub FixedSizeEd25519PublicKey

	copy(fixedPub[:], pub)
	copy(fixedPriv[:], priv)
	return &fixedPriv, &fixedPub
}

// NewCurve25519KeyPair generates a new, random curve25519 keypair using the
// given entropy source.
func NewCurve25519KeyPair(rng io.Reader) (*FixedSizeCurve25519PrivateKey, *FixedSizeCurve25519PublicKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	var priv FixedSizeCurve25519PrivateKey
	if _, err := io.ReadFull(rng, priv[:]); err != nil {
		return nil, nil, err
	}
	priv.clamp()

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	var pub FixedSizeCurve25519PublicKey
	copy(pub[:], pubBytes)
	return &priv, &pub, nil
}

func (k *FixedSizeCurve25519PrivateKey) clamp() {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// Public derives the public key of the scalar.
func (k *FixedSizeCurve25519PrivateKey) Public() (FixedSizeCurve25519PublicKey, error) {
	var pub FixedSizeCurve25519PublicKey
	pubBytes, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], pubBytes)
	return pub, nil
}

// SharedSecret performs an X25519 exchange between the private scalar and the
// given remote public key.
func (k *FixedSizeCurve25519PrivateKey) SharedSecret(pub *FixedSizeCurve25519PublicKey) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(k[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

// String returns the hex encoding of the FixedSizeSignature.
func (u FixedSizeSignature) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the signature into a json string.
func (u FixedSizeSignature) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a FixedSizeSignature.
func (u *FixedSizeSignature) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a FixedSizeSignature. s must contain an
// hex-encoded value of the correct length.
func (u *FixedSizeSignature) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid FixedSizeSignature length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// String returns the hex encoding of the private key.
func (u FixedSizeCurve25519PrivateKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeCurve25519PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of the key.
func (u *FixedSizeCurve25519PrivateKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid FixedSizeCurve25519PrivateKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// String returns the hex encoding of the symmetric key.
func (u FixedSizeSymmetricKey) String() string {
	return hex.EncodeToString(u[:])
}

// MarshalJSON marshals the key into a json string.
func (u FixedSizeSymmetricKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of the key.
func (u *FixedSizeSymmetricKey) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid FixedSizeSymmetricKey length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
