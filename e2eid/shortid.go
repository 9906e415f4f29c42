package e2eid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// ShortID is a 32-byte global ID. This is used as an alias for all 32-byte
// arrays that are interpreted as unique IDs (user IDs, device IDs, room IDs
// and session IDs).
type ShortID [32]byte

// Bytes returns the ID as a slice of bytes.
func (u ShortID) Bytes() []byte {
	return u[:]
}

// String returns the hex encoding of the ShortID.
func (u ShortID) String() string {
	return hex.EncodeToString(u[:])
}

// ShortLogID returns the first 8 bytes in hex format (16 chars), useful as a
// short log ID.
func (u ShortID) ShortLogID() string {
	return hex.EncodeToString(u[:8])
}

// MarshalJSON marshals the id into a json string.
func (u ShortID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON unmarshals the json representation of a ShortID.
func (u *ShortID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return u.FromString(s)
}

// FromString decodes s into a ShortID. s must contain an hex-encoded ID of
// the correct length.
func (u *ShortID) FromString(s string) error {
	h, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(h) != len(u) {
		return fmt.Errorf("invalid ShortID length: %d", len(h))
	}
	copy(u[:], h)
	return nil
}

// FromBytes copies the ID from the given byte slice. The passed slice must
// have the correct length.
func (u *ShortID) FromBytes(b []byte) error {
	if len(b) != len(u) {
		return fmt.Errorf("invalid ShortID length: %d", len(b))
	}
	copy(u[:], b)
	return nil
}

// IsEmpty returns true if the ID is empty (all zero).
func (u ShortID) IsEmpty() bool {
	var empty ShortID
	return u == empty
}

// ConstantTimeEq returns true if the two IDs are equal in constant time.
func (u *ShortID) ConstantTimeEq(other *ShortID) bool {
	return subtle.ConstantTimeCompare(u[:], other[:]) == 1
}

// Less returns true if u sorts before other.
func (u *ShortID) Less(other *ShortID) bool {
	return bytes.Compare(u[:], other[:]) < 0
}

// RandomShortID returns a cryptographically random ShortID.
func RandomShortID() ShortID {
	var id ShortID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		// Should not happen with crypto rand reader.
		panic(err)
	}
	return id
}

// ShortIDFromBytes hashes b into a ShortID.
func ShortIDFromBytes(b []byte) ShortID {
	return ShortID(sha256.Sum256(b))
}
