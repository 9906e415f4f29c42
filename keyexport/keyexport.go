// Package keyexport seals inbound group sessions for backup or transfer to
// another of the user's devices. The blob is bound to the recipient device's
// export KEM key: an encapsulated shared key wraps a secretbox around the
// serialized sessions.
package keyexport

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"

	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/groupratchet"
)

var (
	ErrMalformedBlob = errors.New("malformed export blob")
	ErrOpenFailure   = errors.New("export blob did not open")
)

const nonceSize = 24

// ExportedSession is one group session in an export blob, together with its
// provenance.
type ExportedSession struct {
	RoomID          e2eid.ShortID                        `json:"roomId"`
	SenderKey       e2eid.FixedSizeCurve25519PublicKey   `json:"senderKey"`
	ForwardingChain []e2eid.FixedSizeCurve25519PublicKey `json:"forwardingChain,omitempty"`
	Export          groupratchet.SessionExport           `json:"export"`
}

// Seal serializes sessions and encrypts them to the given export key.
func Seal(rng io.Reader, sessions []ExportedSession, to *e2eid.FixedSizeSntrupPublicKey) ([]byte, error) {
	if rng == nil {
		rng = rand.Reader
	}
	blob, err := json.Marshal(sessions)
	if err != nil {
		return nil, err
	}

	c, key, err := sntrup4591761.Encapsulate(rng, (*sntrup4591761.PublicKey)(to))
	if err != nil {
		return nil, err
	}

	// Random nonce prefixes the box, same packing as the to-device
	// transport wrapper.
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rng, nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nonce[:], blob, &nonce, key)

	out := make([]byte, 0, len(c)+len(sealed))
	out = append(out, c[:]...)
	return append(out, sealed...), nil
}

// Open decrypts an export blob with the recipient device's private export
// key.
func Open(blob []byte, priv *e2eid.FixedSizeSntrupPrivateKey) ([]ExportedSession, error) {
	if len(blob) < sntrup4591761.CiphertextSize+nonceSize+secretbox.Overhead {
		return nil, ErrMalformedBlob
	}

	var c sntrup4591761.Ciphertext
	copy(c[:], blob[:sntrup4591761.CiphertextSize])
	key, ok := sntrup4591761.Decapsulate(&c, (*sntrup4591761.PrivateKey)(priv))
	if ok != 1 {
		return nil, ErrOpenFailure
	}

	box := blob[sntrup4591761.CiphertextSize:]
	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, opened := secretbox.Open(nil, box[nonceSize:], &nonce, key)
	if !opened {
		return nil, ErrOpenFailure
	}

	var sessions []ExportedSession
	if err := json.Unmarshal(plain, &sessions); err != nil {
		return nil, ErrMalformedBlob
	}
	return sessions, nil
}
