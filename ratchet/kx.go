// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ratchet

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/selkie-im/selkie/e2eid"
)

var ErrInvalidKX = errors.New("invalid key exchange")

// KeyExchange is the pre-key payload carried alongside the first message of
// a session. The responder uses it to derive the same session without a
// round trip: the one-time key it references is consumed in the process.
type KeyExchange struct {
	IdentityKey  e2eid.FixedSizeCurve25519PublicKey `json:"identityKey"`
	EphemeralKey e2eid.FixedSizeCurve25519PublicKey `json:"ephemeralKey"`
	RatchetKey   e2eid.FixedSizeCurve25519PublicKey `json:"ratchetKey"`
	OneTimeKeyID e2eid.ShortID                      `json:"oneTimeKeyId"`
}

// SessionIDForKX derives the session id both halves agree on. Session ids
// are unique per ordered device pair because the ephemeral key is minted per
// exchange.
func SessionIDForKX(kx *KeyExchange) e2eid.ShortID {
	d := sha256.New()
	d.Write(kx.IdentityKey[:])
	d.Write(kx.EphemeralKey[:])
	d.Write(kx.OneTimeKeyID[:])
	var id e2eid.ShortID
	copy(id[:], d.Sum(nil))
	return id
}

// NewOutbound establishes the initiating half of a pairwise session against
// a peer identity key and a one-time key claimed from it.
func NewOutbound(rng io.Reader, ourPriv *e2eid.FixedSizeCurve25519PrivateKey,
	ourPub, theirIdentity *e2eid.FixedSizeCurve25519PublicKey,
	otkID e2eid.ShortID, otkPub *e2eid.FixedSizeCurve25519PublicKey) (*Ratchet, *KeyExchange, error) {

	ephPriv, ephPub, err := e2eid.NewCurve25519KeyPair(rng)
	if err != nil {
		return nil, nil, err
	}

	dh1, err := ourPriv.SharedSecret(otkPub)
	if err != nil {
		return nil, nil, err
	}
	dh2, err := ephPriv.SharedSecret(theirIdentity)
	if err != nil {
		return nil, nil, err
	}
	dh3, err := ephPriv.SharedSecret(otkPub)
	if err != nil {
		return nil, nil, err
	}
	sk := deriveSharedKey(dh1, dh2, dh3)
	zero(dh1[:])
	zero(dh2[:])
	zero(dh3[:])

	ratchetPriv, ratchetPub, err := e2eid.NewCurve25519KeyPair(rng)
	if err != nil {
		return nil, nil, err
	}

	kx := &KeyExchange{
		IdentityKey:  *ourPub,
		EphemeralKey: *ephPub,
		RatchetKey:   *ratchetPub,
		OneTimeKeyID: otkID,
	}

	r := newRatchet(rng)
	r.sessionID = SessionIDForKX(kx)
	r.recvRatchetPub = *otkPub
	r.sendRatchetPriv = *ratchetPriv
	r.sendRatchetPub = *ratchetPub

	dh0, err := ratchetPriv.SharedSecret(otkPub)
	if err != nil {
		return nil, nil, err
	}
	r.rootKey, r.sendChainKey = kdfRootStep(sk, dh0[:])
	zero(dh0[:])
	zero(sk)

	return r, kx, nil
}

// NewInbound establishes the responding half of a pairwise session from a
// received key exchange, consuming the one-time key it references.
func NewInbound(rng io.Reader, ourIdentityPriv *e2eid.FixedSizeCurve25519PrivateKey,
	otk *e2eid.OneTimeKey, kx *KeyExchange) (*Ratchet, error) {

	if otk.ID != kx.OneTimeKeyID {
		return nil, ErrInvalidKX
	}

	dh1, err := otk.Private.SharedSecret(&kx.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := ourIdentityPriv.SharedSecret(&kx.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := otk.Private.SharedSecret(&kx.EphemeralKey)
	if err != nil {
		return nil, err
	}
	sk := deriveSharedKey(dh1, dh2, dh3)
	zero(dh1[:])
	zero(dh2[:])
	zero(dh3[:])

	r := newRatchet(rng)
	r.sessionID = SessionIDForKX(kx)
	r.recvRatchetPub = kx.RatchetKey
	r.sendRatchetPriv = otk.Private
	r.sendRatchetPub = otk.Public

	dh0, err := otk.Private.SharedSecret(&kx.RatchetKey)
	if err != nil {
		return nil, err
	}
	r.rootKey, r.recvChainKey = kdfRootStep(sk, dh0[:])
	zero(dh0[:])
	zero(sk)

	return r, nil
}

// deriveSharedKey condenses the triple-DH outputs into the initial root key.
func deriveSharedKey(dh1, dh2, dh3 [32]byte) []byte {
	ikm := make([]byte, 0, 96)
	ikm = append(ikm, dh1[:]...)
	ikm = append(ikm, dh2[:]...)
	ikm = append(ikm, dh3[:]...)
	h := hkdf.New(sha256.New, ikm, nil, []byte("selkie-kx"))
	sk := make([]byte, keySize)
	if _, err := io.ReadFull(h, sk); err != nil {
		panic(err)
	}
	zero(ikm)
	return sk
}
