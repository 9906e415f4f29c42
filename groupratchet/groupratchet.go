// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package groupratchet implements the one-way ratchet shared among room
// members for bulk message encryption. The sender holds the Outbound half
// and distributes exports of it; receivers hold Inbound halves that can only
// decrypt from the index at which the key was shared with them.
package groupratchet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/selkie-im/selkie/e2eid"
)

const keySize = 32

var (
	ErrDecrypt      = errors.New("group decrypt failure")
	ErrBadSignature = errors.New("bad group message signature")
	ErrUnknownIndex = errors.New("message index below first known index")
	ErrCorruptState = errors.New("corrupt group session state")
)

// Message is a single encrypted room message.
type Message struct {
	SessionID  e2eid.ShortID            `json:"sessionId"`
	Index      uint32                   `json:"index"`
	Ciphertext []byte                   `json:"ciphertext"`
	Signature  e2eid.FixedSizeSignature `json:"signature"`
}

// SessionExport is the shareable state of a group session at a given ratchet
// index. A receiver created from it can decrypt messages at or above Index,
// and nothing before.
type SessionExport struct {
	SessionID e2eid.ShortID                   `json:"sessionId"`
	SigKey    e2eid.FixedSizeEd25519PublicKey `json:"sigKey"`
	ChainKey  []byte                          `json:"chainKey"`
	Index     uint32                          `json:"index"`
}

// Outbound is the sending half of a group session.
type Outbound struct {
	sessionID e2eid.ShortID
	sigPriv   e2eid.FixedSizeEd25519PrivateKey
	sigPub    e2eid.FixedSizeEd25519PublicKey
	chainKey  []byte
	index     uint32
}

// NewOutbound creates a fresh outbound group session. The session id is
// derived from the session's signing key, making it unique per session.
func NewOutbound(rng io.Reader) (*Outbound, error) {
	if rng == nil {
		return nil, errors.New("nil rng")
	}
	pub, priv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	chainKey := make([]byte, keySize)
	if _, err := io.ReadFull(rng, chainKey); err != nil {
		return nil, err
	}

	o := &Outbound{chainKey: chainKey}
	copy(o.sigPriv[:], priv)
	copy(o.sigPub[:], pub)
	o.sessionID = e2eid.ShortIDFromBytes(pub)
	return o, nil
}

// SessionID returns the session id.
func (o *Outbound) SessionID() e2eid.ShortID { return o.sessionID }

// MessageIndex returns the index the next encrypted message will carry.
func (o *Outbound) MessageIndex() uint32 { return o.index }

// Encrypt seals plaintext at the current ratchet index, signs it with the
// session signing key and advances the ratchet.
func (o *Outbound) Encrypt(plaintext []byte) (*Message, error) {
	mk := messageKey(o.chainKey)
	defer zero(mk)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		SessionID: o.sessionID,
		Index:     o.index,
	}
	msg.Ciphertext = aead.Seal(nil, indexNonce(o.index), plaintext,
		associatedData(o.sessionID, o.index))

	copy(msg.Signature[:], ed25519.Sign(o.sigPriv[:], signedPayload(msg)))

	advanceChain(&o.chainKey)
	o.index++
	return msg, nil
}

// Export returns the session state at the current index for sharing with a
// room member.
func (o *Outbound) Export() *SessionExport {
	return &SessionExport{
		SessionID: o.sessionID,
		SigKey:    o.sigPub,
		ChainKey:  append([]byte(nil), o.chainKey...),
		Index:     o.index,
	}
}

// OutboundState is the serializable full state of an outbound session,
// including the signing private key. Unlike SessionExport it must never
// leave the sending device.
type OutboundState struct {
	SessionID e2eid.ShortID                    `json:"sessionId"`
	SigPriv   e2eid.FixedSizeEd25519PrivateKey `json:"sigPriv"`
	SigPub    e2eid.FixedSizeEd25519PublicKey  `json:"sigPub"`
	ChainKey  []byte                           `json:"chainKey"`
	Index     uint32                           `json:"index"`
}

// DiskState returns the session's full state for persistence.
func (o *Outbound) DiskState() *OutboundState {
	return &OutboundState{
		SessionID: o.sessionID,
		SigPriv:   o.sigPriv,
		SigPub:    o.sigPub,
		ChainKey:  append([]byte(nil), o.chainKey...),
		Index:     o.index,
	}
}

// OutboundFromDisk rebuilds an outbound session from persisted state.
func OutboundFromDisk(st *OutboundState) (*Outbound, error) {
	if len(st.ChainKey) != keySize {
		return nil, ErrCorruptState
	}
	if e2eid.ShortIDFromBytes(st.SigPub[:]) != st.SessionID {
		return nil, ErrCorruptState
	}
	return &Outbound{
		sessionID: st.SessionID,
		sigPriv:   st.SigPriv,
		sigPub:    st.SigPub,
		chainKey:  append([]byte(nil), st.ChainKey...),
		index:     st.Index,
	}, nil
}

// Inbound is the receiving half of a group session.
type Inbound struct {
	sessionID       e2eid.ShortID
	sigPub          e2eid.FixedSizeEd25519PublicKey
	baseChainKey    []byte
	firstKnownIndex uint32
}

// InboundFromExport builds a receiving session from an export.
func InboundFromExport(exp *SessionExport) (*Inbound, error) {
	if len(exp.ChainKey) != keySize {
		return nil, ErrCorruptState
	}
	if e2eid.ShortIDFromBytes(exp.SigKey[:]) != exp.SessionID {
		return nil, ErrCorruptState
	}
	return &Inbound{
		sessionID:       exp.SessionID,
		sigPub:          exp.SigKey,
		baseChainKey:    append([]byte(nil), exp.ChainKey...),
		firstKnownIndex: exp.Index,
	}, nil
}

// SessionID returns the session id.
func (i *Inbound) SessionID() e2eid.ShortID { return i.sessionID }

// FirstKnownIndex returns the earliest message index this half can decrypt.
func (i *Inbound) FirstKnownIndex() uint32 { return i.firstKnownIndex }

// Decrypt opens a message at its claimed index. Indices below the first
// known index fail with ErrUnknownIndex; replay protection above that index
// is the caller's watermark policy, since the one-way ratchet itself can
// decrypt any index it holds keys for.
func (i *Inbound) Decrypt(msg *Message) ([]byte, error) {
	if msg.SessionID != i.sessionID {
		return nil, ErrDecrypt
	}
	if !ed25519.Verify(i.sigPub[:], signedPayload(msg), msg.Signature[:]) {
		return nil, ErrBadSignature
	}
	if msg.Index < i.firstKnownIndex {
		return nil, ErrUnknownIndex
	}

	ck := append([]byte(nil), i.baseChainKey...)
	for idx := i.firstKnownIndex; idx < msg.Index; idx++ {
		advanceChain(&ck)
	}
	mk := messageKey(ck)
	zero(ck)
	defer zero(mk)

	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, indexNonce(msg.Index), msg.Ciphertext,
		associatedData(i.sessionID, msg.Index))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Export re-exports the session at the given index for forwarding. Indices
// below the first known index cannot be produced.
func (i *Inbound) Export(at uint32) (*SessionExport, error) {
	if at < i.firstKnownIndex {
		return nil, ErrUnknownIndex
	}
	ck := append([]byte(nil), i.baseChainKey...)
	for idx := i.firstKnownIndex; idx < at; idx++ {
		advanceChain(&ck)
	}
	return &SessionExport{
		SessionID: i.sessionID,
		SigKey:    i.sigPub,
		ChainKey:  ck,
		Index:     at,
	}, nil
}

func associatedData(sessionID e2eid.ShortID, index uint32) []byte {
	ad := make([]byte, 0, len(sessionID)+4)
	ad = append(ad, sessionID[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], index)
	return append(ad, b[:]...)
}

func signedPayload(msg *Message) []byte {
	p := make([]byte, 0, len(msg.SessionID)+4+len(msg.Ciphertext))
	p = append(p, msg.SessionID[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], msg.Index)
	p = append(p, b[:]...)
	return append(p, msg.Ciphertext...)
}

func indexNonce(index uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], index)
	return nonce
}

func messageKey(ck []byte) []byte {
	h := hkdf.New(sha256.New, ck, nil, []byte("selkie-group-msg"))
	mk := make([]byte, keySize)
	if _, err := io.ReadFull(h, mk); err != nil {
		panic(err)
	}
	return mk
}

func advanceChain(ck *[]byte) {
	h := hkdf.New(sha256.New, *ck, nil, []byte("selkie-group-chain"))
	next := make([]byte, keySize)
	if _, err := io.ReadFull(h, next); err != nil {
		panic(err)
	}
	zero(*ck)
	*ck = next
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
