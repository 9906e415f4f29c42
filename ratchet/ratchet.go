// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package ratchet implements the pairwise double ratchet used to protect
// to-device messages. Sessions are established from a claimed one-time key
// (see kx.go) and thereafter advance a DH ratchet per direction change and a
// symmetric chain per message.
package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/ratchet/disk"
)

const (
	keySize = 32

	// maxSavedKeys bounds the skipped message key cache. Once full, the
	// oldest saved chain is discarded.
	maxSavedKeys = 1000

	// maxMissingMessages bounds how far ahead of the receive counter a
	// single message may claim to be.
	maxMissingMessages = 8 * 1024
)

var (
	ErrDecrypt       = errors.New("decrypt failure")
	ErrReplay        = errors.New("ratchet step already consumed")
	ErrTooFarAhead   = errors.New("message skips too many keys")
	ErrCorruptState  = errors.New("corrupt ratchet state")
	ErrUninitialized = errors.New("ratchet not established")
)

// Message is a single encrypted pairwise message.
type Message struct {
	RatchetKey e2eid.FixedSizeCurve25519PublicKey `json:"ratchetKey"`
	PrevCount  uint32                             `json:"prevCount"`
	Count      uint32                             `json:"count"`
	Ciphertext []byte                             `json:"ciphertext"`
}

type savedKeyID struct {
	pub   e2eid.FixedSizeCurve25519PublicKey
	count uint32
}

// Ratchet is one half of an established pairwise channel. It is not safe for
// concurrent use; callers serialize access per session.
type Ratchet struct {
	sessionID e2eid.ShortID

	rootKey      []byte
	sendChainKey []byte
	recvChainKey []byte

	sendRatchetPriv e2eid.FixedSizeCurve25519PrivateKey
	sendRatchetPub  e2eid.FixedSizeCurve25519PublicKey
	recvRatchetPub  e2eid.FixedSizeCurve25519PublicKey

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32

	saved map[savedKeyID][]byte

	lastEncryptTime int64
	lastDecryptTime int64

	rng io.Reader
}

// SessionID returns the id derived from the session's key exchange. It is
// identical on both halves of the channel.
func (r *Ratchet) SessionID() e2eid.ShortID {
	return r.sessionID
}

// LastEncryptTime returns the logical time of the last Encrypt call.
func (r *Ratchet) LastEncryptTime() int64 { return r.lastEncryptTime }

// LastDecryptTime returns the logical time of the last successful Decrypt.
func (r *Ratchet) LastDecryptTime() int64 { return r.lastDecryptTime }

// Touch records the caller-supplied logical time on the ratchet without
// advancing it.
func (r *Ratchet) Touch(encrypt bool, now int64) {
	if encrypt {
		r.lastEncryptTime = now
	} else {
		r.lastDecryptTime = now
	}
}

// Encrypt advances the sending chain and encrypts plaintext into a Message.
func (r *Ratchet) Encrypt(plaintext []byte) (*Message, error) {
	if len(r.sendChainKey) == 0 {
		// First send after only receiving: perform a DH ratchet step
		// with a fresh ratchet key.
		if err := r.stepSendRatchet(); err != nil {
			return nil, err
		}
	}

	mk := r.advanceChain(&r.sendChainKey)
	defer zero(mk)

	msg := &Message{
		RatchetKey: r.sendRatchetPub,
		PrevCount:  r.prevSendCount,
		Count:      r.sendCount,
	}
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := messageNonce(msg.Count)
	msg.Ciphertext = aead.Seal(nil, nonce, plaintext, r.associatedData(msg))
	r.sendCount++
	return msg, nil
}

// Decrypt opens a Message. Consuming the same ratchet step twice fails with
// ErrReplay; this is surfaced, never silently retried.
func (r *Ratchet) Decrypt(msg *Message) ([]byte, error) {
	// Saved (skipped) keys are tried first regardless of the current
	// ratchet generation.
	if mk, ok := r.saved[savedKeyID{msg.RatchetKey, msg.Count}]; ok {
		pt, err := r.open(mk, msg)
		if err != nil {
			return nil, err
		}
		delete(r.saved, savedKeyID{msg.RatchetKey, msg.Count})
		zero(mk)
		return pt, nil
	}

	if msg.RatchetKey == r.recvRatchetPub {
		// Current receiving chain.
		if msg.Count < r.recvCount {
			// The chain already advanced past this step and no
			// saved key remains: the step was consumed.
			return nil, ErrReplay
		}
		if err := r.saveSkippedKeys(r.recvRatchetPub, &r.recvChainKey, &r.recvCount, msg.Count); err != nil {
			return nil, err
		}
		mk := r.advanceChain(&r.recvChainKey)
		defer zero(mk)
		pt, err := r.open(mk, msg)
		if err != nil {
			return nil, err
		}
		r.recvCount++
		return pt, nil
	}

	// New remote ratchet key. Only the bound on the previous receiving
	// chain is checked up front; the chain is completed after the trial
	// decryption below proves the message belongs to this session, so a
	// trial against the wrong session advances nothing.
	if len(r.recvChainKey) != 0 && msg.PrevCount > r.recvCount &&
		msg.PrevCount-r.recvCount > maxMissingMessages {
		return nil, ErrTooFarAhead
	}

	dh, err := r.sendRatchetPriv.SharedSecret(&msg.RatchetKey)
	if err != nil {
		return nil, err
	}
	newRoot, recvCK := kdfRootStep(r.rootKey, dh[:])
	zero(dh[:])

	// Trial-decrypt before committing any state so a corrupt or replayed
	// message cannot wedge the session.
	if msg.Count > maxMissingMessages {
		return nil, ErrTooFarAhead
	}
	trialCK := append([]byte(nil), recvCK...)
	trialCount := uint32(0)
	trialSaved := make(map[savedKeyID][]byte)
	for trialCount < msg.Count {
		mk := advanceChainKey(&trialCK)
		trialSaved[savedKeyID{msg.RatchetKey, trialCount}] = mk
		trialCount++
	}
	mk := advanceChainKey(&trialCK)
	pt, err := r.open(mk, msg)
	zero(mk)
	if err != nil {
		zero(trialCK)
		for _, k := range trialSaved {
			zero(k)
		}
		return nil, err
	}

	// Commit: complete the previous receiving chain, adopt the new
	// chains and retire the old sending key.
	if len(r.recvChainKey) != 0 {
		if err := r.saveSkippedKeys(r.recvRatchetPub, &r.recvChainKey,
			&r.recvCount, msg.PrevCount); err != nil {
			return nil, err
		}
	}
	r.rootKey = newRoot
	r.recvRatchetPub = msg.RatchetKey
	r.recvChainKey = trialCK
	r.recvCount = trialCount + 1
	for id, k := range trialSaved {
		r.rememberKey(id, k)
	}
	r.prevSendCount = r.sendCount
	r.sendCount = 0
	r.sendChainKey = nil
	return pt, nil
}

// stepSendRatchet mints a fresh ratchet keypair and derives a new sending
// chain against the peer's current ratchet key.
func (r *Ratchet) stepSendRatchet() error {
	if r.recvRatchetPub.IsEmpty() {
		return ErrUninitialized
	}
	priv, pub, err := e2eid.NewCurve25519KeyPair(r.rng)
	if err != nil {
		return err
	}
	dh, err := priv.SharedSecret(&r.recvRatchetPub)
	if err != nil {
		return err
	}
	newRoot, sendCK := kdfRootStep(r.rootKey, dh[:])
	zero(dh[:])

	r.rootKey = newRoot
	r.sendRatchetPriv = *priv
	r.sendRatchetPub = *pub
	r.sendChainKey = sendCK
	r.prevSendCount = r.sendCount
	r.sendCount = 0
	return nil
}

// saveSkippedKeys derives and remembers message keys of chain ck from the
// current count up to (not including) until.
func (r *Ratchet) saveSkippedKeys(pub e2eid.FixedSizeCurve25519PublicKey, ck *[]byte, count *uint32, until uint32) error {
	if until > *count && until-*count > maxMissingMessages {
		return ErrTooFarAhead
	}
	for *count < until {
		mk := r.advanceChain(ck)
		r.rememberKey(savedKeyID{pub, *count}, mk)
		*count++
	}
	return nil
}

func (r *Ratchet) rememberKey(id savedKeyID, mk []byte) {
	if len(r.saved) >= maxSavedKeys {
		for k := range r.saved {
			zero(r.saved[k])
			delete(r.saved, k)
			break
		}
	}
	r.saved[id] = mk
}

func (r *Ratchet) advanceChain(ck *[]byte) []byte {
	return advanceChainKey(ck)
}

func (r *Ratchet) open(mk []byte, msg *Message) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk)
	if err != nil {
		return nil, err
	}
	nonce := messageNonce(msg.Count)
	pt, err := aead.Open(nil, nonce, msg.Ciphertext, r.associatedData(msg))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// associatedData binds a message to its header and session.
func (r *Ratchet) associatedData(msg *Message) []byte {
	ad := make([]byte, 0, len(r.sessionID)+len(msg.RatchetKey)+8)
	ad = append(ad, r.sessionID[:]...)
	ad = append(ad, msg.RatchetKey[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], msg.PrevCount)
	ad = append(ad, b[:]...)
	binary.BigEndian.PutUint32(b[:], msg.Count)
	ad = append(ad, b[:]...)
	return ad
}

func messageNonce(count uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[len(nonce)-4:], count)
	return nonce
}

// kdfRootStep advances the root key with a DH output, yielding the new root
// key and a chain key.
func kdfRootStep(rootKey, dh []byte) (newRoot, chainKey []byte) {
	h := hkdf.New(sha256.New, dh, rootKey, []byte("selkie-ratchet-root"))
	newRoot = make([]byte, keySize)
	chainKey = make([]byte, keySize)
	if _, err := io.ReadFull(h, newRoot); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(h, chainKey); err != nil {
		panic(err)
	}
	return
}

// advanceChainKey steps a symmetric chain, yielding the message key.
func advanceChainKey(ck *[]byte) []byte {
	h := hkdf.New(sha256.New, *ck, nil, []byte("selkie-ratchet-chain"))
	next := make([]byte, keySize)
	mk := make([]byte, keySize)
	if _, err := io.ReadFull(h, next); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(h, mk); err != nil {
		panic(err)
	}
	zero(*ck)
	*ck = next
	return mk
}

// DiskState exports the ratchet to its serializable form.
func (r *Ratchet) DiskState() *disk.RatchetState {
	st := &disk.RatchetState{
		SessionID:          dup(r.sessionID[:]),
		RootKey:            dup(r.rootKey),
		SendChainKey:       dup(r.sendChainKey),
		RecvChainKey:       dup(r.recvChainKey),
		SendRatchetPrivate: dup(r.sendRatchetPriv[:]),
		SendRatchetPublic:  dup(r.sendRatchetPub[:]),
		RecvRatchetPublic:  dup(r.recvRatchetPub[:]),
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
		LastEncryptTime:    r.lastEncryptTime,
		LastDecryptTime:    r.lastDecryptTime,
	}

	byPub := make(map[e2eid.FixedSizeCurve25519PublicKey]*disk.RatchetState_SavedKeys)
	for id, mk := range r.saved {
		sk := byPub[id.pub]
		if sk == nil {
			sk = &disk.RatchetState_SavedKeys{RatchetPublic: dup(id.pub[:])}
			byPub[id.pub] = sk
		}
		sk.MessageKeys = append(sk.MessageKeys, disk.RatchetState_SavedKeys_MessageKey{
			Num: id.count,
			Key: dup(mk),
		})
	}
	for _, sk := range byPub {
		st.SavedKeys = append(st.SavedKeys, *sk)
	}
	return st
}

// FromDisk restores a ratchet from its serializable form.
func FromDisk(rng io.Reader, st *disk.RatchetState) (*Ratchet, error) {
	r := newRatchet(rng)
	if err := r.sessionID.FromBytes(st.SessionID); err != nil {
		return nil, ErrCorruptState
	}
	r.rootKey = dup(st.RootKey)
	r.sendChainKey = dup(st.SendChainKey)
	r.recvChainKey = dup(st.RecvChainKey)
	if len(st.SendRatchetPrivate) != keySize ||
		len(st.SendRatchetPublic) != keySize ||
		len(st.RecvRatchetPublic) != keySize {
		return nil, ErrCorruptState
	}
	copy(r.sendRatchetPriv[:], st.SendRatchetPrivate)
	copy(r.sendRatchetPub[:], st.SendRatchetPublic)
	copy(r.recvRatchetPub[:], st.RecvRatchetPublic)
	r.sendCount = st.SendCount
	r.recvCount = st.RecvCount
	r.prevSendCount = st.PrevSendCount
	r.lastEncryptTime = st.LastEncryptTime
	r.lastDecryptTime = st.LastDecryptTime

	for _, sk := range st.SavedKeys {
		var pub e2eid.FixedSizeCurve25519PublicKey
		if len(sk.RatchetPublic) != keySize {
			return nil, ErrCorruptState
		}
		copy(pub[:], sk.RatchetPublic)
		for _, mk := range sk.MessageKeys {
			if len(mk.Key) != keySize {
				return nil, ErrCorruptState
			}
			r.saved[savedKeyID{pub, mk.Num}] = dup(mk.Key)
		}
	}
	return r, nil
}

func newRatchet(rng io.Reader) *Ratchet {
	return &Ratchet{
		saved: make(map[savedKeyID][]byte),
		rng:   rng,
	}
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
