package machine

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/hkdf"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/wire"
)

// flowState is the linear state of a verification flow.
type flowState int

const (
	flowStarted flowState = iota
	flowKeyExchanged
	flowMacExchanged
	flowConfirmed
	flowCancelled
	flowTimedOut
)

func (s flowState) String() string {
	switch s {
	case flowStarted:
		return "started"
	case flowKeyExchanged:
		return "key-exchanged"
	case flowMacExchanged:
		return "mac-exchanged"
	case flowConfirmed:
		return "confirmed"
	case flowCancelled:
		return "cancelled"
	case flowTimedOut:
		return "timed-out"
	}
	return "unknown"
}

func (s flowState) terminal() bool {
	return s == flowConfirmed || s == flowCancelled || s == flowTimedOut
}

const sasByteLen = 6

// verificationFlow is one interactive verification with a peer device.
// Progression is strictly linear; any message that does not fit the
// current state cancels the flow.
type verificationFlow struct {
	id         string
	method     string
	peerUser   e2eid.ShortID
	peerDevice e2eid.ShortID
	initiator  bool
	state      flowState
	deadline   int64

	ephPriv    *e2eid.FixedSizeCurve25519PrivateKey
	ephPub     e2eid.FixedSizeCurve25519PublicKey
	theirKey   e2eid.FixedSizeCurve25519PublicKey
	commitment e2eid.FixedSizeDigest
	sasBytes   []byte
	sentMAC    bool
	gotMAC     bool
}

// StartVerification begins an interactive verification of a known peer
// device using wire.VerificationMethodSAS or wire.VerificationMethodQR.
// It returns the flow id used by all further calls.
func (m *Machine) StartVerification(userID, deviceID e2eid.ShortID, method string) (string, error) {
	if err := m.checkUsable(); err != nil {
		return "", err
	}
	if method != wire.VerificationMethodSAS && method != wire.VerificationMethodQR {
		return "", fmt.Errorf("unknown verification method %q", method)
	}
	dev, err := m.deviceRecord(userID, deviceID)
	if err != nil {
		return "", err
	}
	if dev == nil {
		return "", fmt.Errorf("unknown device %s of user %s", deviceID, userID)
	}

	f := &verificationFlow{
		id:         uuid.New().String(),
		method:     method,
		peerUser:   userID,
		peerDevice: deviceID,
		initiator:  true,
		state:      flowStarted,
		deadline:   m.Now() + m.policy.VerificationTimeout,
	}
	start := &wire.VerificationPayload{
		FlowID: f.id,
		Kind:   wire.VerificationKindStart,
		Method: method,
	}
	if method == wire.VerificationMethodSAS {
		priv, pub, err := e2eid.NewCurve25519KeyPair(m.rng)
		if err != nil {
			return "", err
		}
		f.ephPriv = priv
		f.ephPub = *pub
		start.Commitment = sasCommitment(f.id, &f.ephPub)
	}

	m.verifMtx.Lock()
	m.flows[f.id] = f
	m.verifMtx.Unlock()

	if err := m.sendVerification(f, start); err != nil {
		return "", err
	}
	m.logVrfy.Infof("Started %s verification %s with %s", method, f.id, deviceID)
	return f.id, nil
}

// sendVerification queues a verification message to the flow's peer.
func (m *Machine) sendVerification(f *verificationFlow, p *wire.VerificationPayload) error {
	ourID := m.Identity()
	ev, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID, p)
	if err != nil {
		return err
	}
	req, err := wire.NewOutgoingRequest(wire.RequestVerificationSend,
		&wire.ToDeviceSendRequest{Events: []wire.AddressedEvent{{
			UserID:   f.peerUser,
			DeviceID: f.peerDevice,
			Event:    *ev,
		}}})
	if err != nil {
		return err
	}
	return m.enqueue(req)
}

// handleVerification progresses a flow with an incoming message.
func (m *Machine) handleVerification(sender, senderDevice e2eid.ShortID, p *wire.VerificationPayload) error {
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()

	f, known := m.flows[p.FlowID]

	if p.Kind == wire.VerificationKindStart {
		if known {
			return m.failFlowLocked(f, "duplicate start")
		}
		return m.acceptStartLocked(sender, senderDevice, p)
	}
	if !known {
		return fmt.Errorf("%w: flow %s", ErrUnknownFlow, p.FlowID)
	}
	if f.state.terminal() {
		m.logVrfy.Debugf("Flow %s is %s; dropping %s", f.id, f.state, p.Kind)
		return nil
	}
	if sender != f.peerUser || senderDevice != f.peerDevice {
		return m.failFlowLocked(f, "message from unexpected device")
	}

	switch p.Kind {
	case wire.VerificationKindKey:
		return m.handleKeyMessageLocked(f, p)
	case wire.VerificationKindMac:
		return m.handleMacMessageLocked(f, p)
	case wire.VerificationKindDone:
		if f.state != flowMacExchanged && f.state != flowConfirmed {
			return m.failFlowLocked(f, "done before MAC exchange")
		}
		f.state = flowConfirmed
		return nil
	case wire.VerificationKindCancel:
		f.state = flowCancelled
		m.logVrfy.Infof("Flow %s cancelled by peer: %s", f.id, p.Reason)
		return nil
	default:
		return m.failFlowLocked(f, fmt.Sprintf("unknown kind %q", p.Kind))
	}
}

// acceptStartLocked creates the responder half of a flow.
func (m *Machine) acceptStartLocked(sender, senderDevice e2eid.ShortID, p *wire.VerificationPayload) error {
	if p.Method != wire.VerificationMethodSAS && p.Method != wire.VerificationMethodQR {
		return fmt.Errorf("unknown verification method %q", p.Method)
	}
	f := &verificationFlow{
		id:         p.FlowID,
		method:     p.Method,
		peerUser:   sender,
		peerDevice: senderDevice,
		state:      flowStarted,
		deadline:   m.Now() + m.policy.VerificationTimeout,
		commitment: p.Commitment,
	}
	m.flows[f.id] = f

	if p.Method == wire.VerificationMethodSAS {
		priv, pub, err := e2eid.NewCurve25519KeyPair(m.rng)
		if err != nil {
			return err
		}
		f.ephPriv = priv
		f.ephPub = *pub
		// Reveal our key first; the initiator committed to theirs.
		return m.sendVerification(f, &wire.VerificationPayload{
			FlowID: f.id,
			Kind:   wire.VerificationKindKey,
			Key:    f.ephPub,
		})
	}
	m.logVrfy.Infof("Accepted QR verification %s from %s", f.id, senderDevice)
	return nil
}

// handleKeyMessageLocked performs the SAS key exchange step, or the QR
// shared-code check.
func (m *Machine) handleKeyMessageLocked(f *verificationFlow, p *wire.VerificationPayload) error {
	if f.method == wire.VerificationMethodQR {
		// The scanning side proved it saw our code.
		if f.state != flowStarted || !f.initiator {
			return m.failFlowLocked(f, "unexpected QR code message")
		}
		code, err := m.qrCode(f)
		if err != nil {
			return err
		}
		if !bytes.Equal(code, p.SharedCode) {
			m.failFlowLocked(f, "QR code mismatch")
			return fmt.Errorf("flow %s: %w", f.id, ErrVerificationMismatch)
		}
		return m.concludeFlowLocked(f)
	}

	if f.state != flowStarted {
		return m.failFlowLocked(f, "key message out of order")
	}
	if f.initiator {
		// The responder revealed its key; reveal ours.
		f.theirKey = p.Key
		if err := m.deriveSASLocked(f); err != nil {
			return err
		}
		f.state = flowKeyExchanged
		return m.sendVerification(f, &wire.VerificationPayload{
			FlowID: f.id,
			Kind:   wire.VerificationKindKey,
			Key:    f.ephPub,
		})
	}

	// Responder: the revealed key must match the initiator's commitment.
	if sasCommitment(f.id, &p.Key) != f.commitment {
		m.failFlowLocked(f, "commitment mismatch")
		return fmt.Errorf("flow %s: %w", f.id, ErrVerificationMismatch)
	}
	f.theirKey = p.Key
	if err := m.deriveSASLocked(f); err != nil {
		return err
	}
	f.state = flowKeyExchanged
	return nil
}

// handleMacMessageLocked verifies the peer's MAC over its identity key.
func (m *Machine) handleMacMessageLocked(f *verificationFlow, p *wire.VerificationPayload) error {
	if f.method != wire.VerificationMethodSAS || f.gotMAC ||
		(f.state != flowKeyExchanged && f.state != flowMacExchanged) {
		return m.failFlowLocked(f, "MAC message out of order")
	}
	dev, err := m.deviceRecord(f.peerUser, f.peerDevice)
	if err != nil {
		return err
	}
	if dev == nil {
		return m.failFlowLocked(f, "peer device vanished")
	}
	want := sasMAC(f.sasBytes, f.id, f.peerUser, f.peerDevice, &dev.Key)
	if !hmac.Equal(want, p.MAC) {
		m.failFlowLocked(f, "MAC mismatch")
		return fmt.Errorf("flow %s: %w", f.id, ErrVerificationMismatch)
	}
	f.gotMAC = true
	if f.sentMAC {
		return m.concludeFlowLocked(f)
	}
	f.state = flowMacExchanged
	return nil
}

// ConfirmCodesMatch reports that the user compared the short auth codes
// and they match. Our MAC is sent; once both MACs have checked out the
// peer device is marked Verified.
func (m *Machine) ConfirmCodesMatch(flowID string) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return fmt.Errorf("%w: flow %s", ErrUnknownFlow, flowID)
	}
	if f.method != wire.VerificationMethodSAS || f.sentMAC ||
		(f.state != flowKeyExchanged && f.state != flowMacExchanged) {
		return m.failFlowLocked(f, "confirmation out of order")
	}

	ourID := m.Identity()
	mac := sasMAC(f.sasBytes, f.id, ourID.UserID, ourID.DeviceID, &ourID.Key)
	if err := m.sendVerification(f, &wire.VerificationPayload{
		FlowID: f.id,
		Kind:   wire.VerificationKindMac,
		MAC:    mac,
	}); err != nil {
		return err
	}
	f.sentMAC = true
	if f.gotMAC {
		return m.concludeFlowLocked(f)
	}
	f.state = flowMacExchanged
	return nil
}

// ConfirmCodesMismatch reports that the codes differ. The flow is
// cancelled and the peer notified.
func (m *Machine) ConfirmCodesMismatch(flowID string) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return fmt.Errorf("%w: flow %s", ErrUnknownFlow, flowID)
	}
	m.failFlowLocked(f, "user reported code mismatch")
	return fmt.Errorf("flow %s: %w", flowID, ErrVerificationMismatch)
}

// ConfirmQRScanned reports that this device scanned the peer's QR code
// and it carried the given shared code. On match the peer is notified
// and marked Verified.
func (m *Machine) ConfirmQRScanned(flowID string, code []byte) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()

	f, ok := m.flows[flowID]
	if !ok {
		return fmt.Errorf("%w: flow %s", ErrUnknownFlow, flowID)
	}
	if f.method != wire.VerificationMethodQR || f.state != flowStarted {
		return m.failFlowLocked(f, "QR confirmation out of order")
	}
	want, err := m.qrCode(f)
	if err != nil {
		return err
	}
	if !bytes.Equal(want, code) {
		m.failFlowLocked(f, "QR code mismatch")
		return fmt.Errorf("flow %s: %w", flowID, ErrVerificationMismatch)
	}
	if err := m.sendVerification(f, &wire.VerificationPayload{
		FlowID:     f.id,
		Kind:       wire.VerificationKindKey,
		SharedCode: code,
	}); err != nil {
		return err
	}
	return m.concludeFlowLocked(f)
}

// CancelVerification aborts a non-terminal flow and notifies the peer.
func (m *Machine) CancelVerification(flowID, reason string) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return fmt.Errorf("%w: flow %s", ErrUnknownFlow, flowID)
	}
	if f.state.terminal() {
		return nil
	}
	f.state = flowCancelled
	return m.sendVerification(f, &wire.VerificationPayload{
		FlowID: f.id,
		Kind:   wire.VerificationKindCancel,
		Reason: reason,
	})
}

// SASCode returns the short auth code of a SAS flow whose key exchange
// completed: a decimal triplet and seven emoji table indices, both
// derived from the shared secret.
func (m *Machine) SASCode(flowID string) (string, []int, error) {
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return "", nil, fmt.Errorf("%w: flow %s", ErrUnknownFlow, flowID)
	}
	if f.method != wire.VerificationMethodSAS || len(f.sasBytes) != sasByteLen {
		return "", nil, fmt.Errorf("flow %s has no SAS code yet", flowID)
	}
	return sasDecimal(f.sasBytes), sasEmojiIndices(f.sasBytes), nil
}

// QRCode returns the shared code the peer must scan for a QR flow.
func (m *Machine) QRCode(flowID string) ([]byte, error) {
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()
	f, ok := m.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: flow %s", ErrUnknownFlow, flowID)
	}
	return m.qrCode(f)
}

// QRCodePNG renders the flow's comparison code as a size x size PNG
// for the peer to scan.
func (m *Machine) QRCodePNG(flowID string, size int) ([]byte, error) {
	code, err := m.QRCode(flowID)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(fmt.Sprintf("%x", code), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("unable to encode qr code: %w", err)
	}
	return png, nil
}

// qrCode binds both identity keys and the flow id into the comparison
// code. Both devices can compute it without any key exchange.
func (m *Machine) qrCode(f *verificationFlow) ([]byte, error) {
	dev, err := m.deviceRecord(f.peerUser, f.peerDevice)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("unknown device %s", f.peerDevice)
	}
	ourID := m.Identity()

	// Order the keys by flow role so both sides hash identically.
	first, second := ourID.Key, dev.Key
	if !f.initiator {
		first, second = dev.Key, ourID.Key
	}
	h := sha256.New()
	h.Write([]byte("selkie-qr"))
	h.Write([]byte(f.id))
	h.Write(first[:])
	h.Write(second[:])
	return h.Sum(nil), nil
}

// concludeFlowLocked marks the peer device Verified and finishes the
// flow.
func (m *Machine) concludeFlowLocked(f *verificationFlow) error {
	if err := m.setTrustUnlockedVerif(f.peerUser, f.peerDevice); err != nil {
		return err
	}
	f.state = flowConfirmed
	m.logVrfy.Infof("Flow %s confirmed; %s is verified", f.id, f.peerDevice)
	return m.sendVerification(f, &wire.VerificationPayload{
		FlowID: f.id,
		Kind:   wire.VerificationKindDone,
	})
}

// setTrustUnlockedVerif marks the device verified without re-checking
// machine usability (the caller already did).
func (m *Machine) setTrustUnlockedVerif(userID, deviceID e2eid.ShortID) error {
	us, err := m.userStateFor(userID)
	if err != nil {
		return err
	}
	us.mtx.Lock()
	defer us.mtx.Unlock()
	dev, ok := us.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %s of user %s", deviceID, userID)
	}
	dev.Trust = e2eid.TrustVerified
	us.derived = nil
	if err := m.db.SaveDevice(dev); err != nil {
		return storeErr("save device", err)
	}
	return nil
}

// failFlowLocked cancels a flow because of a protocol violation and
// notifies the peer. It always returns ErrUnexpectedMessage wrapped
// with the reason.
func (m *Machine) failFlowLocked(f *verificationFlow, reason string) error {
	if !f.state.terminal() {
		f.state = flowCancelled
		err := m.sendVerification(f, &wire.VerificationPayload{
			FlowID: f.id,
			Kind:   wire.VerificationKindCancel,
			Reason: reason,
		})
		if err != nil {
			m.logVrfy.Warnf("Unable to send cancellation for flow %s: %v",
				f.id, err)
		}
	}
	m.logVrfy.Warnf("Cancelling flow %s: %s", f.id, reason)
	return fmt.Errorf("flow %s (%s): %w", f.id, reason, ErrUnexpectedMessage)
}

// expireFlows times out every non-terminal flow whose deadline passed.
func (m *Machine) expireFlows(now int64) {
	m.verifMtx.Lock()
	defer m.verifMtx.Unlock()
	for _, f := range m.flows {
		if f.state.terminal() || now < f.deadline {
			continue
		}
		f.state = flowTimedOut
		m.logVrfy.Infof("Flow %s timed out", f.id)
		err := m.sendVerification(f, &wire.VerificationPayload{
			FlowID: f.id,
			Kind:   wire.VerificationKindCancel,
			Reason: "timed out",
		})
		if err != nil {
			m.logVrfy.Warnf("Unable to send timeout cancellation for flow %s: %v",
				f.id, err)
		}
	}
}

// deriveSASLocked computes the shared secret and the short auth bytes.
func (m *Machine) deriveSASLocked(f *verificationFlow) error {
	shared, err := f.ephPriv.SharedSecret(&f.theirKey)
	if err != nil {
		return err
	}

	// Transcript binding: both ephemeral keys in role order.
	info := make([]byte, 0, len(f.id)+64)
	info = append(info, []byte("selkie-sas")...)
	info = append(info, []byte(f.id)...)
	a, b := f.ephPub, f.theirKey
	if !f.initiator {
		a, b = f.theirKey, f.ephPub
	}
	info = append(info, a[:]...)
	info = append(info, b[:]...)

	h := hkdf.New(sha256.New, shared[:], nil, info)
	f.sasBytes = make([]byte, sasByteLen)
	if _, err := io.ReadFull(h, f.sasBytes); err != nil {
		return err
	}
	return nil
}

// sasCommitment is the hash the initiator publishes before the
// responder reveals its ephemeral key.
func sasCommitment(flowID string, pub *e2eid.FixedSizeCurve25519PublicKey) e2eid.FixedSizeDigest {
	h := sha256.New()
	h.Write(pub[:])
	h.Write([]byte(flowID))
	var d e2eid.FixedSizeDigest
	copy(d[:], h.Sum(nil))
	return d
}

// sasMAC authenticates the sender's identity key under the flow's
// shared secret.
func sasMAC(sasBytes []byte, flowID string, user, device e2eid.ShortID,
	key *e2eid.FixedSizeCurve25519PublicKey) []byte {

	kdf := hkdf.New(sha256.New, sasBytes, nil,
		append([]byte("selkie-sas-mac"), []byte(flowID)...))
	macKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, macKey); err != nil {
		panic(err)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write(user[:])
	mac.Write(device[:])
	mac.Write(key[:])
	return mac.Sum(nil)
}

// sasDecimal renders the short auth bytes as three numbers in
// 1000-9191, the form users compare verbally.
func sasDecimal(b []byte) string {
	n1 := (uint16(b[0])<<5 | uint16(b[1])>>3) + 1000
	n2 := ((uint16(b[1])&0x7)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6) + 1000
	n3 := ((uint16(b[3])&0x3f)<<7 | uint16(b[4])>>1) + 1000
	return fmt.Sprintf("%d-%d-%d", n1, n2, n3)
}

// sasEmojiIndices renders the first 42 bits of the short auth bytes as
// seven indices into a 64-entry emoji table.
func sasEmojiIndices(b []byte) []int {
	var bits uint64
	for _, x := range b {
		bits = bits<<8 | uint64(x)
	}
	// 6 bytes = 48 bits; the low 6 are discarded.
	res := make([]int, 7)
	for i := 0; i < 7; i++ {
		shift := uint(48 - 6*(i+1))
		res[i] = int((bits >> shift) & 0x3f)
	}
	return res
}
