package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/ratchet"
	"github.com/selkie-im/selkie/wire"
)

// pairSession is one live double ratchet session with a peer device.
// pendingKX is carried on every outgoing message until the peer proves
// it holds the session by sending something we can decrypt.
type pairSession struct {
	r          *ratchet.Ratchet
	peerDevice e2eid.ShortID
	pendingKX  *ratchet.KeyExchange
	wedged     bool
}

// peerSessions holds all sessions with a single peer device, most
// recently used first.
type peerSessions struct {
	mtx   sync.Mutex
	order []*pairSession
}

// promote moves s to the front of the MRU order.
func (ps *peerSessions) promote(s *pairSession) {
	for i, o := range ps.order {
		if o == s {
			copy(ps.order[1:i+1], ps.order[:i])
			ps.order[0] = s
			return
		}
	}
}

// peerSessionsFor returns the session list for a peer device, loading
// persisted sessions on first access.
func (m *Machine) peerSessionsFor(peerDevice e2eid.ShortID) (*peerSessions, error) {
	if ps, ok := m.sessions.Load(peerDevice); ok {
		return ps, nil
	}

	recs, err := m.db.PairwiseSessions(peerDevice)
	if err != nil {
		return nil, storeErr("load pairwise sessions", err)
	}
	loaded := &peerSessions{}
	for _, rec := range recs {
		r, err := ratchet.FromDisk(m.rng, rec.State)
		if err != nil {
			m.logPair.Errorf("Dropping corrupt session %s with %s: %v",
				rec.SessionID, peerDevice, err)
			continue
		}
		loaded.order = append(loaded.order, &pairSession{
			r:          r,
			peerDevice: peerDevice,
			pendingKX:  rec.PendingKX,
			wedged:     rec.Wedged,
		})
	}
	// Most recently used first.
	for i := 1; i < len(loaded.order); i++ {
		for j := i; j > 0; j-- {
			a, b := loaded.order[j-1], loaded.order[j]
			aT := max64(a.r.LastEncryptTime(), a.r.LastDecryptTime())
			bT := max64(b.r.LastEncryptTime(), b.r.LastDecryptTime())
			if bT > aT {
				loaded.order[j-1], loaded.order[j] = b, a
			}
		}
	}

	var res *peerSessions
	m.sessions.Compute(peerDevice, func(cur *peerSessions, ok bool) (*peerSessions, bool) {
		if ok {
			res = cur
			return cur, false
		}
		res = loaded
		return loaded, false
	})
	return res, nil
}

// persistSession stores the session's current state. Callers must hold
// the owning peerSessions mutex.
func (m *Machine) persistSession(s *pairSession) error {
	rec := &cryptodb.PairwiseSession{
		SessionID:  s.r.SessionID(),
		PeerDevice: s.peerDevice,
		State:      s.r.DiskState(),
		LastUsed:   max64(s.r.LastEncryptTime(), s.r.LastDecryptTime()),
		Wedged:     s.wedged,
		PendingKX:  s.pendingKX,
	}
	if err := m.db.SavePairwiseSession(rec); err != nil {
		return storeErr("save pairwise session", err)
	}
	return nil
}

// EncryptToDevice encrypts plaintext to the given device using the most
// recently used session. Without an established session it queues a
// one-time key claim and fails with ErrNoSessionAvailable; the caller
// retries after the claim is answered.
func (m *Machine) EncryptToDevice(device *e2eid.Device, plaintext []byte) (*wire.EncryptedPayload, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}

	ps, err := m.peerSessionsFor(device.DeviceID)
	if err != nil {
		return nil, err
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	var s *pairSession
	for _, cand := range ps.order {
		if !cand.wedged {
			s = cand
			break
		}
	}
	if s == nil {
		if err := m.enqueueKeyClaim(device.UserID, device.DeviceID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("device %s: %w", device.DeviceID, ErrNoSessionAvailable)
	}

	msg, err := s.r.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	s.r.Touch(true, m.Now())
	ps.promote(s)
	if err := m.persistSession(s); err != nil {
		return nil, err
	}

	return &wire.EncryptedPayload{
		SenderKey: m.Identity().Key,
		KX:        s.pendingKX,
		Message:   *msg,
	}, nil
}

// DecryptToDevice decrypts a pairwise payload from the given sender
// device. Pre-key payloads may establish a fresh inbound session,
// consuming the referenced one-time key. Established sessions are tried
// newest first; a replayed ratchet step fails with ErrReplayDetected and
// is never silently suppressed. When no session can open the message the
// most recent one is marked wedged and a recovery key claim is queued,
// rate limited per device.
func (m *Machine) DecryptToDevice(sender, senderDevice e2eid.ShortID, payload *wire.EncryptedPayload) ([]byte, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}

	ps, err := m.peerSessionsFor(senderDevice)
	if err != nil {
		return nil, err
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if payload.KX != nil {
		if s, err := m.maybeEstablishInbound(ps, senderDevice, payload.KX); err != nil {
			return nil, err
		} else if s != nil {
			return m.decryptWith(ps, s, payload)
		}
	}

	for _, s := range ps.order {
		pt, err := m.decryptWith(ps, s, payload)
		if err == nil {
			return pt, nil
		}
		if errors.Is(err, ErrReplayDetected) || errors.Is(err, StoreFailure{}) ||
			errors.Is(err, ErrMachinePoisoned) {
			return nil, err
		}
	}

	// Undecryptable by every session: the sender is likely holding a
	// wedged counterpart. Queue a recovery claim so both sides can move
	// to a fresh session.
	if len(ps.order) > 0 {
		s := ps.order[0]
		if !s.wedged {
			s.wedged = true
			if err := m.persistSession(s); err != nil {
				return nil, err
			}
			m.logPair.Warnf("Session %s with %s is wedged", s.r.SessionID(),
				senderDevice)
		}
	}
	if err := m.enqueueRecoveryClaim(sender, senderDevice); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("device %s: %w", senderDevice, ratchet.ErrDecrypt)
}

// decryptWith attempts decryption with a single session, updating MRU
// order and persisting on success. Callers hold ps.mtx.
func (m *Machine) decryptWith(ps *peerSessions, s *pairSession, payload *wire.EncryptedPayload) ([]byte, error) {
	pt, err := s.r.Decrypt(&payload.Message)
	if errors.Is(err, ratchet.ErrReplay) {
		return nil, fmt.Errorf("session %s: %w", s.r.SessionID(), ErrReplayDetected)
	}
	if err != nil {
		return nil, err
	}
	s.r.Touch(false, m.Now())
	// The peer demonstrably holds the session; stop attaching the key
	// exchange.
	s.pendingKX = nil
	s.wedged = false
	ps.promote(s)
	if err := m.persistSession(s); err != nil {
		return nil, err
	}
	return pt, nil
}

// maybeEstablishInbound creates an inbound session from a pre-key
// message, consuming the referenced one-time key. Returns nil (and no
// error) when the session already exists or the key was already
// consumed; decryption then proceeds over the existing sessions.
func (m *Machine) maybeEstablishInbound(ps *peerSessions, senderDevice e2eid.ShortID, kx *ratchet.KeyExchange) (*pairSession, error) {
	sid := ratchet.SessionIDForKX(kx)
	for _, s := range ps.order {
		if s.r.SessionID() == sid {
			return nil, nil
		}
	}

	m.idMtx.Lock()
	otk, err := m.id.TakeOneTimeKey(kx.OneTimeKeyID)
	if err != nil {
		m.idMtx.Unlock()
		if errors.Is(err, e2eid.ErrKeyNotHeld) {
			// Retransmission of a pre-key message whose key was
			// already consumed.
			m.logPair.Debugf("Pre-key message references consumed key %s",
				kx.OneTimeKeyID)
			return nil, nil
		}
		return nil, err
	}
	r, err := ratchet.NewInbound(m.rng, &m.id.PrivateKey, otk, kx)
	if err != nil {
		m.idMtx.Unlock()
		return nil, err
	}
	// The one-time key is consumed; losing this write would allow key
	// reuse, so persistence failure here poisons the machine.
	if err := m.saveIdentityLocked(); err != nil {
		m.idMtx.Unlock()
		return nil, err
	}
	m.idMtx.Unlock()

	s := &pairSession{r: r, peerDevice: senderDevice}
	ps.order = append([]*pairSession{s}, ps.order...)
	if err := m.persistSession(s); err != nil {
		return nil, err
	}
	m.logPair.Infof("Established inbound session %s with %s", sid, senderDevice)
	return s, nil
}

// establishOutbound creates a sending session from a claimed one-time
// key, answering an earlier ErrNoSessionAvailable.
func (m *Machine) establishOutbound(claimed *wire.ClaimedKey) error {
	m.idMtx.Lock()
	ourPriv := m.id.PrivateKey
	ourPub := m.id.Public.Key
	m.idMtx.Unlock()

	// The claimed key's owner must be a known device so we can bind the
	// session to its identity key.
	dev, err := m.deviceRecord(claimed.UserID, claimed.DeviceID)
	if err != nil {
		return err
	}
	if dev == nil {
		m.markUserChanged(claimed.UserID)
		return fmt.Errorf("claimed key from unknown device %s", claimed.DeviceID)
	}

	r, kx, err := ratchet.NewOutbound(m.rng, &ourPriv, &ourPub, &dev.Key,
		claimed.KeyID, &claimed.Key)
	if err != nil {
		return err
	}

	ps, err := m.peerSessionsFor(claimed.DeviceID)
	if err != nil {
		return err
	}
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	s := &pairSession{r: r, peerDevice: claimed.DeviceID, pendingKX: kx}
	s.r.Touch(true, m.Now())
	ps.order = append([]*pairSession{s}, ps.order...)
	if err := m.persistSession(s); err != nil {
		return err
	}
	m.logPair.Infof("Established outbound session %s with %s",
		r.SessionID(), claimed.DeviceID)
	return nil
}

// applyKeyClaimResponse establishes outbound sessions from the claimed
// keys. A fresh session unblocks any key request from its device that
// was left pending for lack of one.
func (m *Machine) applyKeyClaimResponse(resp *wire.KeyClaimResponse) error {
	var firstErr error
	for i := range resp.Keys {
		if err := m.establishOutbound(&resp.Keys[i]); err != nil {
			m.logPair.Warnf("Unable to establish session from claimed key: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.retryPendingRequests(&resp.Keys[i].DeviceID)
	}
	return firstErr
}

// enqueueKeyClaim queues a one-time key claim for a device.
func (m *Machine) enqueueKeyClaim(userID, deviceID e2eid.ShortID) error {
	req, err := wire.NewOutgoingRequest(wire.RequestKeyClaim, &wire.KeyClaimRequest{
		Claims: []wire.KeyClaim{{UserID: userID, DeviceID: deviceID}},
	})
	if err != nil {
		return err
	}
	return m.enqueue(req)
}

// enqueueRecoveryClaim queues a key claim for session wedging recovery,
// at most once per policy.WedgingRateLimit ticks per device.
func (m *Machine) enqueueRecoveryClaim(userID, deviceID e2eid.ShortID) error {
	now := m.Now()
	m.wedgeMtx.Lock()
	last, seen := m.lastWedge[deviceID]
	if seen && now-last < m.policy.WedgingRateLimit {
		m.wedgeMtx.Unlock()
		return nil
	}
	m.lastWedge[deviceID] = now
	m.wedgeMtx.Unlock()
	return m.enqueueKeyClaim(userID, deviceID)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
