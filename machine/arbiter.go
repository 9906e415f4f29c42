package machine

import (
	"errors"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/wire"
)

// handleKeyRequest arbitrates an incoming key request or cancellation.
// The decision tree for a request is strict: the session must be held
// (and not merely imported), the requester must be a Verified device of
// our own user, and a (room, session, device) triple is satisfied at
// most once. Everything else is ignored. Terminal ledger entries are
// never re-evaluated.
func (m *Machine) handleKeyRequest(sender, senderDevice e2eid.ShortID, p *wire.KeyRequestPayload) error {
	switch p.Action {
	case wire.KeyRequestActionCancel:
		m.cancelIncomingRequest(p.RequestID)
		return nil
	case wire.KeyRequestActionRequest:
	default:
		m.logArbt.Warnf("Unknown key request action %q from %s", p.Action,
			senderDevice)
		return nil
	}

	m.ledgerMtx.Lock()
	kr, known := m.ledger[p.RequestID]
	if known && kr.State.Terminal() {
		m.ledgerMtx.Unlock()
		m.logArbt.Debugf("Request %s already %s", p.RequestID, kr.State)
		return nil
	}
	if !known {
		kr = &cryptodb.KeyRequest{
			RequestID:        p.RequestID,
			Incoming:         true,
			RequestingUser:   sender,
			RequestingDevice: p.RequestingDevice,
			RoomID:           p.RoomID,
			SessionID:        p.SessionID,
			State:            cryptodb.KeyRequestPending,
		}
		if err := m.db.SaveKeyRequest(kr); err != nil {
			m.ledgerMtx.Unlock()
			return storeErr("save key request", err)
		}
		m.ledger[p.RequestID] = kr
	}
	m.ledgerMtx.Unlock()

	outcome, err := m.arbitrate(kr)
	if errors.Is(err, ErrNoSessionAvailable) {
		// No pairwise channel to answer over yet; a key claim was
		// queued and the request stays pending.
		m.logArbt.Debugf("Request %s waits for a session with %s",
			kr.RequestID, kr.RequestingDevice)
		return nil
	}
	if err != nil {
		return err
	}
	return m.resolveRequest(kr, outcome)
}

// arbitrate decides the outcome of a pending incoming key request.
func (m *Machine) arbitrate(kr *cryptodb.KeyRequest) (cryptodb.KeyRequestState, error) {
	sk := satisfyKey{room: kr.RoomID, session: kr.SessionID, device: kr.RequestingDevice}
	if m.satisfied.Has(sk) {
		m.logArbt.Debugf("Request %s: already satisfied for this device",
			kr.RequestID)
		return cryptodb.KeyRequestIgnored, nil
	}

	rec, ok := m.inbound.Load(kr.SessionID)
	if !ok || rec.RoomID != kr.RoomID {
		m.logArbt.Debugf("Request %s: session %s unknown", kr.RequestID,
			kr.SessionID)
		return cryptodb.KeyRequestIgnored, nil
	}
	if rec.Imported {
		// Sessions restored from a backup were not received from their
		// creator; they are never re-shared.
		m.logArbt.Debugf("Request %s: session %s is imported", kr.RequestID,
			kr.SessionID)
		return cryptodb.KeyRequestIgnored, nil
	}

	ourID := m.Identity()
	if kr.RequestingUser != ourID.UserID {
		m.logArbt.Debugf("Request %s: requester %s is not our user",
			kr.RequestID, kr.RequestingUser)
		return cryptodb.KeyRequestIgnored, nil
	}

	dev, err := m.deviceRecord(kr.RequestingUser, kr.RequestingDevice)
	if err != nil {
		return 0, err
	}
	if dev == nil || dev.Trust != e2eid.TrustVerified {
		m.logArbt.Debugf("Request %s: device %s is not verified",
			kr.RequestID, kr.RequestingDevice)
		return cryptodb.KeyRequestIgnored, nil
	}

	if err := m.forwardSession(rec, dev); err != nil {
		return 0, err
	}
	return cryptodb.KeyRequestSatisfied, nil
}

// retryPendingRequests re-arbitrates pending incoming requests, limited
// to those from one device when its id is given. A request that arrived
// before a pairwise session with its requester existed is answered here
// once a claimed key establishes one; restored pending entries get the
// same chance after a restart. Failures are logged, not surfaced: the
// requester retransmits if it still needs the key.
func (m *Machine) retryPendingRequests(device *e2eid.ShortID) {
	m.ledgerMtx.Lock()
	var pending []*cryptodb.KeyRequest
	for _, kr := range m.ledger {
		if !kr.Incoming || kr.State != cryptodb.KeyRequestPending {
			continue
		}
		if device != nil && kr.RequestingDevice != *device {
			continue
		}
		pending = append(pending, kr)
	}
	m.ledgerMtx.Unlock()

	for _, kr := range pending {
		outcome, err := m.arbitrate(kr)
		if errors.Is(err, ErrNoSessionAvailable) {
			continue
		}
		if err != nil {
			m.logArbt.Warnf("Unable to re-arbitrate request %s: %v",
				kr.RequestID, err)
			continue
		}
		if err := m.resolveRequest(kr, outcome); err != nil {
			m.logArbt.Warnf("Unable to resolve request %s: %v",
				kr.RequestID, err)
		}
	}
}

// forwardSession queues the session key to the requesting device over
// the pairwise channel, extending the forwarding chain with our own
// identity key.
func (m *Machine) forwardSession(rec *cryptodb.InboundGroupSession, dev *e2eid.Device) error {
	ourID := m.Identity()
	chain := append([]e2eid.FixedSizeCurve25519PublicKey(nil),
		rec.ForwardingChain...)
	chain = append(chain, ourID.Key)

	inner, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID,
		&wire.ForwardedRoomKeyPayload{
			RoomID:          rec.RoomID,
			SenderKey:       rec.SenderKey,
			ForwardingChain: chain,
			Export:          rec.Export,
		})
	if err != nil {
		return err
	}
	encrypted, err := m.encryptEventToDevice(dev, inner)
	if err != nil {
		return err
	}
	ev, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID, encrypted)
	if err != nil {
		return err
	}
	req, err := wire.NewOutgoingRequest(wire.RequestRoomKeyForward,
		&wire.ToDeviceSendRequest{Events: []wire.AddressedEvent{{
			UserID:   dev.UserID,
			DeviceID: dev.DeviceID,
			Event:    *ev,
		}}})
	if err != nil {
		return err
	}
	return m.enqueue(req)
}

// resolveRequest moves a pending request into a terminal state.
func (m *Machine) resolveRequest(kr *cryptodb.KeyRequest, outcome cryptodb.KeyRequestState) error {
	m.ledgerMtx.Lock()
	kr.State = outcome
	err := m.db.SaveKeyRequest(kr)
	m.ledgerMtx.Unlock()
	if err != nil {
		return storeErr("save key request", err)
	}
	if outcome == cryptodb.KeyRequestSatisfied {
		m.satisfied.Set(satisfyKey{
			room:    kr.RoomID,
			session: kr.SessionID,
			device:  kr.RequestingDevice,
		})
	}
	m.logArbt.Infof("Key request %s for session %s: %s", kr.RequestID,
		kr.SessionID, outcome)
	return nil
}

// cancelIncomingRequest moves a pending request to Cancelled. Terminal
// entries and unknown ids are untouched.
func (m *Machine) cancelIncomingRequest(requestID string) {
	m.ledgerMtx.Lock()
	defer m.ledgerMtx.Unlock()
	kr, ok := m.ledger[requestID]
	if !ok || kr.State.Terminal() {
		return
	}
	kr.State = cryptodb.KeyRequestCancelled
	if err := m.db.SaveKeyRequest(kr); err != nil {
		m.logArbt.Warnf("Unable to persist cancelled request %s: %v",
			requestID, err)
	}
	m.logArbt.Debugf("Key request %s cancelled by requester", requestID)
}
