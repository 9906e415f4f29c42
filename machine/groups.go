package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/groupratchet"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/wire"
)

// roomState is the active outbound group session of a room together
// with its sharing bookkeeping. The shard lock of the rooms map only
// guards the pointer; rs.mtx guards the fields, so a rotation is an
// atomic swap from the point of view of every reader.
type roomState struct {
	mtx         sync.Mutex
	out         *groupratchet.Outbound
	createdAt   int64
	sharedWith  map[e2eid.ShortID]struct{}
	members     map[e2eid.ShortID]struct{}
	invalidated bool
}

// roomStateFor returns the room's state, loading a persisted outbound
// session on first access.
func (m *Machine) roomStateFor(roomID e2eid.ShortID) (*roomState, error) {
	if rs, ok := m.rooms.Load(roomID); ok {
		return rs, nil
	}

	loaded := &roomState{
		sharedWith: make(map[e2eid.ShortID]struct{}),
		members:    make(map[e2eid.ShortID]struct{}),
	}
	rec, err := m.db.LoadOutboundGroupSession(roomID)
	switch {
	case errors.Is(err, cryptodb.ErrNotFound):
	case err != nil:
		return nil, storeErr("load outbound group session", err)
	default:
		out, err := groupratchet.OutboundFromDisk(rec.State)
		if err != nil {
			m.logGroup.Errorf("Dropping corrupt outbound session of room %s: %v",
				roomID, err)
		} else {
			loaded.out = out
			loaded.createdAt = rec.CreatedAt
			loaded.invalidated = rec.Invalidated
			for _, d := range rec.SharedWith {
				loaded.sharedWith[d] = struct{}{}
			}
			for _, d := range rec.Members {
				loaded.members[d] = struct{}{}
			}
		}
	}

	var res *roomState
	m.rooms.Compute(roomID, func(cur *roomState, ok bool) (*roomState, bool) {
		if ok {
			res = cur
			return cur, false
		}
		res = loaded
		return loaded, false
	})
	return res, nil
}

// persistRoomLocked stores the room's outbound session. Callers hold
// rs.mtx.
func (m *Machine) persistRoomLocked(roomID e2eid.ShortID, rs *roomState) error {
	rec := &cryptodb.OutboundGroupSession{
		RoomID:      roomID,
		State:       rs.out.DiskState(),
		CreatedAt:   rs.createdAt,
		Invalidated: rs.invalidated,
	}
	for d := range rs.sharedWith {
		rec.SharedWith = append(rec.SharedWith, d)
	}
	for d := range rs.members {
		rec.Members = append(rec.Members, d)
	}
	if err := m.db.SaveOutboundGroupSession(rec); err != nil {
		return storeErr("save outbound group session", err)
	}
	return nil
}

// rotateLocked replaces the room's outbound session with a fresh one
// and resets the shared-with set. The previous session keeps decrypting
// via its inbound copy; it just never encrypts again.
func (m *Machine) rotateLocked(roomID e2eid.ShortID, rs *roomState, reason string) error {
	out, err := groupratchet.NewOutbound(m.rng)
	if err != nil {
		return err
	}
	rs.out = out
	rs.createdAt = m.Now()
	rs.sharedWith = make(map[e2eid.ShortID]struct{})
	rs.invalidated = false
	if err := m.persistRoomLocked(roomID, rs); err != nil {
		return err
	}

	// Keep an inbound copy so our own messages stay decryptable and the
	// session can be forwarded to our verified devices later.
	err = m.storeInboundSession(&cryptodb.InboundGroupSession{
		RoomID:    roomID,
		SenderKey: m.Identity().Key,
		Export:    *out.Export(),
		Watermark: -1,
	})
	if err != nil {
		return err
	}
	m.logGroup.Infof("Rotated outbound session of room %s to %s (%s)",
		roomID, out.SessionID(), reason)
	return nil
}

// rotationReasonLocked reports why the active session must be replaced,
// or "" to keep it.
func (m *Machine) rotationReasonLocked(rs *roomState, members []e2eid.ShortID) string {
	if rs.out == nil {
		return "no active session"
	}
	if rs.invalidated {
		return "explicitly invalidated"
	}
	if rs.out.MessageIndex() >= m.policy.RotationMaxMessages {
		return "message count reached"
	}
	if m.Now()-rs.createdAt >= m.policy.RotationMaxAge {
		return "max age reached"
	}
	// A shrunk member set forces rotation so removed members cannot
	// decrypt future traffic.
	next := make(map[e2eid.ShortID]struct{}, len(members))
	for _, d := range members {
		next[d] = struct{}{}
	}
	for d := range rs.members {
		if _, ok := next[d]; !ok {
			return "member left"
		}
	}
	return ""
}

// GetOrRotateOutbound returns the id of the room's active outbound
// session, creating or rotating it per policy: missing session, message
// count or age threshold, explicit invalidation, or a shrunk member
// device set.
func (m *Machine) GetOrRotateOutbound(roomID e2eid.ShortID, memberDevices []e2eid.ShortID) (e2eid.ShortID, error) {
	if err := m.checkUsable(); err != nil {
		return e2eid.ShortID{}, err
	}
	rs, err := m.roomStateFor(roomID)
	if err != nil {
		return e2eid.ShortID{}, err
	}

	rs.mtx.Lock()
	defer rs.mtx.Unlock()

	reason := m.rotationReasonLocked(rs, memberDevices)
	rs.members = make(map[e2eid.ShortID]struct{}, len(memberDevices))
	for _, d := range memberDevices {
		rs.members[d] = struct{}{}
	}
	if reason != "" {
		if err := m.rotateLocked(roomID, rs, reason); err != nil {
			return e2eid.ShortID{}, err
		}
	} else if err := m.persistRoomLocked(roomID, rs); err != nil {
		return e2eid.ShortID{}, err
	}
	return rs.out.SessionID(), nil
}

// InvalidateOutbound forces the next GetOrRotateOutbound or
// EncryptRoomEvent to rotate the room's session.
func (m *Machine) InvalidateOutbound(roomID e2eid.ShortID) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	rs, err := m.roomStateFor(roomID)
	if err != nil {
		return err
	}
	rs.mtx.Lock()
	defer rs.mtx.Unlock()
	if rs.out == nil {
		return nil
	}
	rs.invalidated = true
	return m.persistRoomLocked(roomID, rs)
}

// EncryptRoomEvent encrypts a room message with the active outbound
// session, rotating it first when policy demands.
func (m *Machine) EncryptRoomEvent(roomID e2eid.ShortID, plaintext []byte) (*groupratchet.Message, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}
	rs, err := m.roomStateFor(roomID)
	if err != nil {
		return nil, err
	}

	rs.mtx.Lock()
	defer rs.mtx.Unlock()

	var members []e2eid.ShortID
	for d := range rs.members {
		members = append(members, d)
	}
	if reason := m.rotationReasonLocked(rs, members); reason != "" {
		if err := m.rotateLocked(roomID, rs, reason); err != nil {
			return nil, err
		}
	}

	msg, err := rs.out.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err := m.persistRoomLocked(roomID, rs); err != nil {
		return nil, err
	}
	return msg, nil
}

// ShareRoomKey queues the active outbound session's key to every given
// device not yet in the shared-with set, one outgoing request per
// device. Blacklisted devices never receive room keys; with the
// OnlyShareToVerified policy the same goes for anything not Verified.
// Devices without an established pairwise session are skipped after a
// key claim is queued; a later call picks them up.
func (m *Machine) ShareRoomKey(roomID e2eid.ShortID, devices []*e2eid.Device) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	rs, err := m.roomStateFor(roomID)
	if err != nil {
		return err
	}

	rs.mtx.Lock()
	defer rs.mtx.Unlock()
	if rs.out == nil {
		return fmt.Errorf("room %s: %w", roomID, ErrNoSessionAvailable)
	}

	ourID := m.Identity()
	for _, dev := range devices {
		if _, done := rs.sharedWith[dev.DeviceID]; done {
			continue
		}
		if dev.Trust == e2eid.TrustBlacklisted {
			m.logGroup.Debugf("Not sharing room key with blacklisted device %s",
				dev.DeviceID)
			continue
		}
		if m.policy.OnlyShareToVerified && dev.Trust != e2eid.TrustVerified {
			m.logGroup.Debugf("Not sharing room key with unverified device %s",
				dev.DeviceID)
			continue
		}

		keyPayload := &wire.RoomKeyPayload{RoomID: roomID, Export: *rs.out.Export()}
		inner, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID, keyPayload)
		if err != nil {
			return err
		}
		encrypted, err := m.encryptEventToDevice(dev, inner)
		if errors.Is(err, ErrNoSessionAvailable) {
			continue
		}
		if err != nil {
			return err
		}
		ev, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID, encrypted)
		if err != nil {
			return err
		}
		req, err := wire.NewOutgoingRequest(wire.RequestToDeviceSend,
			&wire.ToDeviceSendRequest{Events: []wire.AddressedEvent{{
				UserID:   dev.UserID,
				DeviceID: dev.DeviceID,
				Event:    *ev,
			}}})
		if err != nil {
			return err
		}
		if err := m.enqueue(req); err != nil {
			return err
		}
		rs.sharedWith[dev.DeviceID] = struct{}{}
	}
	return m.persistRoomLocked(roomID, rs)
}

// encryptEventToDevice serializes a to-device event and encrypts it
// pairwise to the target device.
func (m *Machine) encryptEventToDevice(dev *e2eid.Device, ev *wire.ToDeviceEvent) (*wire.EncryptedPayload, error) {
	blob, err := marshalEvent(ev)
	if err != nil {
		return nil, err
	}
	return m.EncryptToDevice(dev, blob)
}

// storeInboundSession records an inbound group session, preferring an
// export with a lower first known index when the session is already
// held. A newly learned session satisfies our own outstanding key
// request for it.
func (m *Machine) storeInboundSession(rec *cryptodb.InboundGroupSession) error {
	// Reject malformed exports before touching any state.
	if _, err := groupratchet.InboundFromExport(&rec.Export); err != nil {
		return err
	}

	var stored bool
	var storeFailure error
	m.inbound.Compute(rec.Export.SessionID, func(cur *cryptodb.InboundGroupSession, ok bool) (*cryptodb.InboundGroupSession, bool) {
		if ok && cur.RoomID == rec.RoomID && cur.Export.Index <= rec.Export.Index {
			// Existing copy decrypts at least as much history.
			return cur, false
		}
		if ok {
			// Keep the advanced watermark across re-keying.
			if cur.Watermark > rec.Watermark {
				rec.Watermark = cur.Watermark
			}
			// A session once received from its creator stays directly
			// received even when a backup copy replaces it.
			if !cur.Imported {
				rec.Imported = false
			}
		}
		if err := m.db.SaveInboundGroupSession(rec); err != nil {
			storeFailure = storeErr("save inbound group session", err)
			if ok {
				return cur, false
			}
			return nil, true
		}
		stored = true
		return rec, false
	})
	if storeFailure != nil {
		return storeFailure
	}
	if stored {
		m.logGroup.Debugf("Stored inbound session %s of room %s (first index %d)",
			rec.Export.SessionID, rec.RoomID, rec.Export.Index)
		m.cancelOwnKeyRequest(rec.RoomID, rec.Export.SessionID)
	}
	return nil
}

// DecryptRoomEvent decrypts a group message. Unknown sessions queue a
// key request towards our own devices and fail with ErrUnknownSession;
// indices at or below the session's watermark fail with
// ErrReplayDetected. Success advances the watermark monotonically.
func (m *Machine) DecryptRoomEvent(roomID e2eid.ShortID, msg *groupratchet.Message) ([]byte, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}

	var plaintext []byte
	var opErr error
	var found bool
	m.inbound.Compute(msg.SessionID, func(rec *cryptodb.InboundGroupSession, ok bool) (*cryptodb.InboundGroupSession, bool) {
		if !ok || rec.RoomID != roomID {
			return rec, !ok
		}
		found = true
		if int64(msg.Index) <= rec.Watermark {
			opErr = fmt.Errorf("session %s index %d: %w", msg.SessionID,
				msg.Index, ErrReplayDetected)
			return rec, false
		}
		in, err := groupratchet.InboundFromExport(&rec.Export)
		if err != nil {
			opErr = err
			return rec, false
		}
		pt, err := in.Decrypt(msg)
		if err != nil {
			opErr = err
			return rec, false
		}
		rec.Watermark = int64(msg.Index)
		if err := m.db.SaveInboundGroupSession(rec); err != nil {
			// The watermark write failed; surface the failure rather
			// than hand out a plaintext whose replay protection did
			// not stick.
			opErr = storeErr("save inbound group session", err)
			return rec, false
		}
		plaintext = pt
		return rec, false
	})

	if !found {
		if err := m.requestRoomKey(roomID, msg.SessionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("session %s: %w", msg.SessionID, ErrUnknownSession)
	}
	if opErr != nil {
		return nil, opErr
	}
	return plaintext, nil
}

// requestRoomKey queues a key request for a missing session to our own
// devices, deduplicated while one is outstanding.
func (m *Machine) requestRoomKey(roomID, sessionID e2eid.ShortID) error {
	m.ledgerMtx.Lock()
	if _, pending := m.ownReqs[sessionID]; pending {
		m.ledgerMtx.Unlock()
		return nil
	}
	ourID := m.Identity()
	kr := &cryptodb.KeyRequest{
		RequestID:        uuid.New().String(),
		Incoming:         false,
		RequestingUser:   ourID.UserID,
		RequestingDevice: ourID.DeviceID,
		RoomID:           roomID,
		SessionID:        sessionID,
		State:            cryptodb.KeyRequestPending,
	}
	if err := m.db.SaveKeyRequest(kr); err != nil {
		m.ledgerMtx.Unlock()
		return storeErr("save key request", err)
	}
	m.ledger[kr.RequestID] = kr
	m.ownReqs[sessionID] = kr.RequestID
	m.ledgerMtx.Unlock()

	ev, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID,
		&wire.KeyRequestPayload{
			Action:           wire.KeyRequestActionRequest,
			RequestID:        kr.RequestID,
			RequestingDevice: ourID.DeviceID,
			RoomID:           roomID,
			SessionID:        sessionID,
		})
	if err != nil {
		return err
	}
	// Addressed to the whole user: every device of ours may hold the
	// session.
	req, err := wire.NewOutgoingRequest(wire.RequestToDeviceSend,
		&wire.ToDeviceSendRequest{Events: []wire.AddressedEvent{{
			UserID: ourID.UserID,
			Event:  *ev,
		}}})
	if err != nil {
		return err
	}
	m.logGroup.Infof("Requesting key for session %s of room %s", sessionID, roomID)
	return m.enqueue(req)
}

// cancelOwnKeyRequest resolves our outstanding key request for a
// session that just arrived, notifying our other devices to stop
// answering it.
func (m *Machine) cancelOwnKeyRequest(roomID, sessionID e2eid.ShortID) {
	m.ledgerMtx.Lock()
	reqID, pending := m.ownReqs[sessionID]
	if !pending {
		m.ledgerMtx.Unlock()
		return
	}
	delete(m.ownReqs, sessionID)
	kr := m.ledger[reqID]
	if kr != nil {
		kr.State = cryptodb.KeyRequestSatisfied
		if err := m.db.SaveKeyRequest(kr); err != nil {
			m.logGroup.Warnf("Unable to persist satisfied key request %s: %v",
				reqID, err)
		}
	}
	m.ledgerMtx.Unlock()

	ourID := m.Identity()
	ev, err := wire.NewToDeviceEvent(ourID.UserID, ourID.DeviceID,
		&wire.KeyRequestPayload{
			Action:           wire.KeyRequestActionCancel,
			RequestID:        reqID,
			RequestingDevice: ourID.DeviceID,
			RoomID:           roomID,
			SessionID:        sessionID,
		})
	if err != nil {
		m.logGroup.Warnf("Unable to build key request cancellation: %v", err)
		return
	}
	req, err := wire.NewOutgoingRequest(wire.RequestToDeviceSend,
		&wire.ToDeviceSendRequest{Events: []wire.AddressedEvent{{
			UserID: ourID.UserID,
			Event:  *ev,
		}}})
	if err == nil {
		err = m.enqueue(req)
	}
	if err != nil {
		m.logGroup.Warnf("Unable to enqueue key request cancellation: %v", err)
	}
}
