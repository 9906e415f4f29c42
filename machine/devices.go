package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/wire"
)

// userState tracks the known devices of one user. derived caches the
// cross-signing trust derivation and is dropped whenever the device
// list or master key changes.
type userState struct {
	mtx            sync.Mutex
	devices        map[e2eid.ShortID]*e2eid.Device
	masterKey      *e2eid.FixedSizeEd25519PublicKey
	masterVerified bool
	queryPending   bool
	derived        map[e2eid.ShortID]e2eid.TrustState
}

// userStateFor returns the tracker state for a user, loading persisted
// records on first access.
func (m *Machine) userStateFor(userID e2eid.ShortID) (*userState, error) {
	if us, ok := m.users.Load(userID); ok {
		return us, nil
	}

	recs, err := m.db.UserDevices(userID)
	if err != nil {
		return nil, storeErr("load user devices", err)
	}
	loaded := &userState{devices: make(map[e2eid.ShortID]*e2eid.Device)}
	for _, d := range recs {
		loaded.devices[d.DeviceID] = d
	}
	mk, err := m.db.LoadMasterKey(userID)
	switch {
	case errors.Is(err, cryptodb.ErrNotFound):
	case err != nil:
		return nil, storeErr("load master key", err)
	default:
		key := mk.Key
		loaded.masterKey = &key
		loaded.masterVerified = mk.Verified
	}

	var res *userState
	m.users.Compute(userID, func(cur *userState, ok bool) (*userState, bool) {
		if ok {
			res = cur
			return cur, false
		}
		res = loaded
		return loaded, false
	})
	return res, nil
}

// markUserChanged handles a changed-device-list signal: the cached
// derivations are invalidated and a key query is queued unless one is
// already in flight.
func (m *Machine) markUserChanged(userID e2eid.ShortID) {
	us, err := m.userStateFor(userID)
	if err != nil {
		m.logDvcs.Errorf("Unable to load state for changed user %s: %v",
			userID, err)
		return
	}

	us.mtx.Lock()
	us.derived = nil
	pending := us.queryPending
	us.queryPending = true
	us.mtx.Unlock()
	if pending {
		m.logDvcs.Debugf("Key query for %s already in flight", userID)
		return
	}

	req, err := wire.NewOutgoingRequest(wire.RequestKeyQuery,
		&wire.KeyQueryRequest{Users: []e2eid.ShortID{userID}})
	if err == nil {
		err = m.enqueue(req)
	}
	if err != nil {
		m.logDvcs.Errorf("Unable to enqueue key query for %s: %v", userID, err)
		us.mtx.Lock()
		us.queryPending = false
		us.mtx.Unlock()
	}
}

// applyKeyQueryResponse ingests the device lists of a key query
// response. queried lists the users the request covered; their pending
// flags are cleared and devices of theirs absent from the response are
// dropped.
func (m *Machine) applyKeyQueryResponse(queried []e2eid.ShortID, resp *wire.KeyQueryResponse) error {
	byUser := make(map[e2eid.ShortID][]*wire.QueriedDevice)
	for i := range resp.Devices {
		qd := &resp.Devices[i]
		byUser[qd.Identity.UserID] = append(byUser[qd.Identity.UserID], qd)
	}
	masters := make(map[e2eid.ShortID]e2eid.FixedSizeEd25519PublicKey)
	for _, mk := range resp.MasterKeys {
		masters[mk.UserID] = mk.Key
	}

	var firstErr error
	for _, userID := range queried {
		err := m.ingestUserDevices(userID, byUser[userID], masters)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Machine) ingestUserDevices(userID e2eid.ShortID, qds []*wire.QueriedDevice,
	masters map[e2eid.ShortID]e2eid.FixedSizeEd25519PublicKey) error {

	us, err := m.userStateFor(userID)
	if err != nil {
		return err
	}

	us.mtx.Lock()
	defer us.mtx.Unlock()
	us.queryPending = false
	us.derived = nil

	if key, ok := masters[userID]; ok {
		if us.masterKey == nil || *us.masterKey != key {
			// A replaced master key voids any previous verification
			// decision about it.
			us.masterKey = &key
			us.masterVerified = false
			err := m.db.SaveMasterKey(&cryptodb.MasterKey{UserID: userID, Key: key})
			if err != nil {
				return storeErr("save master key", err)
			}
			m.logDvcs.Infof("Recorded master key for user %s", userID)
		}
	}

	seen := make(map[e2eid.ShortID]bool)
	for _, qd := range qds {
		seen[qd.Identity.DeviceID] = true
		if err := m.ingestDeviceLocked(us, qd); err != nil {
			m.logDvcs.Warnf("Rejecting device record %s of %s: %v",
				qd.Identity.DeviceID, userID, err)
		}
	}

	// Devices the server no longer lists are gone.
	for devID := range us.devices {
		if seen[devID] {
			continue
		}
		delete(us.devices, devID)
		if err := m.db.DeleteDevice(userID, devID); err != nil {
			return storeErr("delete device", err)
		}
		m.logDvcs.Infof("Dropped removed device %s of %s", devID, userID)
	}
	return nil
}

// ingestDeviceLocked applies one queried device record. Keys are
// immutable once observed: a record with changed keys replaces the old
// one as a fresh untrusted entry, never an in-place key update.
func (m *Machine) ingestDeviceLocked(us *userState, qd *wire.QueriedDevice) error {
	dev, err := e2eid.DeviceFromIdentity(&qd.Identity, qd.Algorithms)
	if err != nil {
		return err
	}
	dev.MasterSignature = qd.MasterSignature

	old, known := us.devices[dev.DeviceID]
	if known && old.SameKeys(&qd.Identity) {
		// Same keys: keep the existing trust decision, refresh the
		// mutable attributes.
		dev.Trust = old.Trust
	} else if known {
		m.logDvcs.Warnf("Device %s of %s reappeared with different keys",
			dev.DeviceID, dev.UserID)
	}
	us.devices[dev.DeviceID] = dev
	if err := m.db.SaveDevice(dev); err != nil {
		return storeErr("save device", err)
	}
	return nil
}

// SetDeviceTrust sets the trust state of a known device. Trust
// transitions happen only through this method and through successful
// verification flows.
func (m *Machine) SetDeviceTrust(userID, deviceID e2eid.ShortID, trust e2eid.TrustState) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
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
	dev.Trust = trust
	us.derived = nil
	if err := m.db.SaveDevice(dev); err != nil {
		return storeErr("save device", err)
	}
	m.logDvcs.Infof("Device %s of %s is now %s", deviceID, userID, trust)
	return nil
}

// SetMasterKeyVerified records the user's out-of-band decision about a
// peer's cross-signing master key. Devices signed by a verified master
// key derive Verified trust without individual verification.
func (m *Machine) SetMasterKeyVerified(userID e2eid.ShortID, verified bool) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	us, err := m.userStateFor(userID)
	if err != nil {
		return err
	}

	us.mtx.Lock()
	defer us.mtx.Unlock()
	if us.masterKey == nil {
		return fmt.Errorf("no master key known for user %s", userID)
	}
	us.masterVerified = verified
	us.derived = nil
	err = m.db.SaveMasterKey(&cryptodb.MasterKey{
		UserID:   userID,
		Key:      *us.masterKey,
		Verified: verified,
	})
	if err != nil {
		return storeErr("save master key", err)
	}
	return nil
}

// effectiveTrustLocked returns the device's trust with cross-signing
// derivation applied. Callers hold us.mtx.
func (m *Machine) effectiveTrustLocked(us *userState, dev *e2eid.Device) e2eid.TrustState {
	if dev.Trust != e2eid.TrustUnset {
		return dev.Trust
	}
	if !us.masterVerified || us.masterKey == nil {
		return e2eid.TrustUnset
	}
	if t, ok := us.derived[dev.DeviceID]; ok {
		return t
	}
	t := e2eid.TrustUnset
	if dev.VerifyMasterSignature(us.masterKey) {
		t = e2eid.TrustVerified
	}
	if us.derived == nil {
		us.derived = make(map[e2eid.ShortID]e2eid.TrustState)
	}
	us.derived[dev.DeviceID] = t
	return t
}

// Devices returns copies of the user's known device records with
// derived trust applied.
func (m *Machine) Devices(userID e2eid.ShortID) ([]e2eid.Device, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}
	us, err := m.userStateFor(userID)
	if err != nil {
		return nil, err
	}

	us.mtx.Lock()
	defer us.mtx.Unlock()
	res := make([]e2eid.Device, 0, len(us.devices))
	for _, dev := range us.devices {
		cp := *dev
		cp.Trust = m.effectiveTrustLocked(us, dev)
		res = append(res, cp)
	}
	return res, nil
}

// deviceRecord returns a copy of one device record with derived trust
// applied, or nil when the device is unknown.
func (m *Machine) deviceRecord(userID, deviceID e2eid.ShortID) (*e2eid.Device, error) {
	us, err := m.userStateFor(userID)
	if err != nil {
		return nil, err
	}
	us.mtx.Lock()
	defer us.mtx.Unlock()
	dev, ok := us.devices[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *dev
	cp.Trust = m.effectiveTrustLocked(us, dev)
	return &cp, nil
}

// AddDevice records a device identity observed out of band (for tests
// and bootstrap). Normal ingestion happens through key query responses.
func (m *Machine) AddDevice(identity *e2eid.PublicDeviceIdentity, algorithms []string) error {
	if err := m.checkUsable(); err != nil {
		return err
	}
	us, err := m.userStateFor(identity.UserID)
	if err != nil {
		return err
	}
	us.mtx.Lock()
	defer us.mtx.Unlock()
	us.derived = nil
	return m.ingestDeviceLocked(us, &wire.QueriedDevice{Identity: *identity})
}
