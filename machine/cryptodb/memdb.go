package cryptodb

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/wire"
)

type deviceKey struct {
	user   e2eid.ShortID
	device e2eid.ShortID
}

type groupKey struct {
	room    e2eid.ShortID
	session e2eid.ShortID
}

// MemDB is an in-memory Store. Records are kept in their JSON encoding
// so loads always return independent copies, the same isolation a
// file-backed store provides.
type MemDB struct {
	mtx      sync.Mutex
	identity []byte
	pairwise map[e2eid.ShortID]map[e2eid.ShortID][]byte // peer device -> session id -> record
	outbound map[e2eid.ShortID][]byte
	inbound  map[groupKey][]byte
	devices  map[deviceKey][]byte
	masters  map[e2eid.ShortID][]byte
	outgoing map[uuid.UUID][]byte
	keyreqs  map[string][]byte
	failNext error
}

var _ Store = (*MemDB)(nil)

// NewMemDB returns an empty in-memory store.
func NewMemDB() *MemDB {
	return &MemDB{
		pairwise: make(map[e2eid.ShortID]map[e2eid.ShortID][]byte),
		outbound: make(map[e2eid.ShortID][]byte),
		inbound:  make(map[groupKey][]byte),
		devices:  make(map[deviceKey][]byte),
		masters:  make(map[e2eid.ShortID][]byte),
		outgoing: make(map[uuid.UUID][]byte),
		keyreqs:  make(map[string][]byte),
	}
}

// FailNext makes the next store operation return err instead of
// succeeding. Used by tests to exercise storage failure paths.
func (db *MemDB) FailNext(err error) {
	db.mtx.Lock()
	db.failNext = err
	db.mtx.Unlock()
}

func (db *MemDB) takeFailure() error {
	err := db.failNext
	db.failNext = nil
	return err
}

func put[K comparable](m map[K][]byte, k K, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[k] = raw
	return nil
}

func get[K comparable, V any](m map[K][]byte, k K) (*V, error) {
	raw, ok := m[k]
	if !ok {
		return nil, ErrNotFound
	}
	v := new(V)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (db *MemDB) SaveIdentity(id *e2eid.FullIdentity) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	db.identity = raw
	return nil
}

func (db *MemDB) LoadIdentity() (*e2eid.FullIdentity, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	if db.identity == nil {
		return nil, ErrNotFound
	}
	id := new(e2eid.FullIdentity)
	if err := json.Unmarshal(db.identity, id); err != nil {
		return nil, err
	}
	return id, nil
}

func (db *MemDB) SavePairwiseSession(s *PairwiseSession) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	byID := db.pairwise[s.PeerDevice]
	if byID == nil {
		byID = make(map[e2eid.ShortID][]byte)
		db.pairwise[s.PeerDevice] = byID
	}
	return put(byID, s.SessionID, s)
}

func (db *MemDB) PairwiseSessions(peerDevice e2eid.ShortID) ([]*PairwiseSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	byID := db.pairwise[peerDevice]
	res := make([]*PairwiseSession, 0, len(byID))
	for id := range byID {
		s, err := get[e2eid.ShortID, PairwiseSession](byID, id)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (db *MemDB) SaveOutboundGroupSession(s *OutboundGroupSession) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	return put(db.outbound, s.RoomID, s)
}

func (db *MemDB) LoadOutboundGroupSession(roomID e2eid.ShortID) (*OutboundGroupSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	return get[e2eid.ShortID, OutboundGroupSession](db.outbound, roomID)
}

func (db *MemDB) SaveInboundGroupSession(s *InboundGroupSession) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	k := groupKey{room: s.RoomID, session: s.Export.SessionID}
	return put(db.inbound, k, s)
}

func (db *MemDB) LoadInboundGroupSession(roomID, sessionID e2eid.ShortID) (*InboundGroupSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	return get[groupKey, InboundGroupSession](db.inbound,
		groupKey{room: roomID, session: sessionID})
}

func (db *MemDB) InboundGroupSessions() ([]*InboundGroupSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	res := make([]*InboundGroupSession, 0, len(db.inbound))
	for k := range db.inbound {
		s, err := get[groupKey, InboundGroupSession](db.inbound, k)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

func (db *MemDB) SaveDevice(d *e2eid.Device) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	return put(db.devices, deviceKey{user: d.UserID, device: d.DeviceID}, d)
}

func (db *MemDB) UserDevices(userID e2eid.ShortID) ([]*e2eid.Device, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	var res []*e2eid.Device
	for k := range db.devices {
		if k.user != userID {
			continue
		}
		d, err := get[deviceKey, e2eid.Device](db.devices, k)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, nil
}

func (db *MemDB) DeleteDevice(userID, deviceID e2eid.ShortID) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	delete(db.devices, deviceKey{user: userID, device: deviceID})
	return nil
}

func (db *MemDB) SaveMasterKey(mk *MasterKey) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	return put(db.masters, mk.UserID, mk)
}

func (db *MemDB) LoadMasterKey(userID e2eid.ShortID) (*MasterKey, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	return get[e2eid.ShortID, MasterKey](db.masters, userID)
}

func (db *MemDB) SaveOutgoingRequest(r *wire.OutgoingRequest) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	return put(db.outgoing, r.ID, r)
}

func (db *MemDB) DeleteOutgoingRequest(id uuid.UUID) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	delete(db.outgoing, id)
	return nil
}

func (db *MemDB) OutgoingRequests() ([]*wire.OutgoingRequest, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	res := make([]*wire.OutgoingRequest, 0, len(db.outgoing))
	for id := range db.outgoing {
		r, err := get[uuid.UUID, wire.OutgoingRequest](db.outgoing, id)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

func (db *MemDB) SaveKeyRequest(kr *KeyRequest) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return err
	}
	return put(db.keyreqs, kr.RequestID, kr)
}

func (db *MemDB) LoadKeyRequest(requestID string) (*KeyRequest, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	return get[string, KeyRequest](db.keyreqs, requestID)
}

func (db *MemDB) KeyRequests() ([]*KeyRequest, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if err := db.takeFailure(); err != nil {
		return nil, err
	}
	res := make([]*KeyRequest, 0, len(db.keyreqs))
	for id := range db.keyreqs {
		kr, err := get[string, KeyRequest](db.keyreqs, id)
		if err != nil {
			return nil, err
		}
		res = append(res, kr)
	}
	return res, nil
}
