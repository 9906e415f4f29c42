package machine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/selkie-im/selkie/config"
	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/internal/assert"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/wire"
)

var testAlgorithms = []string{"pairwise-ratchet-v1", "group-ratchet-v1"}

func testUserID(name string) e2eid.ShortID {
	return e2eid.ShortIDFromBytes([]byte(name))
}

type testPeer struct {
	db cryptodb.Store
	m  *Machine
	id e2eid.PublicDeviceIdentity
}

// testNet plays the server side of the protocol for tests: it drains
// each peer's outgoing queue, answers key uploads, claims and queries,
// and routes to-device events into the recipients' sync feeds.
type testNet struct {
	t       *testing.T
	peers   []*testPeer
	uploads map[e2eid.ShortID][]wire.PublicOneTimeKey
	inbox   map[e2eid.ShortID][]wire.ToDeviceEvent
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{
		t:       t,
		uploads: make(map[e2eid.ShortID][]wire.PublicOneTimeKey),
		inbox:   make(map[e2eid.ShortID][]wire.ToDeviceEvent),
	}
}

func (n *testNet) addPeer(user string, pol config.Policy) *testPeer {
	return n.addPeerWithStore(user, pol, cryptodb.NewMemDB())
}

func (n *testNet) addPeerWithStore(user string, pol config.Policy, db cryptodb.Store) *testPeer {
	n.t.Helper()
	m, err := New(Config{DB: db, UserID: testUserID(user), Policy: pol})
	assert.NilErr(n.t, err)
	p := &testPeer{db: db, m: m, id: m.Identity()}
	n.peers = append(n.peers, p)
	n.flush(p)
	return p
}

// introduce registers both peers' device identities with each other.
func (n *testNet) introduce(a, b *testPeer) {
	n.t.Helper()
	assert.NilErr(n.t, a.m.AddDevice(&b.id, testAlgorithms))
	assert.NilErr(n.t, b.m.AddDevice(&a.id, testAlgorithms))
}

// flush drains p's outgoing queue, answering every request.
func (n *testNet) flush(p *testPeer) {
	n.t.Helper()
	for i := 0; i < 10; i++ {
		reqs, err := p.m.OutgoingRequests()
		assert.NilErr(n.t, err)
		if len(reqs) == 0 {
			return
		}
		for _, req := range reqs {
			n.answer(p, req)
		}
	}
	n.t.Fatal("outgoing queue did not drain")
}

func (n *testNet) answer(p *testPeer, req *wire.OutgoingRequest) {
	t := n.t
	t.Helper()
	body, err := wire.DecodeBody(req)
	assert.NilErr(t, err)

	switch b := body.(type) {
	case *wire.KeyUploadRequest:
		dev := b.Identity.DeviceID
		n.uploads[dev] = append(n.uploads[dev], b.OneTimeKeys...)
		err = p.m.MarkRequestAsSent(req.ID, &wire.KeyUploadResponse{
			OneTimeKeyCount: len(n.uploads[dev]),
		})
		assert.NilErr(t, err)

	case *wire.KeyClaimRequest:
		resp := new(wire.KeyClaimResponse)
		for _, c := range b.Claims {
			avail := n.uploads[c.DeviceID]
			if len(avail) == 0 {
				continue
			}
			k := avail[0]
			n.uploads[c.DeviceID] = avail[1:]
			resp.Keys = append(resp.Keys, wire.ClaimedKey{
				UserID:   c.UserID,
				DeviceID: c.DeviceID,
				KeyID:    k.ID,
				Key:      k.Key,
			})
		}
		assert.NilErr(t, p.m.MarkRequestAsSent(req.ID, resp))

	case *wire.ToDeviceSendRequest:
		for _, ae := range b.Events {
			n.route(p, ae)
		}
		assert.NilErr(t, p.m.MarkRequestAsSent(req.ID, nil))

	case *wire.KeyQueryRequest:
		resp := new(wire.KeyQueryResponse)
		for _, u := range b.Users {
			for _, peer := range n.peers {
				if peer.id.UserID == u {
					resp.Devices = append(resp.Devices, wire.QueriedDevice{
						Identity:   peer.id,
						Algorithms: testAlgorithms,
					})
				}
			}
		}
		assert.NilErr(t, p.m.MarkRequestAsSent(req.ID, resp))

	default:
		t.Fatalf("unhandled request body %T", body)
	}
}

// route places an addressed event into the target inboxes. A zero
// device id addresses every device of the user except the sender's.
func (n *testNet) route(from *testPeer, ae wire.AddressedEvent) {
	if ae.DeviceID != (e2eid.ShortID{}) {
		n.inbox[ae.DeviceID] = append(n.inbox[ae.DeviceID], ae.Event)
		return
	}
	for _, p := range n.peers {
		if p.id.UserID == ae.UserID && p.id.DeviceID != from.id.DeviceID {
			n.inbox[p.id.DeviceID] = append(n.inbox[p.id.DeviceID], ae.Event)
		}
	}
}

// deliver feeds p's pending events through its sync pipeline.
func (n *testNet) deliver(p *testPeer) []ProcessedEvent {
	n.t.Helper()
	evs := n.inbox[p.id.DeviceID]
	n.inbox[p.id.DeviceID] = nil
	if len(evs) == 0 {
		return nil
	}
	res, err := p.m.ReceiveSyncChanges(evs, nil, -1)
	assert.NilErr(n.t, err)
	return res
}

// pump exchanges traffic between all peers until quiescent.
func (n *testNet) pump() {
	for i := 0; i < 6; i++ {
		for _, p := range n.peers {
			n.flush(p)
		}
		for _, p := range n.peers {
			n.deliver(p)
		}
	}
}

// deviceOf returns from's record of target's device.
func deviceOf(t *testing.T, from, target *testPeer) *e2eid.Device {
	t.Helper()
	devs, err := from.m.Devices(target.id.UserID)
	assert.NilErr(t, err)
	for i := range devs {
		if devs[i].DeviceID == target.id.DeviceID {
			return &devs[i]
		}
	}
	t.Fatalf("device %s not tracked", target.id.DeviceID)
	return nil
}

// establishPair runs the claim flow until a holds a sending session to
// b and b has decrypted a first message over it.
func establishPair(t *testing.T, n *testNet, a, b *testPeer) {
	t.Helper()
	dev := deviceOf(t, a, b)
	_, err := a.m.EncryptToDevice(dev, []byte("hello"))
	assert.ErrorIs(t, err, ErrNoSessionAvailable)
	n.flush(a)

	payload, err := a.m.EncryptToDevice(dev, []byte("hello"))
	assert.NilErr(t, err)
	pt, err := b.m.DecryptToDevice(a.id.UserID, a.id.DeviceID, payload)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("hello"))
}

func TestNewMintsIdentity(t *testing.T) {
	db := cryptodb.NewMemDB()
	user := testUserID("alice")
	m, err := New(Config{DB: db, UserID: user})
	assert.NilErr(t, err)

	reqs, err := m.OutgoingRequests()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(reqs), 1)
	assert.DeepEqual(t, reqs[0].Kind, wire.RequestKeyUpload)

	body, err := wire.DecodeBody(reqs[0])
	assert.NilErr(t, err)
	upload := body.(*wire.KeyUploadRequest)
	assert.DeepEqual(t, upload.Identity.UserID, user)
	assert.DeepEqual(t, len(upload.OneTimeKeys),
		int(config.DefaultPolicy().OneTimeKeyTarget))
	assert.BoolIs(t, upload.FallbackKey != nil, true)
	assert.NilErr(t, e2eid.VerifyIdentity(&upload.Identity))
}

func TestNewReloadsIdentity(t *testing.T) {
	db := cryptodb.NewMemDB()
	user := testUserID("alice")
	m1, err := New(Config{DB: db, UserID: user})
	assert.NilErr(t, err)

	m2, err := New(Config{DB: db, UserID: user})
	assert.NilErr(t, err)
	assert.DeepEqual(t, m2.Identity().DeviceID, m1.Identity().DeviceID)

	// The unacked upload survives the restart.
	reqs, err := m2.OutgoingRequests()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(reqs), 1)

	// A store holding someone else's identity is rejected.
	_, err = New(Config{DB: db, UserID: testUserID("bob")})
	assert.NonNilErr(t, err)
}

func TestAckIsIdempotent(t *testing.T) {
	db := cryptodb.NewMemDB()
	m, err := New(Config{DB: db, UserID: testUserID("alice")})
	assert.NilErr(t, err)

	reqs, err := m.OutgoingRequests()
	assert.NilErr(t, err)
	id := reqs[0].ID

	assert.NilErr(t, m.MarkRequestAsSent(id, nil))
	assert.NilErr(t, m.MarkRequestAsSent(id, nil)) // retry of the same ack
	assert.NilErr(t, m.MarkRequestAsSent(uuid.New(), nil))

	reqs, err = m.OutgoingRequests()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(reqs), 0)

	// An acked request must not resurrect across restarts.
	m2, err := New(Config{DB: db, UserID: testUserID("alice")})
	assert.NilErr(t, err)
	reqs, err = m2.OutgoingRequests()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(reqs), 0)
}

func TestOneTimeKeyReplenish(t *testing.T) {
	n := newTestNet(t)
	p := n.addPeer("alice", config.Policy{})

	// The server reports a key count below the threshold.
	_, err := p.m.ReceiveSyncChanges(nil, nil, 10)
	assert.NilErr(t, err)

	reqs, err := p.m.OutgoingRequests()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(reqs), 1)
	assert.DeepEqual(t, reqs[0].Kind, wire.RequestKeyUpload)

	body, err := wire.DecodeBody(reqs[0])
	assert.NilErr(t, err)
	pol := config.DefaultPolicy()
	assert.DeepEqual(t, len(body.(*wire.KeyUploadRequest).OneTimeKeys),
		int(pol.OneTimeKeyTarget)-10)

	// A count at or above the threshold changes nothing.
	n.flush(p)
	_, err = p.m.ReceiveSyncChanges(nil, nil, int(pol.OneTimeKeyThreshold))
	assert.NilErr(t, err)
	reqs, err = p.m.OutgoingRequests()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(reqs), 0)
}

func TestAdvanceTimeNeverMovesBackwards(t *testing.T) {
	m, err := New(Config{DB: cryptodb.NewMemDB(), UserID: testUserID("alice")})
	assert.NilErr(t, err)

	m.AdvanceTime(10)
	assert.DeepEqual(t, m.Now(), int64(10))
	m.AdvanceTime(5)
	assert.DeepEqual(t, m.Now(), int64(10))
	m.AdvanceTime(11)
	assert.DeepEqual(t, m.Now(), int64(11))
}

// flakyStore fails identity saves on demand.
type flakyStore struct {
	*cryptodb.MemDB
	failIdentitySaves bool
}

func (s *flakyStore) SaveIdentity(id *e2eid.FullIdentity) error {
	if s.failIdentitySaves {
		return errors.New("disk full")
	}
	return s.MemDB.SaveIdentity(id)
}

func TestIdentityPersistFailurePoisons(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	store := &flakyStore{MemDB: cryptodb.NewMemDB()}
	b := n.addPeerWithStore("bob", config.Policy{}, store)
	n.introduce(a, b)

	dev := deviceOf(t, a, b)
	_, err := a.m.EncryptToDevice(dev, []byte("x"))
	assert.ErrorIs(t, err, ErrNoSessionAvailable)
	n.flush(a)
	payload, err := a.m.EncryptToDevice(dev, []byte("x"))
	assert.NilErr(t, err)

	// The pre-key message consumes one of b's one-time keys; when that
	// consumption cannot be persisted the machine must stop.
	store.failIdentitySaves = true
	_, err = b.m.DecryptToDevice(a.id.UserID, a.id.DeviceID, payload)
	assert.ErrorIs(t, err, ErrMachinePoisoned)

	_, err = b.m.OutgoingRequests()
	assert.ErrorIs(t, err, ErrMachinePoisoned)
	_, err = b.m.EncryptToDevice(deviceOf(t, a, b), []byte("x"))
	assert.ErrorIs(t, err, ErrMachinePoisoned)
}

func TestStoreFailureSurfaces(t *testing.T) {
	db := cryptodb.NewMemDB()
	m, err := New(Config{DB: db, UserID: testUserID("alice")})
	assert.NilErr(t, err)

	db.FailNext(errors.New("transient"))
	err = m.InvalidateOutbound(testUserID("room"))
	// No session exists yet, so the failing load surfaces as a typed
	// store failure and the machine stays usable.
	assert.ErrorIs(t, err, StoreFailure{})
	assert.NilErr(t, m.checkUsable())
}

func TestConcurrentRoomEncrypt(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	room := testUserID("room-concurrent")
	_, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < 40; i++ {
				if _, err := a.m.EncryptRoomEvent(room, []byte("x")); err != nil {
					return err
				}
				a.m.AdvanceTime(int64(w*40 + i))
				if _, err := a.m.OutgoingRequests(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	assert.NilErr(t, eg.Wait())
}

// TestFileBackedStore runs a peer on a FileDB instead of a MemDB and
// restarts it, exercising the whole persistence surface on disk.
func TestFileBackedStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	root := t.TempDir()
	fdb, err := cryptodb.NewFileDB(ctx, root, nil)
	assert.NilErr(t, err)

	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	b := n.addPeerWithStore("bob", config.Policy{}, fdb)
	n.introduce(a, b)
	establishPair(t, n, a, b)

	room := testUserID("room-disk")
	_, err = b.m.GetOrRotateOutbound(room, []e2eid.ShortID{a.id.DeviceID})
	assert.NilErr(t, err)
	assert.NilErr(t, b.m.ShareRoomKey(room, []*e2eid.Device{deviceOf(t, b, a)}))
	n.pump()
	ct, err := b.m.EncryptRoomEvent(room, []byte("on disk"))
	assert.NilErr(t, err)

	assert.NilErr(t, fdb.Close())
	fdb2, err := cryptodb.NewFileDB(ctx, root, nil)
	assert.NilErr(t, err)
	defer fdb2.Close()

	m2, err := New(Config{DB: fdb2, UserID: b.id.UserID})
	assert.NilErr(t, err)
	assert.DeepEqual(t, m2.Identity().DeviceID, b.id.DeviceID)

	// The restarted machine still holds its own outbound session's
	// inbound copy and decrypts the pre-restart message.
	pt, err := a.m.DecryptRoomEvent(room, ct)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("on disk"))
	ct2, err := m2.EncryptRoomEvent(room, []byte("again"))
	assert.NilErr(t, err)
	pt2, err := a.m.DecryptRoomEvent(room, ct2)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt2, []byte("again"))
}
