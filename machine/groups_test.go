package machine

import (
	"testing"

	"github.com/selkie-im/selkie/config"
	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/internal/assert"
	"github.com/selkie-im/selkie/wire"
)

// shareRoom sets up a's outbound session for room and delivers its key
// to b.
func shareRoom(t *testing.T, n *testNet, a, b *testPeer, room e2eid.ShortID) e2eid.ShortID {
	t.Helper()
	sid, err := a.m.GetOrRotateOutbound(room, []e2eid.ShortID{b.id.DeviceID})
	assert.NilErr(t, err)
	assert.NilErr(t, a.m.ShareRoomKey(room, []*e2eid.Device{deviceOf(t, a, b)}))
	n.pump()
	return sid
}

func TestGroupRoundTrip(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	b := n.addPeer("bob", config.Policy{})
	n.introduce(a, b)
	establishPair(t, n, a, b)

	room := testUserID("room-1")
	shareRoom(t, n, a, b, room)

	msg, err := a.m.EncryptRoomEvent(room, []byte("group hello"))
	assert.NilErr(t, err)
	pt, err := b.m.DecryptRoomEvent(room, msg)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("group hello"))

	// Replay of the same index is rejected.
	_, err = b.m.DecryptRoomEvent(room, msg)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestGroupWatermarkIsMonotonic(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	b := n.addPeer("bob", config.Policy{})
	n.introduce(a, b)
	establishPair(t, n, a, b)

	room := testUserID("room-wm")
	shareRoom(t, n, a, b, room)

	first, err := a.m.EncryptRoomEvent(room, []byte("one"))
	assert.NilErr(t, err)
	second, err := a.m.EncryptRoomEvent(room, []byte("two"))
	assert.NilErr(t, err)

	// Decrypting out of order moves the watermark past the older
	// message for good.
	pt, err := b.m.DecryptRoomEvent(room, second)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("two"))
	_, err = b.m.DecryptRoomEvent(room, first)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestGroupRotationByMessageCount(t *testing.T) {
	pol := config.DefaultPolicy()
	pol.RotationMaxMessages = 2
	n := newTestNet(t)
	a := n.addPeer("alice", pol)

	room := testUserID("room-count")
	members := []e2eid.ShortID{testUserID("bob-dev")}
	sid1, err := a.m.GetOrRotateOutbound(room, members)
	assert.NilErr(t, err)

	_, err = a.m.EncryptRoomEvent(room, []byte("1"))
	assert.NilErr(t, err)
	_, err = a.m.EncryptRoomEvent(room, []byte("2"))
	assert.NilErr(t, err)

	sid2, err := a.m.GetOrRotateOutbound(room, members)
	assert.NilErr(t, err)
	assert.BoolIs(t, sid1 == sid2, false)
}

func TestGroupRotationByAge(t *testing.T) {
	pol := config.DefaultPolicy()
	pol.RotationMaxAge = 10
	n := newTestNet(t)
	a := n.addPeer("alice", pol)

	room := testUserID("room-age")
	sid1, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)

	a.m.AdvanceTime(9)
	sid2, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)
	assert.BoolIs(t, sid1 == sid2, true)

	a.m.AdvanceTime(10)
	sid3, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)
	assert.BoolIs(t, sid1 == sid3, false)
}

func TestGroupRotationOnMemberLoss(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})

	room := testUserID("room-members")
	devB, devC := testUserID("dev-b"), testUserID("dev-c")
	sid1, err := a.m.GetOrRotateOutbound(room, []e2eid.ShortID{devB, devC})
	assert.NilErr(t, err)

	// A grown member set keeps the session.
	sid2, err := a.m.GetOrRotateOutbound(room, []e2eid.ShortID{devB, devC, testUserID("dev-d")})
	assert.NilErr(t, err)
	assert.BoolIs(t, sid1 == sid2, true)

	// A shrunk one rotates so the removed device cannot read on.
	sid3, err := a.m.GetOrRotateOutbound(room, []e2eid.ShortID{devB})
	assert.NilErr(t, err)
	assert.BoolIs(t, sid1 == sid3, false)
}

func TestGroupInvalidateForcesRotation(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})

	room := testUserID("room-inval")
	sid1, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)
	assert.NilErr(t, a.m.InvalidateOutbound(room))
	sid2, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)
	assert.BoolIs(t, sid1 == sid2, false)
}

func TestShareSkipsBlacklistedDevice(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	b := n.addPeer("bob", config.Policy{})
	n.introduce(a, b)
	establishPair(t, n, a, b)

	room := testUserID("room-blacklist")
	assert.NilErr(t, a.m.SetDeviceTrust(b.id.UserID, b.id.DeviceID,
		e2eid.TrustBlacklisted))
	_, err := a.m.GetOrRotateOutbound(room, []e2eid.ShortID{b.id.DeviceID})
	assert.NilErr(t, err)
	assert.NilErr(t, a.m.ShareRoomKey(room, []*e2eid.Device{deviceOf(t, a, b)}))
	n.pump()

	msg, err := a.m.EncryptRoomEvent(room, []byte("secret"))
	assert.NilErr(t, err)
	_, err = b.m.DecryptRoomEvent(room, msg)
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestShareOnlyToVerifiedPolicy(t *testing.T) {
	pol := config.DefaultPolicy()
	pol.OnlyShareToVerified = true
	n := newTestNet(t)
	a := n.addPeer("alice", pol)
	b := n.addPeer("bob", config.Policy{})
	n.introduce(a, b)
	establishPair(t, n, a, b)

	room := testUserID("room-verified")
	_, err := a.m.GetOrRotateOutbound(room, []e2eid.ShortID{b.id.DeviceID})
	assert.NilErr(t, err)

	// Unverified: skipped.
	assert.NilErr(t, a.m.ShareRoomKey(room, []*e2eid.Device{deviceOf(t, a, b)}))
	n.pump()
	msg, err := a.m.EncryptRoomEvent(room, []byte("secret"))
	assert.NilErr(t, err)
	_, err = b.m.DecryptRoomEvent(room, msg)
	assert.ErrorIs(t, err, ErrUnknownSession)

	// Verified: shared on the next call.
	assert.NilErr(t, a.m.SetDeviceTrust(b.id.UserID, b.id.DeviceID,
		e2eid.TrustVerified))
	assert.NilErr(t, a.m.ShareRoomKey(room, []*e2eid.Device{deviceOf(t, a, b)}))
	n.pump()
	msg, err = a.m.EncryptRoomEvent(room, []byte("secret2"))
	assert.NilErr(t, err)
	pt, err := b.m.DecryptRoomEvent(room, msg)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("secret2"))
}

func TestUnknownSessionQueuesKeyRequest(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	b := n.addPeer("bob", config.Policy{})

	room := testUserID("room-unknown")
	_, err := a.m.GetOrRotateOutbound(room, nil)
	assert.NilErr(t, err)
	msg, err := a.m.EncryptRoomEvent(room, []byte("x"))
	assert.NilErr(t, err)

	countSends := func() int {
		reqs, err := b.m.OutgoingRequests()
		assert.NilErr(t, err)
		var sends int
		for _, r := range reqs {
			if r.Kind == wire.RequestToDeviceSend {
				sends++
			}
		}
		return sends
	}

	_, err = b.m.DecryptRoomEvent(room, msg)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.DeepEqual(t, countSends(), 1)

	// Outstanding requests are not duplicated.
	_, err = b.m.DecryptRoomEvent(room, msg)
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.DeepEqual(t, countSends(), 1)
}

func TestInboundSessionSurvivesRestart(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	b := n.addPeer("bob", config.Policy{})
	n.introduce(a, b)
	establishPair(t, n, a, b)

	room := testUserID("room-restart")
	shareRoom(t, n, a, b, room)
	first, err := a.m.EncryptRoomEvent(room, []byte("one"))
	assert.NilErr(t, err)
	pt, err := b.m.DecryptRoomEvent(room, first)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("one"))

	m2, err := New(Config{DB: b.db, UserID: b.id.UserID})
	assert.NilErr(t, err)

	// The watermark survives too: the old message stays rejected.
	_, err = m2.DecryptRoomEvent(room, first)
	assert.ErrorIs(t, err, ErrReplayDetected)
	second, err := a.m.EncryptRoomEvent(room, []byte("two"))
	assert.NilErr(t, err)
	pt, err = m2.DecryptRoomEvent(room, second)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pt, []byte("two"))
}
