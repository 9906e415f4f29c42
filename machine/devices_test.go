package machine

import (
	"testing"

	"github.com/selkie-im/selkie/config"
	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/internal/assert"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/wire"
)

func TestDeviceListChangeQueuesQuery(t *testing.T) {
	n := newTestNet(t)
	a := n.addPeer("alice", config.Policy{})
	bobUser := testUserID("bob")

	countQueries := func() int {
		reqs, err := a.m.OutgoingRequests()
		assert.NilErr(t, err)
		var q int
		for _, r := range reqs {
			if r.Kind == wire.RequestKeyQuery {
				q++
			}
		}
		return q
	}

	_, err := a.m.ReceiveSyncChanges(nil, []e2eid.ShortID{bobUser}, -1)
	assert.NilErr(t, err)
	assert.DeepEqual(t, countQueries(), 1)

	// A second signal while the query is in flight is deduplicated.
	_, err = a.m.ReceiveSyncChanges(nil, []e2eid.ShortID{bobUser}, -1)
	assert.NilErr(t, err)
	assert.DeepEqual(t, countQueries(), 1)

	// Once answered, the next signal queries again.
	n.flush(a)
	_, err = a.m.ReceiveSyncChanges(nil, []e2eid.ShortID{bobUser}, -1)
	assert.NilErr(t, err)
	assert.DeepEqual(t, countQueries(), 1)
}

func TestKeyQueryIngestsAndDropsDevices(t *testing.T) {
	a, err := New(Config{DB: cryptodb.NewMemDB(), UserID: testUserID("alice")})
	assert.NilErr(t, err)

	bobUser := testUserID("bob")
	d1 := e2eid.MustNew(bobUser)
	d2 := e2eid.MustNew(bobUser)

	resp := &wire.KeyQueryResponse{Devices: []wire.QueriedDevice{
		{Identity: d1.Public, Algorithms: testAlgorithms},
		{Identity: d2.Public, Algorithms: testAlgorithms},
	}}
	assert.NilErr(t, a.applyKeyQueryResponse([]e2eid.ShortID{bobUser}, resp))
	devs, err := a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(devs), 2)

	// A record with a tampered key fails its self-signature and is
	// rejected; the previously ingested record stays untouched.
	bad := d2.Public
	bad.Key = d1.Public.Key
	resp = &wire.KeyQueryResponse{Devices: []wire.QueriedDevice{
		{Identity: d1.Public, Algorithms: testAlgorithms},
		{Identity: bad, Algorithms: testAlgorithms},
	}}
	assert.NilErr(t, a.applyKeyQueryResponse([]e2eid.ShortID{bobUser}, resp))
	devs, err = a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(devs), 2)
	for _, d := range devs {
		if d.DeviceID == d2.Public.DeviceID {
			assert.DeepEqual(t, d.Key, d2.Public.Key)
		}
	}

	// A device absent from a later response is dropped.
	resp = &wire.KeyQueryResponse{Devices: []wire.QueriedDevice{
		{Identity: d1.Public, Algorithms: testAlgorithms},
	}}
	assert.NilErr(t, a.applyKeyQueryResponse([]e2eid.ShortID{bobUser}, resp))
	devs, err = a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(devs), 1)
	assert.DeepEqual(t, devs[0].DeviceID, d1.Public.DeviceID)
}

func TestCrossSigningTrustDerivation(t *testing.T) {
	a, err := New(Config{DB: cryptodb.NewMemDB(), UserID: testUserID("alice")})
	assert.NilErr(t, err)

	bobUser := testUserID("bob")
	master := e2eid.MustNew(bobUser)
	master.EnableCrossSigning()
	dev := e2eid.MustNew(bobUser)
	sig, err := master.CrossSignDevice(&dev.Public)
	assert.NilErr(t, err)

	resp := &wire.KeyQueryResponse{
		Devices: []wire.QueriedDevice{{
			Identity:        dev.Public,
			Algorithms:      testAlgorithms,
			MasterSignature: &sig,
		}},
		MasterKeys: []wire.MasterKey{{UserID: bobUser, Key: master.MasterSigKey}},
	}
	assert.NilErr(t, a.applyKeyQueryResponse([]e2eid.ShortID{bobUser}, resp))

	// An unverified master key derives nothing.
	devs, err := a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, devs[0].Trust, e2eid.TrustUnset)

	// Verifying the master key verifies every device it signed.
	assert.NilErr(t, a.SetMasterKeyVerified(bobUser, true))
	devs, err = a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, devs[0].Trust, e2eid.TrustVerified)

	// An explicit local decision always wins over derivation.
	assert.NilErr(t, a.SetDeviceTrust(bobUser, dev.Public.DeviceID,
		e2eid.TrustBlacklisted))
	devs, err = a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, devs[0].Trust, e2eid.TrustBlacklisted)
}

func TestReplacedMasterKeyVoidsVerification(t *testing.T) {
	a, err := New(Config{DB: cryptodb.NewMemDB(), UserID: testUserID("alice")})
	assert.NilErr(t, err)

	bobUser := testUserID("bob")
	oldMaster := e2eid.MustNew(bobUser)
	oldMaster.EnableCrossSigning()
	dev := e2eid.MustNew(bobUser)
	sig, err := oldMaster.CrossSignDevice(&dev.Public)
	assert.NilErr(t, err)

	resp := &wire.KeyQueryResponse{
		Devices: []wire.QueriedDevice{{
			Identity:        dev.Public,
			Algorithms:      testAlgorithms,
			MasterSignature: &sig,
		}},
		MasterKeys: []wire.MasterKey{{UserID: bobUser, Key: oldMaster.MasterSigKey}},
	}
	assert.NilErr(t, a.applyKeyQueryResponse([]e2eid.ShortID{bobUser}, resp))
	assert.NilErr(t, a.SetMasterKeyVerified(bobUser, true))

	// The user rotates the master key; trust in it does not carry over.
	newMaster := e2eid.MustNew(bobUser)
	newMaster.EnableCrossSigning()
	resp.MasterKeys = []wire.MasterKey{{UserID: bobUser, Key: newMaster.MasterSigKey}}
	assert.NilErr(t, a.applyKeyQueryResponse([]e2eid.ShortID{bobUser}, resp))

	devs, err := a.Devices(bobUser)
	assert.NilErr(t, err)
	assert.DeepEqual(t, devs[0].Trust, e2eid.TrustUnset)
}
