package cryptodb

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/groupratchet"
	"github.com/selkie-im/selkie/wire"
)

func newTestFileDB(t *testing.T) *FileDB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := NewFileDB(ctx, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFileDBReopenKeepsRecords(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := NewFileDB(ctx, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.LoadIdentity(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store returned identity: %v", err)
	}

	id, err := e2eid.New(e2eid.RandomShortID())
	if err != nil {
		t.Fatal(err)
	}
	if err := db.SaveIdentity(id); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := NewFileDB(ctx, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	loaded, err := db2.LoadIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Public.Key != id.Public.Key {
		t.Fatal("identity key changed across reopen")
	}
	if loaded.PrivateKey != id.PrivateKey {
		t.Fatal("private key changed across reopen")
	}
}

func TestFileDBLocksRoot(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := NewFileDB(ctx, root, nil)
	if err != nil {
		t.Fatal(err)
	}

	// A second open on the same root must give up once its context
	// expires.
	shortCtx, shortCancel := context.WithTimeout(context.Background(),
		50*time.Millisecond)
	_, err = NewFileDB(shortCtx, root, nil)
	shortCancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("concurrent open did not time out: %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	db2, err := NewFileDB(ctx, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	db2.Close()
}

func TestFileDBInboundEnumeration(t *testing.T) {
	db := newTestFileDB(t)

	roomA := e2eid.RandomShortID()
	roomB := e2eid.RandomShortID()
	for _, room := range []e2eid.ShortID{roomA, roomA, roomB} {
		out, err := groupratchet.NewOutbound(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		err = db.SaveInboundGroupSession(&InboundGroupSession{
			RoomID:    room,
			Export:    *out.Export(),
			Watermark: -1,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.InboundGroupSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("enumerated %d sessions, want 3", len(all))
	}
	var inA int
	for _, s := range all {
		if s.RoomID == roomA {
			inA++
		}
		if s.Watermark != -1 {
			t.Fatal("watermark changed across round trip")
		}
	}
	if inA != 2 {
		t.Fatalf("room A holds %d sessions, want 2", inA)
	}
}

func TestFileDBPairwiseKeying(t *testing.T) {
	db := newTestFileDB(t)

	peer := e2eid.RandomShortID()
	other := e2eid.RandomShortID()
	for i := 0; i < 2; i++ {
		err := db.SavePairwiseSession(&PairwiseSession{
			SessionID:  e2eid.RandomShortID(),
			PeerDevice: peer,
			LastUsed:   int64(i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	sess, err := db.PairwiseSessions(peer)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess) != 2 {
		t.Fatalf("peer holds %d sessions, want 2", len(sess))
	}
	sess, err = db.PairwiseSessions(other)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess) != 0 {
		t.Fatal("sessions leaked across peers")
	}
}

// Request ids arrive from the wire and may hold anything, including
// path separators. They must not be able to escape the store dir.
func TestFileDBHostileRequestIDs(t *testing.T) {
	db := newTestFileDB(t)

	ids := []string{"plain", "../../../etc/passwd", "a/b/c", "", "\x00\xff"}
	for _, id := range ids {
		kr := &KeyRequest{RequestID: id, Incoming: true}
		if err := db.SaveKeyRequest(kr); err != nil {
			t.Fatalf("save %q: %v", id, err)
		}
		loaded, err := db.LoadKeyRequest(id)
		if err != nil {
			t.Fatalf("load %q: %v", id, err)
		}
		if loaded.RequestID != id {
			t.Fatalf("id changed across round trip: %q", loaded.RequestID)
		}
	}

	all, err := db.KeyRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(ids) {
		t.Fatalf("enumerated %d entries, want %d", len(all), len(ids))
	}
}

func TestFileDBMissingDeletesAreNoOps(t *testing.T) {
	db := newTestFileDB(t)

	if err := db.DeleteDevice(e2eid.RandomShortID(), e2eid.RandomShortID()); err != nil {
		t.Fatal(err)
	}
	req, err := wire.NewOutgoingRequest(wire.RequestKeyQuery,
		&wire.KeyQueryRequest{Users: []e2eid.ShortID{e2eid.RandomShortID()}})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteOutgoingRequest(req.ID); err != nil {
		t.Fatal(err)
	}
}
