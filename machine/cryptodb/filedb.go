package cryptodb

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/google/uuid"
	"github.com/rogpeppe/go-internal/lockedfile"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/wire"
)

const (
	lockFileName     = "db.lock"
	identityFileName = "identity.json"
	pairwiseDir      = "pairwise"
	groupOutDir      = "groupout"
	groupInDir       = "groupin"
	devicesDir       = "devices"
	mastersDir       = "masters"
	outQueueDir      = "outqueue"
	keyReqsDir       = "keyreqs"
)

// FileDB is a Store backed by a directory of JSON files, one file per
// record. Every write goes through a temp file and a rename, so a crash
// leaves either the old record or the new one, never a torn file. A
// lock file guards the root dir against concurrent processes.
type FileDB struct {
	mtx  sync.Mutex
	root string
	log  slog.Logger
	lf   *lockedfile.File
}

var _ Store = (*FileDB)(nil)

// NewFileDB opens (creating if needed) the store rooted at root. The
// context bounds how long to wait for the dir lock when another process
// holds it. Close releases the lock.
func NewFileDB(ctx context.Context, root string, log slog.Logger) (*FileDB, error) {
	if log == nil {
		log = slog.Disabled
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create db root: %w", err)
	}

	lf, err := createLockFile(ctx, filepath.Join(root, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("unable to lock db dir %q: %w", root, err)
	}

	return &FileDB{root: root, log: log, lf: lf}, nil
}

// Close releases the dir lock. The store must not be used afterwards.
func (db *FileDB) Close() error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if db.lf == nil {
		return errors.New("db already closed")
	}
	err := db.lf.Close()
	db.lf = nil
	return err
}

// createLockFile opens the lock file, respecting the context deadline.
// lockedfile.Create blocks until the lock is free, so it runs on a
// separate goroutine and the file is cleaned up if the context wins.
func createLockFile(ctx context.Context, path string) (*lockedfile.File, error) {
	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(path)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Record the owner to ease debugging. Errors here are not
		// fatal.
		f.WriteString(fmt.Sprintf("PID=%d\n", os.Getpid()))
		return f, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The lock may still be acquired after the context is done,
		// so make sure it gets released if it ever is.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// writeJSON writes data to fname via a temp file in the same dir,
// fsyncs it and renames it over the final name.
func (db *FileDB) writeJSON(fname string, data interface{}) error {
	dir := filepath.Dir(fname)
	base := filepath.Base(fname)
	tempFname := filepath.Join(dir, "."+base+".new")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	f, err := os.Create(tempFname)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}

	// From this point on, there are no more early returns, so that the
	// temp file is removed in case of errors.

	enc := json.NewEncoder(f)
	err = enc.Encode(data)
	if err != nil {
		err = fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err == nil {
		err = f.Sync()
		if err != nil {
			err = fmt.Errorf("unable to fsync temp file: %w", err)
		}
	}
	if err == nil {
		err = f.Close()
		f = nil
		if err != nil {
			err = fmt.Errorf("unable to close temp file: %w", err)
		}
	}
	if err == nil {
		err = os.Rename(tempFname, fname)
		if err != nil {
			err = fmt.Errorf("unable to rename temp file to final file: %w", err)
		}
	}
	if err != nil {
		if f != nil {
			if closeErr := f.Close(); closeErr != nil {
				db.log.Warnf("Unable to close temp file prior to cleanup: %v", closeErr)
			}
		}
		if remErr := os.Remove(tempFname); remErr != nil {
			db.log.Warnf("Unable to remove temp file %s: %v", tempFname, remErr)
		}
	}

	return err
}

// readJSON decodes fname into data. Missing files map to ErrNotFound.
func (db *FileDB) readJSON(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("unable to open json file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(data); err != nil {
		return fmt.Errorf("unable to decode %q: %w", fname, err)
	}
	return nil
}

// readDirJSON decodes every record file directly under dir into values
// of type V. A missing dir yields an empty slice. Temp files (leading
// dot) are skipped.
func readDirJSON[V any](db *FileDB, dir string) ([]*V, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read dir %q: %w", dir, err)
	}

	res := make([]*V, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		v := new(V)
		if err := db.readJSON(filepath.Join(dir, entry.Name()), v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

func (db *FileDB) remove(fname string) error {
	err := os.Remove(fname)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (db *FileDB) SaveIdentity(id *e2eid.FullIdentity) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.writeJSON(filepath.Join(db.root, identityFileName), id)
}

func (db *FileDB) LoadIdentity() (*e2eid.FullIdentity, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	id := new(e2eid.FullIdentity)
	if err := db.readJSON(filepath.Join(db.root, identityFileName), id); err != nil {
		return nil, err
	}
	return id, nil
}

func (db *FileDB) SavePairwiseSession(s *PairwiseSession) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, pairwiseDir, s.PeerDevice.String(),
		s.SessionID.String()+".json")
	return db.writeJSON(fname, s)
}

func (db *FileDB) PairwiseSessions(peerDevice e2eid.ShortID) ([]*PairwiseSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	dir := filepath.Join(db.root, pairwiseDir, peerDevice.String())
	return readDirJSON[PairwiseSession](db, dir)
}

func (db *FileDB) SaveOutboundGroupSession(s *OutboundGroupSession) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, groupOutDir, s.RoomID.String()+".json")
	return db.writeJSON(fname, s)
}

func (db *FileDB) LoadOutboundGroupSession(roomID e2eid.ShortID) (*OutboundGroupSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	s := new(OutboundGroupSession)
	fname := filepath.Join(db.root, groupOutDir, roomID.String()+".json")
	if err := db.readJSON(fname, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *FileDB) SaveInboundGroupSession(s *InboundGroupSession) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, groupInDir, s.RoomID.String(),
		s.Export.SessionID.String()+".json")
	return db.writeJSON(fname, s)
}

func (db *FileDB) LoadInboundGroupSession(roomID, sessionID e2eid.ShortID) (*InboundGroupSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	s := new(InboundGroupSession)
	fname := filepath.Join(db.root, groupInDir, roomID.String(),
		sessionID.String()+".json")
	if err := db.readJSON(fname, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (db *FileDB) InboundGroupSessions() ([]*InboundGroupSession, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()

	dir := filepath.Join(db.root, groupInDir)
	rooms, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read dir %q: %w", dir, err)
	}

	var res []*InboundGroupSession
	for _, room := range rooms {
		if !room.IsDir() {
			continue
		}
		sessions, err := readDirJSON[InboundGroupSession](db,
			filepath.Join(dir, room.Name()))
		if err != nil {
			return nil, err
		}
		res = append(res, sessions...)
	}
	return res, nil
}

func (db *FileDB) SaveDevice(d *e2eid.Device) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, devicesDir, d.UserID.String(),
		d.DeviceID.String()+".json")
	return db.writeJSON(fname, d)
}

func (db *FileDB) UserDevices(userID e2eid.ShortID) ([]*e2eid.Device, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	dir := filepath.Join(db.root, devicesDir, userID.String())
	return readDirJSON[e2eid.Device](db, dir)
}

func (db *FileDB) DeleteDevice(userID, deviceID e2eid.ShortID) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.remove(filepath.Join(db.root, devicesDir, userID.String(),
		deviceID.String()+".json"))
}

func (db *FileDB) SaveMasterKey(mk *MasterKey) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, mastersDir, mk.UserID.String()+".json")
	return db.writeJSON(fname, mk)
}

func (db *FileDB) LoadMasterKey(userID e2eid.ShortID) (*MasterKey, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	mk := new(MasterKey)
	fname := filepath.Join(db.root, mastersDir, userID.String()+".json")
	if err := db.readJSON(fname, mk); err != nil {
		return nil, err
	}
	return mk, nil
}

func (db *FileDB) SaveOutgoingRequest(r *wire.OutgoingRequest) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, outQueueDir, r.ID.String()+".json")
	return db.writeJSON(fname, r)
}

func (db *FileDB) DeleteOutgoingRequest(id uuid.UUID) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.remove(filepath.Join(db.root, outQueueDir, id.String()+".json"))
}

func (db *FileDB) OutgoingRequests() ([]*wire.OutgoingRequest, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return readDirJSON[wire.OutgoingRequest](db, filepath.Join(db.root, outQueueDir))
}

// Request ids come from the wire, so their files are named by the hex
// encoding of the id rather than the id itself. The prefix keeps the
// name of an empty id from colliding with the temp file convention.
func keyRequestFileName(requestID string) string {
	return "kr" + hex.EncodeToString([]byte(requestID)) + ".json"
}

func (db *FileDB) SaveKeyRequest(kr *KeyRequest) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	fname := filepath.Join(db.root, keyReqsDir, keyRequestFileName(kr.RequestID))
	return db.writeJSON(fname, kr)
}

func (db *FileDB) LoadKeyRequest(requestID string) (*KeyRequest, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	kr := new(KeyRequest)
	fname := filepath.Join(db.root, keyReqsDir, keyRequestFileName(requestID))
	if err := db.readJSON(fname, kr); err != nil {
		return nil, err
	}
	return kr, nil
}

func (db *FileDB) KeyRequests() ([]*KeyRequest, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return readDirJSON[KeyRequest](db, filepath.Join(db.root, keyReqsDir))
}
