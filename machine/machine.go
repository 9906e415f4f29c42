// Package machine implements the client-side end-to-end encryption state
// machine: device identity and one-time keys, pairwise double ratchet
// sessions, group sessions with rotation and sharing policy, the device
// trust tracker, key request arbitration, interactive verification flows
// and the pull-based outgoing request queue.
//
// The machine performs no I/O and starts no goroutines. Callers feed it
// sync batches via ReceiveSyncChanges, drain OutgoingRequests and
// acknowledge them with MarkRequestAsSent, and drive logical time with
// AdvanceTime. All exported methods are safe for concurrent use.
package machine

import (
	"crypto/rand"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/selkie-im/selkie/config"
	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/machine/internal/singlesetmap"
	"github.com/selkie-im/selkie/wire"
)

// Config holds the machine's configuration.
type Config struct {
	// DB is the storage capability. Required.
	DB cryptodb.Store

	// UserID is the id of the local user.
	UserID e2eid.ShortID

	// Policy holds the rotation and sharing policy. Zero value is
	// replaced by config.DefaultPolicy().
	Policy config.Policy

	// RNG is the entropy source. Defaults to crypto/rand.
	RNG io.Reader

	// Logger is a function that generates loggers for the machine's
	// subsystems.
	Logger func(subsys string) slog.Logger
}

func (cfg *Config) logger(subsys string) slog.Logger {
	if cfg.Logger == nil {
		return slog.Disabled
	}
	return cfg.Logger(subsys)
}

// satisfyKey identifies a (room, session, requesting device) triple for
// which a key request has been satisfied.
type satisfyKey struct {
	room    e2eid.ShortID
	session e2eid.ShortID
	device  e2eid.ShortID
}

// Machine is the E2EE state machine.
type Machine struct {
	db     cryptodb.Store
	policy config.Policy
	rng    io.Reader

	log      slog.Logger
	logPair  slog.Logger
	logGroup slog.Logger
	logDvcs  slog.Logger
	logArbt  slog.Logger
	logVrfy  slog.Logger
	logSync  slog.Logger

	// clock is the logical time, advanced only by AdvanceTime.
	clock atomic.Int64

	// poisoned flags an unrecoverable storage failure. Once set every
	// exported operation fails with ErrMachinePoisoned.
	poisoned atomic.Bool

	idMtx sync.Mutex
	id    *e2eid.FullIdentity

	sessions *xsync.MapOf[e2eid.ShortID, *peerSessions]
	rooms    *xsync.MapOf[e2eid.ShortID, *roomState]
	inbound  *xsync.MapOf[e2eid.ShortID, *cryptodb.InboundGroupSession]
	users    *xsync.MapOf[e2eid.ShortID, *userState]

	queueMtx sync.Mutex
	queue    []*wire.OutgoingRequest

	ledgerMtx sync.Mutex
	ledger    map[string]*cryptodb.KeyRequest
	ownReqs   map[e2eid.ShortID]string // missing session id -> pending request id

	satisfied singlesetmap.Map[satisfyKey]

	wedgeMtx  sync.Mutex
	lastWedge map[e2eid.ShortID]int64 // peer device -> tick of last recovery claim

	verifMtx sync.Mutex
	flows    map[string]*verificationFlow
}

// New creates a machine from the given config. A fresh identity is
// minted and persisted when the store holds none; a stored identity for
// a different user is a fatal mismatch.
func New(cfg Config) (*Machine, error) {
	if cfg.DB == nil {
		return nil, errors.New("config has nil DB")
	}
	if cfg.RNG == nil {
		cfg.RNG = rand.Reader
	}
	if (cfg.Policy == config.Policy{}) {
		cfg.Policy = config.DefaultPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		db:     cfg.DB,
		policy: cfg.Policy,
		rng:    cfg.RNG,

		log:      cfg.logger("MCHN"),
		logPair:  cfg.logger("PAIR"),
		logGroup: cfg.logger("GRUP"),
		logDvcs:  cfg.logger("DVCS"),
		logArbt:  cfg.logger("ARBT"),
		logVrfy:  cfg.logger("VRFY"),
		logSync:  cfg.logger("SYNC"),

		sessions:  xsync.NewMapOf[e2eid.ShortID, *peerSessions](),
		rooms:     xsync.NewMapOf[e2eid.ShortID, *roomState](),
		inbound:   xsync.NewMapOf[e2eid.ShortID, *cryptodb.InboundGroupSession](),
		users:     xsync.NewMapOf[e2eid.ShortID, *userState](),
		ledger:    make(map[string]*cryptodb.KeyRequest),
		ownReqs:   make(map[e2eid.ShortID]string),
		lastWedge: make(map[e2eid.ShortID]int64),
		flows:     make(map[string]*verificationFlow),
	}

	id, err := cfg.DB.LoadIdentity()
	switch {
	case errors.Is(err, cryptodb.ErrNotFound):
		id, err = e2eid.NewWithRNG(cfg.UserID, cfg.RNG)
		if err != nil {
			return nil, err
		}
		if _, err := id.GenerateOneTimeKeys(cfg.RNG, int(cfg.Policy.OneTimeKeyTarget)); err != nil {
			return nil, err
		}
		if _, err := id.RotateFallbackKey(cfg.RNG); err != nil {
			return nil, err
		}
		if err := cfg.DB.SaveIdentity(id); err != nil {
			return nil, storeErr("save new identity", err)
		}
		m.id = id
		m.log.Infof("Created new device identity %s for user %s",
			id.Public.DeviceID, id.Public.UserID)
		if err := m.enqueueKeyUpload(); err != nil {
			return nil, err
		}

	case err != nil:
		return nil, storeErr("load identity", err)

	default:
		if id.Public.UserID != cfg.UserID {
			return nil, errors.New("stored identity belongs to a different user")
		}
		m.id = id
		m.log.Debugf("Loaded device identity %s", id.Public.DeviceID)
	}

	if err := m.restoreInbound(); err != nil {
		return nil, err
	}
	if err := m.restoreQueue(); err != nil {
		return nil, err
	}
	if err := m.restoreLedger(); err != nil {
		return nil, err
	}
	// Pending requests restored from a previous run may be answerable
	// now that sessions and keys are back in reach.
	m.retryPendingRequests(nil)

	return m, nil
}

// restoreInbound loads every persisted inbound group session. They are
// addressed by session id alone at decrypt time, so the whole set lives
// in memory.
func (m *Machine) restoreInbound() error {
	recs, err := m.db.InboundGroupSessions()
	if err != nil {
		return storeErr("load inbound group sessions", err)
	}
	for _, rec := range recs {
		m.inbound.Store(rec.Export.SessionID, rec)
	}
	return nil
}

// restoreQueue loads persisted outgoing requests in a stable order.
func (m *Machine) restoreQueue() error {
	reqs, err := m.db.OutgoingRequests()
	if err != nil {
		return storeErr("load outgoing requests", err)
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].ID.String() < reqs[j].ID.String()
	})
	m.queue = reqs
	return nil
}

// restoreLedger loads the key request ledger and rebuilds the satisfied
// set from it.
func (m *Machine) restoreLedger() error {
	krs, err := m.db.KeyRequests()
	if err != nil {
		return storeErr("load key requests", err)
	}
	for _, kr := range krs {
		m.ledger[kr.RequestID] = kr
		if kr.Incoming && kr.State == cryptodb.KeyRequestSatisfied {
			m.satisfied.Set(satisfyKey{
				room:    kr.RoomID,
				session: kr.SessionID,
				device:  kr.RequestingDevice,
			})
		}
		if !kr.Incoming && kr.State == cryptodb.KeyRequestPending {
			m.ownReqs[kr.SessionID] = kr.RequestID
		}
	}
	return nil
}

// Identity returns a copy of the public half of the device identity.
func (m *Machine) Identity() e2eid.PublicDeviceIdentity {
	m.idMtx.Lock()
	pub := m.id.Public
	m.idMtx.Unlock()
	return pub
}

// Now returns the machine's current logical time.
func (m *Machine) Now() int64 {
	return m.clock.Load()
}

// AdvanceTime moves the logical clock to now. The clock never moves
// backwards. Verification flows whose deadline passed are timed out.
func (m *Machine) AdvanceTime(now int64) {
	for {
		cur := m.clock.Load()
		if now <= cur {
			return
		}
		if m.clock.CompareAndSwap(cur, now) {
			break
		}
	}
	m.expireFlows(now)
}

// checkUsable returns ErrMachinePoisoned after an unrecoverable failure.
func (m *Machine) checkUsable() error {
	if m.poisoned.Load() {
		return ErrMachinePoisoned
	}
	return nil
}

func (m *Machine) poison(err error) {
	if m.poisoned.CompareAndSwap(false, true) {
		m.log.Criticalf("Poisoning machine: %v", err)
	}
}

// saveIdentity persists the identity under the identity mutex. Failure
// is retried once; a second failure poisons the machine, since lost
// identity state (consumed one-time keys in particular) must never be
// reused.
func (m *Machine) saveIdentityLocked() error {
	err := m.db.SaveIdentity(m.id)
	if err == nil {
		return nil
	}
	m.log.Warnf("Retrying identity persist after error: %v", err)
	if err = m.db.SaveIdentity(m.id); err == nil {
		return nil
	}
	m.poison(err)
	return ErrMachinePoisoned
}

// enqueue appends a request to the outgoing queue, persisting it first.
func (m *Machine) enqueue(req *wire.OutgoingRequest) error {
	if err := m.db.SaveOutgoingRequest(req); err != nil {
		return storeErr("save outgoing request", err)
	}
	m.queueMtx.Lock()
	m.queue = append(m.queue, req)
	m.queueMtx.Unlock()
	m.log.Debugf("Enqueued %s request %s", req.Kind, req.ID)
	return nil
}

// enqueueKeyUpload queues an upload of the identity, all unpublished
// one-time keys and the fallback key.
func (m *Machine) enqueueKeyUpload() error {
	m.idMtx.Lock()
	body := &wire.KeyUploadRequest{Identity: m.id.Public}
	for _, otk := range m.id.UnpublishedOneTimeKeys() {
		body.OneTimeKeys = append(body.OneTimeKeys, wire.PublicOneTimeKey{
			ID:  otk.ID,
			Key: otk.Public,
		})
	}
	if fb := m.id.Fallback; fb != nil {
		body.FallbackKey = &wire.PublicOneTimeKey{ID: fb.ID, Key: fb.Public}
	}
	m.idMtx.Unlock()

	req, err := wire.NewOutgoingRequest(wire.RequestKeyUpload, body)
	if err != nil {
		return err
	}
	return m.enqueue(req)
}
