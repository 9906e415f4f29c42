// Package cryptodb defines the storage capability required by the crypto
// machine and provides an in-memory implementation and a file-backed one.
//
// The machine performs no I/O itself; everything it needs to survive a
// restart goes through a Store supplied by the caller. Implementations
// backed by a database must provide the same semantics as MemDB and
// FileDB: writes are atomic per record and reads return independent
// copies.
package cryptodb

import (
	"errors"

	"github.com/google/uuid"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/groupratchet"
	"github.com/selkie-im/selkie/ratchet"
	"github.com/selkie-im/selkie/ratchet/disk"
	"github.com/selkie-im/selkie/wire"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// PairwiseSession is the stored form of a double ratchet session with a
// single peer device.
type PairwiseSession struct {
	SessionID  e2eid.ShortID        `json:"sessionId"`
	PeerDevice e2eid.ShortID        `json:"peerDevice"`
	State      *disk.RatchetState   `json:"state"`
	PendingKX  *ratchet.KeyExchange `json:"pendingKx,omitempty"`
	LastUsed   int64                `json:"lastUsed"`
	Wedged     bool                 `json:"wedged"`
}

// OutboundGroupSession is the stored form of the active sending session
// of a room, together with its sharing bookkeeping.
type OutboundGroupSession struct {
	RoomID      e2eid.ShortID               `json:"roomId"`
	State       *groupratchet.OutboundState `json:"state"`
	CreatedAt   int64                       `json:"createdAt"`
	SharedWith  []e2eid.ShortID             `json:"sharedWith"`
	Members     []e2eid.ShortID             `json:"members"`
	Invalidated bool                        `json:"invalidated"`
}

// InboundGroupSession is the stored form of a receiving group session.
// Watermark is the highest message index decrypted so far, -1 when
// nothing has been decrypted yet. ForwardingChain records the sender
// keys the session passed through before reaching us; Imported marks
// sessions restored from a sealed export rather than received live.
type InboundGroupSession struct {
	RoomID          e2eid.ShortID                        `json:"roomId"`
	SenderKey       e2eid.FixedSizeCurve25519PublicKey   `json:"senderKey"`
	Export          groupratchet.SessionExport           `json:"export"`
	ForwardingChain []e2eid.FixedSizeCurve25519PublicKey `json:"forwardingChain,omitempty"`
	Imported        bool                                 `json:"imported"`
	Watermark       int64                                `json:"watermark"`
}

// KeyRequestState tracks the lifecycle of a key request.
type KeyRequestState int

const (
	KeyRequestPending KeyRequestState = iota
	KeyRequestSatisfied
	KeyRequestIgnored
	KeyRequestCancelled
)

func (s KeyRequestState) String() string {
	switch s {
	case KeyRequestPending:
		return "pending"
	case KeyRequestSatisfied:
		return "satisfied"
	case KeyRequestIgnored:
		return "ignored"
	case KeyRequestCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal returns whether the state admits no further transitions.
func (s KeyRequestState) Terminal() bool {
	return s != KeyRequestPending
}

// KeyRequest is a ledger entry for a key request, either received from
// another device (Incoming true) or issued by us for a missing session.
type KeyRequest struct {
	RequestID        string          `json:"requestId"`
	Incoming         bool            `json:"incoming"`
	RequestingUser   e2eid.ShortID   `json:"requestingUser"`
	RequestingDevice e2eid.ShortID   `json:"requestingDevice"`
	RoomID           e2eid.ShortID   `json:"roomId"`
	SessionID        e2eid.ShortID   `json:"sessionId"`
	State            KeyRequestState `json:"state"`
}

// MasterKey is a user's cross-signing master key together with the
// local verification decision about it.
type MasterKey struct {
	UserID   e2eid.ShortID                   `json:"userId"`
	Key      e2eid.FixedSizeEd25519PublicKey `json:"key"`
	Verified bool                            `json:"verified"`
}

// Store is the persistence capability of the crypto machine.
type Store interface {
	// SaveIdentity persists the full device identity, including private
	// key material.
	SaveIdentity(id *e2eid.FullIdentity) error

	// LoadIdentity returns the stored identity or ErrNotFound.
	LoadIdentity() (*e2eid.FullIdentity, error)

	// SavePairwiseSession persists a session, replacing any previous
	// record with the same session id.
	SavePairwiseSession(s *PairwiseSession) error

	// PairwiseSessions returns all sessions with the given peer device,
	// in unspecified order.
	PairwiseSessions(peerDevice e2eid.ShortID) ([]*PairwiseSession, error)

	// SaveOutboundGroupSession persists the active sending session of
	// its room, replacing the previous one.
	SaveOutboundGroupSession(s *OutboundGroupSession) error

	// LoadOutboundGroupSession returns the room's active sending
	// session or ErrNotFound.
	LoadOutboundGroupSession(roomID e2eid.ShortID) (*OutboundGroupSession, error)

	// SaveInboundGroupSession persists a receiving session keyed by
	// (room, session id).
	SaveInboundGroupSession(s *InboundGroupSession) error

	// LoadInboundGroupSession returns a receiving session or
	// ErrNotFound.
	LoadInboundGroupSession(roomID, sessionID e2eid.ShortID) (*InboundGroupSession, error)

	// InboundGroupSessions returns all receiving sessions.
	InboundGroupSessions() ([]*InboundGroupSession, error)

	// SaveDevice persists a device record keyed by (user, device).
	SaveDevice(d *e2eid.Device) error

	// UserDevices returns all known device records of a user.
	UserDevices(userID e2eid.ShortID) ([]*e2eid.Device, error)

	// DeleteDevice removes a device record. Missing records are a
	// no-op.
	DeleteDevice(userID, deviceID e2eid.ShortID) error

	// SaveMasterKey persists a user's cross-signing master key record.
	SaveMasterKey(mk *MasterKey) error

	// LoadMasterKey returns a user's master key record or ErrNotFound.
	LoadMasterKey(userID e2eid.ShortID) (*MasterKey, error)

	// SaveOutgoingRequest persists a queued outgoing request.
	SaveOutgoingRequest(r *wire.OutgoingRequest) error

	// DeleteOutgoingRequest removes an outgoing request. Missing ids
	// are a no-op.
	DeleteOutgoingRequest(id uuid.UUID) error

	// OutgoingRequests returns all queued outgoing requests.
	OutgoingRequests() ([]*wire.OutgoingRequest, error)

	// SaveKeyRequest persists a key request ledger entry.
	SaveKeyRequest(kr *KeyRequest) error

	// LoadKeyRequest returns a ledger entry or ErrNotFound.
	LoadKeyRequest(requestID string) (*KeyRequest, error)

	// KeyRequests returns all ledger entries.
	KeyRequests() ([]*KeyRequest, error)
}
