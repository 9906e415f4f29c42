// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/selkie-im/selkie/e2eid"
)

// RequestKind discriminates the outgoing request union.
type RequestKind int

const (
	RequestKeyUpload RequestKind = iota
	RequestKeyClaim
	RequestToDeviceSend
	RequestKeyQuery
	RequestRoomKeyForward
	RequestVerificationSend
)

// String returns a human readable request kind.
func (k RequestKind) String() string {
	switch k {
	case RequestKeyUpload:
		return "keyupload"
	case RequestKeyClaim:
		return "keyclaim"
	case RequestToDeviceSend:
		return "todevicesend"
	case RequestKeyQuery:
		return "keyquery"
	case RequestRoomKeyForward:
		return "roomkeyforward"
	case RequestVerificationSend:
		return "verificationsend"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// OutgoingRequest is one entry of the pull queue. The caller transmits Body
// according to Kind and acknowledges the request by id.
type OutgoingRequest struct {
	ID   uuid.UUID       `json:"id"`
	Kind RequestKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// PublicOneTimeKey is the uploadable half of a one-time or fallback key.
type PublicOneTimeKey struct {
	ID  e2eid.ShortID                      `json:"id"`
	Key e2eid.FixedSizeCurve25519PublicKey `json:"key"`
}

// KeyUploadRequest publishes the device identity, fresh one-time keys and
// the current fallback key.
type KeyUploadRequest struct {
	Identity    e2eid.PublicDeviceIdentity `json:"identity"`
	OneTimeKeys []PublicOneTimeKey         `json:"oneTimeKeys"`
	FallbackKey *PublicOneTimeKey          `json:"fallbackKey,omitempty"`
}

// KeyUploadResponse reports the server-side one-time key count after an
// upload.
type KeyUploadResponse struct {
	OneTimeKeyCount int `json:"oneTimeKeyCount"`
}

// KeyClaim identifies one device to claim a one-time key from.
type KeyClaim struct {
	UserID   e2eid.ShortID `json:"userId"`
	DeviceID e2eid.ShortID `json:"deviceId"`
}

// KeyClaimRequest claims one-time keys for session establishment.
type KeyClaimRequest struct {
	Claims []KeyClaim `json:"claims"`
}

// ClaimedKey is one successfully claimed one-time key.
type ClaimedKey struct {
	UserID   e2eid.ShortID                      `json:"userId"`
	DeviceID e2eid.ShortID                      `json:"deviceId"`
	KeyID    e2eid.ShortID                      `json:"keyId"`
	Key      e2eid.FixedSizeCurve25519PublicKey `json:"key"`
}

// KeyClaimResponse carries the claimed keys. Devices without available keys
// are simply absent.
type KeyClaimResponse struct {
	Keys []ClaimedKey `json:"keys"`
}

// AddressedEvent is a to-device event together with its destination.
type AddressedEvent struct {
	UserID   e2eid.ShortID `json:"userId"`
	DeviceID e2eid.ShortID `json:"deviceId"`
	Event    ToDeviceEvent `json:"event"`
}

// ToDeviceSendRequest transmits events to specific devices. It is shared by
// the plain send, room-key-forward and verification request kinds, which
// differ only in their queue discriminator.
type ToDeviceSendRequest struct {
	Events []AddressedEvent `json:"events"`
}

// KeyQueryRequest asks for the current device lists of the given users.
type KeyQueryRequest struct {
	Users []e2eid.ShortID `json:"users"`
}

// QueriedDevice is one device record in a key query response.
type QueriedDevice struct {
	Identity        e2eid.PublicDeviceIdentity `json:"identity"`
	Algorithms      []string                   `json:"algorithms"`
	MasterSignature *e2eid.FixedSizeSignature  `json:"masterSignature,omitempty"`
}

// MasterKey is a user's cross-signing master key.
type MasterKey struct {
	UserID e2eid.ShortID                   `json:"userId"`
	Key    e2eid.FixedSizeEd25519PublicKey `json:"key"`
}

// KeyQueryResponse carries the device lists for the queried users. Users
// the server knows nothing about are absent.
type KeyQueryResponse struct {
	Devices    []QueriedDevice `json:"devices"`
	MasterKeys []MasterKey     `json:"masterKeys,omitempty"`
}

// NewOutgoingRequest builds a queue entry with a fresh id, marshaling the
// given body. The body must match the kind.
func NewOutgoingRequest(kind RequestKind, body interface{}) (*OutgoingRequest, error) {
	if err := checkBodyKind(kind, body); err != nil {
		return nil, err
	}
	blob, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &OutgoingRequest{
		ID:   uuid.New(),
		Kind: kind,
		Body: blob,
	}, nil
}

func checkBodyKind(kind RequestKind, body interface{}) error {
	var ok bool
	switch kind {
	case RequestKeyUpload:
		_, ok = body.(*KeyUploadRequest)
	case RequestKeyClaim:
		_, ok = body.(*KeyClaimRequest)
	case RequestToDeviceSend, RequestRoomKeyForward, RequestVerificationSend:
		_, ok = body.(*ToDeviceSendRequest)
	case RequestKeyQuery:
		_, ok = body.(*KeyQueryRequest)
	default:
		return fmt.Errorf("unknown request kind %d", int(kind))
	}
	if !ok {
		return fmt.Errorf("body %T does not match request kind %s", body, kind)
	}
	return nil
}

// DecodeBody decodes the request body into the union member matching its
// kind.
func DecodeBody(req *OutgoingRequest) (interface{}, error) {
	var dst interface{}
	switch req.Kind {
	case RequestKeyUpload:
		dst = new(KeyUploadRequest)
	case RequestKeyClaim:
		dst = new(KeyClaimRequest)
	case RequestToDeviceSend, RequestRoomKeyForward, RequestVerificationSend:
		dst = new(ToDeviceSendRequest)
	case RequestKeyQuery:
		dst = new(KeyQueryRequest)
	default:
		return nil, fmt.Errorf("unknown request kind %d", int(req.Kind))
	}
	if err := json.Unmarshal(req.Body, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
