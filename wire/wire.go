// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// wire contains the structures that cross the machine boundary: to-device
// event payloads pushed in from the sync feed and the outgoing requests the
// caller drains and transmits. Every variant is a closed union: a
// discriminator constant plus a concrete struct, switched exhaustively at
// the decode sites.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/groupratchet"
	"github.com/selkie-im/selkie/ratchet"
)

// To-device event discriminators.
const (
	EventTypeEncrypted        = "encrypted"
	EventTypeRoomKey          = "roomkey"
	EventTypeForwardedRoomKey = "forwardedroomkey"
	EventTypeKeyRequest       = "keyrequest"
	EventTypeVerification     = "verification"
)

// Key request actions.
const (
	KeyRequestActionRequest = "request"
	KeyRequestActionCancel  = "cancel"
)

// Verification message kinds and methods.
const (
	VerificationKindStart  = "start"
	VerificationKindKey    = "key"
	VerificationKindMac    = "mac"
	VerificationKindDone   = "done"
	VerificationKindCancel = "cancel"

	VerificationMethodSAS = "sas"
	VerificationMethodQR  = "qr"
)

// ToDeviceEvent is the envelope of a message delivered out-of-band to a
// specific device rather than into a room timeline. The Payload decodes
// according to Type.
type ToDeviceEvent struct {
	Sender       e2eid.ShortID   `json:"sender"`
	SenderDevice e2eid.ShortID   `json:"senderDevice"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
}

// EncryptedPayload is a pairwise-encrypted to-device message. KX is present
// only on pre-key messages, where it lets the receiver establish the inbound
// session that decrypts Message.
type EncryptedPayload struct {
	SenderKey e2eid.FixedSizeCurve25519PublicKey `json:"senderKey"`
	KX        *ratchet.KeyExchange               `json:"kx,omitempty"`
	Message   ratchet.Message                    `json:"message"`
}

// RoomKeyPayload shares an outbound group session with a device. It is
// always carried inside an EncryptedPayload.
type RoomKeyPayload struct {
	RoomID e2eid.ShortID              `json:"roomId"`
	Export groupratchet.SessionExport `json:"export"`
}

// ForwardedRoomKeyPayload re-shares an inbound group session. The forwarding
// chain records every device key the session passed through on its way here;
// a non-empty chain marks the key as not directly received from its creator.
type ForwardedRoomKeyPayload struct {
	RoomID          e2eid.ShortID                        `json:"roomId"`
	SenderKey       e2eid.FixedSizeCurve25519PublicKey   `json:"senderKey"`
	ForwardingChain []e2eid.FixedSizeCurve25519PublicKey `json:"forwardingChain"`
	Export          groupratchet.SessionExport           `json:"export"`
}

// KeyRequestPayload asks the receiving device to forward a group session
// key, or cancels a previous ask.
type KeyRequestPayload struct {
	Action           string        `json:"action"`
	RequestID        string        `json:"requestId"`
	RequestingDevice e2eid.ShortID `json:"requestingDevice"`
	RoomID           e2eid.ShortID `json:"roomId"`
	SessionID        e2eid.ShortID `json:"sessionId"`
}

// VerificationPayload carries one step of an interactive verification flow.
// Fields beyond FlowID and Kind are populated according to Kind and Method.
type VerificationPayload struct {
	FlowID     string                             `json:"flowId"`
	Kind       string                             `json:"kind"`
	Method     string                             `json:"method,omitempty"`
	Key        e2eid.FixedSizeCurve25519PublicKey `json:"key,omitempty"`
	Commitment e2eid.FixedSizeDigest              `json:"commitment,omitempty"`
	MAC        []byte                             `json:"mac,omitempty"`
	SharedCode []byte                             `json:"sharedCode,omitempty"`
	Reason     string                             `json:"reason,omitempty"`
}

// DecodePayload decodes the payload of ev into the union member matching its
// type discriminator.
func DecodePayload(ev *ToDeviceEvent) (interface{}, error) {
	var dst interface{}
	switch ev.Type {
	case EventTypeEncrypted:
		dst = new(EncryptedPayload)
	case EventTypeRoomKey:
		dst = new(RoomKeyPayload)
	case EventTypeForwardedRoomKey:
		dst = new(ForwardedRoomKeyPayload)
	case EventTypeKeyRequest:
		dst = new(KeyRequestPayload)
	case EventTypeVerification:
		dst = new(VerificationPayload)
	default:
		return nil, fmt.Errorf("unknown to-device event type %q", ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// NewToDeviceEvent builds an envelope, marshaling the given payload. The
// payload must be one of the union members above.
func NewToDeviceEvent(sender, senderDevice e2eid.ShortID, payload interface{}) (*ToDeviceEvent, error) {
	var typ string
	switch payload.(type) {
	case *EncryptedPayload, EncryptedPayload:
		typ = EventTypeEncrypted
	case *RoomKeyPayload, RoomKeyPayload:
		typ = EventTypeRoomKey
	case *ForwardedRoomKeyPayload, ForwardedRoomKeyPayload:
		typ = EventTypeForwardedRoomKey
	case *KeyRequestPayload, KeyRequestPayload:
		typ = EventTypeKeyRequest
	case *VerificationPayload, VerificationPayload:
		typ = EventTypeVerification
	default:
		return nil, fmt.Errorf("unknown to-device payload type %T", payload)
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ToDeviceEvent{
		Sender:       sender,
		SenderDevice: senderDevice,
		Type:         typ,
		Payload:      blob,
	}, nil
}
