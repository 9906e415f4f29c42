package machine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/selkie-im/selkie/wire"
)

// OutgoingRequests returns a copy of the current outgoing queue. The
// caller transmits each request and acknowledges it with
// MarkRequestAsSent; nothing is removed by reading.
func (m *Machine) OutgoingRequests() ([]*wire.OutgoingRequest, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}
	m.queueMtx.Lock()
	res := make([]*wire.OutgoingRequest, len(m.queue))
	copy(res, m.queue)
	m.queueMtx.Unlock()
	return res, nil
}

// MarkRequestAsSent acknowledges a queued request and applies its
// response. Acknowledging an unknown or already-acknowledged id is a
// no-op, making retries of the same ack safe. An acknowledged request is
// never re-queued.
//
// The response must match the request kind: *wire.KeyUploadResponse,
// *wire.KeyClaimResponse or *wire.KeyQueryResponse. Kinds without a
// meaningful response accept nil.
func (m *Machine) MarkRequestAsSent(id uuid.UUID, response interface{}) error {
	if err := m.checkUsable(); err != nil {
		return err
	}

	m.queueMtx.Lock()
	var req *wire.OutgoingRequest
	for i, r := range m.queue {
		if r.ID == id {
			req = r
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.queueMtx.Unlock()
	if req == nil {
		m.log.Debugf("Ignoring ack for unknown request %s", id)
		return nil
	}

	if err := m.db.DeleteOutgoingRequest(id); err != nil {
		// The request is already gone from the in-memory queue; a
		// leftover store record only costs a duplicate no-op ack after
		// a restart.
		m.log.Warnf("Unable to delete acked request %s: %v", id, err)
	}
	m.log.Debugf("Acked %s request %s", req.Kind, req.ID)

	return m.applyResponse(req, response)
}

// DiscardRequest drops a queued request without applying any response.
// The action the request represents can be safely re-issued later;
// discarding never corrupts session or store state.
func (m *Machine) DiscardRequest(id uuid.UUID) error {
	return m.MarkRequestAsSent(id, nil)
}

func (m *Machine) applyResponse(req *wire.OutgoingRequest, response interface{}) error {
	if response == nil {
		return nil
	}
	switch req.Kind {
	case wire.RequestKeyUpload:
		resp, ok := response.(*wire.KeyUploadResponse)
		if !ok {
			return fmt.Errorf("response %T does not match request kind %s",
				response, req.Kind)
		}
		return m.applyKeyUploadResponse(resp)

	case wire.RequestKeyClaim:
		resp, ok := response.(*wire.KeyClaimResponse)
		if !ok {
			return fmt.Errorf("response %T does not match request kind %s",
				response, req.Kind)
		}
		return m.applyKeyClaimResponse(resp)

	case wire.RequestKeyQuery:
		resp, ok := response.(*wire.KeyQueryResponse)
		if !ok {
			return fmt.Errorf("response %T does not match request kind %s",
				response, req.Kind)
		}
		body, err := wire.DecodeBody(req)
		if err != nil {
			return err
		}
		return m.applyKeyQueryResponse(body.(*wire.KeyQueryRequest).Users, resp)

	case wire.RequestToDeviceSend, wire.RequestRoomKeyForward,
		wire.RequestVerificationSend:
		// Fire and forget kinds.
		return nil

	default:
		return fmt.Errorf("unknown request kind %d", int(req.Kind))
	}
}

// applyKeyUploadResponse marks the uploaded keys as published and tops
// the pool back up when the server reports fewer keys than the target.
func (m *Machine) applyKeyUploadResponse(resp *wire.KeyUploadResponse) error {
	m.idMtx.Lock()
	m.id.MarkKeysAsPublished()
	err := m.saveIdentityLocked()
	m.idMtx.Unlock()
	if err != nil {
		return err
	}
	return m.replenishOneTimeKeys(resp.OneTimeKeyCount)
}

// replenishOneTimeKeys mints new one-time keys when the server-side
// count fell below the policy threshold and queues their upload.
func (m *Machine) replenishOneTimeKeys(serverCount int) error {
	if serverCount >= int(m.policy.OneTimeKeyThreshold) {
		return nil
	}
	need := int(m.policy.OneTimeKeyTarget) - serverCount
	m.idMtx.Lock()
	unpublished := len(m.id.UnpublishedOneTimeKeys())
	var err error
	if need > unpublished {
		_, err = m.id.GenerateOneTimeKeys(m.rng, need-unpublished)
		if err == nil {
			err = m.saveIdentityLocked()
		}
	}
	m.idMtx.Unlock()
	if err != nil {
		return err
	}
	m.log.Debugf("Replenishing one-time keys: server has %d, target %d",
		serverCount, m.policy.OneTimeKeyTarget)
	return m.enqueueKeyUpload()
}
