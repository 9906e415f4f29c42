package machine

import (
	"encoding/json"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"

	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/machine/cryptodb"
	"github.com/selkie-im/selkie/wire"
)

// ProcessedEvent is the outcome of processing one to-device event of a
// sync batch. Decryption and handling failures are recorded per event
// and never abort the batch.
type ProcessedEvent struct {
	// Event is the original envelope.
	Event wire.ToDeviceEvent

	// Plaintext is the decrypted payload of an encrypted event.
	Plaintext []byte

	// Inner is the decoded inner event of an encrypted envelope, when
	// the plaintext carried one.
	Inner *wire.ToDeviceEvent

	// Err records why this event could not be processed.
	Err error
}

// ReceiveSyncChanges processes one sync batch: device-list change
// signals are applied first so every decision below sees current
// records, then each to-device event is handled independently. A
// low server-side one-time key count queues a replenishing upload; a
// negative oneTimeKeyCount means the batch carried no count and leaves
// key bookkeeping untouched.
func (m *Machine) ReceiveSyncChanges(events []wire.ToDeviceEvent,
	changedUsers []e2eid.ShortID, oneTimeKeyCount int) ([]ProcessedEvent, error) {

	if err := m.checkUsable(); err != nil {
		return nil, err
	}
	if m.logSync.Level() <= slog.LevelTrace {
		m.logSync.Tracef("Sync batch: %s", spew.Sdump(events, changedUsers,
			oneTimeKeyCount))
	}

	for _, userID := range changedUsers {
		m.markUserChanged(userID)
	}

	res := make([]ProcessedEvent, 0, len(events))
	for i := range events {
		pe := ProcessedEvent{Event: events[i]}
		pe.Plaintext, pe.Inner, pe.Err = m.processToDeviceEvent(&events[i])
		if pe.Err != nil {
			m.logSync.Debugf("Event %d (%s from %s): %v", i, events[i].Type,
				events[i].SenderDevice, pe.Err)
		}
		if err := m.checkUsable(); err != nil {
			return res, err
		}
		res = append(res, pe)
	}

	if oneTimeKeyCount >= 0 {
		if err := m.replenishOneTimeKeys(oneTimeKeyCount); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (m *Machine) processToDeviceEvent(ev *wire.ToDeviceEvent) ([]byte, *wire.ToDeviceEvent, error) {
	payload, err := wire.DecodePayload(ev)
	if err != nil {
		return nil, nil, err
	}

	switch p := payload.(type) {
	case *wire.EncryptedPayload:
		return m.processEncryptedEvent(ev, p)

	case *wire.KeyRequestPayload:
		return nil, nil, m.handleKeyRequest(ev.Sender, ev.SenderDevice, p)

	case *wire.VerificationPayload:
		return nil, nil, m.handleVerification(ev.Sender, ev.SenderDevice, p)

	case *wire.RoomKeyPayload, *wire.ForwardedRoomKeyPayload:
		// Key material is only accepted over an encrypted channel.
		return nil, nil, fmt.Errorf("unencrypted %s event rejected", ev.Type)

	default:
		return nil, nil, fmt.Errorf("unhandled to-device payload %T", payload)
	}
}

// processEncryptedEvent decrypts a pairwise envelope and dispatches the
// inner event it carries.
func (m *Machine) processEncryptedEvent(ev *wire.ToDeviceEvent, p *wire.EncryptedPayload) ([]byte, *wire.ToDeviceEvent, error) {
	plaintext, err := m.DecryptToDevice(ev.Sender, ev.SenderDevice, p)
	if err != nil {
		return nil, nil, err
	}

	inner := new(wire.ToDeviceEvent)
	if err := json.Unmarshal(plaintext, inner); err != nil {
		// Plain payload without a nested envelope.
		return plaintext, nil, nil
	}
	if inner.Type == "" || inner.Payload == nil {
		return plaintext, nil, nil
	}
	if inner.Sender != ev.Sender || inner.SenderDevice != ev.SenderDevice {
		return nil, nil, fmt.Errorf("inner event sender %s/%s does not match envelope %s/%s",
			inner.Sender, inner.SenderDevice, ev.Sender, ev.SenderDevice)
	}

	innerPayload, err := wire.DecodePayload(inner)
	if err != nil {
		return nil, nil, err
	}
	switch ip := innerPayload.(type) {
	case *wire.RoomKeyPayload:
		err = m.storeInboundSession(&cryptodb.InboundGroupSession{
			RoomID:    ip.RoomID,
			SenderKey: p.SenderKey,
			Export:    ip.Export,
			Watermark: -1,
		})
		return plaintext, inner, err

	case *wire.ForwardedRoomKeyPayload:
		err = m.storeInboundSession(&cryptodb.InboundGroupSession{
			RoomID:          ip.RoomID,
			SenderKey:       ip.SenderKey,
			Export:          ip.Export,
			ForwardingChain: ip.ForwardingChain,
			Watermark:       -1,
		})
		return plaintext, inner, err

	case *wire.KeyRequestPayload:
		return plaintext, inner, m.handleKeyRequest(ev.Sender, ev.SenderDevice, ip)

	case *wire.VerificationPayload:
		return plaintext, inner, m.handleVerification(ev.Sender, ev.SenderDevice, ip)

	default:
		// Application payload; handed to the caller as-is.
		return plaintext, inner, nil
	}
}

func marshalEvent(ev *wire.ToDeviceEvent) ([]byte, error) {
	return json.Marshal(ev)
}
