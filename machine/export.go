package machine

import (
	"github.com/selkie-im/selkie/e2eid"
	"github.com/selkie-im/selkie/keyexport"
	"github.com/selkie-im/selkie/machine/cryptodb"
)

// ExportRoomKeys seals every held inbound group session to the given
// export key, typically that of another of the user's devices.
func (m *Machine) ExportRoomKeys(to *e2eid.FixedSizeSntrupPublicKey) ([]byte, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}

	var sessions []keyexport.ExportedSession
	m.inbound.Range(func(_ e2eid.ShortID, rec *cryptodb.InboundGroupSession) bool {
		sessions = append(sessions, keyexport.ExportedSession{
			RoomID:          rec.RoomID,
			SenderKey:       rec.SenderKey,
			ForwardingChain: rec.ForwardingChain,
			Export:          rec.Export,
		})
		return true
	})
	return keyexport.Seal(m.rng, sessions, to)
}

// ImportRoomKeys opens a sealed export blob and stores its sessions.
// Imported sessions decrypt history but are flagged as imported: they
// were not received from their creator, so the arbiter never re-shares
// them. Returns the number of sessions stored.
func (m *Machine) ImportRoomKeys(blob []byte) (int, error) {
	if err := m.checkUsable(); err != nil {
		return 0, err
	}
	m.idMtx.Lock()
	priv := m.id.PrivateExportKey
	m.idMtx.Unlock()

	sessions, err := keyexport.Open(blob, &priv)
	if err != nil {
		return 0, err
	}

	var stored int
	for i := range sessions {
		exp := &sessions[i]
		err := m.storeInboundSession(&cryptodb.InboundGroupSession{
			RoomID:          exp.RoomID,
			SenderKey:       exp.SenderKey,
			Export:          exp.Export,
			ForwardingChain: exp.ForwardingChain,
			Imported:        true,
			Watermark:       -1,
		})
		if err != nil {
			m.logGroup.Warnf("Skipping import of session %s: %v",
				exp.Export.SessionID, err)
			continue
		}
		stored++
	}
	m.logGroup.Infof("Imported %d of %d room key sessions", stored, len(sessions))
	return stored, nil
}
