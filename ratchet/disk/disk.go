// Copyright (c) 2016 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package disk

// RatchetState is the serializable form of a pairwise ratchet. All key
// material is carried as raw byte slices so the blob can be stored by any
// backend without knowledge of the key types.
type RatchetState struct {
	SessionID          []byte                   `json:"sessionId"`
	RootKey            []byte                   `json:"rootKey"`
	SendChainKey       []byte                   `json:"sendChainKey"`
	RecvChainKey       []byte                   `json:"recvChainKey"`
	SendRatchetPrivate []byte                   `json:"sendPrivate"`
	SendRatchetPublic  []byte                   `json:"sendPublic"`
	RecvRatchetPublic  []byte                   `json:"recvPublic"`
	SendCount          uint32                   `json:"sendCount"`
	RecvCount          uint32                   `json:"recvCount"`
	PrevSendCount      uint32                   `json:"prevSendCount"`
	SavedKeys          []RatchetState_SavedKeys `json:"savedKeys"`
	LastEncryptTime    int64                    `json:"lastEncryptTime"`
	LastDecryptTime    int64                    `json:"lastDecryptTime"`
}

type RatchetState_SavedKeys struct {
	RatchetPublic []byte                              `json:"ratchetPublic"`
	MessageKeys   []RatchetState_SavedKeys_MessageKey `json:"messageKeys"`
}

type RatchetState_SavedKeys_MessageKey struct {
	Num uint32 `json:"num"`
	Key []byte `json:"key"`
}
