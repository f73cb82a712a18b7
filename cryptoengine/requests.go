// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package cryptoengine

import (
	"encoding/json"
	"fmt"

	"github.com/feverdream-chat/feverdream/lib/ref"
)

// RequestKind discriminates the OutgoingRequest union.
type RequestKind int

const (
	// KindToDevice delivers encrypted payloads to specific devices
	// (PUT /sendToDevice/{eventType}/{txnId}).
	KindToDevice RequestKind = iota + 1
	// KindKeysUpload publishes device and one-time keys
	// (POST /keys/upload).
	KindKeysUpload
	// KindKeysQuery fetches device/identity keys for users
	// (POST /keys/query).
	KindKeysQuery
	// KindKeysClaim claims one-time keys to establish Olm sessions
	// (POST /keys/claim).
	KindKeysClaim
	// KindKeysBackup uploads encrypted room keys to the server-side
	// backup (PUT /room_keys/keys?version=V).
	KindKeysBackup
	// KindRoomMessage sends a room event
	// (PUT /rooms/{roomId}/send/{eventType}/{txnId}).
	KindRoomMessage
	// KindSignatureUpload publishes cross-signing signatures
	// (POST /keys/signatures/upload).
	KindSignatureUpload
)

// String returns the request kind name for logging.
func (k RequestKind) String() string {
	switch k {
	case KindToDevice:
		return "to_device"
	case KindKeysUpload:
		return "keys_upload"
	case KindKeysQuery:
		return "keys_query"
	case KindKeysClaim:
		return "keys_claim"
	case KindKeysBackup:
		return "keys_backup"
	case KindRoomMessage:
		return "room_message"
	case KindSignatureUpload:
		return "signature_upload"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// OutgoingRequest is one network request emitted by the engine. The
// populated fields depend on Kind; everything else is zero. Requests
// are ephemeral: created by the engine, consumed exactly once by the
// dispatcher, never persisted.
type OutgoingRequest struct {
	Kind RequestKind

	// EventType is set for ToDevice and RoomMessage requests.
	EventType ref.EventType

	// Messages is the {"user": {"device": content}} map for ToDevice
	// requests.
	Messages json.RawMessage

	// Users lists the users to query for KeysQuery requests.
	Users []ref.UserID

	// Version and Rooms carry the backup version and the encrypted
	// rooms payload for KeysBackup requests.
	Version string
	Rooms   json.RawMessage

	// RoomID and Content are set for RoomMessage requests.
	RoomID  ref.RoomID
	Content json.RawMessage

	// Payload is the passthrough body for KeysUpload, KeysClaim, and
	// SignatureUpload requests.
	Payload json.RawMessage
}
