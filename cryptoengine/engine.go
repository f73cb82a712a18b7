// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package cryptoengine

import (
	"encoding/json"

	"github.com/feverdream-chat/feverdream/lib/recoverykey"
	"github.com/feverdream-chat/feverdream/lib/ref"
)

// IdentityKeys are the device's long-term public identity keys.
type IdentityKeys struct {
	Curve25519 string `json:"curve25519"`
	Ed25519    string `json:"ed25519"`
}

// RoomKeyCounts is a snapshot of how many inbound room keys the engine
// holds and how many of those have been uploaded to the server-side
// backup. Owned by the engine; the core only reads it.
type RoomKeyCounts struct {
	Total    int `json:"total"`
	BackedUp int `json:"backed_up"`
}

// RoomKeyInfo describes one room key received during sync processing.
type RoomKeyInfo struct {
	RoomID    ref.RoomID `json:"room_id"`
	SessionID string     `json:"session_id"`
	Algorithm string     `json:"algorithm"`
}

// ReceiveSummary is returned by ReceiveSyncChanges.
type ReceiveSummary struct {
	// RoomKeys lists the room keys established by this batch. New
	// keys may make previously undecryptable events readable.
	RoomKeys []RoomKeyInfo
}

// SyncChanges carries one sync round's protocol-relevant input into
// the engine. The dispatcher also uses it for the keys/query feedback
// edge: the queried users appear in ChangedDevices and the server's
// response in KeysQueryResponse, with everything else empty.
type SyncChanges struct {
	// ToDeviceEvents are the round's to-device events, each one a
	// serialized event object.
	ToDeviceEvents []json.RawMessage

	// ChangedDevices lists users whose device lists changed and must
	// be re-queried or re-validated.
	ChangedDevices []ref.UserID

	// LeftDevices lists users the engine may stop tracking.
	LeftDevices []ref.UserID

	// OneTimeKeyCounts maps key algorithm to the count of unclaimed
	// one-time keys on the server (e.g., "signed_curve25519": 50).
	OneTimeKeyCounts map[string]int

	// FallbackKeyTypes lists algorithms with an unused fallback key
	// on the server.
	FallbackKeyTypes []string

	// NextBatch is the sync token the batch was delivered at.
	NextBatch string

	// KeysQueryResponse is the raw /keys/query response body when
	// this call is the dispatcher's feedback edge, nil otherwise.
	KeysQueryResponse json.RawMessage
}

// EncryptionSettings configure an outbound group session.
type EncryptionSettings struct {
	// Algorithm is the group encryption algorithm. The only supported
	// value is "m.megolm.v1.aes-sha2".
	Algorithm string

	// RotationPeriodMillis rotates the session after this long.
	RotationPeriodMillis int64

	// RotationMessages rotates the session after this many messages.
	RotationMessages int64
}

// MegolmV1 is the group encryption algorithm identifier.
const MegolmV1 = "m.megolm.v1.aes-sha2"

// DefaultEncryptionSettings are the standard Megolm rotation settings:
// one week or 100 messages, whichever comes first.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:            MegolmV1,
		RotationPeriodMillis: 7 * 24 * 60 * 60 * 1000,
		RotationMessages:     100,
	}
}

// Engine is the capability surface of the encryption engine.
//
// Methods return typed sentinel errors from this package for the
// session-fault taxonomy (ErrNoOutboundSession, ErrSessionExpired,
// ErrUnknownRoomKey) so callers dispatch on a closed set with
// errors.Is instead of matching message substrings.
//
// Implementations are NOT required to be safe for concurrent use.
// Wrap with Serialize before sharing.
type Engine interface {
	// IdentityKeys returns the device's public identity keys.
	IdentityKeys() (IdentityKeys, error)

	// UpdateTrackedUsers adds the given users to the engine's device
	// tracking set. Newly tracked users typically cause the engine to
	// emit a KeysQuery request on the next OutgoingRequests call.
	UpdateTrackedUsers(users []ref.UserID) error

	// OutgoingRequests drains the engine's queue of network requests.
	// Each request must be dispatched exactly once; the engine
	// re-emits requests it still needs on its own schedule.
	OutgoingRequests() ([]OutgoingRequest, error)

	// ReceiveSyncChanges feeds one batch of protocol input into the
	// engine. May decrypt payloads and establish sessions as a side
	// effect.
	ReceiveSyncChanges(changes SyncChanges) (ReceiveSummary, error)

	// Encrypt encrypts an event body for a room using the room's
	// outbound group session. Fails with ErrNoOutboundSession or
	// ErrSessionExpired when the session must be (re)established.
	Encrypt(roomID ref.RoomID, eventType ref.EventType, content json.RawMessage) (json.RawMessage, error)

	// DecryptRoomEvent decrypts a serialized m.room.encrypted event
	// and returns the plaintext event JSON ({"type": ..., "content": ...}).
	// Fails with ErrUnknownRoomKey when the inbound session is missing.
	DecryptRoomEvent(roomID ref.RoomID, event json.RawMessage) (json.RawMessage, error)

	// ShareRoomKey mints a new outbound group session for the room
	// and returns the ToDevice requests that deliver it to the
	// members' devices.
	ShareRoomKey(roomID ref.RoomID, members []ref.UserID, settings EncryptionSettings) ([]OutgoingRequest, error)

	// BackupEnabled reports whether server-side key backup is active.
	BackupEnabled() bool

	// EnableBackupV1 activates backup toward the given public key and
	// version. Subsequent BackupRoomKeys calls encrypt toward it.
	EnableBackupV1(publicKeyBase64, version string) error

	// SaveRecoveryKey stores the recovery key for the given backup
	// version in the engine's own store.
	SaveRecoveryKey(key recoverykey.Key, version string) error

	// BackupRoomKeys collects room keys not yet backed up and returns
	// a KeysBackup request carrying them, or nil when everything is
	// already backed up.
	BackupRoomKeys() (*OutgoingRequest, error)

	// ImportRoomKeysFromBackup decrypts a backup archive and imports
	// the contained room keys, reporting progress through onProgress
	// (which may be nil). Returns the number of keys imported; zero
	// is a successful no-op.
	ImportRoomKeysFromBackup(archive json.RawMessage, version string, onProgress func(imported, total int)) (int, error)

	// RoomKeyCounts reports how many room keys the engine holds and
	// how many are backed up.
	RoomKeyCounts() (RoomKeyCounts, error)
}
