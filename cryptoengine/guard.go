// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package cryptoengine

import (
	"encoding/json"
	"sync"

	"github.com/feverdream-chat/feverdream/lib/recoverykey"
	"github.com/feverdream-chat/feverdream/lib/ref"
)

// Serialize wraps an Engine with a single-writer lock covering the
// entire capability surface. The sync loop, the room encryption
// coordinator, and backup operations all run as independent tasks;
// without this guard, concurrent Encrypt/ReceiveSyncChanges calls
// could interleave inside the ratchet store and corrupt it.
//
// Serializing an already-serialized engine returns it unchanged.
func Serialize(engine Engine) Engine {
	if _, ok := engine.(*serializedEngine); ok {
		return engine
	}
	return &serializedEngine{inner: engine}
}

type serializedEngine struct {
	mu    sync.Mutex
	inner Engine
}

func (s *serializedEngine) IdentityKeys() (IdentityKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.IdentityKeys()
}

func (s *serializedEngine) UpdateTrackedUsers(users []ref.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpdateTrackedUsers(users)
}

func (s *serializedEngine) OutgoingRequests() ([]OutgoingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.OutgoingRequests()
}

func (s *serializedEngine) ReceiveSyncChanges(changes SyncChanges) (ReceiveSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ReceiveSyncChanges(changes)
}

func (s *serializedEngine) Encrypt(roomID ref.RoomID, eventType ref.EventType, content json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Encrypt(roomID, eventType, content)
}

func (s *serializedEngine) DecryptRoomEvent(roomID ref.RoomID, event json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DecryptRoomEvent(roomID, event)
}

func (s *serializedEngine) ShareRoomKey(roomID ref.RoomID, members []ref.UserID, settings EncryptionSettings) ([]OutgoingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ShareRoomKey(roomID, members, settings)
}

func (s *serializedEngine) BackupEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.BackupEnabled()
}

func (s *serializedEngine) EnableBackupV1(publicKeyBase64, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.EnableBackupV1(publicKeyBase64, version)
}

func (s *serializedEngine) SaveRecoveryKey(key recoverykey.Key, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SaveRecoveryKey(key, version)
}

func (s *serializedEngine) BackupRoomKeys() (*OutgoingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.BackupRoomKeys()
}

func (s *serializedEngine) ImportRoomKeysFromBackup(archive json.RawMessage, version string, onProgress func(imported, total int)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ImportRoomKeysFromBackup(archive, version, onProgress)
}

func (s *serializedEngine) RoomKeyCounts() (RoomKeyCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.RoomKeyCounts()
}
