// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"sync"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/recoverykey"
	"github.com/feverdream-chat/feverdream/lib/ref"
)

// fakeEngine is a scriptable Engine for tests. Zero value is usable:
// every operation succeeds and returns nothing.
type fakeEngine struct {
	mu sync.Mutex

	identity cryptoengine.IdentityKeys

	// pending is drained by OutgoingRequests.
	pending []cryptoengine.OutgoingRequest

	// received records every ReceiveSyncChanges call.
	received []cryptoengine.SyncChanges
	// receiveSummary is returned by ReceiveSyncChanges.
	receiveSummary cryptoengine.ReceiveSummary

	// encryptErrs is popped per Encrypt call; nil entries and an
	// exhausted queue mean success.
	encryptErrs  []error
	encryptCalls int

	// decryptResult/decryptErr script DecryptRoomEvent.
	decryptResult json.RawMessage
	decryptErr    error

	// shareRequests is returned by ShareRoomKey.
	shareRequests []cryptoengine.OutgoingRequest
	shareCalls    int
	shareMembers  []ref.UserID

	tracked [][]ref.UserID

	backupOn      bool
	backupVersion string
	savedVersions []string
	backupRequest *cryptoengine.OutgoingRequest
	importCount   int
	importErr     error
	counts        cryptoengine.RoomKeyCounts

	// callLog records the order of engine entry points, for ordering
	// assertions.
	callLog []string
}

func (f *fakeEngine) log(name string) {
	f.callLog = append(f.callLog, name)
}

func (f *fakeEngine) IdentityKeys() (cryptoengine.IdentityKeys, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("IdentityKeys")
	return f.identity, nil
}

func (f *fakeEngine) UpdateTrackedUsers(users []ref.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("UpdateTrackedUsers")
	f.tracked = append(f.tracked, users)
	return nil
}

func (f *fakeEngine) OutgoingRequests() ([]cryptoengine.OutgoingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("OutgoingRequests")
	requests := f.pending
	f.pending = nil
	return requests, nil
}

func (f *fakeEngine) ReceiveSyncChanges(changes cryptoengine.SyncChanges) (cryptoengine.ReceiveSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("ReceiveSyncChanges")
	f.received = append(f.received, changes)
	return f.receiveSummary, nil
}

func (f *fakeEngine) Encrypt(roomID ref.RoomID, eventType ref.EventType, content json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("Encrypt")
	f.encryptCalls++
	if len(f.encryptErrs) > 0 {
		err := f.encryptErrs[0]
		f.encryptErrs = f.encryptErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(`{"algorithm":"m.megolm.v1.aes-sha2","ciphertext":"opaque"}`), nil
}

func (f *fakeEngine) DecryptRoomEvent(roomID ref.RoomID, event json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("DecryptRoomEvent")
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	if f.decryptResult != nil {
		return f.decryptResult, nil
	}
	return json.RawMessage(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"decrypted"}}`), nil
}

func (f *fakeEngine) ShareRoomKey(roomID ref.RoomID, members []ref.UserID, settings cryptoengine.EncryptionSettings) ([]cryptoengine.OutgoingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("ShareRoomKey")
	f.shareCalls++
	f.shareMembers = members
	return f.shareRequests, nil
}

func (f *fakeEngine) BackupEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backupOn
}

func (f *fakeEngine) EnableBackupV1(publicKeyBase64, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("EnableBackupV1")
	f.backupOn = true
	f.backupVersion = version
	return nil
}

func (f *fakeEngine) SaveRecoveryKey(key recoverykey.Key, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("SaveRecoveryKey")
	f.savedVersions = append(f.savedVersions, version)
	return nil
}

func (f *fakeEngine) BackupRoomKeys() (*cryptoengine.OutgoingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("BackupRoomKeys")
	return f.backupRequest, nil
}

func (f *fakeEngine) ImportRoomKeysFromBackup(archive json.RawMessage, version string, onProgress func(imported, total int)) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log("ImportRoomKeysFromBackup")
	if f.importErr != nil {
		return 0, f.importErr
	}
	if onProgress != nil {
		onProgress(f.importCount, f.importCount)
	}
	return f.importCount, nil
}

func (f *fakeEngine) RoomKeyCounts() (cryptoengine.RoomKeyCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}

// snapshotCalls returns a copy of the call log.
func (f *fakeEngine) snapshotCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.callLog))
	copy(out, f.callLog)
	return out
}

// receivedChanges returns a copy of the recorded ReceiveSyncChanges
// arguments.
func (f *fakeEngine) receivedChanges() []cryptoengine.SyncChanges {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]cryptoengine.SyncChanges, len(f.received))
	copy(out, f.received)
	return out
}
