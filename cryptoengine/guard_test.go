// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package cryptoengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/feverdream-chat/feverdream/lib/recoverykey"
	"github.com/feverdream-chat/feverdream/lib/ref"
)

// countingEngine detects overlapping calls: inCall is set for the
// duration of every method, and any entry that finds it already set
// records a violation.
type countingEngine struct {
	mu         sync.Mutex
	inCall     bool
	violations int
	calls      int
}

func (c *countingEngine) enter() {
	c.mu.Lock()
	if c.inCall {
		c.violations++
	}
	c.inCall = true
	c.calls++
	c.mu.Unlock()
}

func (c *countingEngine) leave() {
	c.mu.Lock()
	c.inCall = false
	c.mu.Unlock()
}

func (c *countingEngine) IdentityKeys() (IdentityKeys, error) {
	c.enter()
	defer c.leave()
	return IdentityKeys{Curve25519: "curve", Ed25519: "ed"}, nil
}

func (c *countingEngine) UpdateTrackedUsers([]ref.UserID) error {
	c.enter()
	defer c.leave()
	return nil
}

func (c *countingEngine) OutgoingRequests() ([]OutgoingRequest, error) {
	c.enter()
	defer c.leave()
	return nil, nil
}

func (c *countingEngine) ReceiveSyncChanges(SyncChanges) (ReceiveSummary, error) {
	c.enter()
	defer c.leave()
	return ReceiveSummary{}, nil
}

func (c *countingEngine) Encrypt(ref.RoomID, ref.EventType, json.RawMessage) (json.RawMessage, error) {
	c.enter()
	defer c.leave()
	return json.RawMessage(`{}`), nil
}

func (c *countingEngine) DecryptRoomEvent(ref.RoomID, json.RawMessage) (json.RawMessage, error) {
	c.enter()
	defer c.leave()
	return json.RawMessage(`{}`), nil
}

func (c *countingEngine) ShareRoomKey(ref.RoomID, []ref.UserID, EncryptionSettings) ([]OutgoingRequest, error) {
	c.enter()
	defer c.leave()
	return nil, nil
}

func (c *countingEngine) BackupEnabled() bool {
	c.enter()
	defer c.leave()
	return false
}

func (c *countingEngine) EnableBackupV1(string, string) error {
	c.enter()
	defer c.leave()
	return nil
}

func (c *countingEngine) SaveRecoveryKey(recoverykey.Key, string) error {
	c.enter()
	defer c.leave()
	return nil
}

func (c *countingEngine) BackupRoomKeys() (*OutgoingRequest, error) {
	c.enter()
	defer c.leave()
	return nil, nil
}

func (c *countingEngine) ImportRoomKeysFromBackup(json.RawMessage, string, func(int, int)) (int, error) {
	c.enter()
	defer c.leave()
	return 0, nil
}

func (c *countingEngine) RoomKeyCounts() (RoomKeyCounts, error) {
	c.enter()
	defer c.leave()
	return RoomKeyCounts{}, nil
}

func TestSerializeBlocksOverlappingCalls(t *testing.T) {
	inner := &countingEngine{}
	engine := Serialize(inner)

	room := ref.MustParseRoomID("!room:example.org")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := engine.Encrypt(room, "m.room.message", json.RawMessage(`{"body":"x"}`)); err != nil {
					t.Errorf("Encrypt: %v", err)
					return
				}
				if _, err := engine.OutgoingRequests(); err != nil {
					t.Errorf("OutgoingRequests: %v", err)
					return
				}
				if _, err := engine.ReceiveSyncChanges(SyncChanges{}); err != nil {
					t.Errorf("ReceiveSyncChanges: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if inner.violations != 0 {
		t.Errorf("observed %d overlapping calls, want 0", inner.violations)
	}
	if inner.calls != 8*50*3 {
		t.Errorf("calls = %d, want %d", inner.calls, 8*50*3)
	}
}

func TestSerializeIdempotent(t *testing.T) {
	inner := &countingEngine{}
	once := Serialize(inner)
	twice := Serialize(once)
	if once != twice {
		t.Error("Serialize of a serialized engine should return it unchanged")
	}
}

// mismatchOpener fails the first OpenStore with ErrStoreMismatch and
// succeeds after a wipe.
type mismatchOpener struct {
	wiped     bool
	openCalls int
	wipeCalls int
}

func (m *mismatchOpener) OpenStore(ref.UserID, ref.DeviceID) (Engine, error) {
	m.openCalls++
	if !m.wiped {
		return nil, fmt.Errorf("loading account: %w", ErrStoreMismatch)
	}
	return &countingEngine{}, nil
}

func (m *mismatchOpener) WipeStore() error {
	m.wipeCalls++
	m.wiped = true
	return nil
}

func TestOpenWipesMismatchedStore(t *testing.T) {
	opener := &mismatchOpener{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := Open(opener, ref.MustParseUserID("@alice:example.org"), ref.MustParseDeviceID("DEVICE"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if engine == nil {
		t.Fatal("Open returned nil engine")
	}
	if opener.wipeCalls != 1 {
		t.Errorf("wipe calls = %d, want 1", opener.wipeCalls)
	}
	if opener.openCalls != 2 {
		t.Errorf("open calls = %d, want 2", opener.openCalls)
	}
}

func TestOpenPropagatesOtherErrors(t *testing.T) {
	opener := &failingOpener{err: errors.New("disk on fire")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := Open(opener, ref.MustParseUserID("@alice:example.org"), ref.MustParseDeviceID("DEVICE"), logger)
	if err == nil {
		t.Fatal("expected error")
	}
	if opener.wipeCalls != 0 {
		t.Errorf("wipe calls = %d, want 0 for a non-mismatch failure", opener.wipeCalls)
	}
}

type failingOpener struct {
	err       error
	wipeCalls int
}

func (f *failingOpener) OpenStore(ref.UserID, ref.DeviceID) (Engine, error) {
	return nil, f.err
}

func (f *failingOpener) WipeStore() error {
	f.wipeCalls++
	return nil
}
