// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/ref"
)

// encryptedRoomHandler serves an encrypted room's state and member
// list and records everything.
func encryptedRoomHandler() *recordingHandler {
	return &recordingHandler{
		responder: func(w http.ResponseWriter, r *http.Request, body []byte) bool {
			switch {
			case strings.Contains(r.URL.Path, "/state/m.room.encryption"):
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"algorithm": "m.megolm.v1.aes-sha2"}`))
				return true
			case strings.HasSuffix(r.URL.Path, "/joined_members"):
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"joined": {"@alice:example.org": {}, "@bob:example.org": {}}}`))
				return true
			}
			return false
		},
	}
}

func TestEnsureRoomEncryptionConvergence(t *testing.T) {
	// Trial encryption fails once with an expired session, then
	// succeeds after exactly one key-share cycle.
	handler := encryptedRoomHandler()
	engine := &fakeEngine{
		encryptErrs: []error{cryptoengine.ErrSessionExpired, nil},
		shareRequests: []cryptoengine.OutgoingRequest{{
			Kind:      cryptoengine.KindToDevice,
			EventType: "m.room.encrypted",
			Messages:  json.RawMessage(`{"@bob:example.org":{"DEV":{"c":"roomkey"}}}`),
		}},
	}
	c := newTestClient(t, handler, engine)

	ready, err := c.EnsureRoomEncryption(context.Background(), ref.MustParseRoomID("!r:example.org"))
	if err != nil {
		t.Fatalf("EnsureRoomEncryption: %v", err)
	}
	if !ready {
		t.Fatal("room not ready after repair cycle")
	}

	if engine.shareCalls != 1 {
		t.Errorf("ShareRoomKey calls = %d, want 1", engine.shareCalls)
	}
	if engine.encryptCalls != 2 {
		t.Errorf("Encrypt calls = %d, want 2 (trial, retry)", engine.encryptCalls)
	}
	if len(engine.tracked) != 1 || len(engine.tracked[0]) != 2 {
		t.Errorf("tracked users = %v, want one call with two members", engine.tracked)
	}

	toDevice := 0
	for _, request := range handler.recorded() {
		if strings.Contains(request.Path, "/sendToDevice/") {
			toDevice++
		}
	}
	if toDevice != 1 {
		t.Errorf("to-device dispatches = %d, want exactly 1", toDevice)
	}
}

func TestEnsureRoomEncryptionScenarioB(t *testing.T) {
	// canEncrypt false, then ensure: one ToDevice dispatched, trial
	// succeeds, function reports ready.
	handler := encryptedRoomHandler()
	engine := &fakeEngine{
		// CanEncrypt probe fails, ensure's first trial fails, retry
		// succeeds.
		encryptErrs: []error{cryptoengine.ErrNoOutboundSession, cryptoengine.ErrNoOutboundSession, nil},
		shareRequests: []cryptoengine.OutgoingRequest{{
			Kind:      cryptoengine.KindToDevice,
			EventType: "m.room.encrypted",
			Messages:  json.RawMessage(`{"@bob:example.org":{"DEV":{"c":"roomkey"}}}`),
		}},
	}
	c := newTestClient(t, handler, engine)
	roomID := ref.MustParseRoomID("!r:example.org")

	if c.CanEncrypt(roomID) {
		t.Fatal("CanEncrypt = true before key share")
	}

	ready, err := c.EnsureRoomEncryption(context.Background(), roomID)
	if err != nil {
		t.Fatalf("EnsureRoomEncryption: %v", err)
	}
	if !ready {
		t.Fatal("expected ready")
	}

	toDevice := 0
	for _, request := range handler.recorded() {
		if strings.Contains(request.Path, "/sendToDevice/") {
			toDevice++
		}
	}
	if toDevice != 1 {
		t.Errorf("to-device dispatches = %d, want exactly 1", toDevice)
	}
}

func TestEnsureRoomEncryptionUnencryptedRoom(t *testing.T) {
	handler := &recordingHandler{
		responder: func(w http.ResponseWriter, r *http.Request, body []byte) bool {
			if strings.Contains(r.URL.Path, "/state/m.room.encryption") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"errcode": "M_NOT_FOUND", "error": "Event not found."}`))
				return true
			}
			return false
		},
	}
	engine := &fakeEngine{}
	c := newTestClient(t, handler, engine)

	ready, err := c.EnsureRoomEncryption(context.Background(), ref.MustParseRoomID("!r:example.org"))
	if err != nil {
		t.Fatalf("EnsureRoomEncryption: %v", err)
	}
	if ready {
		t.Error("unencrypted room reported ready")
	}
	if engine.shareCalls != 0 {
		t.Errorf("ShareRoomKey calls = %d, want 0", engine.shareCalls)
	}
}

func TestEnsureRoomEncryptionProbeTimeout(t *testing.T) {
	// A state probe that outlives its timeout is treated as
	// "not encrypted" rather than an error.
	handler := &recordingHandler{
		responder: func(w http.ResponseWriter, r *http.Request, body []byte) bool {
			if strings.Contains(r.URL.Path, "/state/m.room.encryption") {
				time.Sleep(500 * time.Millisecond)
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"algorithm": "m.megolm.v1.aes-sha2"}`))
				return true
			}
			return false
		},
	}
	engine := &fakeEngine{}
	c := newTestClient(t, handler, engine)

	ready, err := c.EnsureRoomEncryption(context.Background(), ref.MustParseRoomID("!r:example.org"))
	if err != nil {
		t.Fatalf("EnsureRoomEncryption: %v", err)
	}
	if ready {
		t.Error("timed-out probe reported the room ready")
	}
}

func TestEnsureRoomEncryptionRepairFails(t *testing.T) {
	handler := encryptedRoomHandler()
	engine := &fakeEngine{
		// Both the trial and the post-share retry fail.
		encryptErrs: []error{cryptoengine.ErrNoOutboundSession, cryptoengine.ErrNoOutboundSession},
	}
	c := newTestClient(t, handler, engine)

	ready, err := c.EnsureRoomEncryption(context.Background(), ref.MustParseRoomID("!r:example.org"))
	if err == nil {
		t.Fatal("expected failure after exhausted repair cycle")
	}
	if ready {
		t.Error("failed repair reported ready")
	}
	if engine.shareCalls != 1 {
		t.Errorf("ShareRoomKey calls = %d, want exactly 1 (no second cycle)", engine.shareCalls)
	}
}

func TestSendEncryptedMessage(t *testing.T) {
	t.Run("encrypted room", func(t *testing.T) {
		handler := encryptedRoomHandler()
		base := handler.responder
		handler.responder = func(w http.ResponseWriter, r *http.Request, body []byte) bool {
			if strings.Contains(r.URL.Path, "/send/") {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"event_id": "$sent"}`))
				return true
			}
			return base(w, r, body)
		}
		engine := &fakeEngine{}
		c := newTestClient(t, handler, engine)

		eventID, err := c.SendEncryptedMessage(context.Background(),
			ref.MustParseRoomID("!r:example.org"),
			json.RawMessage(`{"msgtype":"m.text","body":"hello"}`))
		if err != nil {
			t.Fatalf("SendEncryptedMessage: %v", err)
		}
		if eventID != ref.MustParseEventID("$sent") {
			t.Errorf("event ID = %v, want $sent", eventID)
		}

		sentEncrypted := false
		for _, request := range handler.recorded() {
			if strings.Contains(request.Path, "/send/m.room.encrypted/") {
				sentEncrypted = true
			}
		}
		if !sentEncrypted {
			t.Error("message not sent as m.room.encrypted")
		}
	})

	t.Run("unencrypted room falls back to plaintext", func(t *testing.T) {
		handler := &recordingHandler{
			responder: func(w http.ResponseWriter, r *http.Request, body []byte) bool {
				switch {
				case strings.Contains(r.URL.Path, "/state/m.room.encryption"):
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusNotFound)
					w.Write([]byte(`{"errcode": "M_NOT_FOUND", "error": "nope"}`))
					return true
				case strings.Contains(r.URL.Path, "/send/"):
					w.Header().Set("Content-Type", "application/json")
					w.Write([]byte(`{"event_id": "$plain"}`))
					return true
				}
				return false
			},
		}
		engine := &fakeEngine{}
		c := newTestClient(t, handler, engine)

		eventID, err := c.SendEncryptedMessage(context.Background(),
			ref.MustParseRoomID("!r:example.org"),
			json.RawMessage(`{"msgtype":"m.text","body":"hello"}`))
		if err != nil {
			t.Fatalf("SendEncryptedMessage: %v", err)
		}
		if eventID != ref.MustParseEventID("$plain") {
			t.Errorf("event ID = %v, want $plain", eventID)
		}

		for _, request := range handler.recorded() {
			if strings.Contains(request.Path, "/send/m.room.encrypted/") {
				t.Error("plaintext room got an encrypted send")
			}
		}
	})

	t.Run("setup failure surfaces typed error", func(t *testing.T) {
		handler := encryptedRoomHandler()
		engine := &fakeEngine{
			encryptErrs: []error{cryptoengine.ErrNoOutboundSession, cryptoengine.ErrNoOutboundSession},
		}
		c := newTestClient(t, handler, engine)

		_, err := c.SendEncryptedMessage(context.Background(),
			ref.MustParseRoomID("!r:example.org"),
			json.RawMessage(`{"msgtype":"m.text","body":"hello"}`))
		if !errors.Is(err, ErrEncryptionSetup) {
			t.Errorf("expected ErrEncryptionSetup, got %v", err)
		}
	})
}

func TestLogoutReleasesRoomLocks(t *testing.T) {
	handler := encryptedRoomHandler()
	engine := &fakeEngine{}
	c := newTestClient(t, handler, engine)

	for _, raw := range []string{"!a:example.org", "!b:example.org", "!c:example.org"} {
		if _, err := c.EnsureRoomEncryption(context.Background(), ref.MustParseRoomID(raw)); err != nil {
			t.Fatalf("EnsureRoomEncryption(%s): %v", raw, err)
		}
	}
	c.roomLocksMu.Lock()
	held := len(c.roomLocks)
	c.roomLocksMu.Unlock()
	if held != 3 {
		t.Fatalf("room locks = %d, want 3", held)
	}

	if err := c.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	c.roomLocksMu.Lock()
	held = len(c.roomLocks)
	c.roomLocksMu.Unlock()
	if held != 0 {
		t.Errorf("room locks after logout = %d, want 0", held)
	}
}

func TestEnsureRoomEncryptionSerializedPerRoom(t *testing.T) {
	// Two concurrent callers for the same room: only one key-share
	// cycle may run. The second caller's trial encryption succeeds
	// because the first repaired the session.
	handler := encryptedRoomHandler()
	engine := &fakeEngine{
		encryptErrs: []error{cryptoengine.ErrNoOutboundSession, nil, nil},
		shareRequests: []cryptoengine.OutgoingRequest{{
			Kind:      cryptoengine.KindToDevice,
			EventType: "m.room.encrypted",
			Messages:  json.RawMessage(`{"@bob:example.org":{"DEV":{"c":"k"}}}`),
		}},
	}
	c := newTestClient(t, handler, engine)
	roomID := ref.MustParseRoomID("!r:example.org")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.EnsureRoomEncryption(context.Background(), roomID)
			results <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}

	if engine.shareCalls != 1 {
		t.Errorf("ShareRoomKey calls = %d, want 1 (per-room serialization)", engine.shareCalls)
	}
}
