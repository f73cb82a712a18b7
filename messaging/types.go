// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/feverdream-chat/feverdream/lib/ref"
)

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// AuthResponse is the body of a successful login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// WhoAmIResponse is the body of GET /account/whoami.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id"`
}

// SyncOptions control a single /sync call.
type SyncOptions struct {
	// Since is the sync token from the previous round; empty for an
	// initial sync.
	Since string
	// Timeout is the long-poll duration the server should hold the
	// request open when nothing is pending. Zero returns immediately.
	Timeout time.Duration
	// Filter is an inline filter JSON or a server-side filter ID.
	Filter string
}

// SyncResponse is the envelope of GET /sync.
type SyncResponse struct {
	NextBatch                    string             `json:"next_batch"`
	Rooms                        RoomsSection       `json:"rooms"`
	ToDevice                     ToDeviceSection    `json:"to_device"`
	DeviceLists                  DeviceListsSection `json:"device_lists"`
	DeviceOneTimeKeysCount       map[string]int     `json:"device_one_time_keys_count"`
	DeviceUnusedFallbackKeyTypes []string           `json:"device_unused_fallback_key_types"`
}

// RoomsSection groups per-room updates by membership.
type RoomsSection struct {
	Join map[ref.RoomID]JoinedRoom `json:"join"`
}

// JoinedRoom is the update for one joined room.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection carries new timeline events for a room.
type TimelineSection struct {
	Events    []Event `json:"events"`
	Limited   bool    `json:"limited"`
	PrevBatch string  `json:"prev_batch"`
}

// StateSection carries state events delivered outside the timeline.
type StateSection struct {
	Events []Event `json:"events"`
}

// ToDeviceSection carries to-device events. The events are kept as raw
// JSON — they are opaque to the transport and consumed whole by the
// encryption engine.
type ToDeviceSection struct {
	Events []json.RawMessage `json:"events"`
}

// DeviceListsSection carries device-list tracking deltas.
type DeviceListsSection struct {
	Changed []ref.UserID `json:"changed"`
	Left    []ref.UserID `json:"left"`
}

// Event is a Matrix event as delivered by sync and state endpoints.
//
// Raw preserves the exact bytes the event arrived as. Encrypted events
// must be handed to the encryption engine verbatim — re-serializing a
// parsed struct could drop unknown fields the engine needs.
type Event struct {
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender"`
	EventID        ref.EventID     `json:"event_id"`
	StateKey       *string         `json:"state_key,omitempty"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`

	// Raw is the original serialized event. Not part of the wire
	// format; populated by UnmarshalJSON.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON parses the event and keeps a copy of the input bytes
// in Raw.
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var parsed plain
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*e = Event(parsed)
	e.Raw = bytes.Clone(data)
	return nil
}

// SendEventResponse is the body of a successful event send.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// EncryptionStateContent is the content of an m.room.encryption state
// event.
type EncryptionStateContent struct {
	Algorithm            string `json:"algorithm"`
	RotationPeriodMillis int64  `json:"rotation_period_ms,omitempty"`
	RotationMessages     int64  `json:"rotation_period_msgs,omitempty"`
}

// BackupVersionInfo describes a server-side key backup version
// (GET /room_keys/version).
type BackupVersionInfo struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}
