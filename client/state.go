// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/feverdream-chat/feverdream/lib/ref"
	"github.com/feverdream-chat/feverdream/lib/secret"
)

// SessionState is the persisted session record. It is loaded once at
// startup, its sync token is advanced after every successful sync
// round, and it is cleared on logout.
type SessionState struct {
	UserID      ref.UserID   `json:"user_id"`
	DeviceID    ref.DeviceID `json:"device_id"`
	AccessToken string       `json:"access_token"`
	Homeserver  string       `json:"homeserver"`
	SyncToken   string       `json:"sync_token,omitempty"`
}

// Validate checks that the record carries a usable identity.
func (s *SessionState) Validate() error {
	if s.UserID.IsZero() {
		return fmt.Errorf("client: session state missing user ID")
	}
	if s.DeviceID.IsZero() {
		return fmt.Errorf("client: session state missing device ID")
	}
	if s.AccessToken == "" {
		return fmt.Errorf("client: session state missing access token")
	}
	if s.Homeserver == "" {
		return fmt.Errorf("client: session state missing homeserver URL")
	}
	return nil
}

// LoadSessionState reads and validates the session record at path.
// Returns fs.ErrNotExist (wrapped) when no session has been saved.
// The raw JSON bytes contain the access token and are zeroed after
// parsing.
func LoadSessionState(path string) (*SessionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("client: reading session state: %w", err)
	}
	defer secret.Zero(data)

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("client: parsing session state %s: %w", path, err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

// SaveSessionState writes the session record to path with mode 0600,
// creating parent directories as needed. The serialized bytes contain
// the access token and are zeroed after the write.
func SaveSessionState(path string, state *SessionState) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: creating session state directory: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("client: encoding session state: %w", err)
	}
	defer secret.Zero(data)

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("client: writing session state: %w", err)
	}
	return nil
}

// ClearSessionState removes the session record. Missing files are not
// an error — logout of a never-persisted session is a no-op.
func ClearSessionState(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("client: clearing session state: %w", err)
	}
	return nil
}
