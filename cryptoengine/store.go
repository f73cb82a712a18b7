// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package cryptoengine

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/feverdream-chat/feverdream/lib/ref"
)

// Opener constructs an Engine backed by an on-disk crypto store for
// the given account. Implementations typically wrap the FFI
// constructor of the crypto library.
type Opener interface {
	// OpenStore opens or creates the store for the account. Returns
	// ErrStoreMismatch (wrapped) when the store on disk belongs to a
	// different user or device.
	OpenStore(userID ref.UserID, deviceID ref.DeviceID) (Engine, error)

	// WipeStore deletes the on-disk store so the next OpenStore call
	// starts fresh.
	WipeStore() error
}

// Open opens the crypto store for the account, wiping and
// reinitializing it when the store belongs to a different device.
// The wipe discards all ratchet state; previously received encrypted
// messages become permanently undecryptable, so the recovery is
// logged loudly. The returned engine is already serialized.
func Open(opener Opener, userID ref.UserID, deviceID ref.DeviceID, logger *slog.Logger) (Engine, error) {
	engine, err := opener.OpenStore(userID, deviceID)
	if err == nil {
		return Serialize(engine), nil
	}
	if !errors.Is(err, ErrStoreMismatch) {
		return nil, fmt.Errorf("opening crypto store: %w", err)
	}
	logger.Warn("crypto store belongs to a different device; wiping it",
		"user_id", userID,
		"device_id", deviceID,
		"error", err)
	if err := opener.WipeStore(); err != nil {
		return nil, fmt.Errorf("wiping mismatched crypto store: %w", err)
	}
	engine, err = opener.OpenStore(userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("reopening crypto store after wipe: %w", err)
	}
	logger.Warn("crypto store reinitialized; previously received room keys are lost",
		"user_id", userID,
		"device_id", deviceID)
	return Serialize(engine), nil
}
