// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package cryptoengine

import "errors"

// Sentinel errors for the engine fault taxonomy. Engine
// implementations wrap these (errors.Is must hold) so callers dispatch
// on a closed set of variants instead of matching message substrings.
var (
	// ErrNotInitialized means the engine has no account loaded.
	ErrNotInitialized = errors.New("cryptoengine: not initialized")

	// ErrNoOutboundSession means the room has no outbound group
	// session. Repairable by ShareRoomKey.
	ErrNoOutboundSession = errors.New("cryptoengine: no outbound group session")

	// ErrSessionExpired means the room's outbound group session hit
	// its rotation limit. Repairable by ShareRoomKey.
	ErrSessionExpired = errors.New("cryptoengine: outbound group session expired")

	// ErrUnknownRoomKey means an inbound event references a Megolm
	// session the engine does not hold. The event stays undecryptable
	// until the key arrives (to-device or backup restore).
	ErrUnknownRoomKey = errors.New("cryptoengine: unknown room key")

	// ErrStoreMismatch means the on-disk crypto store belongs to a
	// different device than the current session. The store must be
	// wiped and reinitialized; historical messages become
	// undecryptable.
	ErrStoreMismatch = errors.New("cryptoengine: crypto store does not match this device")
)

// IsSessionFault reports whether err is a repairable outbound session
// fault — the condition that routes into the room encryption
// coordinator's key-share repair path.
func IsSessionFault(err error) bool {
	return errors.Is(err, ErrNoOutboundSession) || errors.Is(err, ErrSessionExpired)
}
