// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package cryptoengine defines the capability surface the client core
// consumes from the end-to-end encryption engine: an external Olm/Megolm
// state machine (the feverdream_crypto library) that owns all key
// material, ratchet state, and the on-disk crypto store.
//
// The core never touches cryptographic primitives. It feeds the engine
// protocol events (to-device messages, device-list deltas, key counts),
// dispatches the network requests the engine emits, and asks it to
// encrypt and decrypt room events.
//
// The engine is a single shared mutable resource — conceptually an
// embedded database fused with a cryptographic state machine.
// Concurrent calls risk corrupting ratchet state, so every Engine
// handed to the client must be wrapped with Serialize, which imposes a
// single-writer lock across the entire surface.
package cryptoengine
