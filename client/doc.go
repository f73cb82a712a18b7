// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package client is the sync/session orchestration core. It keeps the
// local encryption engine synchronized with the homeserver, maintains
// a bounded per-room message cache, and coordinates group-session
// establishment so encrypted messages can be sent and read.
//
// A Client owns one session's state: the persisted session record, the
// serialized encryption engine, the message cache, and the request
// dispatcher. There are no package-level globals; construction happens
// at login and teardown at logout.
//
// The moving parts, wired together by Client:
//
//   - SessionState: the persisted {user, device, token, homeserver,
//     sync token} record. The sync token only ever advances to a
//     non-empty value from a successful round.
//   - MessageCache: per-room, deduplicated, capacity-bounded timeline
//     log, snapshottable to disk.
//   - Dispatcher: maps engine-emitted requests to their HTTP
//     endpoints; failures are logged and dropped because the engine
//     re-emits what it still needs.
//   - SyncOnce/RunSyncLoop: one sync round and the timer loop driving
//     it with backoff.
//   - EnsureRoomEncryption/SendEncryptedMessage: the per-room key
//     establishment state machine and the send path built on it.
//   - EnableBackup/RestoreFromBackup: server-side encrypted key
//     backup.
package client
