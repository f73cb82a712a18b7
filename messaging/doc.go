// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the Matrix client-server API transport layer.
//
// Client is the unauthenticated entry point: it holds the homeserver
// URL and HTTP transport. Login and SessionFromToken produce a
// DirectSession, which wraps the client with an access token for
// authenticated calls: sync, event sends, device key operations, and
// server-side key backup.
//
// Access tokens live in mmap-backed secret.Buffer memory, locked
// against swap and excluded from core dumps. Callers must Close a
// DirectSession when done with it.
//
// Homeserver error responses surface as *MatrixError; callers inspect
// them with errors.As or the IsMatrixError helper rather than matching
// message text.
package messaging
