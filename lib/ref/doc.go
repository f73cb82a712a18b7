// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated value types for Matrix identifiers:
// user IDs, room IDs, event IDs, device IDs, and event types.
//
// Raw strings from the network are parsed into these types at the
// boundary (JSON deserialization uses the TextUnmarshaler
// implementations), so code deeper in the client never handles an
// unvalidated identifier. All types are immutable values; the zero
// value is "unset" and reports true from IsZero.
package ref
