// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject NewFake() with deterministic time
// control.
//
// Every production function that sleeps or schedules — the sync loop's
// inter-round interval, failure backoff, and the key-share propagation
// delay — accepts a Clock (or is a method on a struct with a Clock
// field) instead of calling the time package directly.
package clock
