// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/feverdream-chat/feverdream/lib/codec"
	"github.com/feverdream-chat/feverdream/lib/ref"
)

// roomSnapshot is the on-disk form of one room's log. The snapshot is
// a sorted slice rather than a map so the CBOR encoding is
// deterministic.
type roomSnapshot struct {
	RoomID ref.RoomID      `cbor:"room_id"`
	Events []TimelineEvent `cbor:"events"`
}

// SaveSnapshot persists the cache to path as zstd-compressed CBOR.
// The snapshot lets a restarted process serve cached messages before
// its first sync round completes.
func (c *MessageCache) SaveSnapshot(path string) error {
	c.mu.Lock()
	snapshot := make([]roomSnapshot, 0, len(c.rooms))
	for roomID, log := range c.rooms {
		events := make([]TimelineEvent, len(log.events))
		copy(events, log.events)
		snapshot = append(snapshot, roomSnapshot{RoomID: roomID, Events: events})
	}
	c.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].RoomID.String() < snapshot[j].RoomID.String()
	})

	encoded, err := codec.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("client: encoding cache snapshot: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("client: creating zstd encoder: %w", err)
	}
	compressed := encoder.EncodeAll(encoded, nil)
	encoder.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("client: creating snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, compressed, 0o600); err != nil {
		return fmt.Errorf("client: writing cache snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot merges a snapshot written by SaveSnapshot into the
// cache. Events already present (by ID) are skipped, so loading after
// sync has started cannot duplicate entries.
func (c *MessageCache) LoadSnapshot(path string) error {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("client: reading cache snapshot: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("client: creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	encoded, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("client: decompressing cache snapshot: %w", err)
	}

	var snapshot []roomSnapshot
	if err := codec.Unmarshal(encoded, &snapshot); err != nil {
		return fmt.Errorf("client: decoding cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, room := range snapshot {
		for _, event := range room.Events {
			c.insertLocked(event)
		}
	}
	return nil
}
