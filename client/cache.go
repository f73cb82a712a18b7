// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"sync"

	"github.com/feverdream-chat/feverdream/lib/ref"
)

// roomLogCapacity bounds each room's message log. Once over capacity
// the oldest entries are evicted first.
const roomLogCapacity = 100

// TimelineEvent is one cached room event. Immutable after insertion.
type TimelineEvent struct {
	RoomID         ref.RoomID      `json:"room_id"`
	EventID        ref.EventID     `json:"event_id"`
	Sender         ref.UserID      `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Type           ref.EventType   `json:"type"`
	Content        json.RawMessage `json:"content"`
}

// MessageCache is a bounded, per-room, deduplicated ordered log of
// timeline events. Safe for concurrent use: the sync loop inserts
// while UI readers query.
type MessageCache struct {
	mu    sync.Mutex
	rooms map[ref.RoomID]*roomLog
}

type roomLog struct {
	events []TimelineEvent
	seen   map[ref.EventID]struct{}
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{rooms: make(map[ref.RoomID]*roomLog)}
}

// Insert appends the event to its room's log unless an event with the
// same ID is already present. Returns whether the event was added.
// Logs over capacity are trimmed from the front.
func (c *MessageCache) Insert(event TimelineEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(event)
}

func (c *MessageCache) insertLocked(event TimelineEvent) bool {
	log, ok := c.rooms[event.RoomID]
	if !ok {
		log = &roomLog{seen: make(map[ref.EventID]struct{})}
		c.rooms[event.RoomID] = log
	}
	if _, dup := log.seen[event.EventID]; dup {
		return false
	}

	log.events = append(log.events, event)
	log.seen[event.EventID] = struct{}{}

	for len(log.events) > roomLogCapacity {
		delete(log.seen, log.events[0].EventID)
		log.events[0] = TimelineEvent{}
		log.events = log.events[1:]
	}
	return true
}

// RoomMessages returns a copy of the room's log in insertion order.
// An unknown room yields nil.
func (c *MessageCache) RoomMessages(roomID ref.RoomID) []TimelineEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.rooms[roomID]
	if !ok || len(log.events) == 0 {
		return nil
	}
	out := make([]TimelineEvent, len(log.events))
	copy(out, log.events)
	return out
}

// HasMessages reports whether the room has any cached events.
func (c *MessageCache) HasMessages(roomID ref.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	log, ok := c.rooms[roomID]
	return ok && len(log.events) > 0
}
