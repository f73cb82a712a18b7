// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/feverdream-chat/feverdream/lib/ref"
)

func testEvent(room string, n int) TimelineEvent {
	return TimelineEvent{
		RoomID:         ref.MustParseRoomID(room),
		EventID:        ref.MustParseEventID(fmt.Sprintf("$evt%d", n)),
		Sender:         ref.MustParseUserID("@alice:example.org"),
		OriginServerTS: int64(1700000000000 + n),
		Type:           "m.room.message",
		Content:        json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":"message %d"}`, n)),
	}
}

func TestCacheDeduplicates(t *testing.T) {
	cache := NewMessageCache()
	event := testEvent("!room:example.org", 1)

	if !cache.Insert(event) {
		t.Fatal("first insert rejected")
	}
	if cache.Insert(event) {
		t.Fatal("duplicate insert accepted")
	}

	messages := cache.RoomMessages(event.RoomID)
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
}

func TestCacheBounded(t *testing.T) {
	cache := NewMessageCache()
	roomID := ref.MustParseRoomID("!room:example.org")

	for n := 0; n < 150; n++ {
		if !cache.Insert(testEvent("!room:example.org", n)) {
			t.Fatalf("insert %d rejected", n)
		}
	}

	messages := cache.RoomMessages(roomID)
	if len(messages) != roomLogCapacity {
		t.Fatalf("messages = %d, want %d", len(messages), roomLogCapacity)
	}
	// Oldest evicted first: events 50..149 remain, in insertion order.
	if got, want := messages[0].EventID.String(), "$evt50"; got != want {
		t.Errorf("first event = %s, want %s", got, want)
	}
	if got, want := messages[len(messages)-1].EventID.String(), "$evt149"; got != want {
		t.Errorf("last event = %s, want %s", got, want)
	}
}

func TestCacheRoomsIndependent(t *testing.T) {
	cache := NewMessageCache()
	cache.Insert(testEvent("!one:example.org", 1))
	cache.Insert(testEvent("!two:example.org", 2))

	if got := len(cache.RoomMessages(ref.MustParseRoomID("!one:example.org"))); got != 1 {
		t.Errorf("room one messages = %d, want 1", got)
	}
	if got := len(cache.RoomMessages(ref.MustParseRoomID("!two:example.org"))); got != 1 {
		t.Errorf("room two messages = %d, want 1", got)
	}
}

func TestHasMessages(t *testing.T) {
	cache := NewMessageCache()
	roomID := ref.MustParseRoomID("!room:example.org")

	if cache.HasMessages(roomID) {
		t.Error("empty cache reports messages")
	}
	cache.Insert(testEvent("!room:example.org", 1))
	if !cache.HasMessages(roomID) {
		t.Error("cache with one event reports no messages")
	}
}

func TestRoomMessagesReturnsCopy(t *testing.T) {
	cache := NewMessageCache()
	cache.Insert(testEvent("!room:example.org", 1))
	roomID := ref.MustParseRoomID("!room:example.org")

	first := cache.RoomMessages(roomID)
	first[0].Content = json.RawMessage(`{"mutated":true}`)

	second := cache.RoomMessages(roomID)
	if string(second[0].Content) == `{"mutated":true}` {
		t.Error("RoomMessages exposed internal storage")
	}
}
