// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/ref"
	"github.com/feverdream-chat/feverdream/messaging"
)

// errNotReady marks a sync round skipped for lack of an engine or
// credentials. The loop treats it as a skip, not a failure.
var errNotReady = errors.New("client: sync not ready")

// PlaceholderEventType is the cached event type for timeline events
// that could not be decrypted. The content carries a human-readable
// reason; the original event ID is preserved so deduplication holds
// if the event is delivered again.
const PlaceholderEventType ref.EventType = "m.room.encrypted.failed"

// RunSyncLoop drives sync rounds until ctx is cancelled. Each
// iteration sleeps the sync interval, then runs one round; a failed
// round doubles the next sleep. A round skipped for missing
// initialization keeps the normal interval. The loop never terminates
// on a failed round.
func (c *Client) RunSyncLoop(ctx context.Context) {
	interval := c.syncInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}

		err := c.SyncOnce(ctx)
		switch {
		case err == nil:
			interval = c.syncInterval
		case errors.Is(err, errNotReady):
			c.logger.Debug("sync round skipped", "reason", err)
			interval = c.syncInterval
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn("sync round failed", "error", err)
			interval = c.syncInterval * 2
		}
	}
}

// SyncOnce performs one sync round: long-poll the server, route
// timeline events to the cache and to-device events to the engine,
// dispatch the engine's outgoing requests, then advance the persisted
// sync token. The token moves only after processing completes, so a
// crash mid-round resumes from the unprocessed batch.
//
// A nil error does not mean every message decrypted — decryption may
// trigger key requests resolved on a later round.
func (c *Client) SyncOnce(ctx context.Context) error {
	engine := c.currentEngine()
	if engine == nil {
		return fmt.Errorf("%w: no encryption engine", errNotReady)
	}
	c.mu.Lock()
	token := c.state.SyncToken
	hasCredentials := c.state.AccessToken != ""
	c.mu.Unlock()
	if !hasCredentials {
		return fmt.Errorf("%w: no access token", errNotReady)
	}

	body, err := c.session.SyncRaw(ctx, messaging.SyncOptions{
		Since:   token,
		Timeout: c.longPollTimeout,
	})
	if err != nil {
		return err
	}

	var envelope messaging.SyncResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		// A tolerant second parse can still locate next_batch, but a
		// token from an unprocessed round must not advance the cursor.
		if salvaged := extractNextBatch(body); salvaged != "" {
			c.logger.Warn("sync envelope unparseable; token not advanced",
				"salvaged_token", salvaged,
				"error", err)
		}
		return fmt.Errorf("client: parsing sync response: %w", err)
	}

	c.processTimelines(engine, &envelope)

	changes := cryptoengine.SyncChanges{
		ToDeviceEvents:   envelope.ToDevice.Events,
		ChangedDevices:   envelope.DeviceLists.Changed,
		LeftDevices:      envelope.DeviceLists.Left,
		OneTimeKeyCounts: envelope.DeviceOneTimeKeysCount,
		FallbackKeyTypes: envelope.DeviceUnusedFallbackKeyTypes,
		NextBatch:        envelope.NextBatch,
	}
	summary, err := engine.ReceiveSyncChanges(changes)
	if err != nil {
		return fmt.Errorf("client: engine rejected sync changes: %w", err)
	}
	if len(summary.RoomKeys) > 0 {
		c.logger.Info("received room keys", "count", len(summary.RoomKeys))
	}

	// Dispatch before the next round: a keys/query triggered by a
	// to-device event must reach the server before we poll again.
	requests, err := engine.OutgoingRequests()
	if err != nil {
		return fmt.Errorf("client: draining outgoing requests: %w", err)
	}
	c.dispatcher.dispatch(ctx, engine, requests)

	if err := c.advanceSyncToken(envelope.NextBatch); err != nil {
		return err
	}
	return nil
}

// processTimelines routes new timeline events into the cache,
// decrypting encrypted events inline. Undecryptable events are cached
// as placeholders under their original ID.
func (c *Client) processTimelines(engine cryptoengine.Engine, envelope *messaging.SyncResponse) {
	for roomID, room := range envelope.Rooms.Join {
		for _, event := range room.Timeline.Events {
			if event.EventID.IsZero() {
				continue
			}
			cached := TimelineEvent{
				RoomID:         roomID,
				EventID:        event.EventID,
				Sender:         event.Sender,
				OriginServerTS: event.OriginServerTS,
				Type:           event.Type,
				Content:        event.Content,
			}
			if event.Type == "m.room.encrypted" {
				cached = c.decryptTimelineEvent(engine, roomID, event)
			}
			c.cache.Insert(cached)
		}
	}
}

func (c *Client) decryptTimelineEvent(engine cryptoengine.Engine, roomID ref.RoomID, event messaging.Event) TimelineEvent {
	cached := TimelineEvent{
		RoomID:         roomID,
		EventID:        event.EventID,
		Sender:         event.Sender,
		OriginServerTS: event.OriginServerTS,
	}

	plaintext, err := engine.DecryptRoomEvent(roomID, event.Raw)
	if err != nil {
		reason := "unable to decrypt"
		if errors.Is(err, cryptoengine.ErrUnknownRoomKey) {
			reason = "the key for this message has not arrived yet"
		}
		c.logger.Debug("timeline event undecryptable",
			"room_id", roomID,
			"event_id", event.EventID,
			"error", err)
		cached.Type = PlaceholderEventType
		cached.Content = placeholderContent(reason)
		return cached
	}

	var decrypted struct {
		Type    ref.EventType   `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		cached.Type = PlaceholderEventType
		cached.Content = placeholderContent("decrypted payload was malformed")
		return cached
	}
	cached.Type = decrypted.Type
	cached.Content = decrypted.Content
	return cached
}

func placeholderContent(reason string) json.RawMessage {
	content, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return json.RawMessage(`{"reason": "unable to decrypt"}`)
	}
	return content
}

// extractNextBatch is the tolerant token parse: it pulls next_batch
// out of an envelope whose full parse failed. Used for logging only.
func extractNextBatch(body []byte) string {
	var envelope struct {
		NextBatch string `json:"next_batch"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.NextBatch
}
