// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/ref"
	"github.com/feverdream-chat/feverdream/messaging"
)

// Typed send-path failures. SendEncryptedMessage wraps one of these
// so callers report a specific reason instead of failing silently.
var (
	// ErrEncryptionSetup means room encryption could not be
	// established and the message was not sent.
	ErrEncryptionSetup = errors.New("client: encryption setup failed")

	// ErrSendTimeout means encryption setup or the send exceeded the
	// end-to-end timeout and the message was not sent.
	ErrSendTimeout = errors.New("client: send timed out")
)

// trialPlaintext is the throwaway body used to probe whether a room
// has a usable outbound session.
var trialPlaintext = json.RawMessage(`{"msgtype":"m.text","body":""}`)

// roomLock returns the mutex serializing key-share attempts for one
// room. At most one attempt per room may be in flight; without this,
// concurrent senders would each mint a session and recipients would
// thrash between them.
func (c *Client) roomLock(roomID ref.RoomID) *sync.Mutex {
	c.roomLocksMu.Lock()
	defer c.roomLocksMu.Unlock()
	lock, ok := c.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		c.roomLocks[roomID] = lock
	}
	return lock
}

// CanEncrypt reports whether the room currently has a usable outbound
// group session, without attempting repair.
func (c *Client) CanEncrypt(roomID ref.RoomID) bool {
	engine := c.currentEngine()
	if engine == nil {
		return false
	}
	_, err := engine.Encrypt(roomID, "m.room.message", trialPlaintext)
	return err == nil
}

// EnsureRoomEncryption makes sure the room has a usable outbound
// group session. Returns (false, nil) for an unencrypted room — that
// includes an encryption-state probe that timed out, which is an
// approximation: a slow server can make an encrypted room look
// unencrypted for one call.
//
// For an encrypted room it tracks the member list, trial-encrypts,
// and on a missing or expired session runs one key-share repair cycle
// before retrying. Callers on the send path should bound the whole
// operation with a deadline (SendEncryptedMessage applies the
// configured setup timeout).
func (c *Client) EnsureRoomEncryption(ctx context.Context, roomID ref.RoomID) (bool, error) {
	engine := c.currentEngine()
	if engine == nil {
		return false, cryptoengine.ErrNotInitialized
	}

	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	settings, encrypted, err := c.probeEncryptionState(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !encrypted {
		return false, nil
	}

	members, err := c.session.JoinedMembers(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("client: fetching members of %s: %w", roomID, err)
	}
	if err := engine.UpdateTrackedUsers(members); err != nil {
		return false, fmt.Errorf("client: tracking members of %s: %w", roomID, err)
	}

	// Typically a keys/query for newly tracked members; it must reach
	// the server before key sharing can target their devices.
	requests, err := engine.OutgoingRequests()
	if err != nil {
		return false, fmt.Errorf("client: draining outgoing requests: %w", err)
	}
	c.dispatcher.dispatch(ctx, engine, requests)

	_, err = engine.Encrypt(roomID, "m.room.message", trialPlaintext)
	if err == nil {
		return true, nil
	}
	if !cryptoengine.IsSessionFault(err) {
		return false, fmt.Errorf("client: trial encryption in %s: %w", roomID, err)
	}

	c.logger.Info("establishing room key",
		"room_id", roomID,
		"members", len(members),
		"cause", err)

	shares, err := engine.ShareRoomKey(roomID, members, settings)
	if err != nil {
		return false, fmt.Errorf("client: sharing room key for %s: %w", roomID, err)
	}
	c.dispatcher.dispatch(ctx, engine, shares)

	// Give recipients a moment to process the to-device delivery.
	// A heuristic, not a guarantee: the retry below is the real test.
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-c.clock.After(c.propagationDelay):
	}

	if _, err := engine.Encrypt(roomID, "m.room.message", trialPlaintext); err != nil {
		return false, fmt.Errorf("client: room %s still unencryptable after key share: %w", roomID, err)
	}
	return true, nil
}

// probeEncryptionState checks the room's m.room.encryption state with
// a short timeout. Returns the session settings to use and whether
// the room is encrypted.
func (c *Client) probeEncryptionState(ctx context.Context, roomID ref.RoomID) (cryptoengine.EncryptionSettings, bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, c.stateProbeTimeout)
	defer cancel()

	content, err := c.session.RoomEncryptionState(probeCtx, roomID)
	switch {
	case err == nil:
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		return cryptoengine.EncryptionSettings{}, false, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		c.logger.Warn("encryption state probe timed out; treating room as unencrypted",
			"room_id", roomID)
		return cryptoengine.EncryptionSettings{}, false, nil
	default:
		return cryptoengine.EncryptionSettings{}, false, err
	}

	settings := cryptoengine.DefaultEncryptionSettings()
	if content.Algorithm != "" {
		settings.Algorithm = content.Algorithm
	}
	if content.RotationPeriodMillis > 0 {
		settings.RotationPeriodMillis = content.RotationPeriodMillis
	}
	if content.RotationMessages > 0 {
		settings.RotationMessages = content.RotationMessages
	}
	return settings, true, nil
}

// SendEncryptedMessage sends a message to a room, encrypting when the
// room calls for it. Encryption setup is bounded by the configured
// end-to-end timeout; on expiry the message is reported not sent via
// ErrSendTimeout. Unencrypted rooms get the content as a plaintext
// m.room.message.
func (c *Client) SendEncryptedMessage(ctx context.Context, roomID ref.RoomID, content json.RawMessage) (ref.EventID, error) {
	engine := c.currentEngine()
	if engine == nil {
		return ref.EventID{}, cryptoengine.ErrNotInitialized
	}

	setupCtx, cancel := context.WithTimeout(ctx, c.setupTimeout)
	defer cancel()

	encrypted, err := c.EnsureRoomEncryption(setupCtx, roomID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return ref.EventID{}, fmt.Errorf("%w: encryption setup for %s", ErrSendTimeout, roomID)
		}
		return ref.EventID{}, fmt.Errorf("%w: %v", ErrEncryptionSetup, err)
	}

	if !encrypted {
		eventID, err := c.session.SendEvent(ctx, roomID, "m.room.message", content)
		if err != nil {
			return ref.EventID{}, err
		}
		return eventID, nil
	}

	ciphertext, err := engine.Encrypt(roomID, "m.room.message", content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("%w: %v", ErrEncryptionSetup, err)
	}
	eventID, err := c.session.SendEvent(ctx, roomID, "m.room.encrypted", ciphertext)
	if err != nil {
		return ref.EventID{}, err
	}
	return eventID, nil
}
