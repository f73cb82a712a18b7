// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/clock"
	"github.com/feverdream-chat/feverdream/lib/ref"
	"github.com/feverdream-chat/feverdream/messaging"
)

// Config holds everything a Client needs. Session, State, and
// StatePath are required; Engine may be nil, in which case sync rounds
// are skipped until SetEngine provides one.
type Config struct {
	// Session is the authenticated transport session.
	Session *messaging.DirectSession
	// State is the loaded session record; its sync token is advanced
	// and persisted to StatePath after every successful round.
	State *SessionState
	// StatePath is where the session record lives on disk.
	StatePath string
	// Engine is the encryption engine. It is wrapped with
	// cryptoengine.Serialize; callers need not pre-serialize.
	Engine cryptoengine.Engine
	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger
	// Clock drives the sync loop and propagation delays. If nil, the
	// real clock.
	Clock clock.Clock

	// SyncInterval is the pause between sync rounds (default 60s).
	SyncInterval time.Duration
	// LongPollTimeout is the server-side sync hold time (default 30s).
	LongPollTimeout time.Duration
	// StateProbeTimeout bounds the room encryption state lookup
	// (default 5s).
	StateProbeTimeout time.Duration
	// PropagationDelay is the wait after sharing a room key before
	// retrying encryption (default 3s).
	PropagationDelay time.Duration
	// SetupTimeout bounds end-to-end room encryption setup on the
	// send path (default 15s).
	SetupTimeout time.Duration
}

// Client owns one session's orchestration state. Construct with New
// at login, tear down with Logout.
type Client struct {
	session    *messaging.DirectSession
	statePath  string
	logger     *slog.Logger
	clock      clock.Clock
	cache      *MessageCache
	dispatcher *dispatcher

	syncInterval      time.Duration
	longPollTimeout   time.Duration
	stateProbeTimeout time.Duration
	propagationDelay  time.Duration
	setupTimeout      time.Duration

	// mu guards state and engine. The engine value itself serializes
	// its calls; this lock covers swapping the handle and mutating
	// the session record.
	mu     sync.Mutex
	state  *SessionState
	engine cryptoengine.Engine

	// roomLocks serializes key-sharing per room.
	roomLocksMu sync.Mutex
	roomLocks   map[ref.RoomID]*sync.Mutex
}

// New creates a Client from an authenticated session and a loaded
// session record.
func New(config Config) (*Client, error) {
	if config.Session == nil {
		return nil, fmt.Errorf("client: Session is required")
	}
	if config.State == nil {
		return nil, fmt.Errorf("client: State is required")
	}
	if config.StatePath == "" {
		return nil, fmt.Errorf("client: StatePath is required")
	}
	if err := config.State.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var engine cryptoengine.Engine
	if config.Engine != nil {
		engine = cryptoengine.Serialize(config.Engine)
	}

	c := &Client{
		session:           config.Session,
		statePath:         config.StatePath,
		logger:            logger,
		clock:             clk,
		cache:             NewMessageCache(),
		syncInterval:      durationOr(config.SyncInterval, 60*time.Second),
		longPollTimeout:   durationOr(config.LongPollTimeout, 30*time.Second),
		stateProbeTimeout: durationOr(config.StateProbeTimeout, 5*time.Second),
		propagationDelay:  durationOr(config.PropagationDelay, 3*time.Second),
		setupTimeout:      durationOr(config.SetupTimeout, 15*time.Second),
		state:             config.State,
		engine:            engine,
		roomLocks:         make(map[ref.RoomID]*sync.Mutex),
	}
	c.dispatcher = &dispatcher{session: config.Session, logger: logger}
	return c, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// SetEngine installs (or replaces) the encryption engine. The engine
// is wrapped with cryptoengine.Serialize.
func (c *Client) SetEngine(engine cryptoengine.Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if engine == nil {
		c.engine = nil
		return
	}
	c.engine = cryptoengine.Serialize(engine)
}

func (c *Client) currentEngine() cryptoengine.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}

// Cache exposes the message cache for snapshot persistence.
func (c *Client) Cache() *MessageCache {
	return c.cache
}

// GetRoomMessages returns the cached timeline for a room in insertion
// order.
func (c *Client) GetRoomMessages(roomID ref.RoomID) []TimelineEvent {
	return c.cache.RoomMessages(roomID)
}

// HasMessages reports whether a room has any cached events.
func (c *Client) HasMessages(roomID ref.RoomID) bool {
	return c.cache.HasMessages(roomID)
}

// GetRoomKeyCount reads the engine's room key counts.
func (c *Client) GetRoomKeyCount() (cryptoengine.RoomKeyCounts, error) {
	engine := c.currentEngine()
	if engine == nil {
		return cryptoengine.RoomKeyCounts{}, cryptoengine.ErrNotInitialized
	}
	return engine.RoomKeyCounts()
}

// GetIdentityKeys reads the device's public identity keys.
func (c *Client) GetIdentityKeys() (cryptoengine.IdentityKeys, error) {
	engine := c.currentEngine()
	if engine == nil {
		return cryptoengine.IdentityKeys{}, cryptoengine.ErrNotInitialized
	}
	return engine.IdentityKeys()
}

// IsKeyBackupEnabled reports whether server-side key backup is active.
func (c *Client) IsKeyBackupEnabled() bool {
	engine := c.currentEngine()
	if engine == nil {
		return false
	}
	return engine.BackupEnabled()
}

// SyncToken returns the current persisted sync token.
func (c *Client) SyncToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.SyncToken
}

// advanceSyncToken overwrites the sync token with a non-empty value
// and persists the record synchronously. Empty tokens are ignored so
// the cursor never regresses.
func (c *Client) advanceSyncToken(token string) error {
	if token == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.SyncToken = token
	return SaveSessionState(c.statePath, c.state)
}

// Logout invalidates the access token on the server and clears the
// persisted session record. Server-side failure still clears the
// local record — the caller asked to be logged out.
func (c *Client) Logout(ctx context.Context) error {
	logoutErr := c.session.Logout(ctx)
	if logoutErr != nil {
		c.logger.Warn("server-side logout failed", "error", logoutErr)
	}

	c.mu.Lock()
	c.state.AccessToken = ""
	c.state.SyncToken = ""
	c.engine = nil
	c.mu.Unlock()

	// Per-room key-share locks belong to the session; a long-lived
	// client accumulates one per touched room, so drop them with it.
	c.roomLocksMu.Lock()
	c.roomLocks = make(map[ref.RoomID]*sync.Mutex)
	c.roomLocksMu.Unlock()

	if err := ClearSessionState(c.statePath); err != nil {
		return err
	}
	return logoutErr
}
