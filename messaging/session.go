// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/feverdream-chat/feverdream/lib/ref"
	"github.com/feverdream-chat/feverdream/lib/secret"
)

// DirectSession is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API
// calls. DirectSessions are lightweight and safe to create in large
// numbers.
//
// The access token is stored in a secret.Buffer (mmap-backed, locked
// against swap, excluded from core dumps). The caller must call Close
// when the DirectSession is no longer needed.
type DirectSession struct {
	client      *Client
	accessToken *secret.Buffer
	userID      ref.UserID
	deviceID    ref.DeviceID

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@alice:example.org").
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() ref.DeviceID {
	return s.deviceID
}

// AccessToken returns the access token as a heap string. This creates
// a brief copy from the mmap-backed buffer — use only at API boundaries
// that require a string (e.g., writing to JSON). Prefer passing the
// DirectSession itself when possible.
func (s *DirectSession) AccessToken() string {
	return s.accessToken.String()
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request to establish a fresh TCP connection.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the access token memory (zeros, unlocks, unmaps).
// Idempotent — safe to call multiple times.
func (s *DirectSession) Close() error {
	if s.accessToken != nil {
		return s.accessToken.Close()
	}
	return nil
}

// WhoAmI validates the access token against the server and returns the
// identity it belongs to. Useful for checking whether a stored token is
// still valid before starting a sync loop.
func (s *DirectSession) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return &response, nil
}

// Logout invalidates the access token on the server. The session is
// unusable afterward; callers still own the Close call.
func (s *DirectSession) Logout(ctx context.Context) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", s.accessToken, struct{}{})
	if err != nil {
		return fmt.Errorf("messaging: logout failed: %w", err)
	}
	return nil
}

// SyncRaw performs one /sync round and returns the raw response body.
// Callers that need the parsed envelope use Sync; the raw form exists
// so the sync processor can salvage the next_batch token from an
// envelope that fails full parsing.
func (s *DirectSession) SyncRaw(ctx context.Context, options SyncOptions) ([]byte, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.Timeout > 0 {
		query.Set("timeout", strconv.FormatInt(options.Timeout.Milliseconds(), 10))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}
	return body, nil
}

// Sync performs one /sync round and parses the envelope.
func (s *DirectSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	body, err := s.SyncRaw(ctx, options)
	if err != nil {
		return nil, err
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// SendEvent sends an event of any type to a room.
// Uses Matrix's idempotent PUT with a generated transaction ID.
// Returns the event ID.
func (s *DirectSession) SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error) {
	return s.SendEventWithTxn(ctx, roomID, eventType, s.nextTransactionID(), content)
}

// SendEventWithTxn sends an event with a caller-supplied transaction
// ID. Re-sending with the same transaction ID is a server-side no-op,
// so callers that may retry a send derive the ID from the content.
func (s *DirectSession) SendEventWithTxn(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, transactionID string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, content)
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send event to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// SendToDevice delivers per-device payloads
// (PUT /sendToDevice/{eventType}/{txnId}). messages is the
// {"user": {"device": content}} map, passed through verbatim.
func (s *DirectSession) SendToDevice(ctx context.Context, eventType ref.EventType, transactionID string, messages json.RawMessage) error {
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/%s/%s",
		url.PathEscape(eventType.String()),
		url.PathEscape(transactionID),
	)

	request := struct {
		Messages json.RawMessage `json:"messages"`
	}{Messages: messages}

	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.accessToken, request); err != nil {
		return fmt.Errorf("messaging: send to-device %s failed: %w", eventType, err)
	}
	return nil
}

// RoomEncryptionState fetches the room's m.room.encryption state event.
// A *MatrixError with code M_NOT_FOUND means the room is unencrypted.
func (s *DirectSession) RoomEncryptionState(ctx context.Context, roomID ref.RoomID) (*EncryptionStateContent, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/m.room.encryption",
		url.PathEscape(roomID.String()))

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get encryption state for %q failed: %w", roomID, err)
	}

	var content EncryptionStateContent
	if err := json.Unmarshal(body, &content); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse encryption state: %w", err)
	}
	return &content, nil
}

// JoinedMembers returns the users currently joined to a room.
func (s *DirectSession) JoinedMembers(ctx context.Context, roomID ref.RoomID) ([]ref.UserID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/joined_members",
		url.PathEscape(roomID.String()))

	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: joined members for %q failed: %w", roomID, err)
	}

	var response struct {
		Joined map[ref.UserID]json.RawMessage `json:"joined"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse joined members response: %w", err)
	}

	members := make([]ref.UserID, 0, len(response.Joined))
	for userID := range response.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// UploadKeys publishes device and one-time keys (POST /keys/upload).
// The payload comes from the encryption engine and passes through
// verbatim.
func (s *DirectSession) UploadKeys(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", s.accessToken, payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys upload failed: %w", err)
	}
	return json.RawMessage(body), nil
}

// QueryKeys fetches device keys for the given users (POST /keys/query)
// and returns the raw response body for the encryption engine.
func (s *DirectSession) QueryKeys(ctx context.Context, users []ref.UserID) (json.RawMessage, error) {
	deviceKeys := make(map[ref.UserID][]string, len(users))
	for _, userID := range users {
		deviceKeys[userID] = []string{}
	}
	request := struct {
		DeviceKeys map[ref.UserID][]string `json:"device_keys"`
	}{DeviceKeys: deviceKeys}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", s.accessToken, request)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys query failed: %w", err)
	}
	return json.RawMessage(body), nil
}

// ClaimKeys claims one-time keys (POST /keys/claim). The payload comes
// from the encryption engine and passes through verbatim.
func (s *DirectSession) ClaimKeys(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", s.accessToken, payload)
	if err != nil {
		return nil, fmt.Errorf("messaging: keys claim failed: %w", err)
	}
	return json.RawMessage(body), nil
}

// UploadSignatures publishes cross-signing signatures
// (POST /keys/signatures/upload).
func (s *DirectSession) UploadSignatures(ctx context.Context, payload json.RawMessage) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/keys/signatures/upload", s.accessToken, payload)
	if err != nil {
		return fmt.Errorf("messaging: signature upload failed: %w", err)
	}
	return nil
}

// CreateBackupVersion creates a new server-side key backup version
// (POST /room_keys/version) and returns the version identifier.
func (s *DirectSession) CreateBackupVersion(ctx context.Context, algorithm string, authData any) (string, error) {
	request := struct {
		Algorithm string `json:"algorithm"`
		AuthData  any    `json:"auth_data"`
	}{Algorithm: algorithm, AuthData: authData}

	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/room_keys/version", s.accessToken, request)
	if err != nil {
		return "", fmt.Errorf("messaging: create backup version failed: %w", err)
	}

	var response struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse backup version response: %w", err)
	}
	return response.Version, nil
}

// BackupInfo fetches the current key backup version
// (GET /room_keys/version). A *MatrixError with code M_NOT_FOUND means
// no backup exists.
func (s *DirectSession) BackupInfo(ctx context.Context) (*BackupVersionInfo, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get backup info failed: %w", err)
	}

	var info BackupVersionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse backup info: %w", err)
	}
	return &info, nil
}

// BackupKeys uploads encrypted room keys to a backup version
// (PUT /room_keys/keys?version=V). rooms is the encrypted per-room
// payload from the encryption engine, passed through verbatim.
func (s *DirectSession) BackupKeys(ctx context.Context, version string, rooms json.RawMessage) error {
	query := url.Values{}
	query.Set("version", version)

	request := struct {
		Rooms json.RawMessage `json:"rooms"`
	}{Rooms: rooms}

	if _, err := s.client.doRequest(ctx, http.MethodPut, "/_matrix/client/v3/room_keys/keys", s.accessToken, request, query); err != nil {
		return fmt.Errorf("messaging: backup keys upload failed: %w", err)
	}
	return nil
}

// BackupArchive downloads the full encrypted key archive for a backup
// version (GET /room_keys/keys?version=V). The body is opaque to the
// transport — the encryption engine decrypts it during restore.
func (s *DirectSession) BackupArchive(ctx context.Context, version string) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("version", version)

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: backup archive download failed: %w", err)
	}
	return json.RawMessage(body), nil
}

// nextTransactionID generates a unique transaction ID for idempotent sends.
func (s *DirectSession) nextTransactionID() string {
	return fmt.Sprintf("feverdream-%d-%d", time.Now().UnixMilli(), s.transactionCounter.Add(1))
}
