// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/ref"
	"github.com/feverdream-chat/feverdream/messaging"
)

// newTestClient builds a Client wired to a test homeserver and a fake
// engine, with short timeouts so failing paths stay fast.
func newTestClient(t *testing.T, handler http.Handler, engine cryptoengine.Engine) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	transport, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: server.URL,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	session, err := transport.SessionFromToken(
		ref.MustParseUserID("@alice:example.org"),
		ref.MustParseDeviceID("DEVICE1"),
		"syt_test_token")
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	statePath := filepath.Join(t.TempDir(), "session.json")
	state := &SessionState{
		UserID:      ref.MustParseUserID("@alice:example.org"),
		DeviceID:    ref.MustParseDeviceID("DEVICE1"),
		AccessToken: "syt_test_token",
		Homeserver:  server.URL,
	}
	if err := SaveSessionState(statePath, state); err != nil {
		t.Fatalf("SaveSessionState: %v", err)
	}

	c, err := New(Config{
		Session:           session,
		State:             state,
		StatePath:         statePath,
		Engine:            engine,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		SyncInterval:      time.Millisecond,
		LongPollTimeout:   time.Millisecond,
		StateProbeTimeout: 100 * time.Millisecond,
		PropagationDelay:  time.Millisecond,
		SetupTimeout:      time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// recordedRequest captures one HTTP request seen by the fake server.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// recordingHandler records every request and answers with the given
// responder (default: empty JSON object).
type recordingHandler struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responder func(w http.ResponseWriter, r *http.Request, body []byte) bool
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	h.mu.Lock()
	h.requests = append(h.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   body,
	})
	h.mu.Unlock()

	if h.responder != nil && h.responder(w, r, body) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{}`))
}

func (h *recordingHandler) recorded() []recordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]recordedRequest, len(h.requests))
	copy(out, h.requests)
	return out
}
