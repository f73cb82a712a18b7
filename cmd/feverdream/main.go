// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Feverdream is the command-line entry point for the sync/session
// orchestration core. It manages the persisted session record and runs
// the sync loop:
//
//	feverdream login --homeserver URL --user NAME
//	feverdream whoami
//	feverdream sync
//	feverdream logout
//
// Login prompts for the password on stdin, authenticates against the
// homeserver, and writes the session record. Whoami validates the
// stored access token against the server. Sync validates the session
// and drives sync rounds until interrupted, persisting the message
// cache across runs. Logout invalidates the token and clears the
// record.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/feverdream-chat/feverdream/client"
	"github.com/feverdream-chat/feverdream/lib/config"
	"github.com/feverdream-chat/feverdream/lib/secret"
	"github.com/feverdream-chat/feverdream/messaging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: feverdream <login|whoami|sync|logout> [flags]")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "login":
		return runLogin(ctx, args[1:], logger)
	case "whoami":
		return runWhoAmI(ctx, args[1:], logger)
	case "sync":
		return runSync(ctx, args[1:], logger)
	case "logout":
		return runLogout(ctx, args[1:], logger)
	default:
		return fmt.Errorf("unknown command %q (want login, whoami, sync, or logout)", args[0])
	}
}

// loadConfig resolves the configuration file: --config flag first,
// FEVERDREAM_CONFIG second, built-in defaults last.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv(config.EnvVar)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func sessionPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "session.json")
}

func snapshotPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "cache.snapshot")
}

func runLogin(ctx context.Context, args []string, logger *slog.Logger) error {
	flagSet := pflag.NewFlagSet("login", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "configuration file (or set "+config.EnvVar+")")
	homeserver := flagSet.String("homeserver", "", "Matrix homeserver URL (overrides config)")
	username := flagSet.String("user", "", "username to log in as (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *homeserver != "" {
		cfg.HomeserverURL = *homeserver
	}
	if cfg.HomeserverURL == "" {
		return fmt.Errorf("--homeserver is required (or set homeserver_url in the config)")
	}
	if *username == "" {
		return fmt.Errorf("--user is required")
	}

	password, err := promptPassword()
	if err != nil {
		return err
	}
	defer password.Close()

	transport, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	session, err := transport.Login(ctx, *username, password)
	if err != nil {
		return err
	}
	defer session.Close()

	state := &client.SessionState{
		UserID:      session.UserID(),
		DeviceID:    session.DeviceID(),
		AccessToken: session.AccessToken(),
		Homeserver:  cfg.HomeserverURL,
	}
	path := sessionPath(cfg)
	if err := client.SaveSessionState(path, state); err != nil {
		return err
	}

	fmt.Printf("logged in as %s (device %s); session saved to %s\n",
		session.UserID(), session.DeviceID(), path)
	return nil
}

func runWhoAmI(ctx context.Context, args []string, logger *slog.Logger) error {
	session, _, _, cleanup, err := resumeSession(args, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	identity, err := session.WhoAmI(ctx)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
			return fmt.Errorf("stored access token is no longer valid; log in again")
		}
		return err
	}

	fmt.Printf("%s (device %s)\n", identity.UserID, identity.DeviceID)
	return nil
}

// runSync validates the stored session, then drives sync rounds until
// the context is cancelled. The message cache is reloaded from the
// last run's snapshot and written back on exit, so a restarted process
// can serve cached messages before its first round completes. The
// encryption engine is attached by the embedding application via
// Client.SetEngine; until then rounds are skipped at the normal
// interval.
func runSync(ctx context.Context, args []string, logger *slog.Logger) error {
	session, state, cfg, cleanup, err := resumeSession(args, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	identity, err := session.WhoAmI(ctx)
	if err != nil {
		if messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
			return fmt.Errorf("stored access token is no longer valid; log in again")
		}
		return err
	}

	c, err := client.New(syncClientConfig(cfg, session, state, sessionPath(cfg), logger))
	if err != nil {
		return err
	}

	snapshot := snapshotPath(cfg)
	if err := c.Cache().LoadSnapshot(snapshot); err != nil {
		// A missing snapshot is a first run; anything else starts empty.
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("cache snapshot not loaded", "path", snapshot, "error", err)
		}
	}

	logger.Info("sync loop starting",
		"user_id", identity.UserID,
		"device_id", identity.DeviceID)
	c.RunSyncLoop(ctx)

	if err := c.Cache().SaveSnapshot(snapshot); err != nil {
		return fmt.Errorf("saving cache snapshot: %w", err)
	}
	logger.Info("sync loop stopped", "snapshot", snapshot)
	return nil
}

// syncClientConfig maps the file configuration onto the client's
// tunables. Zero durations let client.New apply its defaults.
func syncClientConfig(cfg *config.Config, session *messaging.DirectSession, state *client.SessionState, statePath string, logger *slog.Logger) client.Config {
	return client.Config{
		Session:           session,
		State:             state,
		StatePath:         statePath,
		Logger:            logger,
		SyncInterval:      cfg.Sync.Interval.Std(),
		LongPollTimeout:   cfg.Sync.LongPollTimeout.Std(),
		StateProbeTimeout: cfg.Encryption.StateProbeTimeout.Std(),
		PropagationDelay:  cfg.Encryption.PropagationDelay.Std(),
		SetupTimeout:      cfg.Encryption.SetupTimeout.Std(),
	}
}

func runLogout(ctx context.Context, args []string, logger *slog.Logger) error {
	session, _, cfg, cleanup, err := resumeSession(args, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := session.Logout(ctx); err != nil {
		// The local record is cleared regardless: the user asked to
		// be logged out.
		logger.Warn("server-side logout failed", "error", err)
	}
	if err := client.ClearSessionState(sessionPath(cfg)); err != nil {
		return err
	}

	fmt.Println("logged out")
	return nil
}

// resumeSession loads the persisted session record and builds an
// authenticated transport session from it. The returned cleanup
// closes the session's token buffer.
func resumeSession(args []string, logger *slog.Logger) (*messaging.DirectSession, *client.SessionState, *config.Config, func(), error) {
	flagSet := pflag.NewFlagSet("session", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "configuration file (or set "+config.EnvVar+")")
	if err := flagSet.Parse(args); err != nil {
		return nil, nil, nil, nil, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	state, err := client.LoadSessionState(sessionPath(cfg))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("no saved session (run 'feverdream login'): %w", err)
	}
	if state.Homeserver != "" {
		cfg.HomeserverURL = state.Homeserver
	}

	transport, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	session, err := transport.SessionFromToken(state.UserID, state.DeviceID, state.AccessToken)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return session, state, cfg, func() { session.Close() }, nil
}

// promptPassword reads the password from stdin into guarded memory.
func promptPassword() (*secret.Buffer, error) {
	fmt.Fprint(os.Stderr, "password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("password is empty")
	}
	buffer, err := secret.NewFromString(line)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
