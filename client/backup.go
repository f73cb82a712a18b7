// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/lib/recoverykey"
)

// BackupAlgorithm is the single supported server-side key backup
// algorithm.
const BackupAlgorithm = "m.megolm_backup.v1.curve25519-aes-sha2"

// backupAuthData is the auth_data of a backup version: the recovery
// key's public half, with an empty signature map (this device does
// not cross-sign the backup).
type backupAuthData struct {
	PublicKey  string            `json:"public_key"`
	Signatures map[string]string `json:"signatures"`
}

// EnableBackup creates a server-side key backup: generates a recovery
// key, registers a backup version carrying its public key, points the
// engine at it, and uploads the current room keys. Returns the
// recovery key's text encoding — a display-once secret the core does
// not retain. Any network failure aborts the whole operation.
func (c *Client) EnableBackup(ctx context.Context) (string, error) {
	engine := c.currentEngine()
	if engine == nil {
		return "", cryptoengine.ErrNotInitialized
	}

	key, err := recoverykey.Generate()
	if err != nil {
		return "", fmt.Errorf("client: generating recovery key: %w", err)
	}
	defer key.Zero()

	publicKey, err := key.PublicKeyBase64()
	if err != nil {
		return "", fmt.Errorf("client: deriving backup public key: %w", err)
	}

	version, err := c.session.CreateBackupVersion(ctx, BackupAlgorithm, backupAuthData{
		PublicKey:  publicKey,
		Signatures: map[string]string{},
	})
	if err != nil {
		return "", fmt.Errorf("client: creating backup version: %w", err)
	}

	if err := engine.EnableBackupV1(publicKey, version); err != nil {
		return "", fmt.Errorf("client: enabling backup in engine: %w", err)
	}
	if err := engine.SaveRecoveryKey(key, version); err != nil {
		return "", fmt.Errorf("client: saving recovery key in engine: %w", err)
	}

	request, err := engine.BackupRoomKeys()
	if err != nil {
		return "", fmt.Errorf("client: collecting room keys for backup: %w", err)
	}
	if request != nil {
		if err := c.session.BackupKeys(ctx, request.Version, request.Rooms); err != nil {
			return "", fmt.Errorf("client: uploading room keys: %w", err)
		}
	}

	c.logger.Info("key backup enabled", "version", version)
	return key.Encode(), nil
}

// RestoreFromBackup downloads the server-side key backup and imports
// its room keys using the given recovery key. Returns the number of
// keys imported; zero is a successful no-op. The algorithm must match
// BackupAlgorithm — anything else is a hard failure with no partial
// import. onProgress may be nil.
func (c *Client) RestoreFromBackup(ctx context.Context, recoveryKeyText string, onProgress func(imported, total int)) (int, error) {
	engine := c.currentEngine()
	if engine == nil {
		return 0, cryptoengine.ErrNotInitialized
	}

	key, err := recoverykey.Decode(recoveryKeyText)
	if err != nil {
		return 0, fmt.Errorf("client: parsing recovery key: %w", err)
	}
	defer key.Zero()

	info, err := c.session.BackupInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("client: fetching backup info: %w", err)
	}
	if info.Algorithm != BackupAlgorithm {
		return 0, fmt.Errorf("client: unsupported backup algorithm %q (only %s)", info.Algorithm, BackupAlgorithm)
	}

	archive, err := c.session.BackupArchive(ctx, info.Version)
	if err != nil {
		return 0, fmt.Errorf("client: downloading backup archive: %w", err)
	}

	// The engine needs the key saved before it can decrypt the archive.
	if err := engine.SaveRecoveryKey(key, info.Version); err != nil {
		return 0, fmt.Errorf("client: saving recovery key in engine: %w", err)
	}

	imported, err := engine.ImportRoomKeysFromBackup(archive, info.Version, onProgress)
	if err != nil {
		return 0, fmt.Errorf("client: importing room keys: %w", err)
	}

	c.logger.Info("restored room keys from backup",
		"version", info.Version,
		"imported", imported)
	return imported, nil
}
