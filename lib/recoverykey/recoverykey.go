// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

// Package recoverykey implements the Matrix recovery key text encoding
// used for server-side key backup: a 32-byte curve25519 private seed
// wrapped in a 2-byte prefix and a parity byte, base58-encoded for
// display, conventionally grouped into 4-character blocks.
//
// The seed is the secret that decrypts the backup archive. The derived
// curve25519 public key is published in the backup version's auth_data
// so that clients can encrypt room keys toward the backup without
// holding the secret.
package recoverykey

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/curve25519"
)

// Matrix recovery key prefix (spec: 0x8B 0x01). The prefix makes the
// base58 form recognizable and guards against pasting arbitrary
// base58 data as a recovery key.
var prefix = []byte{0x8B, 0x01}

// seedLength is the curve25519 private key length.
const seedLength = 32

// Key is a recovery key: the 32-byte private seed for the backup
// encryption keypair. Treat values as display-once secrets — encode,
// show, and discard. Zero the seed with Zero when done.
type Key struct {
	seed [seedLength]byte
}

// Generate creates a new recovery key from the system's secure random
// source.
func Generate() (Key, error) {
	var key Key
	if _, err := rand.Read(key.seed[:]); err != nil {
		return Key{}, fmt.Errorf("recoverykey: reading random seed: %w", err)
	}
	return key, nil
}

// FromSeed constructs a Key from an existing 32-byte seed. The source
// slice is not zeroed — the caller retains ownership.
func FromSeed(seed []byte) (Key, error) {
	if len(seed) != seedLength {
		return Key{}, fmt.Errorf("recoverykey: seed must be %d bytes, got %d", seedLength, len(seed))
	}
	var key Key
	copy(key.seed[:], seed)
	return key, nil
}

// Decode parses the base58 display form back into a Key. Whitespace
// (the conventional 4-character grouping) is ignored. Returns an error
// on bad base58, wrong length, wrong prefix, or parity mismatch.
func Decode(encoded string) (Key, error) {
	compact := strings.Join(strings.Fields(encoded), "")
	raw, err := base58.Decode(compact)
	if err != nil {
		return Key{}, fmt.Errorf("recoverykey: invalid base58: %w", err)
	}

	if len(raw) != len(prefix)+seedLength+1 {
		return Key{}, fmt.Errorf("recoverykey: decoded length %d, want %d", len(raw), len(prefix)+seedLength+1)
	}
	if raw[0] != prefix[0] || raw[1] != prefix[1] {
		return Key{}, fmt.Errorf("recoverykey: bad prefix 0x%02X%02X", raw[0], raw[1])
	}

	var parity byte
	for _, b := range raw[:len(raw)-1] {
		parity ^= b
	}
	if parity != raw[len(raw)-1] {
		return Key{}, fmt.Errorf("recoverykey: parity check failed (mistyped key?)")
	}

	var key Key
	copy(key.seed[:], raw[len(prefix):len(prefix)+seedLength])
	for index := range raw {
		raw[index] = 0
	}
	return key, nil
}

// Encode returns the display form: base58 of prefix||seed||parity,
// grouped into 4-character blocks separated by spaces.
func (k Key) Encode() string {
	raw := make([]byte, 0, len(prefix)+seedLength+1)
	raw = append(raw, prefix...)
	raw = append(raw, k.seed[:]...)

	var parity byte
	for _, b := range raw {
		parity ^= b
	}
	raw = append(raw, parity)

	encoded := base58.Encode(raw)
	for index := range raw {
		raw[index] = 0
	}

	var grouped strings.Builder
	for index := 0; index < len(encoded); index += 4 {
		if index > 0 {
			grouped.WriteByte(' ')
		}
		end := index + 4
		if end > len(encoded) {
			end = len(encoded)
		}
		grouped.WriteString(encoded[index:end])
	}
	return grouped.String()
}

// Seed returns a copy of the private seed. Zero the copy when done.
func (k Key) Seed() []byte {
	seed := make([]byte, seedLength)
	copy(seed, k.seed[:])
	return seed
}

// PublicKey derives the curve25519 public key for the seed. This is
// the key published in the backup version's auth_data.
func (k Key) PublicKey() ([]byte, error) {
	public, err := curve25519.X25519(k.seed[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("recoverykey: deriving public key: %w", err)
	}
	return public, nil
}

// PublicKeyBase64 returns the derived public key in the unpadded
// base64 form the Matrix backup API uses.
func (k Key) PublicKeyBase64() (string, error) {
	public, err := k.PublicKey()
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(public), nil
}

// Zero overwrites the seed in place. The Key is unusable afterwards.
func (k *Key) Zero() {
	for index := range k.seed {
		k.seed[index] = 0
	}
}
