// Copyright 2026 The Feverdream Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/feverdream-chat/feverdream/cryptoengine"
	"github.com/feverdream-chat/feverdream/messaging"
)

// dispatcher maps engine-emitted requests onto their HTTP endpoints.
// It holds no state of its own: failures are logged and dropped, and
// the engine re-emits requests it still needs on its own schedule.
type dispatcher struct {
	session *messaging.DirectSession
	logger  *slog.Logger
}

// dispatch sends every request in order. The KeysQuery feedback edge
// needs the engine: the query response is fed back through
// ReceiveSyncChanges so the engine learns the returned device keys.
func (d *dispatcher) dispatch(ctx context.Context, engine cryptoengine.Engine, requests []cryptoengine.OutgoingRequest) {
	for _, request := range requests {
		if err := d.dispatchOne(ctx, engine, request); err != nil {
			d.logger.Warn("outgoing request failed",
				"kind", request.Kind,
				"error", err)
		}
	}
}

func (d *dispatcher) dispatchOne(ctx context.Context, engine cryptoengine.Engine, request cryptoengine.OutgoingRequest) error {
	switch request.Kind {
	case cryptoengine.KindToDevice:
		return d.session.SendToDevice(ctx, request.EventType, transactionID(request.Messages), request.Messages)

	case cryptoengine.KindKeysUpload:
		_, err := d.session.UploadKeys(ctx, request.Payload)
		return err

	case cryptoengine.KindKeysQuery:
		response, err := d.session.QueryKeys(ctx, request.Users)
		if err != nil {
			return err
		}
		_, err = engine.ReceiveSyncChanges(cryptoengine.SyncChanges{
			ChangedDevices:    request.Users,
			KeysQueryResponse: response,
		})
		if err != nil {
			return fmt.Errorf("feeding keys query response to engine: %w", err)
		}
		return nil

	case cryptoengine.KindKeysClaim:
		_, err := d.session.ClaimKeys(ctx, request.Payload)
		return err

	case cryptoengine.KindKeysBackup:
		return d.session.BackupKeys(ctx, request.Version, request.Rooms)

	case cryptoengine.KindRoomMessage:
		_, err := d.session.SendEventWithTxn(ctx, request.RoomID, request.EventType, transactionID(request.Content), request.Content)
		return err

	case cryptoengine.KindSignatureUpload:
		return d.session.UploadSignatures(ctx, request.Payload)

	default:
		return fmt.Errorf("client: unhandled outgoing request kind %v", request.Kind)
	}
}

// transactionID derives a Matrix transaction ID from the payload
// content. Engine requests carry no server transaction ID of their
// own; hashing the payload means a re-emitted identical request maps
// to the same transaction and the server deduplicates the send.
func transactionID(payload []byte) string {
	sum := blake3.Sum256(payload)
	return fmt.Sprintf("feverdream-%x", sum[:12])
}
