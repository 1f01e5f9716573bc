// Package notifier emits the single outward completion signal per request.
// Idempotency comes from an emission marker row inserted before publishing:
// the insert is keyed by request id, so redelivered triggers short-circuit
// instead of producing a second emission. A publish failure after the marker
// commits means at-most-once completion; the marker row keeps the payload so
// the event can be re-published by hand.
package notifier

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/peerframe/screenshotd/pkg/bus"
	"github.com/peerframe/screenshotd/pkg/errors"
)

// Publisher is the outward channel for completion events.
type Publisher interface {
	PublishCompleted(ctx context.Context, ev bus.CompletedEvent) error
}

// URLSigner resolves a storage key to a fetchable URL for downstream
// consumers.
type URLSigner interface {
	PresignGet(ctx context.Context, key string) (string, error)
}

// Notifier records emission markers and publishes completion events.
type Notifier struct {
	db        *sql.DB
	publisher Publisher
	signer    URLSigner
}

// NewNotifier creates a completion notifier.
func NewNotifier(db *sql.DB, publisher Publisher, signer URLSigner) *Notifier {
	return &Notifier{db: db, publisher: publisher, signer: signer}
}

// Notify emits the completion event for requestID unless one was already
// emitted. Safe to call from racing finalizers; only the caller whose marker
// insert wins publishes.
func (n *Notifier) Notify(ctx context.Context, requestID, catalogID, finalState string, storageKeys []string) error {
	ev := bus.CompletedEvent{
		RequestID:   requestID,
		CatalogID:   catalogID,
		FinalState:  finalState,
		StorageKeys: storageKeys,
		EmittedAt:   time.Now().UTC(),
	}

	for _, key := range storageKeys {
		signedURL, err := n.signer.PresignGet(ctx, key)
		if err != nil {
			// Keys are still authoritative; a missing URL should not block
			// the one completion signal this request will ever get.
			slog.Error("notifier_presign_failed", "request_id", requestID, "storage_key", key, "error", err)
			continue
		}
		ev.ScreenshotURLs = append(ev.ScreenshotURLs, signedURL)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal completion event")
	}

	res, err := n.db.ExecContext(ctx, `
		INSERT INTO completion_emissions (request_id, catalog_id, final_state, payload, emitted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, catalogID, finalState, string(payload), ev.EmittedAt)
	if err != nil {
		return errors.Wrap(err, "failed to record emission marker")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Info("notifier_already_emitted", "request_id", requestID)
		return nil
	}

	if err := n.publisher.PublishCompleted(ctx, ev); err != nil {
		slog.Error("notifier_publish_failed", "request_id", requestID, "final_state", finalState, "error", err)
		return errors.Wrap(err, "failed to publish completion event")
	}

	slog.Info("notifier_completion_emitted",
		"request_id", requestID,
		"final_state", finalState,
		"screenshot_count", len(storageKeys))
	return nil
}
