// Package store is the durable record of every screenshot request: expected
// and received counts, lifecycle state, and the upload evidence trail.
// Multiple service instances may mutate the same records concurrently, so
// every mutation here is a single conditional statement; callers never get
// to read-modify-write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/peerframe/screenshotd/pkg/errors"
)

// Repository provides request store operations over the shared database.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a request store over an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create allocates a new request in pending_dispatch with the given TTL and
// returns its generated id. Bounds checking of expectedCount against the
// configured maximum is the caller's job.
func (r *Repository) Create(ctx context.Context, catalogID, requesterService string, expectedCount int, ttl time.Duration) (string, error) {
	requestID := uuid.NewString()
	now := time.Now().UTC()

	query := `
		INSERT INTO screenshot_requests
			(request_id, catalog_id, requester_service, expected_count, received_count, state, created_at, expires_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		requestID, catalogID, requesterService, expectedCount,
		string(StatePendingDispatch), now, now.Add(ttl), now)
	if err != nil {
		slog.Error("store_create_failed", "catalog_id", catalogID, "error", err)
		return "", errors.Wrap(err, "failed to insert request")
	}

	slog.Info("store_request_created",
		"request_id", requestID,
		"catalog_id", catalogID,
		"expected_count", expectedCount,
		"expires_at", now.Add(ttl))
	return requestID, nil
}

// RecordUpload appends an upload record and increments received_count in one
// transaction, returning the updated count. The increment is guarded so a
// terminal request rejects the upload and received_count can never pass
// expected_count even under concurrent uploads.
func (r *Repository) RecordUpload(ctx context.Context, requestID, peerID, storageKey string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE screenshot_requests
		SET received_count = received_count + 1, updated_at = ?
		WHERE request_id = ?
		  AND state IN (?, ?)
		  AND received_count < expected_count
	`, time.Now().UTC(), requestID, string(StatePendingDispatch), string(StateAwaitingUploads))
	if err != nil {
		slog.Error("store_record_upload_failed", "request_id", requestID, "error", err)
		return 0, errors.Wrap(err, "failed to increment received count")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		// Distinguish unknown from terminal for the upload boundary.
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM screenshot_requests WHERE request_id = ?`, requestID).Scan(&state)
		if err == sql.ErrNoRows {
			return 0, ErrUnknownRequest
		}
		if err != nil {
			return 0, errors.Wrap(err, "failed to query request state")
		}
		slog.Info("store_upload_rejected", "request_id", requestID, "state", state, "peer_id", peerID)
		return 0, ErrRequestTerminal
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO upload_records (request_id, peer_id, storage_key, received_at)
		VALUES (?, ?, ?, ?)
	`, requestID, peerID, storageKey, time.Now().UTC()); err != nil {
		return 0, errors.Wrap(err, "failed to insert upload record")
	}

	var received int
	if err := tx.QueryRowContext(ctx,
		`SELECT received_count FROM screenshot_requests WHERE request_id = ?`, requestID).Scan(&received); err != nil {
		return 0, errors.Wrap(err, "failed to read received count")
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit upload")
	}

	slog.Info("store_upload_recorded",
		"request_id", requestID,
		"peer_id", peerID,
		"storage_key", storageKey,
		"received_count", received)
	return received, nil
}

// Transition moves the request from one of the given states to the target
// state. It returns false when the precondition no longer holds, which means
// another path already moved the request; callers treat that as an expected
// race, not an error.
func (r *Repository) Transition(ctx context.Context, requestID string, from []State, to State) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source state")
	}

	query := `UPDATE screenshot_requests SET state = ?, updated_at = ? WHERE request_id = ? AND state IN (`
	args := []any{string(to), time.Now().UTC(), requestID}
	for i, s := range from {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(s))
	}
	query += ")"

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		slog.Error("store_transition_failed", "request_id", requestID, "to", to, "error", err)
		return false, errors.Wrap(err, "failed to update state")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return false, nil
	}

	slog.Info("store_state_transition", "request_id", requestID, "to", to)
	return true, nil
}

// FinalizeExpiry moves an overdue request to its expiry outcome, choosing
// expired or partial from received_count inside the conditional update so the
// classification cannot race a concurrent upload. It tries expired first;
// received_count only grows, so if that predicate fails on a live request the
// partial update matches. Returns false when the request is already terminal
// or unknown.
func (r *Repository) FinalizeExpiry(ctx context.Context, requestID string) (State, bool, error) {
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE screenshot_requests
		SET state = ?, updated_at = ?
		WHERE request_id = ? AND state IN (?, ?) AND received_count = 0
	`, string(StateExpired), now, requestID,
		string(StatePendingDispatch), string(StateAwaitingUploads))
	if err != nil {
		return "", false, errors.Wrap(err, "failed to mark request expired")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		slog.Info("store_state_transition", "request_id", requestID, "to", StateExpired)
		return StateExpired, true, nil
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE screenshot_requests
		SET state = ?, updated_at = ?
		WHERE request_id = ? AND state IN (?, ?) AND received_count > 0
	`, string(StatePartial), now, requestID,
		string(StatePendingDispatch), string(StateAwaitingUploads))
	if err != nil {
		return "", false, errors.Wrap(err, "failed to mark request partial")
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		slog.Info("store_state_transition", "request_id", requestID, "to", StatePartial)
		return StatePartial, true, nil
	}

	return "", false, nil
}

// Get retrieves a request by id.
func (r *Repository) Get(ctx context.Context, requestID string) (*Request, error) {
	query := `
		SELECT request_id, catalog_id, requester_service, expected_count, received_count, state, created_at, expires_at, updated_at
		FROM screenshot_requests WHERE request_id = ?
	`
	var req Request
	var state string
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&req.RequestID, &req.CatalogID, &req.RequesterService,
		&req.ExpectedCount, &req.ReceivedCount, &state,
		&req.CreatedAt, &req.ExpiresAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownRequest
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query request")
	}
	req.State = State(state)
	return &req, nil
}

// ListExpired returns ids of non-terminal requests whose deadline has passed,
// oldest first. The sweeper re-queries each interval, so the listing is
// restartable by construction; limit bounds one batch.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT request_id FROM screenshot_requests
		WHERE state IN (?, ?) AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query,
		string(StatePendingDispatch), string(StateAwaitingUploads), now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired requests")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan request id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "rows error")
}

// ListOpenByCatalog returns non-terminal requests for a catalog item, used
// when a peer carrying that item comes online.
func (r *Repository) ListOpenByCatalog(ctx context.Context, catalogID string) ([]*Request, error) {
	query := `
		SELECT request_id, catalog_id, requester_service, expected_count, received_count, state, created_at, expires_at, updated_at
		FROM screenshot_requests
		WHERE catalog_id = ? AND state IN (?, ?)
		ORDER BY created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, catalogID,
		string(StatePendingDispatch), string(StateAwaitingUploads))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open requests")
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		var req Request
		var state string
		if err := rows.Scan(
			&req.RequestID, &req.CatalogID, &req.RequesterService,
			&req.ExpectedCount, &req.ReceivedCount, &state,
			&req.CreatedAt, &req.ExpiresAt, &req.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan request")
		}
		req.State = State(state)
		reqs = append(reqs, &req)
	}
	return reqs, errors.Wrap(rows.Err(), "rows error")
}

// List retrieves all requests, newest first.
func (r *Repository) List(ctx context.Context) ([]*Request, error) {
	query := `
		SELECT request_id, catalog_id, requester_service, expected_count, received_count, state, created_at, expires_at, updated_at
		FROM screenshot_requests ORDER BY created_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list requests")
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		var req Request
		var state string
		if err := rows.Scan(
			&req.RequestID, &req.CatalogID, &req.RequesterService,
			&req.ExpectedCount, &req.ReceivedCount, &state,
			&req.CreatedAt, &req.ExpiresAt, &req.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan request")
		}
		req.State = State(state)
		reqs = append(reqs, &req)
	}
	return reqs, errors.Wrap(rows.Err(), "rows error")
}

// StorageKeys returns the storage keys recorded for a request in arrival order.
func (r *Repository) StorageKeys(ctx context.Context, requestID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT storage_key FROM upload_records WHERE request_id = ? ORDER BY id ASC`, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list storage keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan storage key")
		}
		keys = append(keys, key)
	}
	return keys, errors.Wrap(rows.Err(), "rows error")
}
