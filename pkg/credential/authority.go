// Package credential issues and validates single-use upload credentials.
// A credential is an HS256 JWT binding (request, peer, catalog item) plus a
// durable row whose consumed flag is flipped by a test-and-set UPDATE. The
// JWT proves the token was minted here; the row is what makes it single-use,
// and it survives process restarts.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	apperrors "github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/store"
)

var (
	// ErrIssuance is returned when a credential cannot be minted, e.g. the
	// parent request is unknown or already terminal.
	ErrIssuance = errors.New("credential issuance refused")
	// ErrTokenAlreadyUsed is returned when the credential was consumed before,
	// by an earlier upload or by revocation.
	ErrTokenAlreadyUsed = errors.New("token already used")
	// ErrTokenExpired is returned when the credential's deadline has passed.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenUnknown is returned for tokens this authority never issued.
	ErrTokenUnknown = errors.New("token unknown")
)

// Consumption reasons persisted for anti-replay auditing.
const (
	reasonUsed    = "used"
	reasonRevoked = "revoked"
)

// Grant is what a successfully validated credential authorizes.
type Grant struct {
	RequestID string
	PeerID    string
	CatalogID string
}

type tokenClaims struct {
	TokenID   string `json:"token_id"`
	RequestID string `json:"request_id"`
	PeerID    string `json:"peer_id"`
	CatalogID string `json:"catalog_id"`
	jwt.RegisteredClaims
}

// Authority mints and validates credentials against the shared database.
type Authority struct {
	db     *sql.DB
	secret []byte
}

// NewAuthority creates a credential authority signing with the given secret.
func NewAuthority(db *sql.DB, secret []byte) *Authority {
	return &Authority{db: db, secret: secret}
}

// Issue mints a single-use credential for (requestID, peerID, catalogID)
// valid for ttl. It refuses with ErrIssuance when the request is unknown or
// already terminal, so no new upload rights appear after finalization.
func (a *Authority) Issue(ctx context.Context, requestID, peerID, catalogID string, ttl time.Duration) (string, error) {
	var state string
	err := a.db.QueryRowContext(ctx,
		`SELECT state FROM screenshot_requests WHERE request_id = ?`, requestID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", ErrIssuance
	}
	if err != nil {
		return "", apperrors.Wrap(err, "failed to query request state")
	}
	if store.State(state).Terminal() {
		slog.Info("credential_issue_refused", "request_id", requestID, "state", state)
		return "", ErrIssuance
	}

	tokenID := uuid.NewString()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	claims := tokenClaims{
		TokenID:   tokenID,
		RequestID: requestID,
		PeerID:    peerID,
		CatalogID: catalogID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to sign token")
	}

	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO credentials (token_id, request_id, peer_id, catalog_id, issued_at, expires_at, consumed)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, tokenID, requestID, peerID, catalogID, now, expiresAt); err != nil {
		slog.Error("credential_persist_failed", "request_id", requestID, "peer_id", peerID, "error", err)
		return "", apperrors.Wrap(err, "failed to persist credential")
	}

	slog.Info("credential_issued",
		"token_id", tokenID,
		"request_id", requestID,
		"peer_id", peerID,
		"expires_at", expiresAt)
	return token, nil
}

// Validate checks the token and atomically consumes it. Exactly one of any
// number of concurrent calls with the same token succeeds; the rest get
// ErrTokenAlreadyUsed. The consumption is a single conditional UPDATE, the
// core anti-replay test-and-set.
func (a *Authority) Validate(ctx context.Context, token string) (*Grant, error) {
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenUnknown
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		slog.Info("credential_parse_rejected", "error", err)
		return nil, ErrTokenUnknown
	}

	now := time.Now().UTC()
	res, err := a.db.ExecContext(ctx, `
		UPDATE credentials
		SET consumed = 1, consumed_reason = ?, consumed_at = ?
		WHERE token_id = ? AND consumed = 0 AND expires_at > ?
	`, reasonUsed, now, claims.TokenID, now)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to consume credential")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return nil, a.classifyRejection(ctx, claims.TokenID)
	}

	slog.Info("credential_consumed",
		"token_id", claims.TokenID,
		"request_id", claims.RequestID,
		"peer_id", claims.PeerID)
	return &Grant{
		RequestID: claims.RequestID,
		PeerID:    claims.PeerID,
		CatalogID: claims.CatalogID,
	}, nil
}

// classifyRejection reads the credential row to explain a failed test-and-set.
func (a *Authority) classifyRejection(ctx context.Context, tokenID string) error {
	var consumed int
	var expiresAt time.Time
	err := a.db.QueryRowContext(ctx,
		`SELECT consumed, expires_at FROM credentials WHERE token_id = ?`, tokenID).
		Scan(&consumed, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrTokenUnknown
	}
	if err != nil {
		return apperrors.Wrap(err, "failed to query credential")
	}
	if consumed != 0 {
		return ErrTokenAlreadyUsed
	}
	return ErrTokenExpired
}

// Revoke consumes every outstanding credential for a request without granting
// access. Used on expiry and failure so late uploads fail validation. Returns
// the number of credentials revoked.
func (a *Authority) Revoke(ctx context.Context, requestID string) (int, error) {
	res, err := a.db.ExecContext(ctx, `
		UPDATE credentials
		SET consumed = 1, consumed_reason = ?, consumed_at = ?
		WHERE request_id = ? AND consumed = 0
	`, reasonRevoked, time.Now().UTC(), requestID)
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to revoke credentials")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		slog.Info("credentials_revoked", "request_id", requestID, "count", rows)
	}
	return int(rows), nil
}

// PurgeSpent deletes consumed or expired credentials past the retention
// window. Rows inside the window are kept for anti-replay auditing.
func (a *Authority) PurgeSpent(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := a.db.ExecContext(ctx, `
		DELETE FROM credentials
		WHERE (consumed = 1 AND consumed_at <= ?)
		   OR (consumed = 0 AND expires_at <= ?)
	`, olderThan.UTC(), olderThan.UTC())
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to purge credentials")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to get rows affected")
	}
	if rows > 0 {
		slog.Info("credentials_purged", "count", rows)
	}
	return int(rows), nil
}
