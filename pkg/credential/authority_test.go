package credential

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/peerframe/screenshotd/pkg/db"
	"github.com/peerframe/screenshotd/pkg/store"
)

func newTestAuthority(t *testing.T) (*Authority, *store.Repository, *sql.DB) {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewAuthority(conn, []byte("test-secret")), store.NewRepository(conn), conn
}

func TestAuthority_IssueAndValidate(t *testing.T) {
	auth, repo, _ := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 1, time.Hour)

	token, err := auth.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("failed to issue credential: %v", err)
	}

	grant, err := auth.Validate(ctx, token)
	if err != nil {
		t.Fatalf("failed to validate credential: %v", err)
	}
	if grant.RequestID != requestID || grant.PeerID != "peer-a" || grant.CatalogID != "catalog-1" {
		t.Errorf("unexpected grant: %+v", grant)
	}
}

func TestAuthority_ValidateIsSingleUse(t *testing.T) {
	auth, repo, _ := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	token, _ := auth.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	if _, err := auth.Validate(ctx, token); err != nil {
		t.Fatalf("first validate failed: %v", err)
	}

	_, err := auth.Validate(ctx, token)
	if !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Errorf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}

func TestAuthority_ConcurrentValidateExactlyOneSuccess(t *testing.T) {
	auth, repo, _ := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	token, _ := auth.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	const callers = 10
	var wg sync.WaitGroup
	results := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := auth.Validate(ctx, token)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, replays := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrTokenAlreadyUsed):
			replays++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if replays != callers-1 {
		t.Errorf("replays = %d, want %d", replays, callers-1)
	}
}

func TestAuthority_ValidateExpired(t *testing.T) {
	auth, repo, _ := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	token, _ := auth.Issue(ctx, requestID, "peer-a", "catalog-1", -time.Minute)

	_, err := auth.Validate(ctx, token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestAuthority_ValidateUnknown(t *testing.T) {
	auth, _, _ := newTestAuthority(t)

	_, err := auth.Validate(context.Background(), "not-a-token")
	if !errors.Is(err, ErrTokenUnknown) {
		t.Errorf("expected ErrTokenUnknown for garbage, got %v", err)
	}

	// Signed by a different secret: refused before touching the database.
	foreign, repo, _ := newTestAuthority(t)
	requestID, _ := repo.Create(context.Background(), "catalog-1", "", 1, time.Hour)
	foreignToken, _ := foreign.Issue(context.Background(), requestID, "peer-a", "catalog-1", time.Minute)

	_, err = auth.Validate(context.Background(), foreignToken)
	if !errors.Is(err, ErrTokenUnknown) {
		t.Errorf("expected ErrTokenUnknown for foreign signature, got %v", err)
	}
}

func TestAuthority_IssueRefusedForTerminalRequest(t *testing.T) {
	auth, repo, _ := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	repo.Transition(ctx, requestID, store.NonTerminal, store.StateExpired)

	_, err := auth.Issue(ctx, requestID, "peer-a", "catalog-1", time.Minute)
	if !errors.Is(err, ErrIssuance) {
		t.Errorf("expected ErrIssuance, got %v", err)
	}

	_, err = auth.Issue(ctx, "no-such-request", "peer-a", "catalog-1", time.Minute)
	if !errors.Is(err, ErrIssuance) {
		t.Errorf("expected ErrIssuance for unknown request, got %v", err)
	}
}

func TestAuthority_RevokeBlocksLateUploads(t *testing.T) {
	auth, repo, _ := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 2, time.Hour)
	tokenA, _ := auth.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)
	tokenB, _ := auth.Issue(ctx, requestID, "peer-b", "catalog-1", 30*time.Minute)

	if _, err := auth.Validate(ctx, tokenA); err != nil {
		t.Fatalf("validate before revoke failed: %v", err)
	}

	revoked, err := auth.Revoke(ctx, requestID)
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if revoked != 1 {
		t.Errorf("revoked = %d, want 1 (tokenA already consumed)", revoked)
	}

	_, err = auth.Validate(ctx, tokenB)
	if !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Errorf("expected ErrTokenAlreadyUsed after revoke, got %v", err)
	}
}

func TestAuthority_PurgeSpent(t *testing.T) {
	auth, repo, conn := newTestAuthority(t)
	ctx := context.Background()

	requestID, _ := repo.Create(ctx, "catalog-1", "", 2, time.Hour)
	token, _ := auth.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)
	auth.Issue(ctx, requestID, "peer-b", "catalog-1", 30*time.Minute)
	auth.Validate(ctx, token)

	// Inside the retention window nothing is purged.
	purged, err := auth.PurgeSpent(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 0 {
		t.Errorf("purged = %d, want 0 within retention", purged)
	}

	// Past the window the consumed credential goes; the live one stays.
	purged, err = auth.PurgeSpent(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	var remaining int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM credentials`).Scan(&remaining); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining credentials = %d, want 1", remaining)
	}
}
