package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/peerframe/screenshotd/pkg/credential"
	"github.com/peerframe/screenshotd/pkg/db"
	"github.com/peerframe/screenshotd/pkg/edge"
	"github.com/peerframe/screenshotd/pkg/lifecycle"
	"github.com/peerframe/screenshotd/pkg/registry"
	"github.com/peerframe/screenshotd/pkg/store"
)

type fakeObjects struct {
	uploaded []string
	deleted  []string
}

func (f *fakeObjects) Upload(_ context.Context, key, _ string, body io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	f.uploaded = append(f.uploaded, key)
	return key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type nopRegistry struct{}

func (nopRegistry) PeersWithCatalog(context.Context, string) ([]registry.Peer, error) {
	return nil, nil
}

type nopEdge struct{}

func (nopEdge) Send(context.Context, string, edge.Dispatch) error { return nil }

type recordingNotifier struct {
	count int
}

func (n *recordingNotifier) Notify(context.Context, string, string, string, []string) error {
	n.count++
	return nil
}

type fixture struct {
	server   *httptest.Server
	repo     *store.Repository
	creds    *credential.Authority
	objects  *fakeObjects
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	repo := store.NewRepository(conn)
	creds := credential.NewAuthority(conn, []byte("test-secret"))
	objects := &fakeObjects{}
	notif := &recordingNotifier{}

	machine := lifecycle.NewMachine(repo, creds, nopRegistry{}, nopEdge{}, notif, lifecycle.Limits{
		MaxScreenshots: 10,
		RequestTTL:     time.Hour,
		TokenTTL:       30 * time.Minute,
		UploadBaseURL:  "http://localhost:8080",
		MaxRetries:     5,
	})

	srv := httptest.NewServer(NewServer(creds, repo, machine, objects, 1024*1024).Router())
	t.Cleanup(srv.Close)

	return &fixture{server: srv, repo: repo, creds: creds, objects: objects, notifier: notif}
}

func (f *fixture) upload(t *testing.T, catalogID, token string, payload []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "screenshot.jpg")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	part.Write(payload)
	mw.Close()

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/screenshots/%s", f.server.URL, catalogID), &buf)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 2, time.Hour)
	f.repo.Transition(ctx, requestID, store.NonTerminal, store.StateAwaitingUploads)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	resp := f.upload(t, "catalog-1", token, []byte("jpeg-bytes"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	req, _ := f.repo.Get(ctx, requestID)
	if req.ReceivedCount != 1 {
		t.Errorf("received_count = %d, want 1", req.ReceivedCount)
	}
	if len(f.objects.uploaded) != 1 {
		t.Errorf("objects uploaded = %d, want 1", len(f.objects.uploaded))
	}
}

func TestUpload_FinalUploadCompletesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	f.repo.Transition(ctx, requestID, store.NonTerminal, store.StateAwaitingUploads)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	resp := f.upload(t, "catalog-1", token, []byte("jpeg-bytes"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	req, _ := f.repo.Get(ctx, requestID)
	if req.State != store.StateCompleted {
		t.Errorf("state = %s, want %s", req.State, store.StateCompleted)
	}
	if f.notifier.count != 1 {
		t.Errorf("notifications = %d, want 1", f.notifier.count)
	}
}

func TestUpload_MissingCredential(t *testing.T) {
	f := newFixture(t)

	resp := f.upload(t, "catalog-1", "", []byte("jpeg-bytes"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestUpload_ReplayedCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 2, time.Hour)
	f.repo.Transition(ctx, requestID, store.NonTerminal, store.StateAwaitingUploads)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	if resp := f.upload(t, "catalog-1", token, []byte("first")); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first upload status = %d", resp.StatusCode)
	}

	resp := f.upload(t, "catalog-1", token, []byte("replay"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	// Only the first upload reached storage or the store.
	req, _ := f.repo.Get(ctx, requestID)
	if req.ReceivedCount != 1 || len(f.objects.uploaded) != 1 {
		t.Errorf("received=%d uploaded=%d, want 1/1", req.ReceivedCount, len(f.objects.uploaded))
	}
}

func TestUpload_ExpiredCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", -time.Minute)

	resp := f.upload(t, "catalog-1", token, []byte("late"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if len(f.objects.uploaded) != 0 {
		t.Error("storage must not be touched on validation failure")
	}
}

func TestUpload_CatalogMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	resp := f.upload(t, "catalog-other", token, []byte("jpeg-bytes"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestUpload_TerminalRequestRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)
	f.repo.Transition(ctx, requestID, store.NonTerminal, store.StateExpired)

	resp := f.upload(t, "catalog-1", token, []byte("too-late"))
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if len(f.objects.uploaded) != 0 {
		t.Error("terminal request must be rejected before the storage write")
	}
}

func TestUpload_OversizedPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requestID, _ := f.repo.Create(ctx, "catalog-1", "", 1, time.Hour)
	f.repo.Transition(ctx, requestID, store.NonTerminal, store.StateAwaitingUploads)
	token, _ := f.creds.Issue(ctx, requestID, "peer-a", "catalog-1", 30*time.Minute)

	resp := f.upload(t, "catalog-1", token, bytes.Repeat([]byte("x"), 2*1024*1024))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
