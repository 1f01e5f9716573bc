// Package server is the HTTP upload boundary. Peers present their one-time
// credential and a screenshot; the handler validates the credential, writes
// the object, records the upload, and lets the lifecycle machine decide
// whether the request just completed. Credential failures are rejections,
// never 5xx.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/peerframe/screenshotd/pkg/credential"
	"github.com/peerframe/screenshotd/pkg/lifecycle"
	"github.com/peerframe/screenshotd/pkg/storage"
	"github.com/peerframe/screenshotd/pkg/store"
)

// ObjectStore is the slice of object storage the upload path needs.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// Server handles screenshot uploads from peers.
type Server struct {
	creds         *credential.Authority
	store         *store.Repository
	lifecycle     *lifecycle.Machine
	objects       ObjectStore
	maxUploadSize int64
}

// NewServer creates the upload server.
func NewServer(creds *credential.Authority, repo *store.Repository, machine *lifecycle.Machine, objects ObjectStore, maxUploadSize int64) *Server {
	return &Server{
		creds:         creds,
		store:         repo,
		lifecycle:     machine,
		objects:       objects,
		maxUploadSize: maxUploadSize,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Post("/api/screenshots/{catalogID}", s.handleUpload)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

type uploadResponse struct {
	RequestID     string `json:"request_id"`
	StorageKey    string `json:"storage_key"`
	ReceivedCount int    `json:"received_count"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	catalogID := chi.URLParam(r, "catalogID")

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing upload credential")
		return
	}

	grant, err := s.creds.Validate(ctx, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, credentialMessage(err))
		return
	}

	if grant.CatalogID != catalogID {
		slog.Info("upload_catalog_mismatch",
			"request_id", grant.RequestID,
			"token_catalog", grant.CatalogID,
			"url_catalog", catalogID)
		writeError(w, http.StatusUnauthorized, "credential not valid for this catalog item")
		return
	}

	// Reject before the storage write when the request is already final.
	// A race can still slip through; RecordUpload is the authority and the
	// orphaned object is deleted on that path.
	req, err := s.store.Get(ctx, grant.RequestID)
	if err != nil {
		writeError(w, http.StatusConflict, "request no longer accepting uploads")
		return
	}
	if req.State.Terminal() {
		writeError(w, http.StatusConflict, "request already finalized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	file, header, err := r.FormFile("file")
	if err != nil {
		// The multipart reader does not always wrap MaxBytesError.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, "screenshot exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "missing screenshot file")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}

	key, err := s.objects.Upload(ctx, storage.ObjectKey(catalogID, contentType), contentType, file)
	if err != nil {
		slog.Error("upload_storage_failed", "request_id", grant.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store screenshot")
		return
	}

	received, err := s.store.RecordUpload(ctx, grant.RequestID, grant.PeerID, key)
	if err != nil {
		if errors.Is(err, store.ErrRequestTerminal) || errors.Is(err, store.ErrUnknownRequest) {
			// Lost the race against finalization after the object was
			// written; clean up the orphan.
			if delErr := s.objects.Delete(ctx, key); delErr != nil {
				slog.Error("orphan_cleanup_failed", "storage_key", key, "error", delErr)
			}
			writeError(w, http.StatusConflict, "request no longer accepting uploads")
			return
		}
		slog.Error("upload_record_failed", "request_id", grant.RequestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to record upload")
		return
	}

	if err := s.lifecycle.OnUpload(ctx, grant.RequestID, received); err != nil {
		// The upload itself is recorded; completion will be retried by the
		// sweeper path if this request stays open past its deadline.
		slog.Error("completion_check_failed", "request_id", grant.RequestID, "error", err)
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		RequestID:     grant.RequestID,
		StorageKey:    key,
		ReceivedCount: received,
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func credentialMessage(err error) string {
	switch {
	case errors.Is(err, credential.ErrTokenAlreadyUsed):
		return "upload credential already used"
	case errors.Is(err, credential.ErrTokenExpired):
		return "upload credential expired"
	default:
		return "upload credential not recognized"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: "error", Message: message})
}
