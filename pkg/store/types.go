package store

import (
	"errors"
	"time"
)

// State is the lifecycle state of a screenshot request.
type State string

const (
	StatePendingDispatch State = "pending_dispatch"
	StateAwaitingUploads State = "awaiting_uploads"
	StateCompleted       State = "completed"
	StatePartial         State = "partial"
	StateExpired         State = "expired"
	StateFailed          State = "failed"
)

// NonTerminal lists the states a request can still leave.
var NonTerminal = []State{StatePendingDispatch, StateAwaitingUploads}

// Terminal reports whether s permits no further transition.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartial, StateExpired, StateFailed:
		return true
	}
	return false
}

// Request is one tracked screenshot-capture workflow.
type Request struct {
	RequestID        string
	CatalogID        string
	RequesterService string
	ExpectedCount    int
	ReceivedCount    int
	State            State
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UpdatedAt        time.Time
}

// UploadRecord is append-only evidence that one peer delivered one screenshot.
type UploadRecord struct {
	ID         int64
	RequestID  string
	PeerID     string
	StorageKey string
	ReceivedAt time.Time
}

var (
	// ErrUnknownRequest is returned when no request exists for the given id.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrRequestTerminal is returned when an upload arrives for a request
	// that already reached a terminal state.
	ErrRequestTerminal = errors.New("request already terminal")
)
