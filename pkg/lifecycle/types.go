package lifecycle

import (
	"errors"

	"github.com/peerframe/screenshotd/pkg/registry"
)

// CaptureRequest is the dispatch workflow input, decoded from the inbound
// request event.
type CaptureRequest struct {
	CatalogID        string
	ExpectedCount    int
	RequesterService string
}

// CaptureResult is the workflow output, accumulated across transitions.
type CaptureResult struct {
	// From CreateRequest
	RequestID string

	// From FindPeers
	Peers []registry.Peer

	// From Dispatch
	Dispatched int

	// From Await/Failed
	State string
}

// Workflow state names
const (
	StateCreateRequest = "create_request"
	StateFindPeers     = "find_peers"
	StateDispatch      = "dispatch"
	StateAwait         = "await_uploads"
	StateFailed        = "failed"
)

var (
	// ErrTooManyScreenshots rejects inbound events whose expected count
	// exceeds the configured maximum. No request record is created.
	ErrTooManyScreenshots = errors.New("expected count exceeds maximum")
	// ErrNoPeers is fatal to a request: the registry returned no candidates.
	ErrNoPeers = errors.New("no peers available")
)
