// Package lifecycle implements the request lifecycle state machine. The
// dispatch pipeline (create, find peers, issue credentials and dispatch,
// mark awaiting) runs as a durable superfly/fsm workflow; upload and expiry
// triggers are plain methods whose races against each other resolve through
// the store's conditional transition, never through in-process locks.
package lifecycle

import (
	"context"
	"time"

	"github.com/peerframe/screenshotd/pkg/credential"
	"github.com/peerframe/screenshotd/pkg/edge"
	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/registry"
	"github.com/peerframe/screenshotd/pkg/store"
	"github.com/superfly/fsm"
)

// PeerRegistry answers which peers hold a catalog item.
type PeerRegistry interface {
	PeersWithCatalog(ctx context.Context, catalogID string) ([]registry.Peer, error)
}

// EdgeDispatcher delivers a capture instruction to the edge node fronting a
// peer.
type EdgeDispatcher interface {
	Send(ctx context.Context, edgeID string, d edge.Dispatch) error
}

// CompletionNotifier emits the single outward completion signal.
type CompletionNotifier interface {
	Notify(ctx context.Context, requestID, catalogID, finalState string, storageKeys []string) error
}

// Limits carries the lifecycle knobs, passed in at construction.
type Limits struct {
	MaxScreenshots int
	RequestTTL     time.Duration
	TokenTTL       time.Duration
	UploadBaseURL  string
	MaxRetries     int
}

// Machine holds dependencies for lifecycle transitions.
type Machine struct {
	store    *store.Repository
	creds    *credential.Authority
	registry PeerRegistry
	edge     EdgeDispatcher
	notifier CompletionNotifier
	limits   Limits
}

// NewMachine creates a lifecycle machine with dependencies.
func NewMachine(
	repo *store.Repository,
	creds *credential.Authority,
	peerRegistry PeerRegistry,
	edgeDispatcher EdgeDispatcher,
	completionNotifier CompletionNotifier,
	limits Limits,
) *Machine {
	return &Machine{
		store:    repo,
		creds:    creds,
		registry: peerRegistry,
		edge:     edgeDispatcher,
		notifier: completionNotifier,
		limits:   limits,
	}
}

// Register registers the screenshot dispatch workflow with the FSM manager.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[CaptureRequest, CaptureResult], fsm.Resume, error) {
	start, resume, err := fsm.Register[CaptureRequest, CaptureResult](manager, "screenshot-dispatch").
		Start(StateCreateRequest, m.handleCreateRequest).
		To(StateFindPeers, m.handleFindPeers).
		To(StateDispatch, m.handleDispatch).
		To(StateAwait, m.handleAwait).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
