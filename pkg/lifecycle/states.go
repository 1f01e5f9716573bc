package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/store"
	"github.com/superfly/fsm"
)

// handleCreateRequest validates the inbound event and allocates the request
// record in pending_dispatch.
func (m *Machine) handleCreateRequest(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResult]) (*fsm.Response[CaptureResult], error) {
	slog.Info("fsm_state_create_request", "catalog_id", req.Msg.CatalogID, "expected_count", req.Msg.ExpectedCount)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.limits.MaxRetries) {
		slog.Error("max_retries_exceeded", "catalog_id", req.Msg.CatalogID, "max_retries", m.limits.MaxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.limits.MaxRetries))
	}

	if req.Msg.ExpectedCount <= 0 {
		return nil, fsm.Abort(fmt.Errorf("expected count must be positive, got %d", req.Msg.ExpectedCount))
	}
	if req.Msg.ExpectedCount > m.limits.MaxScreenshots {
		slog.Error("request_over_limit",
			"catalog_id", req.Msg.CatalogID,
			"expected_count", req.Msg.ExpectedCount,
			"max_screenshots", m.limits.MaxScreenshots)
		return nil, fsm.Abort(ErrTooManyScreenshots)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &CaptureResult{}
	}

	// A retried create after a crash would otherwise allocate a second
	// request record.
	if resp.RequestID == "" {
		requestID, err := m.store.Create(ctx, req.Msg.CatalogID, req.Msg.RequesterService, req.Msg.ExpectedCount, m.limits.RequestTTL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create request")
		}
		resp.RequestID = requestID
	}

	return fsm.NewResponse(resp), nil
}

// handleFindPeers asks the registry for candidates; zero candidates is fatal
// to the request.
func (m *Machine) handleFindPeers(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResult]) (*fsm.Response[CaptureResult], error) {
	slog.Info("fsm_state_find_peers", "catalog_id", req.Msg.CatalogID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.limits.MaxRetries) {
		slog.Error("max_retries_exceeded", "catalog_id", req.Msg.CatalogID, "max_retries", m.limits.MaxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.limits.MaxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	peers, err := m.registry.PeersWithCatalog(ctx, req.Msg.CatalogID)
	if err != nil {
		// Transient registry trouble; the FSM retries this state.
		return nil, errors.Wrap(err, "registry lookup failed")
	}

	if len(peers) == 0 {
		slog.Info("no_peers_for_catalog", "catalog_id", req.Msg.CatalogID, "request_id", resp.RequestID)
		if err := m.failRequest(ctx, resp.RequestID, req.Msg.CatalogID); err != nil {
			return nil, errors.Wrap(err, "failed to finalize peerless request")
		}
		resp.State = string(store.StateFailed)
		return nil, fsm.Abort(ErrNoPeers)
	}

	resp.Peers = peers
	return fsm.NewResponse(resp), nil
}

// handleDispatch issues one credential per peer and sends the capture
// instruction. Per-peer failures are logged and skipped; expected_count is
// deliberately not reduced.
func (m *Machine) handleDispatch(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResult]) (*fsm.Response[CaptureResult], error) {
	slog.Info("fsm_state_dispatch", "catalog_id", req.Msg.CatalogID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.limits.MaxRetries) {
		slog.Error("max_retries_exceeded", "catalog_id", req.Msg.CatalogID, "max_retries", m.limits.MaxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.limits.MaxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	for _, peer := range resp.Peers {
		if err := m.dispatchToPeer(ctx, resp.RequestID, req.Msg.CatalogID, peer.PeerID, peer.EdgeID); err != nil {
			slog.Error("peer_dispatch_failed",
				"request_id", resp.RequestID,
				"peer_id", peer.PeerID,
				"edge_id", peer.EdgeID,
				"error", err)
			continue
		}
		resp.Dispatched++
	}

	slog.Info("dispatch_round_complete",
		"request_id", resp.RequestID,
		"peer_count", len(resp.Peers),
		"dispatched", resp.Dispatched)
	return fsm.NewResponse(resp), nil
}

// handleAwait moves the request into awaiting_uploads. A false return from
// the transition means the sweeper already finalized it, which is fine.
func (m *Machine) handleAwait(ctx context.Context, req *fsm.Request[CaptureRequest, CaptureResult]) (*fsm.Response[CaptureResult], error) {
	slog.Info("fsm_state_await", "catalog_id", req.Msg.CatalogID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	won, err := m.store.Transition(ctx, resp.RequestID,
		[]store.State{store.StatePendingDispatch}, store.StateAwaitingUploads)
	if err != nil {
		return nil, errors.Wrap(err, "failed to transition to awaiting_uploads")
	}
	if won {
		resp.State = string(store.StateAwaitingUploads)
	}

	return fsm.NewResponse(resp), nil
}
