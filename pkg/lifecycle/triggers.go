package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerframe/screenshotd/pkg/bus"
	"github.com/peerframe/screenshotd/pkg/edge"
	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/store"
)

// dispatchToPeer mints a credential and sends the capture instruction to one
// peer.
func (m *Machine) dispatchToPeer(ctx context.Context, requestID, catalogID, peerID, edgeID string) error {
	ttl, err := m.tokenTTLFor(ctx, requestID)
	if err != nil {
		return err
	}

	token, err := m.creds.Issue(ctx, requestID, peerID, catalogID, ttl)
	if err != nil {
		return errors.Wrap(err, "credential issuance failed")
	}

	return m.edge.Send(ctx, edgeID, edge.Dispatch{
		PeerID:    peerID,
		CatalogID: catalogID,
		RequestID: requestID,
		Token:     token,
		UploadURL: fmt.Sprintf("%s/api/screenshots/%s", m.limits.UploadBaseURL, catalogID),
	})
}

// tokenTTLFor clamps the credential TTL so it never outlives the request.
func (m *Machine) tokenTTLFor(ctx context.Context, requestID string) (time.Duration, error) {
	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load request")
	}

	remaining := time.Until(req.ExpiresAt)
	if remaining <= 0 {
		return 0, fmt.Errorf("request %s already past its deadline", requestID)
	}
	if remaining < m.limits.TokenTTL {
		return remaining, nil
	}
	return m.limits.TokenTTL, nil
}

// failRequest finalizes a request as failed and emits its completion signal.
func (m *Machine) failRequest(ctx context.Context, requestID, catalogID string) error {
	won, err := m.store.Transition(ctx, requestID, store.NonTerminal, store.StateFailed)
	if err != nil {
		return errors.Wrap(err, "failed to transition to failed")
	}
	if !won {
		return nil
	}

	if _, err := m.creds.Revoke(ctx, requestID); err != nil {
		slog.Error("revoke_failed", "request_id", requestID, "error", err)
	}

	return m.notifier.Notify(ctx, requestID, catalogID, string(store.StateFailed), nil)
}

// OnUpload is invoked by the upload boundary after a successful RecordUpload.
// When the request just reached its expected count, whoever wins the
// conditional transition finalizes it as completed and emits the completion
// signal. The transition accepts pending_dispatch too: the final upload can
// land before the workflow commits the awaiting transition, and such a
// request must still complete rather than sit out its TTL.
func (m *Machine) OnUpload(ctx context.Context, requestID string, received int) error {
	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to load request")
	}

	if received < req.ExpectedCount {
		slog.Info("upload_progress",
			"request_id", requestID,
			"received_count", received,
			"expected_count", req.ExpectedCount)
		return nil
	}

	won, err := m.store.Transition(ctx, requestID, store.NonTerminal, store.StateCompleted)
	if err != nil {
		return errors.Wrap(err, "failed to transition to completed")
	}
	if !won {
		// The sweeper finalized first; its outcome stands.
		return nil
	}

	if _, err := m.creds.Revoke(ctx, requestID); err != nil {
		slog.Error("revoke_failed", "request_id", requestID, "error", err)
	}

	keys, err := m.store.StorageKeys(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to collect storage keys")
	}

	return m.notifier.Notify(ctx, requestID, req.CatalogID, string(store.StateCompleted), keys)
}

// Expire finalizes a request whose deadline passed: partial when some
// screenshots arrived, expired when none did. The store decides which inside
// the conditional update itself, so an upload racing the sweeper can never
// produce an expired request with stored screenshots. Losing the transition
// race entirely is a silent no-op.
func (m *Machine) Expire(ctx context.Context, requestID string) error {
	target, won, err := m.store.FinalizeExpiry(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to transition expired request")
	}
	if !won {
		return nil
	}

	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return errors.Wrap(err, "failed to load request")
	}

	if _, err := m.creds.Revoke(ctx, requestID); err != nil {
		slog.Error("revoke_failed", "request_id", requestID, "error", err)
	}

	var keys []string
	if target == store.StatePartial {
		// Partial completions keep and reference the screenshots that did
		// arrive.
		if keys, err = m.store.StorageKeys(ctx, requestID); err != nil {
			return errors.Wrap(err, "failed to collect storage keys")
		}
	}

	slog.Info("request_expired", "request_id", requestID, "final_state", target, "received_count", req.ReceivedCount)
	return m.notifier.Notify(ctx, requestID, req.CatalogID, string(target), keys)
}

// OnPeerAvailable re-dispatches still-open requests covering catalog items a
// newly online peer holds. Per-request failures are isolated.
func (m *Machine) OnPeerAvailable(ctx context.Context, ev bus.PeerAvailableEvent) error {
	for _, catalogID := range ev.CatalogIDs {
		reqs, err := m.store.ListOpenByCatalog(ctx, catalogID)
		if err != nil {
			slog.Error("open_request_lookup_failed", "catalog_id", catalogID, "error", err)
			continue
		}

		for _, req := range reqs {
			if err := m.dispatchToPeer(ctx, req.RequestID, catalogID, ev.PeerID, ev.EdgeID); err != nil {
				slog.Error("peer_dispatch_failed",
					"request_id", req.RequestID,
					"peer_id", ev.PeerID,
					"edge_id", ev.EdgeID,
					"error", err)
				continue
			}
			slog.Info("peer_available_dispatch",
				"request_id", req.RequestID,
				"peer_id", ev.PeerID,
				"catalog_id", catalogID)
		}
	}
	return nil
}
