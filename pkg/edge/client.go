// Package edge is the HTTP client for the edge-notification service, the
// channel through which a capture request and its upload credential reach a
// peer. Dispatch failures are per-peer and never fatal to the request.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/peerframe/screenshotd/pkg/errors"
)

// Dispatch is one capture instruction for one peer.
type Dispatch struct {
	PeerID    string `json:"peer_id"`
	CatalogID string `json:"catalog_id"`
	RequestID string `json:"request_id"`
	Token     string `json:"token"`
	UploadURL string `json:"screenshot_upload_url"`
}

// Client sends dispatches to the edge service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an edge client against baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send delivers one dispatch to the edge node fronting the peer. The edge
// service acknowledges with 202; anything else is a dispatch failure.
func (c *Client) Send(ctx context.Context, edgeID string, d Dispatch) error {
	endpoint := fmt.Sprintf("%s/api/edge/%s/screenshot/request", c.baseURL, url.PathEscape(edgeID))

	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dispatch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build dispatch request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("edge_dispatch_failed", "edge_id", edgeID, "peer_id", d.PeerID, "error", err)
		return errors.Wrap(err, "edge dispatch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		slog.Error("edge_dispatch_rejected", "edge_id", edgeID, "peer_id", d.PeerID, "status", resp.StatusCode)
		return fmt.Errorf("edge service returned status %d", resp.StatusCode)
	}

	slog.Info("edge_dispatch_sent", "edge_id", edgeID, "peer_id", d.PeerID, "request_id", d.RequestID)
	return nil
}
