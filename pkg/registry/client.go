// Package registry is the HTTP client for the peer-registry service, which
// answers "which peers currently hold this catalog item".
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/peerframe/screenshotd/pkg/errors"
)

// Peer is one candidate returned by the registry.
type Peer struct {
	PeerID string `json:"peer_id"`
	EdgeID string `json:"edge_id"`
}

// Client queries the peer registry.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a registry client against baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PeersWithCatalog returns the peers holding catalogID. An empty answer is
// a valid answer, not an error.
func (c *Client) PeersWithCatalog(ctx context.Context, catalogID string) ([]Peer, error) {
	endpoint := fmt.Sprintf("%s/api/peers/catalog/%s", c.baseURL, url.PathEscape(catalogID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build registry request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("registry_request_failed", "catalog_id", catalogID, "error", err)
		return nil, errors.Wrap(err, "registry request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Error("registry_bad_status", "catalog_id", catalogID, "status", resp.StatusCode)
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	var peers []Peer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		return nil, errors.Wrap(err, "failed to decode registry response")
	}

	slog.Info("registry_peers_found", "catalog_id", catalogID, "peer_count", len(peers))
	return peers, nil
}
