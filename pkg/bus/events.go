package bus

import "time"

// RequestedEvent is the inbound media.screenshots.requested payload.
type RequestedEvent struct {
	CatalogID        string `json:"catalog_id"`
	ExpectedCount    int    `json:"expected_count"`
	RequesterService string `json:"requester_service,omitempty"`
}

// PeerAvailableEvent is the inbound peer.available.with_requested_media
// payload: a peer came online carrying some catalog items.
type PeerAvailableEvent struct {
	PeerID     string   `json:"peer_id"`
	EdgeID     string   `json:"edge_id"`
	CatalogIDs []string `json:"catalog_ids"`
}

// CompletedEvent is the outbound media.screenshots.completed payload, emitted
// at most once per request id.
type CompletedEvent struct {
	RequestID      string    `json:"request_id"`
	CatalogID      string    `json:"catalog_id"`
	FinalState     string    `json:"final_state"`
	StorageKeys    []string  `json:"storage_keys"`
	ScreenshotURLs []string  `json:"screenshot_urls"`
	EmittedAt      time.Time `json:"emitted_at"`
}
