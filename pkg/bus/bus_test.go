package bus

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestConsumer_DispatchByTopic(t *testing.T) {
	var gotRequested []RequestedEvent
	var gotPeers []PeerAvailableEvent

	c := NewConsumer(ConsumerConfig{
		RequestedTopic:     "media.screenshots.requested",
		PeerAvailableTopic: "peer.available.with_requested_media",
	}, Handlers{
		OnRequested: func(_ context.Context, ev RequestedEvent) error {
			gotRequested = append(gotRequested, ev)
			return nil
		},
		OnPeerAvailable: func(_ context.Context, ev PeerAvailableEvent) error {
			gotPeers = append(gotPeers, ev)
			return nil
		},
	})

	ctx := context.Background()

	c.dispatch(ctx, kafka.Message{
		Topic: "media.screenshots.requested",
		Value: []byte(`{"catalog_id":"catalog-1","expected_count":3,"requester_service":"indexer"}`),
	})
	c.dispatch(ctx, kafka.Message{
		Topic: "peer.available.with_requested_media",
		Value: []byte(`{"peer_id":"peer-a","edge_id":"edge-1","catalog_ids":["catalog-1","catalog-2"]}`),
	})
	// Malformed payloads and stray topics are logged, never fatal.
	c.dispatch(ctx, kafka.Message{Topic: "media.screenshots.requested", Value: []byte(`{`)})
	c.dispatch(ctx, kafka.Message{Topic: "some.other.topic", Value: []byte(`{}`)})

	if len(gotRequested) != 1 {
		t.Fatalf("requested events = %d, want 1", len(gotRequested))
	}
	if ev := gotRequested[0]; ev.CatalogID != "catalog-1" || ev.ExpectedCount != 3 || ev.RequesterService != "indexer" {
		t.Errorf("unexpected requested event: %+v", ev)
	}

	if len(gotPeers) != 1 {
		t.Fatalf("peer events = %d, want 1", len(gotPeers))
	}
	if ev := gotPeers[0]; ev.PeerID != "peer-a" || len(ev.CatalogIDs) != 2 {
		t.Errorf("unexpected peer event: %+v", ev)
	}
}
