// Package bus carries the engine's Kafka surface: it consumes request and
// peer-availability events and publishes completion events. Everything is
// JSON on the wire, keyed so related events land on one partition.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// Publisher emits completion events to the completed topic.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher for the completed topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

// PublishCompleted publishes one completion event keyed by request id.
func (p *Publisher) PublishCompleted(ctx context.Context, ev CompletedEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal completed event")
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RequestID),
		Value: value,
	}); err != nil {
		slog.Error("bus_publish_failed", "request_id", ev.RequestID, "error", err)
		return errors.Wrap(err, "failed to publish completed event")
	}

	slog.Info("bus_completed_published",
		"request_id", ev.RequestID,
		"final_state", ev.FinalState,
		"screenshot_count", len(ev.StorageKeys))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Handlers receives decoded inbound events. Handler errors are logged and the
// message is committed anyway: redelivery cannot help a payload the engine
// already rejected, and every terminal outcome is still reachable through the
// store's conditional operations.
type Handlers struct {
	OnRequested     func(ctx context.Context, ev RequestedEvent) error
	OnPeerAvailable func(ctx context.Context, ev PeerAvailableEvent) error
}

// ConsumerConfig wires a Consumer to its topics.
type ConsumerConfig struct {
	Brokers            []string
	GroupID            string
	RequestedTopic     string
	PeerAvailableTopic string
}

// Consumer reads the two inbound topics and dispatches to Handlers.
type Consumer struct {
	cfg      ConsumerConfig
	handlers Handlers
}

// NewConsumer creates a consumer; call Run to start it.
func NewConsumer(cfg ConsumerConfig, handlers Handlers) *Consumer {
	return &Consumer{cfg: cfg, handlers: handlers}
}

// Run consumes both topics until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.cfg.Brokers,
		GroupID:     c.cfg.GroupID,
		GroupTopics: []string{c.cfg.RequestedTopic, c.cfg.PeerAvailableTopic},
	})
	defer reader.Close()

	slog.Info("bus_consumer_started",
		"group_id", c.cfg.GroupID,
		"topics", []string{c.cfg.RequestedTopic, c.cfg.PeerAvailableTopic})

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to fetch message")
		}

		c.dispatch(ctx, msg)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to commit message")
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg kafka.Message) {
	switch msg.Topic {
	case c.cfg.RequestedTopic:
		var ev RequestedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Error("bus_decode_failed", "topic", msg.Topic, "error", err)
			return
		}
		if err := c.handlers.OnRequested(ctx, ev); err != nil {
			slog.Error("bus_requested_handler_failed", "catalog_id", ev.CatalogID, "error", err)
		}
	case c.cfg.PeerAvailableTopic:
		var ev PeerAvailableEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			slog.Error("bus_decode_failed", "topic", msg.Topic, "error", err)
			return
		}
		if err := c.handlers.OnPeerAvailable(ctx, ev); err != nil {
			slog.Error("bus_peer_handler_failed", "peer_id", ev.PeerID, "error", err)
		}
	default:
		slog.Error("bus_unexpected_topic", "topic", msg.Topic)
	}
}
