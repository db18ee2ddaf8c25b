package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EventSource is stamped into the metadata of every published event.
const EventSource = "catalog-extractor"

// StreamWriter appends to a Redis stream. *redis.Client satisfies it.
type StreamWriter interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
}

// OutboxStore is what the relay needs from the outbox table.
type OutboxStore interface {
	ClaimDue(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) (OutboxStatus, error)
	Backlog(ctx context.Context) (Backlog, error)
	RequeueDeadLetters(ctx context.Context) (int64, error)
}

// RelayConfig tunes the polling loop. Stream receives events stored without a
// target stream.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Stream       string
}

// Relay moves outbox events to Redis streams.
type Relay struct {
	outbox    OutboxStore
	streams   StreamWriter
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	stream    string
}

func NewRelay(db *DB, streams StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	return newRelay(NewOutboxRepository(db), streams, logger, cfg)
}

func newRelay(outbox OutboxStore, streams StreamWriter, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outbox:    outbox,
		streams:   streams,
		logger:    logger.With("component", "relay"),
		interval:  cfg.PollInterval,
		batchSize: cfg.BatchSize,
		stream:    cfg.Stream,
	}
}

// Start drains the outbox every poll interval until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay",
		"interval", r.interval,
		"batch_size", r.batchSize,
		"stream", r.stream)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.drain(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drain relays full batches back to back so a backlog clears without waiting
// a poll interval per batch.
func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.relayBatch(ctx)
		if err != nil {
			r.logger.Error("failed to relay events", "error", err)
			return
		}
		if n < r.batchSize {
			return
		}
	}
}

// relayBatch claims one batch and publishes it. It returns how many events
// were claimed. Per-event failures are recorded on the event, not returned.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.ClaimDue(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	for _, event := range events {
		if r.relay(ctx, event) {
			published++
		}
	}
	r.logger.Debug("relayed batch", "claimed", len(events), "published", published)
	return len(events), nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) bool {
	logger := r.logger.With("event_id", event.ID, "event_type", event.EventType, "aggregate_id", event.AggregateID)

	if err := r.publish(ctx, event); err != nil {
		status, markErr := r.outbox.MarkFailed(ctx, event.ID, err)
		switch {
		case markErr != nil:
			logger.Error("failed to record publish failure", "error", markErr, "cause", err)
		case status == StatusDeadLetter:
			logger.Warn("event moved to dead letter", "error", err, "attempts", event.RetryCount+1)
		default:
			logger.Warn("failed to publish event", "error", err, "attempts", event.RetryCount+1)
		}
		return false
	}

	if err := r.outbox.MarkPublished(ctx, event.ID); err != nil {
		// The lease expires and the event is published again; consumers
		// dedupe on the event id.
		logger.Error("failed to mark event published", "error", err)
		return false
	}
	return true
}

func (r *Relay) targetStream(event *OutboxEvent) string {
	if event.TargetStream != "" {
		return event.TargetStream
	}
	return r.stream
}

// streamEnvelope is the JSON stored in the data field of each stream entry.
type streamEnvelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Timestamp     string          `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      streamMetadata  `json:"metadata"`
}

type streamMetadata struct {
	Source       string `json:"source"`
	OutboxID     string `json:"outbox_id"`
	Attempt      int    `json:"attempt"`
	TargetStream string `json:"target_stream"`
}

// publish appends an event to its stream. The flat fields next to data let
// consumers filter without decoding the envelope.
func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	if !json.Valid(event.Payload) {
		return fmt.Errorf("event %s has an invalid JSON payload", event.ID)
	}

	stream := r.targetStream(event)
	data, err := json.Marshal(streamEnvelope{
		ID:            event.ID.String(),
		Type:          event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Timestamp:     event.CreatedAt.UTC().Format(time.RFC3339),
		Payload:       event.Payload,
		Metadata: streamMetadata{
			Source:       EventSource,
			OutboxID:     event.ID.String(),
			Attempt:      event.RetryCount + 1,
			TargetStream: stream,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode stream entry: %w", err)
	}

	err = r.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":           string(data),
			"event_type":     event.EventType,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
			"original_id":    event.ID.String(),
			"timestamp":      strconv.FormatInt(event.CreatedAt.UnixNano(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

// Backlog reports pending and dead-lettered counts for the health check.
func (r *Relay) Backlog(ctx context.Context) (pending, deadLetter int64, err error) {
	b, err := r.outbox.Backlog(ctx)
	if err != nil {
		return 0, 0, err
	}
	return b.Pending, b.DeadLetter, nil
}

func (r *Relay) RequeueDeadLetters(ctx context.Context) (int64, error) {
	n, err := r.outbox.RequeueDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	r.logger.Info("requeued dead letters", "count", n)
	return n, nil
}
