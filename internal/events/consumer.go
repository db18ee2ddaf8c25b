package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-extractor/internal/database"
)

var errMalformedMessage = errors.New("malformed stream message")

// StreamClient is the subset of *redis.Client the consumer needs.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// StreamEvent is one relayed outbox event read back from the stream.
type StreamEvent struct {
	MessageID   string
	ID          string
	Type        EventType
	AggregateID string
	Payload     json.RawMessage
}

// Handler processes one event. Returning an error leaves the message pending
// in the group so it is redelivered after a restart.
type Handler func(ctx context.Context, ev StreamEvent) error

type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	Block  time.Duration
	Count  int64
	// Types filters events; empty accepts all.
	Types []EventType
}

type Consumer struct {
	client StreamClient
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(client StreamClient, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Stream == "" {
		cfg.Stream = database.DefaultStream
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "consumer", "stream", cfg.Stream, "group", cfg.Group),
	}
}

// Run reads the stream until ctx is done.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "consumer", c.cfg.Name)

	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return ctx.Err()
		}
		if err := c.poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// poll performs one blocking read and handles what it returns.
func (c *Consumer) poll(ctx context.Context, handle Handler) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.handle(ctx, msg, handle)
		}
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage, handle Handler) {
	ev, err := decodeMessage(msg)
	if err != nil {
		// Redelivery cannot fix a message that does not decode.
		c.logger.Warn("dropping message", "id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}

	if !c.accepts(ev.Type) {
		c.ack(ctx, msg.ID)
		return
	}

	if err := handle(ctx, ev); err != nil {
		c.logger.Error("failed to process message", "id", msg.ID, "type", ev.Type, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) accepts(t EventType) bool {
	if len(c.cfg.Types) == 0 {
		return true
	}
	for _, want := range c.cfg.Types {
		if want == t {
			return true
		}
	}
	return false
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.logger.Error("failed to acknowledge message", "id", id, "error", err)
	}
}

// decodeMessage reads the envelope the relay writes into the data field.
func decodeMessage(msg redis.XMessage) (StreamEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return StreamEvent{}, fmt.Errorf("%w: no data field", errMalformedMessage)
	}

	var envelope struct {
		ID          string          `json:"id"`
		Type        string          `json:"type"`
		AggregateID string          `json:"aggregate_id"`
		Payload     json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil {
		return StreamEvent{}, fmt.Errorf("%w: %v", errMalformedMessage, err)
	}
	if envelope.Type == "" || len(envelope.Payload) == 0 {
		return StreamEvent{}, fmt.Errorf("%w: missing type or payload", errMalformedMessage)
	}

	return StreamEvent{
		MessageID:   msg.ID,
		ID:          envelope.ID,
		Type:        EventType(envelope.Type),
		AggregateID: envelope.AggregateID,
		Payload:     envelope.Payload,
	}, nil
}

// DecodeCategory returns the payload of a CATEGORY_DISCOVERED event.
func (ev StreamEvent) DecodeCategory() (CategoryDiscoveredPayload, error) {
	var p CategoryDiscoveredPayload
	if ev.Type != EventTypeCategoryDiscovered {
		return p, fmt.Errorf("event %s is %s, not %s", ev.ID, ev.Type, EventTypeCategoryDiscovered)
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode category payload: %w", err)
	}
	return p, nil
}
