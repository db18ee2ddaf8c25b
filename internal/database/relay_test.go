package database

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStreams struct {
	mock.Mock
}

func (m *MockStreams) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	err := m.Called(ctx, args).Error(0)
	if err != nil {
		return redis.NewStringResult("", err)
	}
	return redis.NewStringResult("1700000000000-0", nil)
}

type MockOutbox struct {
	mock.Mock
}

func (m *MockOutbox) ClaimDue(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	events, _ := args.Get(0).([]*OutboxEvent)
	return events, args.Error(1)
}

func (m *MockOutbox) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutbox) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (OutboxStatus, error) {
	args := m.Called(ctx, id, cause)
	return args.Get(0).(OutboxStatus), args.Error(1)
}

func (m *MockOutbox) Backlog(ctx context.Context) (Backlog, error) {
	args := m.Called(ctx)
	return args.Get(0).(Backlog), args.Error(1)
}

func (m *MockOutbox) RequeueDeadLetters(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func productEvent(fingerprint, title string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "product",
		AggregateID:   fingerprint,
		EventType:     "PRODUCT_EXTRACTED",
		Payload:       json.RawMessage(`{"fingerprint":"` + fingerprint + `","title":"` + title + `"}`),
		TargetStream:  DefaultStream,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func field(args *redis.XAddArgs, key string) interface{} {
	values, _ := args.Values.(map[string]interface{})
	return values[key]
}

func withAggregate(id string) interface{} {
	return mock.MatchedBy(func(args *redis.XAddArgs) bool {
		return field(args, "aggregate_id") == id
	})
}

func TestRelay_RelayBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and marks every claimed event", func(t *testing.T) {
		streams, outbox := new(MockStreams), new(MockOutbox)
		relay := newRelay(outbox, streams, nil, RelayConfig{BatchSize: 10})

		kivik := productEvent("prod-a1b2c3d4e5f60001", "Sofá Kivik")
		lisabo := productEvent("prod-a1b2c3d4e5f60002", "Mesa Lisabo")
		outbox.On("ClaimDue", ctx, 10).Return([]*OutboxEvent{kivik, lisabo}, nil)

		for _, e := range []*OutboxEvent{kivik, lisabo} {
			streams.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == DefaultStream &&
					field(args, "event_type") == "PRODUCT_EXTRACTED" &&
					field(args, "original_id") == e.ID.String()
			})).Return(nil).Once()
			outbox.On("MarkPublished", ctx, e.ID).Return(nil).Once()
		}

		n, err := relay.relayBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		streams.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("failed publish is recorded and the batch continues", func(t *testing.T) {
		streams, outbox := new(MockStreams), new(MockOutbox)
		relay := newRelay(outbox, streams, nil, RelayConfig{BatchSize: 10})

		first := productEvent("prod-0001", "Sofá")
		second := productEvent("prod-0002", "Mesa")
		outbox.On("ClaimDue", ctx, 10).Return([]*OutboxEvent{first, second}, nil)

		streams.On("XAdd", ctx, withAggregate("prod-0001")).Return(errors.New("connection reset"))
		outbox.On("MarkFailed", ctx, first.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: connection reset"
		})).Return(StatusFailed, nil)

		streams.On("XAdd", ctx, withAggregate("prod-0002")).Return(nil)
		outbox.On("MarkPublished", ctx, second.ID).Return(nil)

		n, err := relay.relayBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		outbox.AssertExpectations(t)
		outbox.AssertNotCalled(t, "MarkPublished", ctx, first.ID)
	})

	t.Run("invalid payload never reaches redis", func(t *testing.T) {
		streams, outbox := new(MockStreams), new(MockOutbox)
		relay := newRelay(outbox, streams, nil, RelayConfig{BatchSize: 5})

		broken := productEvent("prod-0003", "x")
		broken.Payload = json.RawMessage(`not json`)
		outbox.On("ClaimDue", ctx, 5).Return([]*OutboxEvent{broken}, nil)
		outbox.On("MarkFailed", ctx, broken.ID, mock.Anything).Return(StatusDeadLetter, nil)

		_, err := relay.relayBatch(ctx)
		require.NoError(t, err)
		streams.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		outbox.AssertExpectations(t)
	})

	t.Run("claim error is returned", func(t *testing.T) {
		outbox := new(MockOutbox)
		relay := newRelay(outbox, new(MockStreams), nil, RelayConfig{BatchSize: 5})
		outbox.On("ClaimDue", ctx, 5).Return(nil, errors.New("db down"))

		_, err := relay.relayBatch(ctx)
		assert.Error(t, err)
	})
}

func TestRelay_DrainRepeatsFullBatches(t *testing.T) {
	ctx := context.Background()
	streams, outbox := new(MockStreams), new(MockOutbox)
	relay := newRelay(outbox, streams, nil, RelayConfig{BatchSize: 2})

	full := []*OutboxEvent{productEvent("prod-1", "a"), productEvent("prod-2", "b")}
	tail := []*OutboxEvent{productEvent("prod-3", "c")}
	outbox.On("ClaimDue", ctx, 2).Return(full, nil).Once()
	outbox.On("ClaimDue", ctx, 2).Return(tail, nil).Once()
	streams.On("XAdd", ctx, mock.Anything).Return(nil)
	outbox.On("MarkPublished", ctx, mock.Anything).Return(nil)

	relay.drain(ctx)

	outbox.AssertNumberOfCalls(t, "ClaimDue", 2)
	streams.AssertNumberOfCalls(t, "XAdd", 3)
}

func TestRelay_StreamEntry(t *testing.T) {
	ctx := context.Background()
	streams := new(MockStreams)
	relay := newRelay(new(MockOutbox), streams, nil, RelayConfig{Stream: "stream:catalog-staging"})

	event := &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "category",
		AggregateID:   "cat-0001",
		EventType:     "CATEGORY_DISCOVERED",
		Payload:       json.RawMessage(`{"name":"Sofás","url":"https://www.shop.example/sofas/"}`),
		RetryCount:    2,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	var entry *redis.XAddArgs
	streams.On("XAdd", ctx, mock.Anything).Run(func(args mock.Arguments) {
		entry = args.Get(1).(*redis.XAddArgs)
	}).Return(nil)

	require.NoError(t, relay.publish(ctx, event))
	require.NotNil(t, entry)

	// No target stream on the event: the configured one is used.
	assert.Equal(t, "stream:catalog-staging", entry.Stream)

	data, ok := field(entry, "data").(string)
	require.True(t, ok)
	var envelope streamEnvelope
	require.NoError(t, json.Unmarshal([]byte(data), &envelope))

	assert.Equal(t, event.ID.String(), envelope.ID)
	assert.Equal(t, "CATEGORY_DISCOVERED", envelope.Type)
	assert.Equal(t, "2026-03-01T12:00:00Z", envelope.Timestamp)
	assert.JSONEq(t, string(event.Payload), string(envelope.Payload))
	assert.Equal(t, EventSource, envelope.Metadata.Source)
	assert.Equal(t, 3, envelope.Metadata.Attempt)
	assert.Equal(t, "stream:catalog-staging", envelope.Metadata.TargetStream)
}

func TestRelay_Backlog(t *testing.T) {
	ctx := context.Background()
	outbox := new(MockOutbox)
	relay := newRelay(outbox, new(MockStreams), nil, RelayConfig{})

	outbox.On("Backlog", ctx).Return(Backlog{Pending: 12, DeadLetter: 3}, nil).Once()
	pending, dead, err := relay.Backlog(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 12, pending)
	assert.EqualValues(t, 3, dead)

	outbox.On("Backlog", ctx).Return(Backlog{}, errors.New("db down")).Once()
	_, _, err = relay.Backlog(ctx)
	assert.Error(t, err)
}

func TestRelay_StartStopsOnCancel(t *testing.T) {
	outbox := new(MockOutbox)
	relay := newRelay(outbox, new(MockStreams), nil, RelayConfig{PollInterval: 20 * time.Millisecond, BatchSize: 10})
	claimed := make(chan struct{}, 1)
	outbox.On("ClaimDue", mock.Anything, 10).Run(func(mock.Arguments) {
		select {
		case claimed <- struct{}{}:
		default:
		}
	}).Return([]*OutboxEvent{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	select {
	case <-claimed:
	case <-time.After(time.Second):
		t.Fatal("relay never polled the outbox")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(60))

	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}
