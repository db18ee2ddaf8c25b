package database

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func categoryEvent(id string) *OutboxEvent {
	return &OutboxEvent{
		AggregateType: "category",
		AggregateID:   id,
		EventType:     "CATEGORY_DISCOVERED",
		Payload:       json.RawMessage(`{"fingerprint":"` + id + `","name":"Sofás"}`),
	}
}

func insertEvents(t *testing.T, db *DB, repo *OutboxRepository, events ...*OutboxEvent) {
	t.Helper()
	err := db.Transaction(context.Background(), func(tx pgx.Tx) error {
		for _, e := range events {
			if err := repo.InsertWithTx(context.Background(), tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOutboxEvent_Validate(t *testing.T) {
	complete := *categoryEvent("cat-1")
	assert.NoError(t, complete.validate())

	tests := []struct {
		name   string
		mutate func(e *OutboxEvent)
	}{
		{name: "aggregate type", mutate: func(e *OutboxEvent) { e.AggregateType = "" }},
		{name: "aggregate id", mutate: func(e *OutboxEvent) { e.AggregateID = "" }},
		{name: "event type", mutate: func(e *OutboxEvent) { e.EventType = "" }},
		{name: "payload", mutate: func(e *OutboxEvent) { e.Payload = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := complete
			tt.mutate(&e)
			assert.ErrorIs(t, e.validate(), errIncompleteEvent)
		})
	}
}

func TestOutboxRepository_InsertWithTx(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db)

	t.Run("defaults are filled in", func(t *testing.T) {
		event := categoryEvent("cat-0001")
		insertEvents(t, db, repo, event)

		assert.NotEqual(t, uuid.Nil, event.ID)
		assert.Equal(t, StatusPending, event.Status)
		assert.Equal(t, DefaultStream, event.TargetStream)
		assert.False(t, event.CreatedAt.IsZero())
	})

	t.Run("rolled back with the surrounding transaction", func(t *testing.T) {
		event := categoryEvent("cat-rollback")
		errAbort := errors.New("abort")
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			require.NoError(t, repo.InsertWithTx(ctx, tx, event))
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		var n int
		require.NoError(t, db.pool.QueryRow(ctx,
			"SELECT COUNT(*) FROM outbox_event WHERE aggregate_id = $1", "cat-rollback").Scan(&n))
		assert.Zero(t, n)
	})

	t.Run("incomplete event is rejected before the insert", func(t *testing.T) {
		event := categoryEvent("cat-0002")
		event.EventType = ""
		err := db.Transaction(ctx, func(tx pgx.Tx) error {
			return repo.InsertWithTx(ctx, tx, event)
		})
		assert.ErrorIs(t, err, errIncompleteEvent)
	})
}

func TestOutboxRepository_ClaimDue(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db)

	later := time.Now().Add(time.Hour)
	notDue := categoryEvent("cat-later")
	notDue.NextRetryAt = &later

	first, second, third := categoryEvent("cat-1"), categoryEvent("cat-2"), categoryEvent("cat-3")
	for _, e := range []*OutboxEvent{first, second, third, notDue} {
		insertEvents(t, db, repo, e)
	}

	claimed, err := repo.ClaimDue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "cat-1", claimed[0].AggregateID)
	assert.Equal(t, "cat-2", claimed[1].AggregateID)

	// Claimed events are leased, so the next claim only sees the third.
	rest, err := repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "cat-3", rest[0].AggregateID)

	none, err := repo.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOutboxRepository_MarkPublished(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db)

	event := categoryEvent("cat-0001")
	insertEvents(t, db, repo, event)

	require.NoError(t, repo.MarkPublished(ctx, event.ID))

	var status OutboxStatus
	var processedAt *time.Time
	require.NoError(t, db.pool.QueryRow(ctx,
		"SELECT status, processed_at FROM outbox_event WHERE id = $1", event.ID).Scan(&status, &processedAt))
	assert.Equal(t, StatusPublished, status)
	assert.NotNil(t, processedAt)

	assert.ErrorIs(t, repo.MarkPublished(ctx, uuid.New()), ErrEventNotFound)
}

func TestOutboxRepository_FailureLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db).WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		Base:        time.Second,
		Max:         time.Minute,
		Lease:       time.Minute,
	})

	event := categoryEvent("cat-0001")
	insertEvents(t, db, repo, event)

	status, err := repo.MarkFailed(ctx, event.ID, errors.New("connection reset"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	var retries int
	var message *string
	var nextRetry time.Time
	require.NoError(t, db.pool.QueryRow(ctx,
		"SELECT retry_count, error_message, next_retry_at FROM outbox_event WHERE id = $1",
		event.ID).Scan(&retries, &message, &nextRetry))
	assert.Equal(t, 1, retries)
	require.NotNil(t, message)
	assert.Equal(t, "connection reset", *message)
	assert.True(t, nextRetry.After(time.Now()))

	for i := 0; i < 2; i++ {
		status, err = repo.MarkFailed(ctx, event.ID, errors.New("connection reset"))
		require.NoError(t, err)
	}
	assert.Equal(t, StatusDeadLetter, status)

	backlog, err := repo.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, Backlog{Pending: 0, DeadLetter: 1}, backlog)

	n, err := repo.RequeueDeadLetters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	backlog, err = repo.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, Backlog{Pending: 1, DeadLetter: 0}, backlog)

	_, err = repo.MarkFailed(ctx, uuid.New(), errors.New("x"))
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5433, User: "catalog", Password: "p@ss/word", Database: "catalog"}
	assert.Equal(t, "postgres://catalog:p%40ss%2Fword@db:5433/catalog?sslmode=disable", cfg.DSN())
}

// setupTestDB connects to CATALOG_TEST_DATABASE_URL, applies the schema and
// empties the outbox. Tests are skipped when the variable is unset.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("CATALOG_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	db := &DB{pool: pool}
	require.NoError(t, db.Migrate(ctx))
	_, err = pool.Exec(ctx, "TRUNCATE outbox_event, catalog_category, catalog_product")
	require.NoError(t, err)

	return db
}
