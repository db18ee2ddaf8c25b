package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type OutboxStatus string

const (
	StatusPending    OutboxStatus = "pending"
	StatusPublished  OutboxStatus = "processed"
	StatusFailed     OutboxStatus = "failed"
	StatusDeadLetter OutboxStatus = "dead_letter"
)

// DefaultStream receives catalog events when no target stream is set.
const DefaultStream = "stream:catalog"

var (
	errIncompleteEvent = errors.New("outbox event is incomplete")
	ErrEventNotFound   = errors.New("outbox event not found")
)

// OutboxEvent is one row of the transactional outbox.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        OutboxStatus    `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

func (e *OutboxEvent) validate() error {
	switch {
	case e.AggregateType == "":
		return fmt.Errorf("%w: aggregate type is required", errIncompleteEvent)
	case e.AggregateID == "":
		return fmt.Errorf("%w: aggregate id is required", errIncompleteEvent)
	case e.EventType == "":
		return fmt.Errorf("%w: event type is required", errIncompleteEvent)
	case len(e.Payload) == 0:
		return fmt.Errorf("%w: payload is required", errIncompleteEvent)
	}
	return nil
}

// RetryPolicy decides when a failed event is tried again and when it is
// given up on.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Lease hides claimed events from other relays until they are marked.
	Lease time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	Base:        time.Second,
	Max:         5 * time.Minute,
	Lease:       time.Minute,
}

// Delay is the wait after the given failed attempt: Base, 2*Base, 4*Base...
// capped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Exhausted reports whether the event should move to the dead letter state.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Backlog counts outbox rows that still need attention.
type Backlog struct {
	Pending    int64 `json:"pending"`
	DeadLetter int64 `json:"dead_letter"`
}

type OutboxRepository struct {
	db     *DB
	policy RetryPolicy
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db, policy: DefaultRetryPolicy}
}

// WithRetryPolicy returns a copy of the repository using p.
func (r *OutboxRepository) WithRetryPolicy(p RetryPolicy) *OutboxRepository {
	return &OutboxRepository{db: r.db, policy: p}
}

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, target_stream,
	status, retry_count, error_message, created_at, processed_at, next_retry_at`

// InsertWithTx queues an event inside the caller's transaction, so the event
// exists exactly when the catalog write it describes does.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = StatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = DefaultStream
	}
	event.CreatedAt = time.Now()
	if event.NextRetryAt == nil {
		event.NextRetryAt = &event.CreatedAt
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (`+outboxColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, NULL, $10)`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ClaimDue returns up to limit events that are due, oldest first, and pushes
// their next_retry_at out by the lease. Rows locked by a concurrent relay are
// skipped.
func (r *OutboxRepository) ClaimDue(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM outbox_event
			WHERE status IN ($1, $2) AND next_retry_at <= now()
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_event o
		SET next_retry_at = now() + make_interval(secs => $4)
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.target_stream,
			o.status, o.retry_count, o.error_message, o.created_at, o.processed_at, o.next_retry_at`,
		StatusPending, StatusFailed, limit, r.policy.Lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox events: %w", err)
	}

	// UPDATE ... RETURNING does not keep the CTE order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (*OutboxEvent, error) {
	e := &OutboxEvent{}
	err := row.Scan(
		&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.TargetStream,
		&e.Status, &e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt,
	)
	return e, err
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = $1, processed_at = now(), error_message = NULL
		WHERE id = $2`,
		StatusPublished, id)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

// MarkFailed records a failed attempt and returns the resulting status:
// failed with a backoff, or dead_letter once the policy is exhausted.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (OutboxStatus, error) {
	var attempts int
	err := r.db.pool.QueryRow(ctx, `
		UPDATE outbox_event SET retry_count = retry_count + 1
		WHERE id = $1
		RETURNING retry_count`, id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to count attempt: %w", err)
	}

	status := StatusFailed
	if r.policy.Exhausted(attempts) {
		status = StatusDeadLetter
	}

	_, err = r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = $1, error_message = $2, next_retry_at = $3
		WHERE id = $4`,
		status, cause.Error(), time.Now().Add(r.policy.Delay(attempts)), id)
	if err != nil {
		return "", fmt.Errorf("failed to mark event failed: %w", err)
	}
	return status, nil
}

func (r *OutboxRepository) Backlog(ctx context.Context) (Backlog, error) {
	var b Backlog
	err := r.db.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ($1, $2)),
			COUNT(*) FILTER (WHERE status = $3)
		FROM outbox_event`,
		StatusPending, StatusFailed, StatusDeadLetter).Scan(&b.Pending, &b.DeadLetter)
	if err != nil {
		return Backlog{}, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return b, nil
}

// RequeueDeadLetters gives every dead-lettered event a fresh set of attempts.
func (r *OutboxRepository) RequeueDeadLetters(ctx context.Context) (int64, error) {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event
		SET status = $1, retry_count = 0, next_retry_at = now()
		WHERE status = $2`,
		StatusPending, StatusDeadLetter)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}
