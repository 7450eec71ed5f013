// Package queue implements at-least-once work queues over the shared SQLite
// database: visibility timeouts, bounded receive counts with automatic
// dead-lettering, and rolling-window deduplication on enqueue. Consumers
// must still be idempotent — duplicate delivery is possible across the
// dedup window boundary and during redelivery.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Defaults matching the pipeline's documented queue policies.
const (
	DefaultMaxReceiveCount = 3
	DefaultDedupWindow     = 5 * time.Minute
	DefaultDLQRetention    = 14 * 24 * time.Hour
)

// Config describes one named queue and its paired dead-letter policy.
type Config struct {
	Name            string
	Visibility      time.Duration // how long a received message stays invisible
	MaxReceiveCount int           // receives before dead-lettering
	DedupWindow     time.Duration // enqueue suppression window per dedup key
	DLQRetention    time.Duration // how long dead letters are kept
}

// Message is one queued unit of work. Body is an opaque JSON payload built
// by the change feed router; GroupKey is the logical category, DedupKey the
// originating entity id.
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	GroupKey     string
	DedupKey     string
	ReceiveCount int
}

// Queue provides Send/Receive/Ack over one named queue. It shares the watch
// store's sole-writer database handle.
type Queue struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	// nowFunc is injectable for visibility and dedup-window tests.
	nowFunc func() time.Time
}

// New creates a queue over the shared database handle, filling zero config
// fields with the documented defaults.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxReceiveCount == 0 {
		cfg.MaxReceiveCount = DefaultMaxReceiveCount
	}

	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}

	if cfg.DLQRetention == 0 {
		cfg.DLQRetention = DefaultDLQRetention
	}

	return &Queue{db: db, cfg: cfg, logger: logger, nowFunc: time.Now}
}

// Name returns the queue's name.
func (q *Queue) Name() string {
	return q.cfg.Name
}

// Send enqueues a message. Returns false (and no error) when the dedup key
// was already enqueued within the dedup window and the message was
// suppressed.
func (q *Queue) Send(ctx context.Context, body []byte, groupKey, dedupKey string) (bool, error) {
	now := q.nowFunc()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("queue %s: send begin: %w", q.cfg.Name, err)
	}
	defer tx.Rollback()

	if dedupKey != "" {
		var last sql.NullInt64

		err := tx.QueryRowContext(ctx,
			`SELECT enqueued_at FROM queue_dedup WHERE queue = ? AND dedup_key = ?`,
			q.cfg.Name, dedupKey).Scan(&last)
		if err != nil && err != sql.ErrNoRows {
			return false, fmt.Errorf("queue %s: dedup lookup: %w", q.cfg.Name, err)
		}

		if last.Valid && now.Sub(time.UnixMilli(last.Int64)) < q.cfg.DedupWindow {
			q.logger.Debug("duplicate enqueue suppressed",
				slog.String("queue", q.cfg.Name),
				slog.String("dedup_key", dedupKey),
			)

			return false, nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO queue_dedup (queue, dedup_key, enqueued_at) VALUES (?, ?, ?)
				ON CONFLICT (queue, dedup_key) DO UPDATE SET enqueued_at = excluded.enqueued_at`,
			q.cfg.Name, dedupKey, now.UnixMilli())
		if err != nil {
			return false, fmt.Errorf("queue %s: dedup record: %w", q.cfg.Name, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_messages
			(id, queue, body, group_key, dedup_key, enqueued_at, visible_at, receive_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		uuid.New().String(), q.cfg.Name, string(body), groupKey, dedupKey,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("queue %s: insert message: %w", q.cfg.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("queue %s: send commit: %w", q.cfg.Name, err)
	}

	return true, nil
}

// Receive returns up to batchSize visible messages, making each invisible
// for the visibility timeout and incrementing its receive count. Messages
// that already exhausted MaxReceiveCount are moved to the dead-letter store
// instead of being delivered again; their batch slots go to the next
// visible messages, so a backlog of exhausted messages cannot shrink the
// live batch.
func (q *Queue) Receive(ctx context.Context, batchSize int) ([]Message, error) {
	now := q.nowFunc()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue %s: receive begin: %w", q.cfg.Name, err)
	}
	defer tx.Rollback()

	var delivered []Message

	// Dead-lettered candidates are deleted and claimed ones pushed past
	// the visibility horizon within this transaction, so each pass sees
	// only messages the previous pass did not touch.
	for len(delivered) < batchSize {
		want := batchSize - len(delivered)

		candidates, err := q.visibleTx(ctx, tx, now, want)
		if err != nil {
			return nil, err
		}

		for i := range candidates {
			m := &candidates[i]

			if m.ReceiveCount >= q.cfg.MaxReceiveCount {
				if err := q.deadLetterTx(ctx, tx, m, now); err != nil {
					return nil, err
				}

				continue
			}

			m.ReceiveCount++

			_, err := tx.ExecContext(ctx,
				`UPDATE queue_messages SET receive_count = ?, visible_at = ? WHERE id = ?`,
				m.ReceiveCount, now.Add(q.cfg.Visibility).UnixMilli(), m.ID)
			if err != nil {
				return nil, fmt.Errorf("queue %s: claiming message %s: %w", q.cfg.Name, m.ID, err)
			}

			delivered = append(delivered, *m)
		}

		// Fewer candidates than asked means the queue ran dry.
		if len(candidates) < want {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue %s: receive commit: %w", q.cfg.Name, err)
	}

	return delivered, nil
}

// visibleTx selects up to limit visible messages in enqueue order.
func (q *Queue) visibleTx(ctx context.Context, tx *sql.Tx, now time.Time, limit int) ([]Message, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, group_key, dedup_key, receive_count FROM queue_messages
		 WHERE queue = ? AND visible_at <= ?
		 ORDER BY enqueued_at, id LIMIT ?`,
		q.cfg.Name, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("queue %s: receive query: %w", q.cfg.Name, err)
	}
	defer rows.Close()

	var candidates []Message

	for rows.Next() {
		var (
			m    Message
			body string
		)

		if err := rows.Scan(&m.ID, &body, &m.GroupKey, &m.DedupKey, &m.ReceiveCount); err != nil {
			return nil, fmt.Errorf("queue %s: scanning message: %w", q.cfg.Name, err)
		}

		m.Queue = q.cfg.Name
		m.Body = []byte(body)
		candidates = append(candidates, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue %s: iterating messages: %w", q.cfg.Name, err)
	}

	return candidates, nil
}

// Ack deletes a delivered message. Acking after the visibility timeout is
// harmless: if the message was redelivered and acked by another consumer,
// this is a no-op.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND queue = ?`, id, q.cfg.Name)
	if err != nil {
		return fmt.Errorf("queue %s: ack %s: %w", q.cfg.Name, id, err)
	}

	return nil
}

// deadLetterTx moves an exhausted message into dead_letters within the
// receive transaction.
func (q *Queue) deadLetterTx(ctx context.Context, tx *sql.Tx, m *Message, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue, body, group_key, dedup_key, receive_count, dead_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, q.cfg.Name, string(m.Body), m.GroupKey, m.DedupKey, m.ReceiveCount, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue %s: dead-lettering %s: %w", q.cfg.Name, m.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, m.ID); err != nil {
		return fmt.Errorf("queue %s: removing dead-lettered %s: %w", q.cfg.Name, m.ID, err)
	}

	q.logger.Warn("message moved to dead-letter queue",
		slog.String("queue", q.cfg.Name),
		slog.String("id", m.ID),
		slog.Int("receive_count", m.ReceiveCount),
	)

	return nil
}

// SendRaw enqueues a message that bypasses deduplication. Used by the
// change feed router to dead-letter a raw batch after exhausted retries.
func (q *Queue) SendRaw(ctx context.Context, body []byte, groupKey string) error {
	now := q.nowFunc()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages
			(id, queue, body, group_key, dedup_key, enqueued_at, visible_at, receive_count)
			VALUES (?, ?, ?, ?, '', ?, ?, 0)`,
		uuid.New().String(), q.cfg.Name, string(body), groupKey,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue %s: send raw: %w", q.cfg.Name, err)
	}

	return nil
}

// DeadLetters returns up to limit dead-lettered messages, oldest first,
// for operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, body, group_key, dedup_key, receive_count FROM dead_letters
		 WHERE queue = ? ORDER BY dead_at, id LIMIT ?`,
		q.cfg.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("queue %s: dead letters: %w", q.cfg.Name, err)
	}
	defer rows.Close()

	var msgs []Message

	for rows.Next() {
		var (
			m    Message
			body string
		)

		if err := rows.Scan(&m.ID, &body, &m.GroupKey, &m.DedupKey, &m.ReceiveCount); err != nil {
			return nil, fmt.Errorf("queue %s: scanning dead letter: %w", q.cfg.Name, err)
		}

		m.Queue = q.cfg.Name
		m.Body = []byte(body)
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue %s: iterating dead letters: %w", q.cfg.Name, err)
	}

	return msgs, nil
}

// Requeue moves a dead letter back onto the main queue with a reset receive
// count. Replay is an operator action — nothing requeues automatically.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	now := q.nowFunc()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue %s: requeue begin: %w", q.cfg.Name, err)
	}
	defer tx.Rollback()

	var (
		body     string
		groupKey string
		dedupKey string
	)

	err = tx.QueryRowContext(ctx,
		`SELECT body, group_key, dedup_key FROM dead_letters WHERE id = ? AND queue = ?`,
		id, q.cfg.Name).Scan(&body, &groupKey, &dedupKey)
	if err == sql.ErrNoRows {
		return fmt.Errorf("queue %s: requeue %s: no such dead letter", q.cfg.Name, id)
	}

	if err != nil {
		return fmt.Errorf("queue %s: requeue lookup %s: %w", q.cfg.Name, id, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queue_messages
			(id, queue, body, group_key, dedup_key, enqueued_at, visible_at, receive_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		id, q.cfg.Name, body, groupKey, dedupKey, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue %s: requeue insert %s: %w", q.cfg.Name, id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue %s: requeue remove %s: %w", q.cfg.Name, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue %s: requeue commit: %w", q.cfg.Name, err)
	}

	q.logger.Info("dead letter requeued",
		slog.String("queue", q.cfg.Name),
		slog.String("id", id),
	)

	return nil
}

// Maintain prunes expired dead letters and stale dedup entries. Called
// periodically by the daemon alongside watch-store reclamation.
func (q *Queue) Maintain(ctx context.Context) error {
	now := q.nowFunc()

	_, err := q.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE queue = ? AND dead_at < ?`,
		q.cfg.Name, now.Add(-q.cfg.DLQRetention).UnixMilli())
	if err != nil {
		return fmt.Errorf("queue %s: pruning dead letters: %w", q.cfg.Name, err)
	}

	_, err = q.db.ExecContext(ctx,
		`DELETE FROM queue_dedup WHERE queue = ? AND enqueued_at < ?`,
		q.cfg.Name, now.Add(-q.cfg.DedupWindow).UnixMilli())
	if err != nil {
		return fmt.Errorf("queue %s: pruning dedup entries: %w", q.cfg.Name, err)
	}

	return nil
}
