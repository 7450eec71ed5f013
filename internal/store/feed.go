package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Change feed event names. DELETE never appears: records leave the store
// only through TTL reclamation, which is not a tracked change.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
)

// ChangeEvent is one committed write to the watch store: the event name,
// the record key, and full before/after snapshots. Events share a single
// monotonic sequence, so per-key ordering follows write order.
type ChangeEvent struct {
	Seq       int64
	EventName string
	Kind      Kind
	RecordKey string
	OldImage  json.RawMessage // nil for INSERT
	NewImage  json.RawMessage
}

// image is the JSON snapshot shape stored in the feed. Field names follow
// the wire convention of the tenant API (camelCase).
type image struct {
	PrimaryID   string            `json:"primaryId"`
	SecondaryID string            `json:"secondaryId"`
	TenantID    string            `json:"tenantId"`
	Status      string            `json:"status"`
	NextPollAt  int64             `json:"nextPollAt"`
	ExpiresAt   int64             `json:"expiresAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func encodeImage(rec *WatchRecord) (json.RawMessage, error) {
	b, err := json.Marshal(image{
		PrimaryID:   rec.PrimaryID,
		SecondaryID: rec.SecondaryID,
		TenantID:    rec.TenantID,
		Status:      string(rec.Status),
		NextPollAt:  rec.NextPollAt.UnixMilli(),
		ExpiresAt:   rec.ExpiresAt.UnixMilli(),
		Metadata:    rec.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("store: encoding feed image for %s: %w", rec.Key(), err)
	}

	return b, nil
}

// appendChangeTx writes the change event inside the caller's transaction so
// the feed only ever reflects committed writes.
func appendChangeTx(ctx context.Context, tx *sql.Tx, eventName string, old, rec *WatchRecord, now time.Time) error {
	newImage, err := encodeImage(rec)
	if err != nil {
		return err
	}

	var oldImage sql.NullString

	if old != nil {
		b, encErr := encodeImage(old)
		if encErr != nil {
			return encErr
		}

		oldImage = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_feed (event_name, kind, record_key, old_image, new_image, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		eventName, rec.Kind, rec.Key(), oldImage, string(newImage), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: appending change event for %s: %w", rec.Key(), err)
	}

	return nil
}

// LatestSeq returns the current tail of the change feed. Routers start
// their cursor here: events before subscription are never redelivered.
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64

	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM change_feed`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: latest feed seq: %w", err)
	}

	return seq.Int64, nil
}

// Changes returns up to limit feed events with seq > afterSeq, in sequence
// order, optionally restricted to one record kind (empty kind = all).
func (s *Store) Changes(ctx context.Context, kind Kind, afterSeq int64, limit int) ([]ChangeEvent, error) {
	query := `SELECT seq, event_name, kind, record_key, old_image, new_image
		 FROM change_feed WHERE seq > ?`
	args := []any{afterSeq}

	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}

	query += ` ORDER BY seq LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: reading change feed: %w", err)
	}
	defer rows.Close()

	var events []ChangeEvent

	for rows.Next() {
		var (
			ev       ChangeEvent
			oldImage sql.NullString
			newImage string
		)

		if err := rows.Scan(&ev.Seq, &ev.EventName, &ev.Kind, &ev.RecordKey, &oldImage, &newImage); err != nil {
			return nil, fmt.Errorf("store: scanning change event: %w", err)
		}

		if oldImage.Valid {
			ev.OldImage = json.RawMessage(oldImage.String)
		}

		ev.NewImage = json.RawMessage(newImage)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating change feed: %w", err)
	}

	return events, nil
}

// PruneFeed deletes change events older than the retention cutoff. The feed
// is an outbox, not an archive — routers hold their own cursors and never
// rewind past their subscription point.
func (s *Store) PruneFeed(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.nowFunc().Add(-retention).UnixMilli()

	result, err := s.db.ExecContext(ctx, `DELETE FROM change_feed WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: pruning change feed: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune rows affected: %w", err)
	}

	return int(n), nil
}
