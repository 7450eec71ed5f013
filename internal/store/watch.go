package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Kind names a watch record family. Each kind has its own key space and its
// own change-feed routes.
type Kind string

// Watch record kinds. Encounters are keyed (encounterID, patientID),
// documents and results are keyed (fileID, tenantID).
const (
	KindEncounter Kind = "encounter"
	KindDocument  Kind = "document"
	KindResult    Kind = "result"
)

// Status is the pipeline stage a watch record has reached. Transitions are
// monotonic: NEW -> POLLING -> FOUND -> ANALYZED, with ERROR terminal from
// any stage.
type Status string

// Watch record statuses.
const (
	StatusNew      Status = "NEW"
	StatusPolling  Status = "POLLING"
	StatusFound    Status = "FOUND"
	StatusAnalyzed Status = "ANALYZED"
	StatusError    Status = "ERROR"
)

// ErrNotFound is returned by Get when no live record exists for the key.
// A physically present but expired record is reported as not found.
var ErrNotFound = errors.New("store: watch record not found")

// WatchRecord is a tracked external entity pending further polling or
// processing. The composite key is (Kind, PrimaryID, SecondaryID).
type WatchRecord struct {
	Kind        Kind
	PrimaryID   string
	SecondaryID string
	TenantID    string
	Status      Status
	NextPollAt  time.Time
	ExpiresAt   time.Time
	Metadata    map[string]string
}

// Key returns the record's composite key in "primary/secondary" form, used
// for change-feed partitioning and lease identity.
func (r *WatchRecord) Key() string {
	return r.PrimaryID + "/" + r.SecondaryID
}

// Put inserts or replaces the record by its composite key (last-writer-wins
// upsert) and appends the corresponding change event in the same
// transaction, so the write is visible to feed consumers before Put returns.
func (s *Store) Put(ctx context.Context, rec *WatchRecord) error {
	if rec.Kind == "" || rec.PrimaryID == "" || rec.SecondaryID == "" {
		return fmt.Errorf("store: put: incomplete key %q/%q/%q", rec.Kind, rec.PrimaryID, rec.SecondaryID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: put begin: %w", err)
	}
	defer tx.Rollback()

	old, err := getRecordTx(ctx, tx, rec.Kind, rec.PrimaryID, rec.SecondaryID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: put read old image: %w", err)
	}

	metaJSON, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	now := s.nowFunc()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO watch_records
			(kind, primary_id, secondary_id, tenant_id, status, next_poll_at, expires_at, metadata, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.PrimaryID, rec.SecondaryID, rec.TenantID, rec.Status,
		rec.NextPollAt.UnixMilli(), rec.ExpiresAt.UnixMilli(), metaJSON, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: put %s %s: %w", rec.Kind, rec.Key(), err)
	}

	eventName := EventInsert
	if old != nil {
		eventName = EventModify
	}

	if err := appendChangeTx(ctx, tx, eventName, old, rec, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: put commit: %w", err)
	}

	s.logger.Debug("watch record written",
		slog.String("kind", string(rec.Kind)),
		slog.String("key", rec.Key()),
		slog.String("status", string(rec.Status)),
		slog.String("event", eventName),
	)

	return nil
}

// Get returns the live record for the key. Expired records are logically
// absent (ErrNotFound) even if still physically retained.
func (s *Store) Get(ctx context.Context, kind Kind, primaryID, secondaryID string) (*WatchRecord, error) {
	rec, err := getRecord(ctx, s.db, kind, primaryID, secondaryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: get %s %s/%s: %w", kind, primaryID, secondaryID, err)
	}

	if !rec.ExpiresAt.After(s.nowFunc()) {
		return nil, ErrNotFound
	}

	return rec, nil
}

// QueryDue returns live records of the given kind and tenant whose
// next_poll_at has elapsed, ordered by next_poll_at, capped at limit.
// Served by the (kind, tenant_id, next_poll_at) index.
func (s *Store) QueryDue(ctx context.Context, kind Kind, tenantID string, limit int) ([]*WatchRecord, error) {
	now := s.nowFunc()

	return s.queryRecords(ctx,
		`WHERE kind = ? AND tenant_id = ? AND next_poll_at <= ? AND expires_at > ?
		 ORDER BY next_poll_at LIMIT ?`,
		"due", kind, tenantID, now.UnixMilli(), now.UnixMilli(), limit)
}

// QueryByStatus returns live records of the given kind in the given stage
// whose next_poll_at has elapsed, ordered by next_poll_at. Served by the
// (kind, status, next_poll_at) index.
func (s *Store) QueryByStatus(ctx context.Context, kind Kind, status Status, limit int) ([]*WatchRecord, error) {
	now := s.nowFunc()

	return s.queryRecords(ctx,
		`WHERE kind = ? AND status = ? AND next_poll_at <= ? AND expires_at > ?
		 ORDER BY next_poll_at LIMIT ?`,
		"by status", kind, status, now.UnixMilli(), now.UnixMilli(), limit)
}

// ReapExpired physically deletes watch records whose TTL has passed.
// Reclamation is maintenance only — readers already treat expired rows as
// absent, so timing here is not load-bearing.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM watch_records WHERE expires_at <= ?`, s.nowFunc().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: reap expired: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: reap rows affected: %w", err)
	}

	if n > 0 {
		s.logger.Info("reaped expired watch records", slog.Int64("count", n))
	}

	return int(n), nil
}

const watchSelectCols = `SELECT kind, primary_id, secondary_id, tenant_id, status,
	next_poll_at, expires_at, metadata
 FROM watch_records `

func (s *Store) queryRecords(ctx context.Context, whereClause, desc string, args ...any) ([]*WatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, watchSelectCols+whereClause, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query %s: %w", desc, err)
	}
	defer rows.Close()

	var result []*WatchRecord

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		result = append(result, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating %s rows: %w", desc, err)
	}

	return result, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanRecord-style helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func getRecord(ctx context.Context, db *sql.DB, kind Kind, primaryID, secondaryID string) (*WatchRecord, error) {
	row := db.QueryRowContext(ctx,
		watchSelectCols+`WHERE kind = ? AND primary_id = ? AND secondary_id = ?`,
		kind, primaryID, secondaryID)

	return scanRecord(row)
}

func getRecordTx(ctx context.Context, tx *sql.Tx, kind Kind, primaryID, secondaryID string) (*WatchRecord, error) {
	row := tx.QueryRowContext(ctx,
		watchSelectCols+`WHERE kind = ? AND primary_id = ? AND secondary_id = ?`,
		kind, primaryID, secondaryID)

	return scanRecord(row)
}

func scanRecord(row rowScanner) (*WatchRecord, error) {
	var (
		rec        WatchRecord
		nextPollAt int64
		expiresAt  int64
		metaJSON   sql.NullString
	)

	err := row.Scan(&rec.Kind, &rec.PrimaryID, &rec.SecondaryID, &rec.TenantID,
		&rec.Status, &nextPollAt, &expiresAt, &metaJSON)
	if err != nil {
		return nil, err
	}

	rec.NextPollAt = time.UnixMilli(nextPollAt)
	rec.ExpiresAt = time.UnixMilli(expiresAt)

	if metaJSON.Valid && metaJSON.String != "" {
		if jsonErr := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); jsonErr != nil {
			return nil, fmt.Errorf("store: parsing metadata for %s: %w", rec.Key(), jsonErr)
		}
	}

	return &rec, nil
}

func encodeMetadata(meta map[string]string) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encoding metadata: %w", err)
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}
