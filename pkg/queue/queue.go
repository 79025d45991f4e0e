// Package queue persists per-request LLM usage as mergeable time-bucketed
// rows awaiting upload to a hub.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tokenspeed/hub/pkg/metrics"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusDead    = "dead"

	unknownProvider  = "unknown"
	minBucketSeconds = 60
	maxAttempts      = 10
	maxErrorLength   = 1000
)

var nowUnix = func() int64 { return time.Now().Unix() }

// Store is the device-local durable upload queue, one row per
// (bucketStart, project, provider, model) key.
type Store struct {
	db *sql.DB
}

// Payload is a pending row shaped for upload: the running tps sum/count is
// collapsed into a weighted average, nil when no request carried timing.
type Payload struct {
	ID               string
	BucketStart      int64
	BucketEnd        int64
	AnonProjectID    string
	ProviderID       string
	ModelID          string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
	ReasoningTokens  int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	TotalCost        float64
	AvgOutputTps     *float64
	MinOutputTps     *float64
	MaxOutputTps     *float64
	LastSeen         int64
	AttemptCount     int64
}

// Entry is a queue row as shown by status listings.
type Entry struct {
	ID            string
	BucketStart   int64
	BucketEnd     int64
	AnonProjectID string
	ProviderID    string
	ModelID       string
	RequestCount  int64
	TotalCost     float64
	Status        string
	AttemptCount  int64
	NextAttemptAt int64
	LastError     string
	SentAt        int64
}

// Status summarizes the queue by dispatch state.
type Status struct {
	Pending                  int64
	Sent                     int64
	Dead                     int64
	Total                    int64
	OldestPendingBucketStart *int64
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS upload_queue (
			id TEXT PRIMARY KEY,
			bucket_start INTEGER NOT NULL,
			bucket_end INTEGER NOT NULL,
			anon_project_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			request_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			reasoning_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			output_tps_sum REAL NOT NULL DEFAULT 0,
			output_tps_count INTEGER NOT NULL DEFAULT 0,
			output_tps_min REAL,
			output_tps_max REAL,
			last_seen INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at INTEGER NOT NULL DEFAULT 0,
			sent_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_upload_queue_status ON upload_queue(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_upload_queue_bucket_start ON upload_queue(bucket_start);
	`)
	if err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	return nil
}

func bucketBounds(timestampMS, bucketSeconds int64) (start, end int64) {
	sec := timestampMS / 1000
	start = sec / bucketSeconds * bucketSeconds
	return start, start + bucketSeconds - 1
}

// QueueID is the natural row key for a bucket.
func QueueID(bucketStart int64, anonProjectID, providerID, modelID string) string {
	return fmt.Sprintf("%d:%s:%s:%s", bucketStart, anonProjectID, providerID, modelID)
}

func mergeMin(a, b *float64) *float64 {
	if b == nil {
		return a
	}
	if a == nil || *b < *a {
		return b
	}
	return a
}

func mergeMax(a, b *float64) *float64 {
	if b == nil {
		return a
	}
	if a == nil || *b > *a {
		return b
	}
	return a
}

// Enqueue folds one finalized request into its bucket row. Merging into an
// existing row recomputes every aggregate and resets the row to pending, so
// late data for an already-sent (or even dead-lettered) bucket is
// retransmitted rather than lost.
func (s *Store) Enqueue(m metrics.RequestMetrics, anonProjectID string, bucketSeconds int64) error {
	if bucketSeconds < minBucketSeconds {
		bucketSeconds = minBucketSeconds
	}
	completedAt := m.CompletedAt
	if completedAt == 0 {
		completedAt = m.StartedAt
	}
	start, end := bucketBounds(completedAt, bucketSeconds)
	providerID := strings.TrimSpace(m.ProviderID)
	if providerID == "" {
		providerID = unknownProvider
	}
	id := QueueID(start, anonProjectID, providerID, m.ModelID)
	now := nowUnix()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tpsSum   float64
		tpsCount int64
		tpsMin   sql.NullFloat64
		tpsMax   sql.NullFloat64
		existing bool
	)
	row := tx.QueryRow(
		"SELECT output_tps_sum, output_tps_count, output_tps_min, output_tps_max FROM upload_queue WHERE id = ?",
		id,
	)
	switch err := row.Scan(&tpsSum, &tpsCount, &tpsMin, &tpsMax); {
	case err == nil:
		existing = true
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("read queue row: %w", err)
	}

	if m.OutputTps != nil {
		tpsSum += *m.OutputTps
		tpsCount++
	}
	mergedMin := mergeMin(nullableFloat(tpsMin), m.OutputTps)
	mergedMax := mergeMax(nullableFloat(tpsMax), m.OutputTps)

	if existing {
		_, err = tx.Exec(`
			UPDATE upload_queue SET
				request_count = request_count + 1,
				input_tokens = input_tokens + ?,
				output_tokens = output_tokens + ?,
				reasoning_tokens = reasoning_tokens + ?,
				cache_read_tokens = cache_read_tokens + ?,
				cache_write_tokens = cache_write_tokens + ?,
				total_cost = total_cost + ?,
				output_tps_sum = ?,
				output_tps_count = ?,
				output_tps_min = ?,
				output_tps_max = ?,
				last_seen = MAX(last_seen, ?),
				status = 'pending',
				sent_at = NULL,
				updated_at = ?
			WHERE id = ?`,
			m.InputTokens, m.OutputTokens, m.ReasoningTokens, m.CacheReadTokens, m.CacheWriteTokens,
			m.Cost, tpsSum, tpsCount, floatValue(mergedMin), floatValue(mergedMax),
			completedAt, now, id,
		)
	} else {
		_, err = tx.Exec(`
			INSERT INTO upload_queue (
				id, bucket_start, bucket_end, anon_project_id, provider_id, model_id,
				request_count, input_tokens, output_tokens, reasoning_tokens, cache_read_tokens, cache_write_tokens,
				total_cost, output_tps_sum, output_tps_count, output_tps_min, output_tps_max,
				last_seen, status, attempt_count, next_attempt_at, last_error, updated_at, sent_at
			) VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, 0, NULL, ?, NULL)`,
			id, start, end, anonProjectID, providerID, m.ModelID,
			m.InputTokens, m.OutputTokens, m.ReasoningTokens, m.CacheReadTokens, m.CacheWriteTokens,
			m.Cost, tpsSum, tpsCount, floatValue(mergedMin), floatValue(mergedMax),
			completedAt, now,
		)
	}
	if err != nil {
		return fmt.Errorf("write queue row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func floatValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Pending returns up to limit pending rows whose retry time has elapsed,
// oldest bucket first.
func (s *Store) Pending(limit int) ([]Payload, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT id, bucket_start, bucket_end, anon_project_id, provider_id, model_id,
			request_count, input_tokens, output_tokens, reasoning_tokens, cache_read_tokens, cache_write_tokens,
			total_cost, output_tps_sum, output_tps_count, output_tps_min, output_tps_max,
			last_seen, attempt_count
		FROM upload_queue
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY bucket_start ASC
		LIMIT ?`, nowUnix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending buckets: %w", err)
	}
	defer rows.Close()

	out := []Payload{}
	for rows.Next() {
		var (
			p        Payload
			tpsSum   float64
			tpsCount int64
			tpsMin   sql.NullFloat64
			tpsMax   sql.NullFloat64
		)
		if err := rows.Scan(
			&p.ID, &p.BucketStart, &p.BucketEnd, &p.AnonProjectID, &p.ProviderID, &p.ModelID,
			&p.RequestCount, &p.InputTokens, &p.OutputTokens, &p.ReasoningTokens, &p.CacheReadTokens, &p.CacheWriteTokens,
			&p.TotalCost, &tpsSum, &tpsCount, &tpsMin, &tpsMax,
			&p.LastSeen, &p.AttemptCount,
		); err != nil {
			return nil, fmt.Errorf("scan pending bucket: %w", err)
		}
		if tpsCount > 0 {
			avg := tpsSum / float64(tpsCount)
			p.AvgOutputTps = &avg
		}
		p.MinOutputTps = nullableFloat(tpsMin)
		p.MaxOutputTps = nullableFloat(tpsMax)
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkSent flags a row as delivered and clears its error state.
func (s *Store) MarkSent(id string) error {
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE upload_queue
		SET status = 'sent', sent_at = ?, updated_at = ?, last_error = NULL
		WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("mark bucket sent: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure and schedules the retry. The 10th
// failure dead-letters the row; a dead row's next attempt time is frozen.
func (s *Store) MarkFailed(id, errText string, retryAfterSeconds int64) error {
	if retryAfterSeconds < 10 {
		retryAfterSeconds = 10
	}
	if len(errText) > maxErrorLength {
		errText = errText[:maxErrorLength]
	}
	now := nowUnix()
	_, err := s.db.Exec(`
		UPDATE upload_queue
		SET status = CASE WHEN attempt_count + 1 >= ? THEN 'dead' ELSE 'pending' END,
			attempt_count = attempt_count + 1,
			next_attempt_at = CASE WHEN attempt_count + 1 >= ? THEN next_attempt_at ELSE ? + ? END,
			last_error = ?,
			updated_at = ?
		WHERE id = ?`,
		maxAttempts, maxAttempts, now, retryAfterSeconds, errText, now, id)
	if err != nil {
		return fmt.Errorf("mark bucket failed: %w", err)
	}
	return nil
}

// QueueStatus counts rows by dispatch state.
func (s *Store) QueueStatus() (Status, error) {
	row := s.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END), 0),
			COUNT(*),
			MIN(CASE WHEN status = 'pending' THEN bucket_start ELSE NULL END)
		FROM upload_queue`)
	var (
		st     Status
		oldest sql.NullInt64
	)
	if err := row.Scan(&st.Pending, &st.Sent, &st.Dead, &st.Total, &oldest); err != nil {
		return Status{}, fmt.Errorf("query queue status: %w", err)
	}
	if oldest.Valid {
		v := oldest.Int64
		st.OldestPendingBucketStart = &v
	}
	return st, nil
}

// Entries lists queue rows newest bucket first, optionally filtered by
// status. Rows are never deleted, so dead-lettered buckets stay visible.
func (s *Store) Entries(limit int, status string) ([]Entry, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	status = strings.TrimSpace(status)
	var filter any
	if status != "" {
		filter = status
	}
	rows, err := s.db.Query(`
		SELECT id, bucket_start, bucket_end, anon_project_id, provider_id, model_id,
			request_count, total_cost, status, attempt_count, next_attempt_at, last_error, sent_at
		FROM upload_queue
		WHERE (? IS NULL OR status = ?)
		ORDER BY bucket_start DESC
		LIMIT ?`, filter, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e       Entry
			lastErr sql.NullString
			sentAt  sql.NullInt64
		)
		if err := rows.Scan(
			&e.ID, &e.BucketStart, &e.BucketEnd, &e.AnonProjectID, &e.ProviderID, &e.ModelID,
			&e.RequestCount, &e.TotalCost, &e.Status, &e.AttemptCount, &e.NextAttemptAt, &lastErr, &sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.LastError = lastErr.String
		e.SentAt = sentAt.Int64
		out = append(out, e)
	}
	return out, rows.Err()
}
