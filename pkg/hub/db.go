// Package hub implements the central telemetry hub: device registry,
// authenticated bucket ingestion and the dashboard query API.
package hub

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DeviceActive  = "active"
	DeviceRevoked = "revoked"

	// Ingest epoch bounds when a range is not given.
	rangeDefaultTo = 2_147_483_647
)

var nowUnix = func() int64 { return time.Now().Unix() }

// DB wraps the hub's sqlite database.
type DB struct {
	sql *sql.DB
}

// Device is one registered uploader identity.
type Device struct {
	DeviceID   string `json:"deviceId"`
	AnonUserID string `json:"anonUserId"`
	Label      string `json:"label,omitempty"`
	Status     string `json:"status"`
	SigningKey string `json:"-"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
	LastSeen   *int64 `json:"lastSeen"`
	RevokedAt  *int64 `json:"revokedAt"`
}

// BucketInput is one aggregate row as received from a device.
type BucketInput struct {
	BucketStart      int64    `json:"bucketStart"`
	BucketEnd        int64    `json:"bucketEnd"`
	AnonProjectID    string   `json:"anonProjectId"`
	ProviderID       string   `json:"providerId"`
	ModelID          string   `json:"modelId"`
	RequestCount     int64    `json:"requestCount"`
	InputTokens      int64    `json:"inputTokens"`
	OutputTokens     int64    `json:"outputTokens"`
	ReasoningTokens  int64    `json:"reasoningTokens"`
	CacheReadTokens  int64    `json:"cacheReadTokens"`
	CacheWriteTokens int64    `json:"cacheWriteTokens"`
	TotalCost        float64  `json:"totalCost"`
	AvgOutputTps     *float64 `json:"avgOutputTps"`
	MinOutputTps     *float64 `json:"minOutputTps"`
	MaxOutputTps     *float64 `json:"maxOutputTps"`
}

// Summary is the top-line aggregate over a time range.
type Summary struct {
	RequestCount          int64   `json:"requestCount"`
	TotalInputTokens      int64   `json:"totalInputTokens"`
	TotalOutputTokens     int64   `json:"totalOutputTokens"`
	TotalReasoningTokens  int64   `json:"totalReasoningTokens"`
	TotalCacheReadTokens  int64   `json:"totalCacheReadTokens"`
	TotalCacheWriteTokens int64   `json:"totalCacheWriteTokens"`
	TotalCost             float64 `json:"totalCost"`
}

// ModelRow is one entry of the per-model breakdown.
type ModelRow struct {
	ModelID           string   `json:"modelId"`
	ProviderID        string   `json:"providerId"`
	RequestCount      int64    `json:"requestCount"`
	TotalInputTokens  int64    `json:"totalInputTokens"`
	TotalOutputTokens int64    `json:"totalOutputTokens"`
	TotalCost         float64  `json:"totalCost"`
	AvgOutputTps      *float64 `json:"avgOutputTps"`
	MinOutputTps      *float64 `json:"minOutputTps"`
	MaxOutputTps      *float64 `json:"maxOutputTps"`
}

// ProviderRow is one entry of the per-provider breakdown.
type ProviderRow struct {
	ProviderID        string   `json:"providerId"`
	RequestCount      int64    `json:"requestCount"`
	TotalInputTokens  int64    `json:"totalInputTokens"`
	TotalOutputTokens int64    `json:"totalOutputTokens"`
	TotalCost         float64  `json:"totalCost"`
	AvgOutputTps      *float64 `json:"avgOutputTps"`
	MinOutputTps      *float64 `json:"minOutputTps"`
	MaxOutputTps      *float64 `json:"maxOutputTps"`
}

// ProjectRow is one entry of the per-project breakdown.
type ProjectRow struct {
	AnonProjectID     string  `json:"anonProjectId"`
	RequestCount      int64   `json:"requestCount"`
	TotalInputTokens  int64   `json:"totalInputTokens"`
	TotalOutputTokens int64   `json:"totalOutputTokens"`
	TotalCost         float64 `json:"totalCost"`
	LastBucketEnd     *int64  `json:"lastBucketEnd"`
}

// TimeseriesPoint is one aggregated interval, ascending by Ts.
type TimeseriesPoint struct {
	Ts           int64   `json:"ts"`
	Value        float64 `json:"value"`
	RequestCount int64   `json:"requestCount"`
}

// Filters narrows dashboard queries. Empty fields match everything.
// AnonUserID matches through the owning device's registration.
type Filters struct {
	AnonProjectID string
	ProviderID    string
	ModelID       string
	DeviceID      string
	AnonUserID    string
}

// DeviceFilters narrows device listings.
type DeviceFilters struct {
	DeviceID   string
	AnonUserID string
	Status     string
}

func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create hub data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open hub db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := migrateHub(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func migrateHub(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS hub_buckets (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
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
			avg_output_tps REAL,
			min_output_tps REAL,
			max_output_tps REAL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			UNIQUE(device_id, bucket_start, bucket_end, anon_project_id, provider_id, model_id)
		);
		CREATE TABLE IF NOT EXISTS hub_devices (
			id TEXT PRIMARY KEY,
			anon_user_id TEXT NOT NULL DEFAULT '',
			label TEXT,
			status TEXT NOT NULL DEFAULT 'active',
			signing_key TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			last_seen INTEGER,
			revoked_at INTEGER
		);
		CREATE TABLE IF NOT EXISTS hub_nonces (
			device_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
			expires_at INTEGER NOT NULL,
			PRIMARY KEY(device_id, nonce)
		);
		CREATE INDEX IF NOT EXISTS idx_hub_buckets_bucket_start ON hub_buckets(bucket_start);
		CREATE INDEX IF NOT EXISTS idx_hub_buckets_provider_model ON hub_buckets(provider_id, model_id);
		CREATE INDEX IF NOT EXISTS idx_hub_buckets_project ON hub_buckets(anon_project_id);
		CREATE INDEX IF NOT EXISTS idx_hub_devices_status ON hub_devices(status);
		CREATE INDEX IF NOT EXISTS idx_hub_devices_anon_user_id ON hub_devices(anon_user_id);
		CREATE INDEX IF NOT EXISTS idx_hub_nonces_expiry ON hub_nonces(expires_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate hub schema: %w", err)
	}
	return nil
}

func newSigningKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate signing key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

const deviceColumns = "id, anon_user_id, label, status, signing_key, created_at, updated_at, last_seen, revoked_at"

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var (
		d         Device
		label     sql.NullString
		lastSeen  sql.NullInt64
		revokedAt sql.NullInt64
	)
	err := row.Scan(&d.DeviceID, &d.AnonUserID, &label, &d.Status, &d.SigningKey,
		&d.CreatedAt, &d.UpdatedAt, &lastSeen, &revokedAt)
	if err != nil {
		return nil, err
	}
	d.Label = label.String
	if lastSeen.Valid {
		v := lastSeen.Int64
		d.LastSeen = &v
	}
	if revokedAt.Valid {
		v := revokedAt.Int64
		d.RevokedAt = &v
	}
	return &d, nil
}

// Device looks up one device; returns (nil, nil) when unknown.
func (d *DB) Device(deviceID string) (*Device, error) {
	row := d.sql.QueryRow("SELECT "+deviceColumns+" FROM hub_devices WHERE id = ? LIMIT 1", deviceID)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return dev, nil
}

// RegisterDevice issues credentials for a device. An already-active device
// keeps its signing key (label and anon user id are refreshed); an unknown
// or revoked device gets a fresh key and active status.
func (d *DB) RegisterDevice(deviceID, label, anonUserID string) (*Device, error) {
	anonUserID = strings.TrimSpace(anonUserID)
	now := nowUnix()

	existing, err := d.Device(deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == DeviceActive {
		_, err := d.sql.Exec(`
			UPDATE hub_devices
			SET label = COALESCE(?, label),
				anon_user_id = CASE WHEN ? = '' THEN anon_user_id ELSE ? END,
				updated_at = ?
			WHERE id = ?`,
			nullIfEmpty(label), anonUserID, anonUserID, now, deviceID)
		if err != nil {
			return nil, fmt.Errorf("refresh device: %w", err)
		}
		return d.Device(deviceID)
	}

	key, err := newSigningKey()
	if err != nil {
		return nil, err
	}
	_, err = d.sql.Exec(`
		INSERT INTO hub_devices (id, anon_user_id, label, status, signing_key, created_at, updated_at, revoked_at)
		VALUES (?, ?, ?, 'active', ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			anon_user_id = CASE WHEN excluded.anon_user_id = '' THEN hub_devices.anon_user_id ELSE excluded.anon_user_id END,
			label = COALESCE(excluded.label, hub_devices.label),
			status = 'active',
			signing_key = excluded.signing_key,
			updated_at = excluded.updated_at,
			revoked_at = NULL`,
		deviceID, anonUserID, nullIfEmpty(label), key, now, now)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return d.Device(deviceID)
}

// RevokeDevice marks a device revoked. Returns false when unknown.
func (d *DB) RevokeDevice(deviceID string) (bool, error) {
	now := nowUnix()
	res, err := d.sql.Exec(`
		UPDATE hub_devices SET status = 'revoked', revoked_at = ?, updated_at = ? WHERE id = ?`,
		now, now, deviceID)
	if err != nil {
		return false, fmt.Errorf("revoke device: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ActivateDevice reinstates a revoked device without rotating its key.
func (d *DB) ActivateDevice(deviceID string) (bool, error) {
	res, err := d.sql.Exec(`
		UPDATE hub_devices SET status = 'active', revoked_at = NULL, updated_at = ? WHERE id = ?`,
		nowUnix(), deviceID)
	if err != nil {
		return false, fmt.Errorf("activate device: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// BulkSetDeviceStatus applies one status to many devices in a single
// transaction, reporting which ids were updated and which were unknown.
func (d *DB) BulkSetDeviceStatus(deviceIDs []string, status string) (updated, missing []string, err error) {
	if status != DeviceActive && status != DeviceRevoked {
		return nil, nil, fmt.Errorf("invalid device status %q", status)
	}
	seen := map[string]bool{}
	var ids []string
	for _, id := range deviceIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	updated, missing = []string{}, []string{}
	if len(ids) == 0 {
		return updated, missing, nil
	}

	now := nowUnix()
	var revokedAt any
	if status == DeviceRevoked {
		revokedAt = now
	}
	tx, err := d.sql.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin bulk status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		res, err := tx.Exec(`
			UPDATE hub_devices SET status = ?, revoked_at = ?, updated_at = ? WHERE id = ?`,
			status, revokedAt, now, id)
		if err != nil {
			return nil, nil, fmt.Errorf("bulk status update: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated = append(updated, id)
		} else {
			missing = append(missing, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit bulk status: %w", err)
	}
	return updated, missing, nil
}

// ListDevices returns devices newest-updated first.
func (d *DB) ListDevices(limit int, f DeviceFilters) ([]Device, error) {
	if limit < 1 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := d.sql.Query(`
		SELECT `+deviceColumns+`
		FROM hub_devices
		WHERE (? = '' OR id = ?)
			AND (? = '' OR anon_user_id = ?)
			AND (? = '' OR status = ?)
		ORDER BY updated_at DESC
		LIMIT ?`,
		f.DeviceID, f.DeviceID, f.AnonUserID, f.AnonUserID, f.Status, f.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := []Device{}
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *dev)
	}
	return out, rows.Err()
}

// TouchDeviceSeen advances last_seen, never moving it backwards.
func (d *DB) TouchDeviceSeen(deviceID string, seenAt int64) error {
	_, err := d.sql.Exec(`
		UPDATE hub_devices
		SET last_seen = CASE
				WHEN last_seen IS NULL THEN ?
				WHEN ? > last_seen THEN ?
				ELSE last_seen
			END,
			updated_at = ?
		WHERE id = ?`,
		seenAt, seenAt, seenAt, nowUnix(), deviceID)
	if err != nil {
		return fmt.Errorf("touch device seen: %w", err)
	}
	return nil
}

func bucketID(deviceID string, b BucketInput) string {
	return fmt.Sprintf("%s:%d:%d:%s:%s:%s",
		deviceID, b.BucketStart, b.BucketEnd, b.AnonProjectID, b.ProviderID, b.ModelID)
}

// UpsertBuckets stores a batch in one transaction. Re-sent buckets
// overwrite their previous aggregates, which makes retransmission after a
// lost acknowledgement idempotent.
func (d *DB) UpsertBuckets(deviceID string, buckets []BucketInput) error {
	if len(buckets) == 0 {
		return nil
	}
	now := nowUnix()
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("begin bucket upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO hub_buckets (
			id, device_id, bucket_start, bucket_end, anon_project_id, provider_id, model_id,
			request_count, input_tokens, output_tokens, reasoning_tokens, cache_read_tokens, cache_write_tokens,
			total_cost, avg_output_tps, min_output_tps, max_output_tps, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			request_count = excluded.request_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			reasoning_tokens = excluded.reasoning_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_write_tokens = excluded.cache_write_tokens,
			total_cost = excluded.total_cost,
			avg_output_tps = excluded.avg_output_tps,
			min_output_tps = excluded.min_output_tps,
			max_output_tps = excluded.max_output_tps,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare bucket upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range buckets {
		_, err := stmt.Exec(
			bucketID(deviceID, b), deviceID, b.BucketStart, b.BucketEnd, b.AnonProjectID, b.ProviderID, b.ModelID,
			b.RequestCount, b.InputTokens, b.OutputTokens, b.ReasoningTokens, b.CacheReadTokens, b.CacheWriteTokens,
			b.TotalCost, floatArg(b.AvgOutputTps), floatArg(b.MinOutputTps), floatArg(b.MaxOutputTps), now)
		if err != nil {
			return fmt.Errorf("upsert bucket: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bucket upsert: %w", err)
	}
	return nil
}

// CleanupExpiredNonces drops replay-protection rows past their expiry.
func (d *DB) CleanupExpiredNonces(now int64) error {
	if _, err := d.sql.Exec("DELETE FROM hub_nonces WHERE expires_at < ?", now); err != nil {
		return fmt.Errorf("cleanup nonces: %w", err)
	}
	return nil
}

// NonceUsed reports whether the device already presented this nonce.
func (d *DB) NonceUsed(deviceID, nonce string) (bool, error) {
	row := d.sql.QueryRow(
		"SELECT 1 FROM hub_nonces WHERE device_id = ? AND nonce = ? LIMIT 1", deviceID, nonce)
	var found int
	switch err := row.Scan(&found); {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("query nonce: %w", err)
	}
}

// StoreNonce records a nonce; storing an existing one is a no-op.
func (d *DB) StoreNonce(deviceID, nonce string, expiresAt int64) error {
	_, err := d.sql.Exec(`
		INSERT INTO hub_nonces (device_id, nonce, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id, nonce) DO NOTHING`,
		deviceID, nonce, expiresAt)
	if err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
