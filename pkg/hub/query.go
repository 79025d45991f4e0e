package hub

import (
	"database/sql"
	"fmt"
)

const (
	MetricTokens = "tokens"
	MetricCost   = "cost"
	MetricTps    = "tps"

	GroupByHour = "hour"
	GroupByDay  = "day"
)

const bucketFilter = `
	bucket_end >= ? AND bucket_start <= ?
	AND (? = '' OR anon_project_id = ?)
	AND (? = '' OR provider_id = ?)
	AND (? = '' OR model_id = ?)
	AND (? = '' OR device_id = ?)
	AND (? = '' OR device_id IN (SELECT id FROM hub_devices WHERE anon_user_id = ?))`

func bucketFilterArgs(from, to int64, f Filters) []any {
	return []any{
		from, to,
		f.AnonProjectID, f.AnonProjectID,
		f.ProviderID, f.ProviderID,
		f.ModelID, f.ModelID,
		f.DeviceID, f.DeviceID,
		f.AnonUserID, f.AnonUserID,
	}
}

func clampLimit(limit, fallback, max int) int {
	if limit < 1 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

// Summary aggregates every bucket overlapping [from, to].
func (d *DB) Summary(from, to int64, f Filters) (Summary, error) {
	row := d.sql.QueryRow(`
		SELECT
			COALESCE(SUM(request_count), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(reasoning_tokens), 0),
			COALESCE(SUM(cache_read_tokens), 0),
			COALESCE(SUM(cache_write_tokens), 0),
			COALESCE(SUM(total_cost), 0)
		FROM hub_buckets
		WHERE `+bucketFilter, bucketFilterArgs(from, to, f)...)

	var s Summary
	if err := row.Scan(&s.RequestCount, &s.TotalInputTokens, &s.TotalOutputTokens,
		&s.TotalReasoningTokens, &s.TotalCacheReadTokens, &s.TotalCacheWriteTokens, &s.TotalCost); err != nil {
		return Summary{}, fmt.Errorf("query summary: %w", err)
	}
	return s, nil
}

// Models returns the per-model breakdown, busiest first.
func (d *DB) Models(from, to int64, limit int, f Filters) ([]ModelRow, error) {
	limit = clampLimit(limit, 100, 1000)
	args := append(bucketFilterArgs(from, to, f), limit)
	rows, err := d.sql.Query(`
		SELECT
			model_id,
			provider_id,
			COALESCE(SUM(request_count), 0) AS request_count,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_cost), 0),
			AVG(avg_output_tps),
			MIN(min_output_tps),
			MAX(max_output_tps)
		FROM hub_buckets
		WHERE `+bucketFilter+`
		GROUP BY model_id, provider_id
		ORDER BY request_count DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	out := []ModelRow{}
	for rows.Next() {
		var (
			m             ModelRow
			avg, min, max sql.NullFloat64
		)
		if err := rows.Scan(&m.ModelID, &m.ProviderID, &m.RequestCount,
			&m.TotalInputTokens, &m.TotalOutputTokens, &m.TotalCost, &avg, &min, &max); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		m.AvgOutputTps = nullableFloat(avg)
		m.MinOutputTps = nullableFloat(min)
		m.MaxOutputTps = nullableFloat(max)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Providers returns the per-provider breakdown, busiest first.
func (d *DB) Providers(from, to int64, limit int, f Filters) ([]ProviderRow, error) {
	limit = clampLimit(limit, 100, 1000)
	args := append(bucketFilterArgs(from, to, f), limit)
	rows, err := d.sql.Query(`
		SELECT
			provider_id,
			COALESCE(SUM(request_count), 0) AS request_count,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_cost), 0),
			AVG(avg_output_tps),
			MIN(min_output_tps),
			MAX(max_output_tps)
		FROM hub_buckets
		WHERE `+bucketFilter+`
		GROUP BY provider_id
		ORDER BY request_count DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	out := []ProviderRow{}
	for rows.Next() {
		var (
			p             ProviderRow
			avg, min, max sql.NullFloat64
		)
		if err := rows.Scan(&p.ProviderID, &p.RequestCount,
			&p.TotalInputTokens, &p.TotalOutputTokens, &p.TotalCost, &avg, &min, &max); err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		p.AvgOutputTps = nullableFloat(avg)
		p.MinOutputTps = nullableFloat(min)
		p.MaxOutputTps = nullableFloat(max)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Projects returns the per-project breakdown, busiest first.
func (d *DB) Projects(from, to int64, limit int, f Filters) ([]ProjectRow, error) {
	limit = clampLimit(limit, 100, 1000)
	args := append(bucketFilterArgs(from, to, f), limit)
	rows, err := d.sql.Query(`
		SELECT
			anon_project_id,
			COALESCE(SUM(request_count), 0) AS request_count,
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(total_cost), 0),
			MAX(bucket_end)
		FROM hub_buckets
		WHERE `+bucketFilter+`
		GROUP BY anon_project_id
		ORDER BY request_count DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	out := []ProjectRow{}
	for rows.Next() {
		var (
			p    ProjectRow
			last sql.NullInt64
		)
		if err := rows.Scan(&p.AnonProjectID, &p.RequestCount,
			&p.TotalInputTokens, &p.TotalOutputTokens, &p.TotalCost, &last); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		if last.Valid {
			v := last.Int64
			p.LastBucketEnd = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Timeseries aggregates the chosen metric into hour or day intervals,
// ascending. The tps metric is weighted by request count; intervals with
// zero requests report zero rather than dividing by zero.
func (d *DB) Timeseries(metric, groupBy string, from, to int64, limit int, f Filters) ([]TimeseriesPoint, error) {
	limit = clampLimit(limit, 200, 2000)

	var valueExpr string
	switch metric {
	case MetricCost:
		valueExpr = "COALESCE(SUM(total_cost), 0)"
	case MetricTps:
		valueExpr = `CASE WHEN COALESCE(SUM(request_count), 0) = 0
			THEN 0
			ELSE COALESCE(SUM(COALESCE(avg_output_tps, 0) * request_count), 0) / SUM(request_count)
		END`
	case MetricTokens:
		valueExpr = "COALESCE(SUM(input_tokens + output_tokens + reasoning_tokens), 0)"
	default:
		return nil, fmt.Errorf("invalid timeseries metric %q", metric)
	}

	var interval int64
	switch groupBy {
	case GroupByHour:
		interval = 3600
	case GroupByDay:
		interval = 86400
	default:
		return nil, fmt.Errorf("invalid timeseries grouping %q", groupBy)
	}

	args := append([]any{interval, interval}, bucketFilterArgs(from, to, f)...)
	args = append(args, limit)
	rows, err := d.sql.Query(`
		SELECT
			(bucket_start / ?) * ? AS ts,
			`+valueExpr+` AS value,
			COALESCE(SUM(request_count), 0)
		FROM hub_buckets
		WHERE `+bucketFilter+`
		GROUP BY ts
		ORDER BY ts DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeseries: %w", err)
	}
	defer rows.Close()

	out := []TimeseriesPoint{}
	for rows.Next() {
		var p TimeseriesPoint
		if err := rows.Scan(&p.Ts, &p.Value, &p.RequestCount); err != nil {
			return nil, fmt.Errorf("scan timeseries point: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// The query takes the newest intervals; callers want them ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullableFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
