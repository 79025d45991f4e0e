package hub

import (
	"bytes"
	"encoding/csv"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type exportBundle struct {
	from, to  int64
	limit     int
	groupBy   string
	filters   Filters
	summary   Summary
	models    []ModelRow
	providers []ProviderRow
	projects  []ProjectRow
	tokens    []TimeseriesPoint
	cost      []TimeseriesPoint
	tps       []TimeseriesPoint
}

func (s *Server) collectExport(q url.Values) (*exportBundle, error) {
	from, to, limit := parseRange(q)
	b := &exportBundle{
		from:    from,
		to:      to,
		limit:   limit,
		groupBy: parseGroupBy(q),
		filters: parseFilters(q),
	}
	var err error
	if b.summary, err = s.db.Summary(from, to, b.filters); err != nil {
		return nil, err
	}
	if b.models, err = s.db.Models(from, to, limit, b.filters); err != nil {
		return nil, err
	}
	if b.providers, err = s.db.Providers(from, to, limit, b.filters); err != nil {
		return nil, err
	}
	if b.projects, err = s.db.Projects(from, to, limit, b.filters); err != nil {
		return nil, err
	}
	if b.tokens, err = s.db.Timeseries(MetricTokens, b.groupBy, from, to, limit, b.filters); err != nil {
		return nil, err
	}
	if b.cost, err = s.db.Timeseries(MetricCost, b.groupBy, from, to, limit, b.filters); err != nil {
		return nil, err
	}
	if b.tps, err = s.db.Timeseries(MetricTps, b.groupBy, from, to, limit, b.filters); err != nil {
		return nil, err
	}
	return b, nil
}

func csvInt(v int64) string     { return strconv.FormatInt(v, 10) }
func csvFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func csvOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return csvFloat(*v)
}
func csvOptInt(v *int64) string {
	if v == nil {
		return ""
	}
	return csvInt(*v)
}

// buildCSV flattens every export section into one table. The rowType
// column tells the sections apart; cells that do not apply to a row stay
// empty.
func (b *exportBundle) buildCSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rangeFrom := csvInt(b.from)
	rangeTo := csvInt(b.to)
	f := b.filters

	rows := [][]string{{
		"rowType", "from", "to", "anonProjectId", "providerId", "modelId", "deviceId", "anonUserId",
		"timestamp", "metric", "groupBy",
		"requestCount", "inputTokens", "outputTokens", "reasoningTokens", "cacheReadTokens", "cacheWriteTokens",
		"totalCost", "avgOutputTps", "minOutputTps", "maxOutputTps", "value",
	}}

	rows = append(rows, []string{
		"summary", rangeFrom, rangeTo, f.AnonProjectID, f.ProviderID, f.ModelID, f.DeviceID, f.AnonUserID,
		"", "", "",
		csvInt(b.summary.RequestCount), csvInt(b.summary.TotalInputTokens), csvInt(b.summary.TotalOutputTokens),
		csvInt(b.summary.TotalReasoningTokens), csvInt(b.summary.TotalCacheReadTokens), csvInt(b.summary.TotalCacheWriteTokens),
		csvFloat(b.summary.TotalCost), "", "", "", "",
	})

	for _, m := range b.models {
		rows = append(rows, []string{
			"model", rangeFrom, rangeTo, f.AnonProjectID, m.ProviderID, m.ModelID, f.DeviceID, f.AnonUserID,
			"", "", "",
			csvInt(m.RequestCount), csvInt(m.TotalInputTokens), csvInt(m.TotalOutputTokens), "", "", "",
			csvFloat(m.TotalCost), csvOptFloat(m.AvgOutputTps), csvOptFloat(m.MinOutputTps), csvOptFloat(m.MaxOutputTps), "",
		})
	}
	for _, p := range b.providers {
		rows = append(rows, []string{
			"provider", rangeFrom, rangeTo, f.AnonProjectID, p.ProviderID, "", f.DeviceID, f.AnonUserID,
			"", "", "",
			csvInt(p.RequestCount), csvInt(p.TotalInputTokens), csvInt(p.TotalOutputTokens), "", "", "",
			csvFloat(p.TotalCost), csvOptFloat(p.AvgOutputTps), csvOptFloat(p.MinOutputTps), csvOptFloat(p.MaxOutputTps), "",
		})
	}
	for _, p := range b.projects {
		rows = append(rows, []string{
			"project", rangeFrom, rangeTo, p.AnonProjectID, "", "", f.DeviceID, f.AnonUserID,
			csvOptInt(p.LastBucketEnd), "", "",
			csvInt(p.RequestCount), csvInt(p.TotalInputTokens), csvInt(p.TotalOutputTokens), "", "", "",
			csvFloat(p.TotalCost), "", "", "", "",
		})
	}

	appendSeries := func(metric string, points []TimeseriesPoint) {
		for _, pt := range points {
			rows = append(rows, []string{
				"timeseries", rangeFrom, rangeTo, f.AnonProjectID, f.ProviderID, f.ModelID, f.DeviceID, f.AnonUserID,
				csvInt(pt.Ts), metric, b.groupBy,
				csvInt(pt.RequestCount), "", "", "", "", "",
				"", "", "", "", csvFloat(pt.Value),
			})
		}
	}
	appendSeries(MetricTokens, b.tokens)
	appendSeries(MetricCost, b.cost)
	appendSeries(MetricTps, b.tps)

	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func (b *exportBundle) buildJSON() map[string]any {
	return map[string]any{
		"generatedAt": nowUnix(),
		"query": map[string]any{
			"from":    b.from,
			"to":      b.to,
			"limit":   b.limit,
			"groupBy": b.groupBy,
			"filters": map[string]any{
				"anonProjectId": nullable(b.filters.AnonProjectID),
				"providerId":    nullable(b.filters.ProviderID),
				"modelId":       nullable(b.filters.ModelID),
				"deviceId":      nullable(b.filters.DeviceID),
				"anonUserId":    nullable(b.filters.AnonUserID),
			},
		},
		"summary":   b.summary,
		"models":    b.models,
		"providers": b.providers,
		"projects":  b.projects,
		"timeseries": map[string]any{
			"tokens": b.tokens,
			"cost":   b.cost,
			"tps":    b.tps,
		},
	}
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.collectExport(r.URL.Query())
	if err != nil {
		s.log.Error("dashboard export", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	data, err := bundle.buildCSV()
	if err != nil {
		s.log.Error("dashboard export csv", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=hub-dashboard-export.csv")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	bundle, err := s.collectExport(r.URL.Query())
	if err != nil {
		s.log.Error("dashboard export", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bundle.buildJSON())
}
