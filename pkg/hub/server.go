package hub

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tokenspeed/hub/pkg/uploader"
)

const (
	timestampWindowSeconds = 300
	nonceTTLSeconds        = timestampWindowSeconds * 2
	maxIngestBody          = 1 << 20

	defaultLoginWindowSeconds = 300
	defaultLoginMaxAttempts   = 10

	liveFeedInterval = 5 * time.Second
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, X-TS-Admin-Token, X-TS-Device-ID, X-TS-Timestamp, X-TS-Nonce, X-TS-Signature",
}

// TLSOptions enables automatic certificates for a public hub.
type TLSOptions struct {
	Enabled  bool
	Domain   string
	Email    string
	CacheDir string
}

// Options configures the hub server. Either SigningKey or InviteToken must
// be set; a non-empty InviteToken additionally requires every uploading
// device to be registered.
type Options struct {
	ListenAddr         string
	SigningKey         string
	InviteToken        string
	AdminToken         string
	AllowedDevices     []string
	LoginWindowSeconds int64
	LoginMaxAttempts   int
	TLS                TLSOptions
	Logger             *slog.Logger
}

// Server is the hub HTTP surface.
type Server struct {
	db          *DB
	signingKey  string
	inviteToken string
	adminToken  string
	allowed     map[string]struct{}
	tlsOpts     TLSOptions
	logins      *loginLimiter
	log         *slog.Logger
	httpServer  *http.Server
	upgrader    websocket.Upgrader
}

func NewServer(db *DB, opts Options) (*Server, error) {
	if opts.SigningKey == "" && opts.InviteToken == "" {
		return nil, errors.New("hub: signing key or invite token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	windowSeconds := opts.LoginWindowSeconds
	if windowSeconds < 10 || windowSeconds > 3600 {
		windowSeconds = defaultLoginWindowSeconds
	}
	maxAttempts := opts.LoginMaxAttempts
	if maxAttempts < 1 || maxAttempts > 100 {
		maxAttempts = defaultLoginMaxAttempts
	}
	var allowed map[string]struct{}
	if len(opts.AllowedDevices) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedDevices))
		for _, id := range opts.AllowedDevices {
			if id = strings.TrimSpace(id); id != "" {
				allowed[id] = struct{}{}
			}
		}
	}

	s := &Server{
		db:          db,
		signingKey:  opts.SigningKey,
		inviteToken: opts.InviteToken,
		adminToken:  opts.AdminToken,
		allowed:     allowed,
		tlsOpts:     opts.TLS,
		logins:      newLoginLimiter(windowSeconds, maxAttempts),
		log:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/v1/health", s.handleHealth)
	r.Post("/v1/ingest/buckets", s.handleIngest)
	r.Post("/v1/devices/register", s.handleRegister)
	r.Post("/v1/devices/bootstrap", s.handleBootstrap)
	r.Get("/v1/devices", s.requireAdmin(s.handleListDevices))
	r.Post("/v1/devices/revoke", s.requireAdmin(s.handleRevoke))
	r.Post("/v1/devices/activate", s.requireAdmin(s.handleActivate))
	r.Post("/v1/devices/bulk", s.requireAdmin(s.handleBulkStatus))
	r.Get("/v1/dashboard/summary", s.handleSummary)
	r.Get("/v1/dashboard/models", s.handleModels)
	r.Get("/v1/dashboard/providers", s.handleProviders)
	r.Get("/v1/dashboard/projects", s.handleProjects)
	r.Get("/v1/dashboard/timeseries", s.handleTimeseries)
	r.Get("/v1/dashboard/export.csv", s.handleExportCSV)
	r.Get("/v1/dashboard/export.json", s.handleExportJSON)
	r.Get("/v1/dashboard/live", s.handleLive)
	r.Post("/admin/login", s.handleAdminLogin)
	r.Post("/admin/logout", s.handleAdminLogout)

	addr := opts.ListenAddr
	if addr == "" {
		addr = ":8787"
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx ends, with the same autocert arrangement the plain
// HTTP path gets when TLS is enabled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	if s.tlsOpts.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(s.tlsOpts.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.tlsOpts.Domain),
			Email:      s.tlsOpts.Email,
		}

		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			s.log.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info("hub listening", "addr", ":443", "domain", s.tlsOpts.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.log.Info("hub listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("hub server: %w", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"now":     nowUnix(),
		"service": "tokenspeed-hub",
	})
}

type wireIngestBucket struct {
	BucketStart      *float64 `json:"bucketStart"`
	BucketEnd        *float64 `json:"bucketEnd"`
	AnonProjectID    *string  `json:"anonProjectId"`
	ProviderID       *string  `json:"providerId"`
	ModelID          *string  `json:"modelId"`
	RequestCount     *float64 `json:"requestCount"`
	InputTokens      *float64 `json:"inputTokens"`
	OutputTokens     *float64 `json:"outputTokens"`
	ReasoningTokens  *float64 `json:"reasoningTokens"`
	CacheReadTokens  *float64 `json:"cacheReadTokens"`
	CacheWriteTokens *float64 `json:"cacheWriteTokens"`
	TotalCost        *float64 `json:"totalCost"`
	AvgOutputTps     *float64 `json:"avgOutputTps"`
	MinOutputTps     *float64 `json:"minOutputTps"`
	MaxOutputTps     *float64 `json:"maxOutputTps"`
}

type wireIngestPayload struct {
	SchemaVersion *float64            `json:"schemaVersion"`
	DeviceID      *string             `json:"deviceId"`
	Buckets       *[]wireIngestBucket `json:"buckets"`
}

func (b *wireIngestBucket) valid() bool {
	for _, n := range []*float64{
		b.BucketStart, b.BucketEnd, b.RequestCount, b.InputTokens, b.OutputTokens,
		b.ReasoningTokens, b.CacheReadTokens, b.CacheWriteTokens, b.TotalCost,
	} {
		if n == nil || math.IsNaN(*n) || math.IsInf(*n, 0) {
			return false
		}
	}
	for _, s := range []*string{b.AnonProjectID, b.ProviderID, b.ModelID} {
		if s == nil || strings.TrimSpace(*s) == "" {
			return false
		}
	}
	return true
}

func (b *wireIngestBucket) toInput() BucketInput {
	return BucketInput{
		BucketStart:      int64(*b.BucketStart),
		BucketEnd:        int64(*b.BucketEnd),
		AnonProjectID:    *b.AnonProjectID,
		ProviderID:       *b.ProviderID,
		ModelID:          *b.ModelID,
		RequestCount:     int64(*b.RequestCount),
		InputTokens:      int64(*b.InputTokens),
		OutputTokens:     int64(*b.OutputTokens),
		ReasoningTokens:  int64(*b.ReasoningTokens),
		CacheReadTokens:  int64(*b.CacheReadTokens),
		CacheWriteTokens: int64(*b.CacheWriteTokens),
		TotalCost:        *b.TotalCost,
		AvgOutputTps:     b.AvgOutputTps,
		MinOutputTps:     b.MinOutputTps,
		MaxOutputTps:     b.MaxOutputTps,
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	headerDevice := strings.TrimSpace(r.Header.Get("X-TS-Device-ID"))
	timestamp := strings.TrimSpace(r.Header.Get("X-TS-Timestamp"))
	nonce := strings.TrimSpace(r.Header.Get("X-TS-Nonce"))
	signature := strings.TrimSpace(r.Header.Get("X-TS-Signature"))

	if headerDevice == "" || timestamp == "" || nonce == "" || signature == "" {
		http.Error(w, "Missing auth headers", http.StatusUnauthorized)
		return
	}
	if s.allowed != nil {
		if _, ok := s.allowed[headerDevice]; !ok {
			http.Error(w, "Device not allowed", http.StatusForbidden)
			return
		}
	}

	device, err := s.db.Device(headerDevice)
	if err != nil {
		s.log.Error("device lookup", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if s.inviteToken != "" && device == nil {
		http.Error(w, "Device not registered", http.StatusForbidden)
		return
	}
	if device != nil && device.Status != DeviceActive {
		http.Error(w, "Device revoked", http.StatusForbidden)
		return
	}

	parsedTimestamp, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		http.Error(w, "Invalid timestamp", http.StatusUnauthorized)
		return
	}
	now := nowUnix()
	if diff := now - parsedTimestamp; diff > timestampWindowSeconds || diff < -timestampWindowSeconds {
		http.Error(w, "Timestamp outside allowed window", http.StatusUnauthorized)
		return
	}

	if err := s.db.CleanupExpiredNonces(now); err != nil {
		s.log.Warn("nonce cleanup", "error", err)
	}
	used, err := s.db.NonceUsed(headerDevice, nonce)
	if err != nil {
		s.log.Error("nonce lookup", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if used {
		http.Error(w, "Nonce already used", http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		http.Error(w, "Unable to read request body", http.StatusBadRequest)
		return
	}
	var payload wireIngestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if payload.SchemaVersion == nil || payload.DeviceID == nil || strings.TrimSpace(*payload.DeviceID) == "" || payload.Buckets == nil {
		http.Error(w, "Invalid ingest payload schema", http.StatusBadRequest)
		return
	}
	for i := range *payload.Buckets {
		if !(*payload.Buckets)[i].valid() {
			http.Error(w, "Invalid ingest payload schema", http.StatusBadRequest)
			return
		}
	}
	if *payload.DeviceID != headerDevice {
		http.Error(w, "Device ID mismatch", http.StatusUnauthorized)
		return
	}

	signingKey := s.signingKey
	if device != nil {
		signingKey = device.SigningKey
	}
	expected := uploader.Sign(signingKey, timestamp, nonce, raw)
	if !secureEqualHex(expected, signature) {
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	if err := s.db.StoreNonce(headerDevice, nonce, now+nonceTTLSeconds); err != nil {
		s.log.Error("store nonce", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	buckets := make([]BucketInput, 0, len(*payload.Buckets))
	for i := range *payload.Buckets {
		buckets = append(buckets, (*payload.Buckets)[i].toInput())
	}
	if err := s.db.UpsertBuckets(headerDevice, buckets); err != nil {
		s.log.Error("upsert buckets", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if err := s.db.TouchDeviceSeen(headerDevice, now); err != nil {
		s.log.Warn("touch device seen", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":   len(buckets),
		"duplicates": 0,
		"rejected":   0,
		"serverTime": now,
	})
}

func secureEqualHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type registerPayload struct {
	DeviceID    string `json:"deviceId"`
	AnonUserID  string `json:"anonUserId"`
	Label       string `json:"label"`
	InviteToken string `json:"inviteToken"`
}

func randomDeviceID() string {
	return "dev_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

func (s *Server) registerFromPayload(w http.ResponseWriter, r *http.Request, p registerPayload) {
	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		deviceID = randomDeviceID()
	}
	anonUserID := strings.TrimSpace(p.AnonUserID)
	if anonUserID == "" {
		anonUserID = deviceID
	}
	device, err := s.db.RegisterDevice(deviceID, strings.TrimSpace(p.Label), anonUserID)
	if err != nil {
		s.log.Error("register device", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("device registered",
		"action", "device_register", "source", clientAddress(r), "device", device.DeviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":   device.DeviceID,
		"anonUserId": device.AnonUserID,
		"signingKey": device.SigningKey,
		"status":     device.Status,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if s.inviteToken == "" {
		http.Error(w, "Invite token is not configured on hub", http.StatusServiceUnavailable)
		return
	}
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(p.InviteToken) == "" {
		http.Error(w, "Invalid register payload", http.StatusBadRequest)
		return
	}
	if p.InviteToken != s.inviteToken {
		http.Error(w, "Invalid invite token", http.StatusForbidden)
		return
	}
	s.registerFromPayload(w, r, p)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	var p registerPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	s.registerFromPayload(w, r, p)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	_, _, limit := parseRange(q)
	status := strings.TrimSpace(q.Get("status"))
	if status != DeviceActive && status != DeviceRevoked {
		status = ""
	}
	devices, err := s.db.ListDevices(limit, DeviceFilters{
		DeviceID:   strings.TrimSpace(q.Get("deviceId")),
		AnonUserID: strings.TrimSpace(q.Get("anonUserId")),
		Status:     status,
	})
	if err != nil {
		s.log.Error("list devices", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type devicePayload struct {
	DeviceID string `json:"deviceId"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.setDeviceStatus(w, r, DeviceRevoked)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.setDeviceStatus(w, r, DeviceActive)
}

func (s *Server) setDeviceStatus(w http.ResponseWriter, r *http.Request, status string) {
	var p devicePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		http.Error(w, "Invalid device payload", http.StatusBadRequest)
		return
	}
	var (
		ok     bool
		err    error
		action string
	)
	if status == DeviceRevoked {
		ok, err = s.db.RevokeDevice(deviceID)
		action = "device_revoke"
	} else {
		ok, err = s.db.ActivateDevice(deviceID)
		action = "device_activate"
	}
	if err != nil {
		s.log.Error("device status change", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	s.log.Info("device status changed",
		"action", action, "source", clientAddress(r), "device", deviceID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deviceId": deviceID})
}

type bulkPayload struct {
	Action    string   `json:"action"`
	DeviceIDs []string `json:"deviceIds"`
}

func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	var p bulkPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if (p.Action != "revoke" && p.Action != "activate") || p.DeviceIDs == nil {
		http.Error(w, "Invalid bulk payload", http.StatusBadRequest)
		return
	}
	status := DeviceActive
	if p.Action == "revoke" {
		status = DeviceRevoked
	}
	updated, missing, err := s.db.BulkSetDeviceStatus(p.DeviceIDs, status)
	if err != nil {
		s.log.Error("bulk device status", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("bulk device status",
		"action", "device_bulk_status", "source", clientAddress(r), "bulkAction", p.Action,
		"requested", len(p.DeviceIDs), "updated", len(updated), "missing", len(missing))
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"action":  p.Action,
		"updated": updated,
		"missing": missing,
	})
}

// parseRange reads from/to/limit query params. Missing or unparseable
// values fall back to the full epoch range and a limit of 100.
func parseRange(q url.Values) (from, to int64, limit int) {
	from = 0
	to = rangeDefaultTo
	limit = 100
	if v, err := strconv.ParseInt(strings.TrimSpace(q.Get("from")), 10, 64); err == nil {
		from = v
	}
	if v, err := strconv.ParseInt(strings.TrimSpace(q.Get("to")), 10, 64); err == nil {
		to = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(q.Get("limit"))); err == nil {
		limit = v
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return from, to, limit
}

func parseFilters(q url.Values) Filters {
	return Filters{
		AnonProjectID: strings.TrimSpace(q.Get("anonProjectId")),
		ProviderID:    strings.TrimSpace(q.Get("providerId")),
		ModelID:       strings.TrimSpace(q.Get("modelId")),
		DeviceID:      strings.TrimSpace(q.Get("deviceId")),
		AnonUserID:    strings.TrimSpace(q.Get("anonUserId")),
	}
}

func parseMetric(q url.Values) string {
	switch strings.TrimSpace(q.Get("metric")) {
	case MetricCost:
		return MetricCost
	case MetricTps:
		return MetricTps
	default:
		return MetricTokens
	}
}

func parseGroupBy(q url.Values) string {
	if strings.TrimSpace(q.Get("groupBy")) == GroupByDay {
		return GroupByDay
	}
	return GroupByHour
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, _ := parseRange(q)
	summary, err := s.db.Summary(from, to, parseFilters(q))
	if err != nil {
		s.log.Error("dashboard summary", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, limit := parseRange(q)
	rows, err := s.db.Models(from, to, limit, parseFilters(q))
	if err != nil {
		s.log.Error("dashboard models", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, limit := parseRange(q)
	rows, err := s.db.Providers(from, to, limit, parseFilters(q))
	if err != nil {
		s.log.Error("dashboard providers", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, limit := parseRange(q)
	rows, err := s.db.Projects(from, to, limit, parseFilters(q))
	if err != nil {
		s.log.Error("dashboard projects", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, limit := parseRange(q)
	points, err := s.db.Timeseries(parseMetric(q), parseGroupBy(q), from, to, limit, parseFilters(q))
	if err != nil {
		s.log.Error("dashboard timeseries", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// handleLive pushes the filtered summary over a websocket every few
// seconds, starting immediately, until the client goes away.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	q := r.URL.Query()
	from, to, _ := parseRange(q)
	filters := parseFilters(q)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(liveFeedInterval)
	defer ticker.Stop()
	for {
		summary, err := s.db.Summary(from, to, filters)
		if err != nil {
			s.log.Error("live summary", "error", err)
			return
		}
		if err := conn.WriteJSON(map[string]any{
			"at":      nowUnix(),
			"summary": summary,
		}); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
