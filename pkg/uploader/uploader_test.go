package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tokenspeed/hub/pkg/creds"
	"github.com/tokenspeed/hub/pkg/metrics"
	"github.com/tokenspeed/hub/pkg/queue"
)

func newTestQueue(t *testing.T) *queue.Store {
	t.Helper()
	s, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Enqueue(metrics.RequestMetrics{
		ModelID:      "gpt-5",
		ProviderID:   "openai",
		OutputTokens: 50,
		TotalTokens:  80,
		StartedAt:    89_000,
		CompletedAt:  90_000,
	}, "proj-a", 60); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return s
}

func newDispatcher(t *testing.T, q *queue.Store, hubURL string, mode RegistrationMode) *Dispatcher {
	t.Helper()
	d, err := New(Options{
		Queue:       q,
		Credentials: creds.NewStore(filepath.Join(t.TempDir(), "hub-credentials.json")),
		HubURL:      hubURL,
		Mode:        mode,
		DeviceID:    "dev_test",
		AnonUserID:  "anon_user",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestFlushRegistersAndUploads(t *testing.T) {
	var ingested atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/devices/bootstrap":
			var req map[string]any
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode bootstrap body: %v", err)
			}
			if req["deviceId"] != "dev_test" || req["anonUserId"] != "anon_user" {
				t.Errorf("unexpected bootstrap identity: %v", req)
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"deviceId":   "dev_assigned",
				"signingKey": "secret-key",
				"status":     "active",
			})
		case "/v1/ingest/buckets":
			body, _ := io.ReadAll(r.Body)
			ts := r.Header.Get("X-TS-Timestamp")
			nonce := r.Header.Get("X-TS-Nonce")
			if r.Header.Get("X-TS-Device-ID") != "dev_assigned" {
				t.Errorf("unexpected device header %q", r.Header.Get("X-TS-Device-ID"))
			}
			if want := Sign("secret-key", ts, nonce, body); r.Header.Get("X-TS-Signature") != want {
				t.Errorf("signature mismatch")
			}
			var req ingestRequest
			if err := json.Unmarshal(body, &req); err != nil {
				t.Errorf("decode ingest body: %v", err)
			}
			if req.SchemaVersion != 1 || len(req.Buckets) != 1 || req.Buckets[0].OutputTokens != 50 {
				t.Errorf("unexpected ingest payload: %+v", req)
			}
			ingested.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": 1})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	q := newTestQueue(t)
	d := newDispatcher(t, q, srv.URL, OpenRegistration{})
	d.FlushNow(context.Background())

	if ingested.Load() != 1 {
		t.Fatalf("expected 1 ingest call, got %d", ingested.Load())
	}
	st, err := q.QueueStatus()
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if st.Sent != 1 || st.Pending != 0 {
		t.Fatalf("expected bucket marked sent, got %+v", st)
	}
}

func TestInviteModeUsesRegisterEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/devices/register":
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req["inviteToken"] != "invite-123" {
				t.Errorf("expected invite token, got %v", req["inviteToken"])
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"deviceId":   "dev_test",
				"signingKey": "secret-key",
			})
		case "/v1/ingest/buckets":
			_ = json.NewEncoder(w).Encode(map[string]any{"accepted": 1})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	q := newTestQueue(t)
	d := newDispatcher(t, q, srv.URL, InviteRegistration{Token: "invite-123"})
	d.FlushNow(context.Background())

	st, _ := q.QueueStatus()
	if st.Sent != 1 {
		t.Fatalf("expected bucket sent via invite registration, got %+v", st)
	}
}

func TestFlushAcceptsAnySuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/devices/bootstrap" {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"deviceId":   "dev_test",
				"signingKey": "secret-key",
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	d := newDispatcher(t, q, srv.URL, OpenRegistration{})
	d.FlushNow(context.Background())

	st, err := q.QueueStatus()
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if st.Sent != 1 || st.Pending != 0 {
		t.Fatalf("expected 202 to mark bucket sent, got %+v", st)
	}
}

func TestUploadFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/devices/bootstrap" {
			_ = json.NewEncoder(w).Encode(map[string]string{
				"deviceId":   "dev_test",
				"signingKey": "secret-key",
			})
			return
		}
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	q := newTestQueue(t)
	d := newDispatcher(t, q, srv.URL, OpenRegistration{})
	d.FlushNow(context.Background())

	entries, err := q.Entries(10, "")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Status != queue.StatusPending || e.AttemptCount != 1 {
		t.Fatalf("expected pending retry after failure, got %+v", e)
	}
	if !strings.Contains(e.LastError, "HTTP 500") {
		t.Fatalf("expected HTTP 500 in last error, got %q", e.LastError)
	}
}

func TestForbiddenInvalidatesKeyInInviteMode(t *testing.T) {
	var registrations atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/devices/register":
			registrations.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"deviceId":   "dev_test",
				"signingKey": "rotated-key",
			})
		case "/v1/ingest/buckets":
			http.Error(w, "device revoked", http.StatusForbidden)
		}
	}))
	defer srv.Close()

	q := newTestQueue(t)
	credStore := creds.NewStore(filepath.Join(t.TempDir(), "hub-credentials.json"))
	if err := credStore.Save(creds.Credential{HubURL: srv.URL, DeviceID: "dev_test", SigningKey: "stale-key"}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	d, err := New(Options{
		Queue:       q,
		Credentials: credStore,
		HubURL:      srv.URL,
		Mode:        InviteRegistration{Token: "invite-123"},
		DeviceID:    "dev_test",
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	// First flush uses the stale saved key and gets rejected.
	d.FlushNow(context.Background())
	if registrations.Load() != 0 {
		t.Fatalf("expected no registration while key cached, got %d", registrations.Load())
	}

	// Second flush re-registers instead of reloading the dropped key.
	d.FlushNow(context.Background())
	if registrations.Load() != 1 {
		t.Fatalf("expected re-registration after 403, got %d", registrations.Load())
	}
}

func TestRegistrationFailureBacksOff(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "invite required", http.StatusForbidden)
	}))
	defer srv.Close()

	restore := nowUTC
	t.Cleanup(func() { nowUTC = restore })
	base := time.Unix(1_700_000_000, 0).UTC()
	nowUTC = func() time.Time { return base }

	q := newTestQueue(t)
	d := newDispatcher(t, q, srv.URL, OpenRegistration{})

	d.FlushNow(context.Background())
	d.FlushNow(context.Background())
	if attempts.Load() != 1 {
		t.Fatalf("expected registration cooldown to suppress retry, got %d attempts", attempts.Load())
	}

	nowUTC = func() time.Time { return base.Add(61 * time.Second) }
	d.FlushNow(context.Background())
	if attempts.Load() != 2 {
		t.Fatalf("expected retry after cooldown, got %d attempts", attempts.Load())
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	cases := []struct {
		attempts int64
		want     int64
	}{
		{0, 2},
		{1, 4},
		{3, 16},
		{7, 256},
		{8, 256},
		{100, 256},
	}
	for _, tc := range cases {
		if got := retryDelaySeconds(tc.attempts); got != tc.want {
			t.Fatalf("retryDelaySeconds(%d) = %d, want %d", tc.attempts, got, tc.want)
		}
	}
}
