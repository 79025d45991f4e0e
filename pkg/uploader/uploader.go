// Package uploader drains the local upload queue to a hub, registering the
// device and signing each ingest request.
package uploader

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tokenspeed/hub/pkg/creds"
	"github.com/tokenspeed/hub/pkg/queue"
)

const (
	minInterval          = 5 * time.Second
	registrationCooldown = 60 * time.Second
	flushBatchSize       = 20
	maxBodySnippet       = 2048
)

var nowUTC = func() time.Time { return time.Now().UTC() }

var errNoCredentials = errors.New("no device credentials available")

// RegistrationMode selects how the dispatcher obtains credentials from a
// hub that does not know the device yet.
type RegistrationMode interface {
	isRegistrationMode()
}

// InviteRegistration registers through /v1/devices/register with an invite
// token the hub operator handed out.
type InviteRegistration struct {
	Token string
}

// OpenRegistration bootstraps through /v1/devices/bootstrap on hubs that
// accept self-registration.
type OpenRegistration struct{}

func (InviteRegistration) isRegistrationMode() {}
func (OpenRegistration) isRegistrationMode()   {}

// CredentialProvider persists device credentials between runs.
// *creds.Store satisfies it.
type CredentialProvider interface {
	Load(hubURL, deviceID string) (creds.Credential, error)
	Save(cred creds.Credential) error
}

// Options configures a Dispatcher. Queue, Credentials, HubURL and Mode are
// required.
type Options struct {
	Queue       *queue.Store
	Credentials CredentialProvider
	HubURL      string
	Mode        RegistrationMode
	// DeviceID is the desired device identity; the hub may assign a
	// different one on registration.
	DeviceID   string
	AnonUserID string
	Label      string
	Interval   time.Duration
	Client     *http.Client
	Logger     *slog.Logger
}

// Dispatcher periodically uploads pending buckets. Flushes never overlap;
// a flush requested while one is in flight is dropped.
type Dispatcher struct {
	queue    *queue.Store
	creds    CredentialProvider
	hubURL   string
	mode     RegistrationMode
	interval time.Duration
	client   *http.Client
	log      *slog.Logger

	inFlight atomic.Bool

	mu             sync.Mutex
	deviceID       string
	anonUserID     string
	label          string
	signingKey     string
	invalidated    bool
	nextRegisterAt time.Time
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Queue == nil {
		return nil, errors.New("uploader: queue is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("uploader: credential provider is required")
	}
	hubURL := creds.NormalizeHubURL(opts.HubURL)
	if hubURL == "" {
		return nil, errors.New("uploader: hub url is required")
	}
	if opts.Mode == nil {
		return nil, errors.New("uploader: registration mode is required")
	}
	interval := opts.Interval
	if interval < minInterval {
		interval = minInterval
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deviceID := strings.TrimSpace(opts.DeviceID)
	if deviceID == "" {
		deviceID = "dev_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	}
	return &Dispatcher{
		queue:      opts.Queue,
		creds:      opts.Credentials,
		hubURL:     hubURL,
		mode:       opts.Mode,
		interval:   interval,
		client:     client,
		log:        logger,
		deviceID:   deviceID,
		anonUserID: strings.TrimSpace(opts.AnonUserID),
		label:      strings.TrimSpace(opts.Label),
	}, nil
}

// Sign computes the request signature: lowercase hex HMAC-SHA256 over
// "timestamp.nonce.body" keyed by the device signing key.
func Sign(signingKey, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func retryDelaySeconds(attemptCount int64) int64 {
	exp := attemptCount + 1
	if exp > 8 {
		exp = 8
	}
	delay := int64(1) << exp
	if delay > 900 {
		delay = 900
	}
	return delay
}

// Run flushes immediately, then on every interval tick until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	d.FlushNow(ctx)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.FlushNow(ctx)
		}
	}
}

// FlushNow drains due pending buckets once. Concurrent calls while a flush
// is in flight return immediately.
func (d *Dispatcher) FlushNow(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer d.inFlight.Store(false)

	deviceID, signingKey, err := d.ensureCredentials(ctx)
	if err != nil {
		if !errors.Is(err, errNoCredentials) {
			d.log.Warn("upload registration failed", "hub", d.hubURL, "error", err)
		}
		return
	}

	pending, err := d.queue.Pending(flushBatchSize)
	if err != nil {
		d.log.Error("read pending buckets", "error", err)
		return
	}
	for _, bucket := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := d.uploadBucket(ctx, bucket, deviceID, signingKey); err != nil {
			d.log.Warn("bucket upload failed",
				"bucket", bucket.ID, "attempt", bucket.AttemptCount+1, "error", err)
			if markErr := d.queue.MarkFailed(bucket.ID, err.Error(), retryDelaySeconds(bucket.AttemptCount)); markErr != nil {
				d.log.Error("record bucket failure", "bucket", bucket.ID, "error", markErr)
			}
			continue
		}
		if err := d.queue.MarkSent(bucket.ID); err != nil {
			d.log.Error("record bucket sent", "bucket", bucket.ID, "error", err)
		}
	}
}

func (d *Dispatcher) ensureCredentials(ctx context.Context) (deviceID, signingKey string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.signingKey != "" {
		return d.deviceID, d.signingKey, nil
	}
	if !d.invalidated {
		saved, err := d.creds.Load(d.hubURL, d.deviceID)
		if err == nil {
			d.deviceID = saved.DeviceID
			d.signingKey = saved.SigningKey
			return d.deviceID, d.signingKey, nil
		}
		if !errors.Is(err, creds.ErrNotFound) {
			return "", "", fmt.Errorf("load credential: %w", err)
		}
	}

	now := nowUTC()
	if now.Before(d.nextRegisterAt) {
		return "", "", errNoCredentials
	}

	resp, err := d.register(ctx)
	if err != nil {
		d.nextRegisterAt = now.Add(registrationCooldown)
		return "", "", err
	}
	d.deviceID = resp.DeviceID
	d.signingKey = resp.SigningKey
	d.invalidated = false
	d.nextRegisterAt = time.Time{}
	if err := d.creds.Save(creds.Credential{
		HubURL:     d.hubURL,
		DeviceID:   d.deviceID,
		SigningKey: d.signingKey,
	}); err != nil {
		d.log.Warn("persist credential", "error", err)
	}
	d.log.Info("device registered", "hub", d.hubURL, "device", d.deviceID)
	return d.deviceID, d.signingKey, nil
}

type registerRequest struct {
	DeviceID    string `json:"deviceId"`
	AnonUserID  string `json:"anonUserId,omitempty"`
	InviteToken string `json:"inviteToken,omitempty"`
	Label       string `json:"label,omitempty"`
}

type registerResponse struct {
	DeviceID   string `json:"deviceId"`
	AnonUserID string `json:"anonUserId"`
	SigningKey string `json:"signingKey"`
	Status     string `json:"status"`
}

func (d *Dispatcher) register(ctx context.Context) (registerResponse, error) {
	req := registerRequest{
		DeviceID:   d.deviceID,
		AnonUserID: d.anonUserID,
		Label:      d.label,
	}
	endpoint := d.hubURL + "/v1/devices/bootstrap"
	if invite, ok := d.mode.(InviteRegistration); ok {
		req.InviteToken = invite.Token
		endpoint = d.hubURL + "/v1/devices/register"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return registerResponse{}, fmt.Errorf("encode registration: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return registerResponse{}, fmt.Errorf("build registration request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return registerResponse{}, fmt.Errorf("registration request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySnippet))
	if httpResp.StatusCode != http.StatusOK {
		return registerResponse{}, fmt.Errorf("registration rejected: HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var resp registerResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return registerResponse{}, fmt.Errorf("parse registration response: %w", err)
	}
	if resp.DeviceID == "" || resp.SigningKey == "" {
		return registerResponse{}, errors.New("registration response missing device id or signing key")
	}
	return resp, nil
}

type wireBucket struct {
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

type ingestRequest struct {
	SchemaVersion int          `json:"schemaVersion"`
	DeviceID      string       `json:"deviceId"`
	Buckets       []wireBucket `json:"buckets"`
}

func (d *Dispatcher) uploadBucket(ctx context.Context, bucket queue.Payload, deviceID, signingKey string) error {
	payload, err := json.Marshal(ingestRequest{
		SchemaVersion: 1,
		DeviceID:      deviceID,
		Buckets: []wireBucket{{
			BucketStart:      bucket.BucketStart,
			BucketEnd:        bucket.BucketEnd,
			AnonProjectID:    bucket.AnonProjectID,
			ProviderID:       bucket.ProviderID,
			ModelID:          bucket.ModelID,
			RequestCount:     bucket.RequestCount,
			InputTokens:      bucket.InputTokens,
			OutputTokens:     bucket.OutputTokens,
			ReasoningTokens:  bucket.ReasoningTokens,
			CacheReadTokens:  bucket.CacheReadTokens,
			CacheWriteTokens: bucket.CacheWriteTokens,
			TotalCost:        bucket.TotalCost,
			AvgOutputTps:     bucket.AvgOutputTps,
			MinOutputTps:     bucket.MinOutputTps,
			MaxOutputTps:     bucket.MaxOutputTps,
		}},
	})
	if err != nil {
		return fmt.Errorf("encode bucket: %w", err)
	}

	timestamp := fmt.Sprintf("%d", nowUTC().Unix())
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	signature := Sign(signingKey, timestamp, nonce, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.hubURL+"/v1/ingest/buckets", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TS-Device-ID", deviceID)
	req.Header.Set("X-TS-Timestamp", timestamp)
	req.Header.Set("X-TS-Nonce", nonce)
	req.Header.Set("X-TS-Signature", signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("ingest request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySnippet))
	if resp.StatusCode == http.StatusForbidden {
		if _, invite := d.mode.(InviteRegistration); invite {
			// The hub no longer accepts this key. Drop it and allow an
			// immediate re-registration on the next flush.
			d.mu.Lock()
			d.signingKey = ""
			d.invalidated = true
			d.nextRegisterAt = time.Time{}
			d.mu.Unlock()
		}
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
