package creds

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "hub-credentials.json"))
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("https://hub.example.com", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	err := s.Save(Credential{
		HubURL:     "https://hub.example.com/",
		DeviceID:   "dev_abc",
		SigningKey: "deadbeef",
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// Trailing slash differences must not split credentials.
	got, err := s.Load("https://hub.example.com", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.DeviceID != "dev_abc" || got.SigningKey != "deadbeef" {
		t.Fatalf("unexpected credential: %+v", got)
	}
	if got.HubURL != "https://hub.example.com" {
		t.Fatalf("expected normalized hub url, got %q", got.HubURL)
	}
}

func TestLoadPrefersExactDeviceMatch(t *testing.T) {
	s := newTestStore(t)
	restore := nowUTC
	t.Cleanup(func() { nowUTC = restore })

	nowUTC = func() time.Time { return time.Unix(100, 0).UTC() }
	if err := s.Save(Credential{HubURL: "https://hub.example.com", DeviceID: "dev_old", SigningKey: "k1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	nowUTC = func() time.Time { return time.Unix(200, 0).UTC() }
	if err := s.Save(Credential{HubURL: "https://hub.example.com", DeviceID: "dev_new", SigningKey: "k2"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load("https://hub.example.com", "dev_old")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.DeviceID != "dev_old" {
		t.Fatalf("expected exact device match, got %q", got.DeviceID)
	}

	got, err = s.Load("https://hub.example.com", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.DeviceID != "dev_new" {
		t.Fatalf("expected most recent credential, got %q", got.DeviceID)
	}
}

func TestSaveUpsertsByHubAndDevice(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(Credential{HubURL: "https://hub.example.com", DeviceID: "dev_a", SigningKey: "k1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(Credential{HubURL: "https://hub.example.com", DeviceID: "dev_a", SigningKey: "k2"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load("https://hub.example.com", "dev_a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.SigningKey != "k2" {
		t.Fatalf("expected rotated key k2, got %q", got.SigningKey)
	}
}

func TestCredentialsIsolatedPerHub(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(Credential{HubURL: "https://hub-a.example.com", DeviceID: "dev_a", SigningKey: "k1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(Credential{HubURL: "https://hub-b.example.com", DeviceID: "dev_b", SigningKey: "k2"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load("https://hub-b.example.com", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.DeviceID != "dev_b" {
		t.Fatalf("expected hub-b credential, got %+v", got)
	}
}

func TestDeleteRemovesCredential(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(Credential{HubURL: "https://hub.example.com", DeviceID: "dev_a", SigningKey: "k1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete("https://hub.example.com", "dev_a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load("https://hub.example.com", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete("https://hub.example.com", "dev_a"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}
