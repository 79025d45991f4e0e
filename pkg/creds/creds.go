// Package creds stores hub upload credentials on disk, one entry per
// (hub URL, device) pair.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no credential matches the hub.
var ErrNotFound = errors.New("no credential for hub")

var nowUTC = func() time.Time { return time.Now().UTC() }

// Credential is one device identity issued by a hub.
type Credential struct {
	HubURL     string `json:"hubUrl"`
	DeviceID   string `json:"deviceId"`
	SigningKey string `json:"signingKey"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type credentialFile struct {
	Credentials []Credential `json:"credentials"`
}

// Store reads and writes the credential file. Safe for concurrent use
// within a process; the file itself is replaced atomically.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// NormalizeHubURL canonicalizes a hub URL for credential matching.
func NormalizeHubURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// Load returns the credential for hubURL, preferring an exact device match
// and falling back to the most recently updated entry for that hub.
// deviceID may be empty.
func (s *Store) Load(hubURL, deviceID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readLocked()
	if err != nil {
		return Credential{}, err
	}
	hub := NormalizeHubURL(hubURL)

	var (
		best  Credential
		found bool
	)
	for _, c := range entries {
		if NormalizeHubURL(c.HubURL) != hub {
			continue
		}
		if deviceID != "" && c.DeviceID == deviceID {
			return c, nil
		}
		if !found || c.UpdatedAt > best.UpdatedAt {
			best = c
			found = true
		}
	}
	if !found {
		return Credential{}, ErrNotFound
	}
	return best, nil
}

// Save upserts the credential keyed by (hub URL, device) and persists the
// file atomically.
func (s *Store) Save(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readLocked()
	if err != nil {
		return err
	}
	cred.HubURL = NormalizeHubURL(cred.HubURL)
	cred.UpdatedAt = nowUTC().Unix()

	replaced := false
	for i, c := range entries {
		if NormalizeHubURL(c.HubURL) == cred.HubURL && c.DeviceID == cred.DeviceID {
			entries[i] = cred
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, cred)
	}
	return s.writeLocked(entries)
}

// Delete removes every credential for the hub, or only the given device's
// when deviceID is non-empty. Missing entries are not an error.
func (s *Store) Delete(hubURL, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readLocked()
	if err != nil {
		return err
	}
	hub := NormalizeHubURL(hubURL)
	kept := entries[:0]
	for _, c := range entries {
		if NormalizeHubURL(c.HubURL) == hub && (deviceID == "" || c.DeviceID == deviceID) {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == len(entries) {
		return nil
	}
	return s.writeLocked(kept)
}

func (s *Store) readLocked() ([]Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}
	var f credentialFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return f.Credentials, nil
}

func (s *Store) writeLocked(entries []Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := json.MarshalIndent(credentialFile{Credentials: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
