package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// record is the on-disk shape of one credential (spec §4.10, Design Notes:
// legacy single-object files and builder-id/iam auth_method values must be
// normalized at load time).
type record struct {
	ID            int64     `json:"id"`
	AccessToken   string    `json:"accessToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
	RefreshToken  string    `json:"refreshToken"`
	ProfileARN    string    `json:"profileArn,omitempty"`
	AuthMethod    string    `json:"authMethod"`
	ClientID      string    `json:"clientId,omitempty"`
	ClientSecret  string    `json:"clientSecret,omitempty"`
	Region        string    `json:"region,omitempty"`
	MachineID     string    `json:"machineId,omitempty"`
	Priority      int       `json:"priority"`
	Disabled      bool      `json:"disabled"`
	FailureCount  int       `json:"failureCount"`
	MaxConcurrent int       `json:"maxConcurrent,omitempty"`
}

// FileStore loads credentials from, and writes them back to, a JSON file
// on disk (spec §4.6 step 3, §4.10). Implements Store and WriteBacker.
type FileStore struct {
	path string
	pool *Pool
}

// NewFileStore builds a store bound to path. Call SetPool once the pool
// exists (the pool and store reference each other).
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// SetPool binds the store to the pool it persists. Must be called before
// any WriteBack.
func (s *FileStore) SetPool(p *Pool) { s.pool = p }

// Load reads the credentials file, normalizing legacy shapes:
//   - a bare JSON object (not array) is treated as a single credential and
//     wrapped into a one-element list with a synthesized id of 1
//   - auth_method values of "builder-id"/"iam" are rewritten to "idc"
func Load(path string) ([]*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var records []record
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var single record
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, fmt.Errorf("parsing legacy single-credential file: %w", err)
		}
		if single.ID == 0 {
			single.ID = 1
		}
		records = []record{single}
	} else {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("parsing credentials file: %w", err)
		}
	}

	creds := make([]*Credential, 0, len(records))
	for _, r := range records {
		c := &Credential{
			ID:            r.ID,
			AccessToken:   r.AccessToken,
			ExpiresAt:     r.ExpiresAt,
			RefreshToken:  r.RefreshToken,
			ProfileARN:    r.ProfileARN,
			AuthMethod:    NormalizeAuthMethod(r.AuthMethod),
			ClientID:      r.ClientID,
			ClientSecret:  r.ClientSecret,
			Region:        r.Region,
			MachineID:     r.MachineID,
			Priority:      r.Priority,
			Disabled:      r.Disabled,
			FailureCount:  r.FailureCount,
			MaxConcurrent: r.MaxConcurrent,
		}
		c.init()
		creds = append(creds, c)
	}
	return creds, nil
}

// WriteBack persists the bound pool's current state to disk atomically
// (write to a temp file in the same directory, then rename), so a crash
// mid-write never corrupts the existing file.
func (s *FileStore) WriteBack() {
	if s.pool == nil {
		return
	}
	snapshots := s.pool.List()

	records := make([]record, len(snapshots))
	for i, sn := range snapshots {
		records[i] = record{
			ID:            sn.ID,
			AccessToken:   sn.AccessToken,
			ExpiresAt:     sn.ExpiresAt,
			RefreshToken:  sn.RefreshToken,
			ProfileARN:    sn.ProfileARN,
			AuthMethod:    string(sn.AuthMethod),
			ClientID:      sn.ClientID,
			ClientSecret:  sn.ClientSecret,
			Region:        sn.Region,
			MachineID:     sn.MachineID,
			Priority:      sn.Priority,
			Disabled:      sn.Disabled,
			FailureCount:  sn.FailureCount,
			MaxConcurrent: sn.MaxConcurrent,
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		// Write-back failures must never fail the in-flight request
		// (spec §4.5/§7); log a warning and move on.
		log.Printf("credential store: marshal credentials: %v", err)
		return
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credentials-*.tmp")
	if err != nil {
		log.Printf("credential store: create temp file: %v", err)
		return
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		log.Printf("credential store: write temp file: %v", err)
		tmp.Close()
		os.Remove(tmpPath)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("credential store: close temp file: %v", err)
		os.Remove(tmpPath)
		return
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		log.Printf("credential store: rename temp file into place: %v", err)
	}
}
