// Package credential implements the credential pool and token lifecycle
// manager (spec §3, §4.5–§4.7, §4.10): a priority-ordered set of OAuth
// credentials with concurrent use, automatic refresh, failure accounting,
// failover, write-back persistence, and a per-credential concurrency gate.
package credential

import (
	"sync"
	"time"
)

// AuthMethod is the credential's OAuth flavor. Legacy values from the
// credentials file ("builder-id", "iam") are normalized to AuthMethodIDC at
// load time (spec Design Notes).
type AuthMethod string

const (
	AuthMethodSocial AuthMethod = "social"
	AuthMethodIDC    AuthMethod = "idc"
)

// DefaultFailureThreshold is the failure_count at which a credential is
// implicitly quarantined (spec §3; the exact number is an Open Question
// left to implementers — spec §9 says "expose it as a configurable
// constant").
const DefaultFailureThreshold = 3

// DefaultMaxConcurrent is the per-credential in-flight cap (spec §9 Open
// Questions: "pick 1 for safety unless evidence supports more").
const DefaultMaxConcurrent = 1

// Credential is one OAuth identity with refresh capability against the
// upstream (spec §3 data model).
type Credential struct {
	mu sync.Mutex

	ID           int64
	AccessToken  string
	ExpiresAt    time.Time // zero value means "no access token yet"
	RefreshToken string
	ProfileARN   string
	AuthMethod   AuthMethod
	ClientID     string
	ClientSecret string
	Region       string // empty means "use pool/config default"
	MachineID    string // empty means "derive" (spec §4.10)
	Priority     int

	// Pool-managed state. store.go writes Disabled, FailureCount and
	// MaxConcurrent back to the credentials file; ActiveConnections is
	// never persisted.
	Disabled          bool
	FailureCount      int
	ActiveConnections int
	MaxConcurrent     int

	sem  chan struct{}   // acquisition gate, sized MaxConcurrent
	cond *sync.Cond      // created by init; bounded-wait acquisition waits on the pool-wide Pool.cond instead
}

// init lazily creates the concurrency primitives; called by the pool when a
// credential is loaded or added so callers never see a nil sem/cond.
func (c *Credential) init() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.sem == nil {
		c.sem = make(chan struct{}, c.MaxConcurrent)
	}
	if c.cond == nil {
		c.cond = sync.NewCond(&c.mu)
	}
}

// Snapshot is a read-only copy of a Credential's fields, safe to hold
// without the credential's lock (spec §3 PoolSnapshot).
type Snapshot struct {
	ID                int64
	AccessToken       string
	ExpiresAt         time.Time
	RefreshToken      string
	ProfileARN        string
	AuthMethod        AuthMethod
	ClientID          string
	ClientSecret      string
	Region            string
	MachineID         string
	Priority          int
	Disabled          bool
	FailureCount      int
	ActiveConnections int
	MaxConcurrent     int
}

func (c *Credential) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:                c.ID,
		AccessToken:       c.AccessToken,
		ExpiresAt:         c.ExpiresAt,
		RefreshToken:      c.RefreshToken,
		ProfileARN:        c.ProfileARN,
		AuthMethod:        c.AuthMethod,
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		Region:            c.Region,
		MachineID:         c.MachineID,
		Priority:          c.Priority,
		Disabled:          c.Disabled,
		FailureCount:      c.FailureCount,
		ActiveConnections: c.ActiveConnections,
		MaxConcurrent:     c.MaxConcurrent,
	}
}

// Quarantined reports whether the credential's failure count has reached
// the given threshold (spec §3: "reaches a threshold... -> implicit
// 'quarantined' state").
func (s Snapshot) Quarantined(threshold int) bool {
	return s.FailureCount >= threshold
}

// NormalizeAuthMethod rewrites legacy auth_method values to their current
// equivalent (spec Design Notes: "auth_method in {builder-id, iam}
// rewritten to idc").
func NormalizeAuthMethod(raw string) AuthMethod {
	switch raw {
	case "builder-id", "iam":
		return AuthMethodIDC
	case string(AuthMethodSocial):
		return AuthMethodSocial
	case string(AuthMethodIDC):
		return AuthMethodIDC
	default:
		return AuthMethod(raw)
	}
}
