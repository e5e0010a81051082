package credential

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/kirobridge/kirobridge/internal/apierrors"
)

// DefaultAcquireWait bounds how long Acquire will wait for an in-use but
// otherwise eligible credential to free up before giving up (spec §4.5:
// "a bounded wait, not an unbounded block").
const DefaultAcquireWait = 5 * time.Second

// Outcome classifies how a leased credential's request ended, for
// Release's bookkeeping (spec §4.5).
type Outcome int

const (
	// OutcomeSuccess resets the credential's failure count to zero.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure increments the failure count, unless ErrorKind is a
	// client/user-input kind (spec §4.5: failures attributable to the
	// caller's request must not quarantine a perfectly good credential).
	OutcomeFailure
	// OutcomeCancelled never touches the failure count (spec §4.9).
	OutcomeCancelled
)

// ReleaseInfo is passed to Pool.Release to describe how a lease ended.
type ReleaseInfo struct {
	Outcome   Outcome
	ErrorKind apierrors.Kind // only consulted when Outcome == OutcomeFailure
}

// Lease is a held credential slot returned by Acquire. Callers must call
// Pool.Release exactly once per successful Acquire.
type Lease struct {
	cred     *Credential
	pool     *Pool
	released bool
}

// Credential exposes the leased credential's current snapshot. Mutating
// fields through this pointer bypasses the pool's locking discipline;
// callers should only read through Snapshot() or use the pool's dedicated
// mutators.
func (l *Lease) Credential() *Credential { return l.cred }

// Snapshot returns a read-only copy of the leased credential's state.
func (l *Lease) Snapshot() Snapshot { return l.cred.snapshot() }

// Store is the persistence boundary the pool writes back through
// (spec §4.6 step 3, §4.10). Implemented by store.go's FileStore.
type Store interface {
	WriteBack()
}

// Pool is the priority-ordered, concurrency-gated set of credentials
// (spec §3 Pool, §4.5 AcquireCredential).
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	creds     []*Credential
	nextID    int64
	threshold int
	store     Store
	tokens    *TokenManager
	waitFor   time.Duration
}

// PoolConfig configures a new Pool.
type PoolConfig struct {
	FailureThreshold int
	AcquireWait      time.Duration
	Store            Store
	Tokens           *TokenManager
}

// NewPool builds a pool from an initial set of credentials (as loaded by
// store.go). Credential.ID values in creds must already be assigned.
func NewPool(creds []*Credential, cfg PoolConfig) *Pool {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	wait := cfg.AcquireWait
	if wait <= 0 {
		wait = DefaultAcquireWait
	}

	var maxID int64
	for _, c := range creds {
		c.init()
		if c.ID > maxID {
			maxID = c.ID
		}
	}

	p := &Pool{
		creds:     creds,
		nextID:    maxID + 1,
		threshold: threshold,
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		waitFor:   wait,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetTokens binds the token manager used by RefreshNow. Construction order
// is necessarily two-phase: the TokenManager's WriteBacker is the pool
// itself, so the pool must exist before a TokenManager referencing it can
// be built, and this method closes the cycle afterward.
func (p *Pool) SetTokens(tm *TokenManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = tm
}

// WriteBack persists current pool state. Implements the TokenManager's
// WriteBacker interface so a successful refresh triggers a save without the
// token manager knowing about the store.
func (p *Pool) WriteBack() {
	if p.store != nil {
		p.store.WriteBack()
	}
}

// eligible reports whether a credential may be selected at all, ignoring
// capacity (disabled and quarantined credentials are never eligible).
func eligible(s Snapshot, threshold int, excluded map[int64]bool) bool {
	if excluded != nil && excluded[s.ID] {
		return false
	}
	if s.Disabled {
		return false
	}
	if s.Quarantined(threshold) {
		return false
	}
	return true
}

// orderedSnapshots returns eligible credentials' snapshots sorted per
// spec §4.5's tie-break: disabled asc, failure_count asc, priority asc, id
// asc. Since every entry here is already non-disabled, the first key is a
// no-op, but it is kept explicit to mirror the spec's stated order.
func orderedSnapshots(creds []*Credential, threshold int, excluded map[int64]bool) []Snapshot {
	var out []Snapshot
	for _, c := range creds {
		s := c.snapshot()
		if eligible(s, threshold, excluded) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Disabled != b.Disabled {
			return !a.Disabled
		}
		if a.FailureCount != b.FailureCount {
			return a.FailureCount < b.FailureCount
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	return out
}

// Acquire selects the best eligible credential with spare capacity,
// excluding any ID present in excluded, and blocks (bounded) if every
// eligible credential is momentarily saturated (spec §4.5). The wait is
// woken by p.cond, which Release/SetDisabled/ResetFailure broadcast on
// whenever a credential's eligibility or capacity might have changed, and
// by a deadline/context-cancellation watcher goroutine otherwise.
func (p *Pool) Acquire(ctx context.Context, excluded map[int64]bool) (*Lease, error) {
	deadline := time.Now().Add(p.waitFor)
	timedOut := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(time.Until(deadline)):
		case <-stop:
			return
		}
		p.mu.Lock()
		close(timedOut)
		p.mu.Unlock()
		p.cond.Broadcast()
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		ordered := orderedSnapshots(p.creds, p.threshold, excluded)
		if len(ordered) == 0 {
			return nil, apierrors.New(apierrors.KindNoCredential, "no eligible credential available", nil)
		}

		byID := make(map[int64]*Credential, len(p.creds))
		for _, c := range p.creds {
			byID[c.ID] = c
		}

		for _, s := range ordered {
			c := byID[s.ID]
			if lease, ok := tryAcquire(p, c); ok {
				return lease, nil
			}
		}

		// Everyone eligible is momentarily at capacity: wait for a release
		// (or any other state change) or for the deadline/context to end.
		select {
		case <-timedOut:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apierrors.New(apierrors.KindNoCredential, "all eligible credentials are saturated", nil)
		default:
		}

		p.cond.Wait()
	}
}

// tryAcquire attempts a non-blocking slot grab on c's semaphore.
func tryAcquire(p *Pool, c *Credential) (*Lease, bool) {
	select {
	case c.sem <- struct{}{}:
		c.mu.Lock()
		c.ActiveConnections++
		c.mu.Unlock()
		return &Lease{cred: c, pool: p}, true
	default:
		return nil, false
	}
}

// Release returns a leased credential's slot and applies the outcome's
// failure-accounting rule (spec §4.5).
func (p *Pool) Release(l *Lease, info ReleaseInfo) {
	if l.released {
		return
	}
	l.released = true

	c := l.cred
	c.mu.Lock()
	c.ActiveConnections--
	switch info.Outcome {
	case OutcomeSuccess:
		c.FailureCount = 0
	case OutcomeFailure:
		if !isClientKind(info.ErrorKind) {
			c.FailureCount++
		}
	case OutcomeCancelled:
		// no-op
	}
	c.mu.Unlock()

	<-c.sem

	// Acquire() holds p.mu for its whole wait loop except while actually
	// inside cond.Wait(); taking p.mu here before broadcasting guarantees
	// this signal can't be sent in the gap between a waiter's failed
	// tryAcquire and its call to cond.Wait() (which would otherwise lose
	// the wakeup until some later, unrelated broadcast).
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// isClientKind reports whether an error kind is attributable to the
// caller's request rather than the credential (spec §4.5: "unless the kind
// is user-input" / §7: upstream 4xx other than auth is a user error with
// no failure accounting). Parser errors DO count against the credential
// (spec §7: "record credential failure").
func isClientKind(k apierrors.Kind) bool {
	switch k {
	case apierrors.KindClient, apierrors.KindClientAuth, apierrors.KindUpstream4xx:
		return true
	default:
		return false
	}
}

// List returns a snapshot of every credential sorted by ID (not filtered
// by eligibility), for the admin surface (spec §4.11, C11).
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	creds := append([]*Credential(nil), p.creds...)
	p.mu.Unlock()

	out := make([]Snapshot, len(creds))
	for i, c := range creds {
		out[i] = c.snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CurrentID reports the ID of the credential Acquire would pick next (the
// head of the same priority/failure-count/id ordering Acquire uses),
// ignoring capacity — i.e. it answers "best eligible credential right now",
// not "which one happens to be free" (spec §6's admin CredentialStatusItem
// is_current field). The second return is false if no credential is
// eligible at all.
func (p *Pool) CurrentID() (int64, bool) {
	p.mu.Lock()
	creds := append([]*Credential(nil), p.creds...)
	threshold := p.threshold
	p.mu.Unlock()

	ordered := orderedSnapshots(creds, threshold, nil)
	if len(ordered) == 0 {
		return 0, false
	}
	return ordered[0].ID, true
}

// Add appends a new credential to the pool, assigning it the next
// available ID, and triggers write-back.
func (p *Pool) Add(c *Credential) int64 {
	p.mu.Lock()
	c.ID = p.nextID
	p.nextID++
	c.init()
	p.creds = append(p.creds, c)
	p.mu.Unlock()

	// The store reads the pool back through List, which takes p.mu.
	p.WriteBack()
	log.Printf("credential pool: added credential %d", c.ID)
	return c.ID
}

// Delete removes a credential by ID. Reports whether it was found.
func (p *Pool) Delete(id int64) bool {
	p.mu.Lock()
	for i, c := range p.creds {
		if c.ID == id {
			p.creds = append(p.creds[:i], p.creds[i+1:]...)
			p.mu.Unlock()
			p.WriteBack()
			log.Printf("credential pool: deleted credential %d", id)
			return true
		}
	}
	p.mu.Unlock()
	return false
}

func (p *Pool) find(id int64) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// SetDisabled toggles a credential's disabled flag (spec §4.11).
func (p *Pool) SetDisabled(id int64, disabled bool) bool {
	c := p.find(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	c.Disabled = disabled
	c.mu.Unlock()
	p.WriteBack()
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	log.Printf("credential pool: credential %d disabled=%v", id, disabled)
	return true
}

// SetPriority updates a credential's priority (spec §4.11).
func (p *Pool) SetPriority(id int64, priority int) bool {
	c := p.find(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	c.Priority = priority
	c.mu.Unlock()
	p.WriteBack()
	log.Printf("credential pool: credential %d priority=%d", id, priority)
	return true
}

// ResetFailure zeroes a credential's failure count, lifting any implicit
// quarantine (spec §4.11).
func (p *Pool) ResetFailure(id int64) bool {
	c := p.find(id)
	if c == nil {
		return false
	}
	c.mu.Lock()
	c.FailureCount = 0
	c.mu.Unlock()
	p.WriteBack()
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	log.Printf("credential pool: credential %d failure count reset", id)
	return true
}

// RefreshNow forces an immediate token refresh for a credential, bypassing
// the expiry check (spec §4.11 "refresh-token" admin command).
func (p *Pool) RefreshNow(ctx context.Context, id int64) (string, error) {
	c := p.find(id)
	if c == nil {
		return "", apierrors.New(apierrors.KindNoCredential, "unknown credential id", nil)
	}
	c.mu.Lock()
	c.ExpiresAt = time.Time{}
	c.mu.Unlock()
	return p.tokens.EnsureFresh(ctx, c)
}
