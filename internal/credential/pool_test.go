package credential

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirobridge/kirobridge/internal/apierrors"
)

func newTestPool(creds ...*Credential) *Pool {
	return NewPool(creds, PoolConfig{FailureThreshold: 3, AcquireWait: 200 * time.Millisecond})
}

func TestAcquirePrefersLowerFailureCountThenPriority(t *testing.T) {
	a := &Credential{ID: 1, Priority: 5, FailureCount: 1}
	b := &Credential{ID: 2, Priority: 1, FailureCount: 0}
	p := newTestPool(a, b)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.Credential().ID)
	p.Release(lease, ReleaseInfo{Outcome: OutcomeSuccess})
}

func TestAcquireSkipsDisabledAndQuarantined(t *testing.T) {
	disabled := &Credential{ID: 1, Disabled: true}
	quarantined := &Credential{ID: 2, FailureCount: 3}
	healthy := &Credential{ID: 3}
	p := newTestPool(disabled, quarantined, healthy)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), lease.Credential().ID)
}

func TestAcquireHonorsExcludedSet(t *testing.T) {
	a := &Credential{ID: 1}
	b := &Credential{ID: 2}
	p := newTestPool(a, b)

	lease, err := p.Acquire(context.Background(), map[int64]bool{1: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), lease.Credential().ID)
}

func TestAcquireReturnsErrorWhenNoneEligible(t *testing.T) {
	disabled := &Credential{ID: 1, Disabled: true}
	p := newTestPool(disabled)

	_, err := p.Acquire(context.Background(), nil)
	require.Error(t, err)
	apiErr, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.KindNoCredential, apiErr.Kind)
}

func TestAcquireWaitsForSaturatedCredentialToFree(t *testing.T) {
	c := &Credential{ID: 1, MaxConcurrent: 1}
	p := newTestPool(c)

	first, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)

	done := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), nil)
		require.NoError(t, err)
		done <- l
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(first, ReleaseInfo{Outcome: OutcomeSuccess})

	select {
	case l := <-done:
		assert.Equal(t, int64(1), l.Credential().ID)
	case <-time.After(1 * time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestReleaseFailureIncrementsExceptForClientKinds(t *testing.T) {
	c := &Credential{ID: 1}
	p := newTestPool(c)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, ReleaseInfo{Outcome: OutcomeFailure, ErrorKind: apierrors.KindUpstream5xx})
	assert.Equal(t, 1, c.snapshot().FailureCount)

	lease2, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease2, ReleaseInfo{Outcome: OutcomeFailure, ErrorKind: apierrors.KindClient})
	assert.Equal(t, 1, c.snapshot().FailureCount, "client-kind failures must not count against the credential")
}

func TestReleaseSuccessResetsFailureCount(t *testing.T) {
	c := &Credential{ID: 1, FailureCount: 2}
	p := newTestPool(c)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, ReleaseInfo{Outcome: OutcomeSuccess})
	assert.Equal(t, 0, c.snapshot().FailureCount)
}

func TestReleaseCancelledLeavesFailureCountUntouched(t *testing.T) {
	c := &Credential{ID: 1, FailureCount: 2}
	p := newTestPool(c)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, ReleaseInfo{Outcome: OutcomeCancelled})
	assert.Equal(t, 2, c.snapshot().FailureCount)
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := &Credential{ID: 1}
	p := newTestPool(c)

	lease, err := p.Acquire(context.Background(), nil)
	require.NoError(t, err)
	p.Release(lease, ReleaseInfo{Outcome: OutcomeSuccess})
	assert.NotPanics(t, func() {
		p.Release(lease, ReleaseInfo{Outcome: OutcomeSuccess})
	})
	assert.Equal(t, 0, c.snapshot().ActiveConnections)
}

func TestSetDisabledSetPriorityResetFailure(t *testing.T) {
	c := &Credential{ID: 1, Priority: 9, FailureCount: 3}
	p := newTestPool(c)

	assert.True(t, p.SetDisabled(1, true))
	assert.True(t, c.snapshot().Disabled)

	assert.True(t, p.SetPriority(1, 2))
	assert.Equal(t, 2, c.snapshot().Priority)

	assert.True(t, p.ResetFailure(1))
	assert.Equal(t, 0, c.snapshot().FailureCount)

	assert.False(t, p.SetDisabled(999, true))
}

func TestAddAssignsIDAndDeleteRemoves(t *testing.T) {
	p := newTestPool(&Credential{ID: 1})

	id := p.Add(&Credential{AuthMethod: AuthMethodSocial})
	assert.Equal(t, int64(2), id)
	assert.Len(t, p.List(), 2)

	assert.True(t, p.Delete(id))
	assert.Len(t, p.List(), 1)
	assert.False(t, p.Delete(id))
}
