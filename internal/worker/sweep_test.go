package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"crowdfund-service/internal/store"

	"github.com/stretchr/testify/assert"
)

type fakeSettler struct {
	runs int
	err  error
}

func (f *fakeSettler) SettleExpired(ctx context.Context) error {
	f.runs++
	return f.err
}

type fakeLease struct {
	held     bool
	err      error
	acquired int
	released int
}

func (f *fakeLease) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	f.acquired++
	if f.err != nil {
		return false, f.err
	}
	return !f.held, nil
}

func (f *fakeLease) ReleaseLock(ctx context.Context, lockKey string) error {
	f.released++
	return nil
}

type fakeAuditor struct {
	runs int
}

func (f *fakeAuditor) Run(ctx context.Context) ([]store.FundingDrift, error) {
	f.runs++
	return nil, nil
}

func TestRunOnceSweepsUnderLease(t *testing.T) {
	settler := &fakeSettler{}
	lease := &fakeLease{}
	auditor := &fakeAuditor{}

	w := NewSweepWorker(settler, auditor, lease, "@every 1h", time.Minute)
	w.RunOnce(context.Background())

	assert.Equal(t, 1, settler.runs)
	assert.Equal(t, 1, auditor.runs)
	assert.Equal(t, 1, lease.acquired)
	assert.Equal(t, 1, lease.released)
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	settler := &fakeSettler{}
	lease := &fakeLease{held: true}

	w := NewSweepWorker(settler, nil, lease, "@every 1h", time.Minute)
	w.RunOnce(context.Background())

	assert.Equal(t, 0, settler.runs)
	assert.Equal(t, 0, lease.released)
}

func TestRunOnceProceedsWhenLeaseUnavailable(t *testing.T) {
	// Redis being down must not stop settlement; the per-campaign claim
	// still guards against double-capture.
	settler := &fakeSettler{}
	lease := &fakeLease{err: errors.New("connection refused")}

	w := NewSweepWorker(settler, nil, lease, "@every 1h", time.Minute)
	w.RunOnce(context.Background())

	assert.Equal(t, 1, settler.runs)
}

func TestRunOnceWithoutLease(t *testing.T) {
	settler := &fakeSettler{}

	w := NewSweepWorker(settler, nil, nil, "@every 1h", time.Minute)
	w.RunOnce(context.Background())

	assert.Equal(t, 1, settler.runs)
}
