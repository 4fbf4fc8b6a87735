package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"crowdfund-service/internal/gateway"
	"crowdfund-service/internal/models"
	"crowdfund-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store that mirrors the guarded-update semantics
// of the Postgres layer: conditional status flips, counter deltas applied
// atomically with them.
type fakeStore struct {
	mu        sync.Mutex
	campaigns map[int64]*models.Campaign
	pledges   map[int64]*models.Pledge
	nextID    int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		campaigns: make(map[int64]*models.Campaign),
		pledges:   make(map[int64]*models.Pledge),
	}
}

func (f *fakeStore) addCampaign(id, goal int64, status string, deadline time.Time) {
	f.campaigns[id] = &models.Campaign{
		ID: id, FundingGoal: goal, Status: status, Deadline: deadline,
	}
}

func (f *fakeStore) CreatePledge(ctx context.Context, pledge *models.Pledge) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	campaign, ok := f.campaigns[pledge.CampaignID]
	if !ok {
		return store.ErrCampaignNotFound
	}
	if campaign.Status != models.CampaignStatusFunding {
		return store.ErrCampaignNotFunding
	}
	if !campaign.Deadline.After(time.Now()) {
		return store.ErrDeadlinePassed
	}
	for _, p := range f.pledges {
		if p.ProviderPaymentRef == pledge.ProviderPaymentRef {
			return store.ErrDuplicatePaymentRef
		}
	}

	f.nextID++
	pledge.ID = f.nextID
	pledge.Status = models.PledgeStatusAuthorized
	copied := *pledge
	f.pledges[pledge.ID] = &copied
	campaign.CurrentFunding += pledge.Quantity
	return nil
}

func (f *fakeStore) GetPledgeByID(ctx context.Context, id int64) (*models.Pledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pledge, ok := f.pledges[id]
	if !ok {
		return nil, store.ErrPledgeNotFound
	}
	copied := *pledge
	return &copied, nil
}

func (f *fakeStore) GetPledgeByProviderRef(ctx context.Context, ref string) (*models.Pledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, pledge := range f.pledges {
		if pledge.ProviderPaymentRef == ref {
			copied := *pledge
			return &copied, nil
		}
	}
	return nil, store.ErrPledgeNotFound
}

func (f *fakeStore) TransitionPledge(ctx context.Context, pledgeID, campaignID int64, from, to string, fundingDelta int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pledge, ok := f.pledges[pledgeID]
	if !ok || pledge.Status != from {
		return false, nil
	}
	pledge.Status = to
	if fundingDelta != 0 {
		f.campaigns[campaignID].CurrentFunding += fundingDelta
	}
	return true, nil
}

func (f *fakeStore) ListAuthorizedPledges(ctx context.Context, campaignID int64) ([]models.Pledge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Pledge
	for _, pledge := range f.pledges {
		if pledge.CampaignID == campaignID && pledge.Status == models.PledgeStatusAuthorized {
			out = append(out, *pledge)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) funding(campaignID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.campaigns[campaignID].CurrentFunding
}

// pledgeSum recomputes the invariant side: sum of quantities over
// AUTHORIZED and CAPTURED pledges.
func (f *fakeStore) pledgeSum(campaignID int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, pledge := range f.pledges {
		if pledge.CampaignID == campaignID && models.CountsTowardFunding(pledge.Status) {
			sum += pledge.Quantity
		}
	}
	return sum
}

// fakeGateway scripts per-reference outcomes and counts calls
type fakeGateway struct {
	mu       sync.Mutex
	failWith map[string]error
	calls    map[string]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		failWith: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (f *fakeGateway) Authorize(ctx context.Context, backerID, amount int64) (string, error) {
	return fmt.Sprintf("PAY-%d-%d", backerID, amount), nil
}

func (f *fakeGateway) act(action, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[action+":"+ref]++
	if err, ok := f.failWith[ref]; ok {
		return err
	}
	return nil
}

func (f *fakeGateway) Capture(ctx context.Context, ref string) error { return f.act("capture", ref) }
func (f *fakeGateway) Cancel(ctx context.Context, ref string) error  { return f.act("cancel", ref) }
func (f *fakeGateway) Refund(ctx context.Context, ref string) error  { return f.act("refund", ref) }

func (f *fakeGateway) callCount(action, ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action+":"+ref]
}

func (f *fakeGateway) failRef(ref string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith[ref] = err
}

func (f *fakeGateway) healRef(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failWith, ref)
}

func newTestLedger(t *testing.T) (*Ledger, *fakeStore, *fakeGateway) {
	t.Helper()
	fs := newFakeStore()
	fg := newFakeGateway()
	return NewLedger(fs, fg, nil), fs, fg
}

func authorizedPledge(t *testing.T, l *Ledger, campaignID, backerID, quantity int64) *models.Pledge {
	t.Helper()
	pledge, err := l.CreatePledge(context.Background(), &CreatePledgeRequest{
		CampaignID:         campaignID,
		BackerID:           backerID,
		Quantity:           quantity,
		UnitPrice:          2500,
		ProviderPaymentRef: fmt.Sprintf("PAY-%d-%d", campaignID, backerID),
	})
	require.NoError(t, err)
	return pledge
}

func TestTransitionDelta(t *testing.T) {
	tests := []struct {
		from, to  string
		wantDelta int64
		wantOK    bool
	}{
		{models.PledgeStatusAuthorized, models.PledgeStatusCaptured, 0, true},
		{models.PledgeStatusAuthorized, models.PledgeStatusCancelled, -5, true},
		{models.PledgeStatusAuthorized, models.PledgeStatusFailed, -5, true},
		{models.PledgeStatusAuthorized, models.PledgeStatusRefunded, 0, false},
		{models.PledgeStatusCaptured, models.PledgeStatusRefunded, -5, true},
		{models.PledgeStatusCaptured, models.PledgeStatusFailed, 0, false},
		{models.PledgeStatusCaptured, models.PledgeStatusAuthorized, 0, false},
		{models.PledgeStatusCancelled, models.PledgeStatusCaptured, 0, false},
		{models.PledgeStatusFailed, models.PledgeStatusAuthorized, 0, false},
		{models.PledgeStatusRefunded, models.PledgeStatusCaptured, 0, false},
	}

	for _, tt := range tests {
		delta, ok := transitionDelta(tt.from, tt.to, 5)
		assert.Equal(t, tt.wantOK, ok, "%s -> %s", tt.from, tt.to)
		assert.Equal(t, tt.wantDelta, delta, "%s -> %s", tt.from, tt.to)
	}
}

func TestCreatePledgeValidation(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))

	_, err := l.CreatePledge(context.Background(), &CreatePledgeRequest{
		CampaignID: 1, BackerID: 7, Quantity: 0, ProviderPaymentRef: "PAY-X",
	})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = l.CreatePledge(context.Background(), &CreatePledgeRequest{
		CampaignID: 1, BackerID: 7, Quantity: 2,
	})
	assert.ErrorIs(t, err, ErrAuthorizationRequired)

	assert.Equal(t, int64(0), fs.funding(1))
}

func TestCreatePledgeRejectsSettledAndExpiredCampaigns(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFailed, time.Now().Add(time.Hour))
	fs.addCampaign(2, 100, models.CampaignStatusFunding, time.Now().Add(-time.Hour))

	_, err := l.CreatePledge(context.Background(), &CreatePledgeRequest{
		CampaignID: 1, BackerID: 7, Quantity: 2, ProviderPaymentRef: "PAY-A",
	})
	assert.ErrorIs(t, err, ErrCampaignNotFunding)

	_, err = l.CreatePledge(context.Background(), &CreatePledgeRequest{
		CampaignID: 2, BackerID: 7, Quantity: 2, ProviderPaymentRef: "PAY-B",
	})
	assert.ErrorIs(t, err, ErrDeadlinePassed)
}

func TestCreatePledgeRejectsDuplicatePaymentRef(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))

	authorizedPledge(t, l, 1, 7, 3)

	_, err := l.CreatePledge(context.Background(), &CreatePledgeRequest{
		CampaignID: 1, BackerID: 8, Quantity: 2, ProviderPaymentRef: "PAY-1-7",
	})
	assert.ErrorIs(t, err, ErrDuplicatePaymentRef)
	assert.Equal(t, int64(3), fs.funding(1))
}

func TestCreatePledgeIncrementsFunding(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))

	pledge := authorizedPledge(t, l, 1, 7, 40)

	assert.Equal(t, models.PledgeStatusAuthorized, pledge.Status)
	assert.Equal(t, int64(40*2500), pledge.TotalAmount)
	assert.Equal(t, int64(40), fs.funding(1))
	assert.Equal(t, fs.pledgeSum(1), fs.funding(1))
}

func TestTransitionPledgeIdempotent(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))
	pledge := authorizedPledge(t, l, 1, 7, 25)

	applied, err := l.TransitionPledge(context.Background(), pledge.ID, models.PledgeStatusFailed)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(0), fs.funding(1))

	// Second delivery of the same terminal event is a success no-op and the
	// counter does not move again.
	applied, err = l.TransitionPledge(context.Background(), pledge.ID, models.PledgeStatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(0), fs.funding(1))
}

func TestTransitionPledgeMonotonic(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))
	pledge := authorizedPledge(t, l, 1, 7, 10)

	applied, err := l.TransitionPledge(context.Background(), pledge.ID, models.PledgeStatusCancelled)
	require.NoError(t, err)
	require.True(t, applied)

	// No event sequence revives a terminal pledge.
	for _, target := range []string{
		models.PledgeStatusAuthorized,
		models.PledgeStatusCaptured,
		models.PledgeStatusRefunded,
	} {
		applied, err = l.TransitionPledge(context.Background(), pledge.ID, target)
		require.NoError(t, err)
		assert.False(t, applied, "to %s", target)
	}

	got, err := fs.GetPledgeByID(context.Background(), pledge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PledgeStatusCancelled, got.Status)
	assert.Equal(t, int64(0), fs.funding(1))
}

func TestTransitionCapturedThenRefunded(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))
	pledge := authorizedPledge(t, l, 1, 7, 30)

	applied, err := l.TransitionPledge(context.Background(), pledge.ID, models.PledgeStatusCaptured)
	require.NoError(t, err)
	assert.True(t, applied)
	// Capture keeps the pledge counted.
	assert.Equal(t, int64(30), fs.funding(1))

	applied, err = l.TransitionPledge(context.Background(), pledge.ID, models.PledgeStatusRefunded)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(0), fs.funding(1))
	assert.Equal(t, fs.pledgeSum(1), fs.funding(1))
}

func TestTransitionPledgeByRef(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))
	authorizedPledge(t, l, 1, 7, 25)

	pledge, applied, err := l.TransitionPledgeByRef(context.Background(), "PAY-1-7", models.PledgeStatusFailed)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(25), pledge.Quantity)
	assert.Equal(t, int64(0), fs.funding(1))

	_, _, err = l.TransitionPledgeByRef(context.Background(), "PAY-nope", models.PledgeStatusFailed)
	assert.ErrorIs(t, err, ErrPledgeNotFound)
}

func TestCaptureAllPartialFailure(t *testing.T) {
	l, fs, fg := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))

	refs := make([]string, 0, 10)
	for i := int64(1); i <= 10; i++ {
		pledge := authorizedPledge(t, l, 1, i, 1)
		refs = append(refs, pledge.ProviderPaymentRef)
	}
	for _, ref := range refs[:3] {
		fg.failRef(ref, errors.New("gateway timeout"))
	}

	summary, err := l.CaptureAllForCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Succeeded)
	assert.Equal(t, 3, summary.Failed)
	assert.True(t, summary.Remaining())

	remaining, err := fs.ListAuthorizedPledges(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
	// Counter is untouched by capture: AUTHORIZED and CAPTURED both count.
	assert.Equal(t, int64(10), fs.funding(1))

	// The retry pass only touches the three that failed.
	for _, ref := range refs[:3] {
		fg.healRef(ref)
	}
	summary, err = l.CaptureAllForCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)

	for _, ref := range refs[3:] {
		assert.Equal(t, 1, fg.callCount("capture", ref), "already-captured pledge recharged: %s", ref)
	}
	for _, ref := range refs[:3] {
		assert.Equal(t, 2, fg.callCount("capture", ref))
	}
	assert.Equal(t, fs.pledgeSum(1), fs.funding(1))
}

func TestCaptureAllDeclinedPledgeFailsTerminally(t *testing.T) {
	l, fs, fg := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))

	good := authorizedPledge(t, l, 1, 1, 40)
	bad := authorizedPledge(t, l, 1, 2, 30)
	fg.failRef(bad.ProviderPaymentRef, fmt.Errorf("%w: card expired", gateway.ErrDeclined))

	summary, err := l.CaptureAllForCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 0, summary.Failed)
	assert.False(t, summary.Remaining())

	gotGood, _ := fs.GetPledgeByID(context.Background(), good.ID)
	gotBad, _ := fs.GetPledgeByID(context.Background(), bad.ID)
	assert.Equal(t, models.PledgeStatusCaptured, gotGood.Status)
	assert.Equal(t, models.PledgeStatusFailed, gotBad.Status)
	assert.Equal(t, int64(40), fs.funding(1))

	// A declined pledge is terminal; nothing retries it.
	summary, err = l.CaptureAllForCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Succeeded+summary.Failed+summary.Resolved)
}

func TestCancelAllReleasesFunding(t *testing.T) {
	l, fs, _ := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))

	authorizedPledge(t, l, 1, 1, 40)
	authorizedPledge(t, l, 1, 2, 30)
	authorizedPledge(t, l, 1, 3, 20)
	require.Equal(t, int64(90), fs.funding(1))

	summary, err := l.CancelAllForCampaign(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, int64(0), fs.funding(1))
	assert.Equal(t, fs.pledgeSum(1), fs.funding(1))
}

func TestRefundPledge(t *testing.T) {
	l, fs, fg := newTestLedger(t)
	fs.addCampaign(1, 100, models.CampaignStatusFunding, time.Now().Add(time.Hour))
	pledge := authorizedPledge(t, l, 1, 7, 10)

	// Refund of an uncaptured pledge is a no-op and never hits the gateway.
	applied, err := l.RefundPledge(context.Background(), pledge.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 0, fg.callCount("refund", pledge.ProviderPaymentRef))

	_, err = l.TransitionPledge(context.Background(), pledge.ID, models.PledgeStatusCaptured)
	require.NoError(t, err)

	applied, err = l.RefundPledge(context.Background(), pledge.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(0), fs.funding(1))
}
