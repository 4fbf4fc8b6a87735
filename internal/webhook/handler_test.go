package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"crowdfund-service/internal/models"
	"crowdfund-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

type transitionCall struct {
	ref    string
	target string
}

// fakeLedger records transitions and scripts outcomes per payment reference
type fakeLedger struct {
	calls    []transitionCall
	statuses map[string]string
	err      error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{statuses: make(map[string]string)}
}

func (f *fakeLedger) TransitionPledgeByRef(ctx context.Context, ref, target string) (*models.Pledge, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	current, ok := f.statuses[ref]
	if !ok {
		return nil, false, store.ErrPledgeNotFound
	}

	f.calls = append(f.calls, transitionCall{ref: ref, target: target})

	pledge := &models.Pledge{ProviderPaymentRef: ref, Status: current}
	if current == target || models.PledgeTerminal(current) {
		return pledge, false, nil
	}
	f.statuses[ref] = target
	return pledge, true, nil
}

// fakeEventStore is an in-memory processed_events table
type fakeEventStore struct {
	processed map[string]bool
	err       error
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{processed: make(map[string]bool)}
}

func (f *fakeEventStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.processed[eventID], nil
}

func (f *fakeEventStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	f.processed[eventID] = true
	return nil
}

func newTestRouter(t *testing.T, l *fakeLedger, es *fakeEventStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(l, es, testSecret).SetupRoutes(router)
	return router
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, router *gin.Engine, event Event, signature string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	if signature == "" {
		signature = sign(body)
	}
	req.Header.Set(SignatureHeader, signature)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRejectsBadSignature(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusAuthorized
	router := newTestRouter(t, fl, newFakeEventStore())

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventCaptureConfirmed,
		ProviderPaymentRef: "PAY-1",
	}, "deadbeef")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, fl.calls, "unverified event must have no side effect")
}

func TestRejectsMissingSignature(t *testing.T) {
	fl := newFakeLedger()
	router := newTestRouter(t, fl, newFakeEventStore())

	body := []byte(`{"event_id":"evt-1","event_type":"capture.confirmed","provider_payment_ref":"PAY-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAppliesCaptureConfirmed(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusAuthorized
	router := newTestRouter(t, fl, newFakeEventStore())

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventCaptureConfirmed,
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fl.calls, 1)
	assert.Equal(t, models.PledgeStatusCaptured, fl.calls[0].target)
	assert.Equal(t, models.PledgeStatusCaptured, fl.statuses["PAY-1"])
}

func TestDuplicateDeliveryIsAckedNoop(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusCaptured
	router := newTestRouter(t, fl, newFakeEventStore())

	// Redelivery with a fresh event id, pledge already CAPTURED: the mapped
	// transition is a no-op and the provider still gets a success.
	w := deliver(t, router, Event{
		EventID:            "evt-2",
		EventType:          EventCaptureConfirmed,
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PledgeStatusCaptured, fl.statuses["PAY-1"])
}

func TestDuplicateEventIDShortCircuits(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusAuthorized
	es := newFakeEventStore()
	es.processed["evt-1"] = true
	router := newTestRouter(t, fl, es)

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventPaymentFailed,
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, fl.calls)
	assert.Equal(t, models.PledgeStatusAuthorized, fl.statuses["PAY-1"])
}

func TestPaymentFailedDrivesTerminalTransition(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusAuthorized
	router := newTestRouter(t, fl, newFakeEventStore())

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventPaymentFailed,
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.PledgeStatusFailed, fl.statuses["PAY-1"])
}

func TestAuthorizationSucceededIsInformational(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusAuthorized
	es := newFakeEventStore()
	router := newTestRouter(t, fl, es)

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventAuthorizationSucceeded,
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, fl.calls)
	assert.True(t, es.processed["evt-1"])
}

func TestUnknownEventTypeIsAcked(t *testing.T) {
	fl := newFakeLedger()
	router := newTestRouter(t, fl, newFakeEventStore())

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventType("dispute.opened"),
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, fl.calls)
}

func TestUnknownPaymentRefTriggersRetry(t *testing.T) {
	fl := newFakeLedger()
	router := newTestRouter(t, fl, newFakeEventStore())

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventCaptureConfirmed,
		ProviderPaymentRef: "PAY-unknown",
	}, "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInfraErrorTriggersRetry(t *testing.T) {
	fl := newFakeLedger()
	fl.statuses["PAY-1"] = models.PledgeStatusAuthorized
	fl.err = errors.New("connection refused")
	router := newTestRouter(t, fl, newFakeEventStore())

	w := deliver(t, router, Event{
		EventID:            "evt-1",
		EventType:          EventCaptureConfirmed,
		ProviderPaymentRef: "PAY-1",
	}, "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMalformedPayloadRejected(t *testing.T) {
	router := newTestRouter(t, newFakeLedger(), newFakeEventStore())

	body := []byte(`{"event_id":`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, sign(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
