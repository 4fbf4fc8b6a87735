package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"crowdfund-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MockGateway is an in-process provider for development and tests.
// Calls succeed with a configurable probability so settlement retry paths
// can be exercised without a real provider.
type MockGateway struct {
	logger      *zap.Logger
	successRate float64

	mu       sync.Mutex
	captured map[string]bool
}

// NewMockGateway creates a mock provider with the given success rate (0.0 - 1.0)
func NewMockGateway(successRate float64) *MockGateway {
	return &MockGateway{
		logger:      util.GetLogger(),
		successRate: successRate,
		captured:    make(map[string]bool),
	}
}

// Authorize always succeeds and mints a fake payment reference
func (m *MockGateway) Authorize(ctx context.Context, backerID, amount int64) (string, error) {
	ref := fmt.Sprintf("PAY-%s", uuid.New().String()[:8])
	m.logger.Info("Mock authorize",
		zap.Int64("backer_id", backerID),
		zap.Int64("amount", amount),
		zap.String("payment_ref", ref))
	return ref, nil
}

// Capture charges the authorized payment, subject to the success rate
func (m *MockGateway) Capture(ctx context.Context, paymentRef string) error {
	if err := m.roll("capture", paymentRef); err != nil {
		return err
	}
	m.mu.Lock()
	m.captured[paymentRef] = true
	m.mu.Unlock()
	return nil
}

// Cancel releases the authorization, subject to the success rate
func (m *MockGateway) Cancel(ctx context.Context, paymentRef string) error {
	return m.roll("cancel", paymentRef)
}

// Refund reverses a captured payment
func (m *MockGateway) Refund(ctx context.Context, paymentRef string) error {
	m.mu.Lock()
	wasCaptured := m.captured[paymentRef]
	m.mu.Unlock()
	if !wasCaptured {
		return fmt.Errorf("%w: refund of uncaptured payment %s", ErrDeclined, paymentRef)
	}
	return m.roll("refund", paymentRef)
}

func (m *MockGateway) roll(action, paymentRef string) error {
	time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)

	if rand.Float64() >= m.successRate {
		m.logger.Warn("Mock gateway failure",
			zap.String("action", action),
			zap.String("payment_ref", paymentRef))
		util.GatewayCallsTotal.WithLabelValues(action, "transient_error").Inc()
		return fmt.Errorf("mock gateway %s failed for %s", action, paymentRef)
	}

	util.GatewayCallsTotal.WithLabelValues(action, "ok").Inc()
	return nil
}
