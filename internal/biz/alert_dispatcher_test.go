package biz

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"CostGuard/internal/conf"
	"CostGuard/internal/data"
	"CostGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAlertOutboxRepo is a mock implementation of AlertOutboxRepo for testing.
type MockAlertOutboxRepo struct {
	mock.Mock
}

func (m *MockAlertOutboxRepo) ClaimBatch(ctx context.Context, claimedBy string, limit int, staleBefore time.Time) ([]*data.AlertOutboxEntry, error) {
	args := m.Called(ctx, claimedBy, limit, staleBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.AlertOutboxEntry), args.Error(1)
}

func (m *MockAlertOutboxRepo) MarkDelivered(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockAlertOutboxRepo) Reschedule(ctx context.Context, id string, attemptCount int, nextAttempt time.Time) error {
	args := m.Called(ctx, id, attemptCount, nextAttempt)
	return args.Error(0)
}

func (m *MockAlertOutboxRepo) MarkFailed(ctx context.Context, id string, attemptCount int) error {
	args := m.Called(ctx, id, attemptCount)
	return args.Error(0)
}

func (m *MockAlertOutboxRepo) ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	args := m.Called(ctx, staleBefore)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockAlertOutboxRepo) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockIncidentRepo is a mock implementation of IncidentRepo for testing.
type MockIncidentRepo struct {
	mock.Mock
}

func (m *MockIncidentRepo) List(ctx context.Context, breakerName string, includeResolved bool, limit int) ([]*data.Incident, error) {
	args := m.Called(ctx, breakerName, includeResolved, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*data.Incident), args.Error(1)
}

func (m *MockIncidentRepo) MarkAlertSent(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// MockAlertSender is a mock implementation of AlertSender for testing.
type MockAlertSender struct {
	mock.Mock
}

func (m *MockAlertSender) Configured() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockAlertSender) Send(ctx context.Context, payload []byte) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}

func testAlertConf() *conf.Alert {
	return &conf.Alert{
		RetryAttempts:    5,
		RetryBaseDelay:   30 * time.Second,
		RetryMaxDelay:    30 * time.Minute,
		DispatchInterval: 15 * time.Second,
		ClaimBatchSize:   20,
		ClaimStaleAfter:  5 * time.Minute,
	}
}

func newTestDispatcher(outbox *MockAlertOutboxRepo, incidents *MockIncidentRepo, sender *MockAlertSender) *AlertDispatcher {
	logger := log.NewStdLogger(os.Stdout)
	return NewAlertDispatcher(outbox, incidents, sender, testAlertConf(), logger)
}

func pendingEntry(id string, alertType model.AlertType, incidentID *string, attempts int) *data.AlertOutboxEntry {
	return &data.AlertOutboxEntry{
		ID:           id,
		AlertType:    alertType,
		BreakerName:  "costsim_v2",
		IncidentID:   incidentID,
		Payload:      `[{"labels":{"alertname":"CostGuardCircuitBreaker"}}]`,
		Status:       data.OutboxStatusPending,
		AttemptCount: attempts,
	}
}

// Test DispatchOnce - successful delivery marks the row and mirrors the
// incident
func TestDispatchOnce_DeliversAndMarks(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)
	ctx := context.Background()

	incidentID := "inc-1"
	entry := pendingEntry("out-1", model.AlertTypeDisable, &incidentID, 0)

	sender.On("Configured").Return(true)
	outbox.On("ClaimBatch", ctx, mock.Anything, 20, mock.Anything).
		Return([]*data.AlertOutboxEntry{entry}, nil)
	sender.On("Send", ctx, []byte(entry.Payload)).Return(nil)
	outbox.On("MarkDelivered", ctx, "out-1").Return(nil)
	incidents.On("MarkAlertSent", ctx, "inc-1", mock.Anything).Return(nil)

	delivered, failed := d.DispatchOnce(ctx)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 0, failed)
	outbox.AssertExpectations(t)
	incidents.AssertExpectations(t)
	sender.AssertExpectations(t)
}

// Test DispatchOnce - enable alerts do not mirror delivery onto incidents
func TestDispatchOnce_EnableAlertSkipsIncidentMirror(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)
	ctx := context.Background()

	incidentID := "inc-1"
	entry := pendingEntry("out-1", model.AlertTypeEnable, &incidentID, 0)

	sender.On("Configured").Return(true)
	outbox.On("ClaimBatch", ctx, mock.Anything, 20, mock.Anything).
		Return([]*data.AlertOutboxEntry{entry}, nil)
	sender.On("Send", ctx, mock.Anything).Return(nil)
	outbox.On("MarkDelivered", ctx, "out-1").Return(nil)

	delivered, _ := d.DispatchOnce(ctx)
	assert.Equal(t, 1, delivered)
	incidents.AssertNotCalled(t, "MarkAlertSent", mock.Anything, mock.Anything, mock.Anything)
}

// Test DispatchOnce - a failed attempt reschedules with exponential backoff
func TestDispatchOnce_ReschedulesOnFailure(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)
	ctx := context.Background()

	// Second attempt: one prior failure recorded on the row
	entry := pendingEntry("out-1", model.AlertTypeDisable, nil, 1)

	sender.On("Configured").Return(true)
	outbox.On("ClaimBatch", ctx, mock.Anything, 20, mock.Anything).
		Return([]*data.AlertOutboxEntry{entry}, nil)
	sender.On("Send", ctx, mock.Anything).Return(errors.New("endpoint returned status 503"))

	before := time.Now()
	outbox.On("Reschedule", ctx, "out-1", 2, mock.MatchedBy(func(next time.Time) bool {
		// attempt 2 backs off 30s * 2^2 = 120s, plus up to 10% jitter
		delay := next.Sub(before)
		return delay > 100*time.Second && delay < 140*time.Second
	})).Return(nil)

	delivered, failed := d.DispatchOnce(ctx)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, failed)
	outbox.AssertExpectations(t)
}

// Test DispatchOnce - exhausted retry budget marks the row failed
func TestDispatchOnce_MarksFailedWhenExhausted(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)
	ctx := context.Background()

	entry := pendingEntry("out-1", model.AlertTypeDisable, nil, 4)

	sender.On("Configured").Return(true)
	outbox.On("ClaimBatch", ctx, mock.Anything, 20, mock.Anything).
		Return([]*data.AlertOutboxEntry{entry}, nil)
	sender.On("Send", ctx, mock.Anything).Return(errors.New("endpoint returned status 500"))
	outbox.On("MarkFailed", ctx, "out-1", 5).Return(nil)

	delivered, failed := d.DispatchOnce(ctx)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, failed)
	outbox.AssertExpectations(t)
	outbox.AssertNotCalled(t, "Reschedule", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Test DispatchOnce - unconfigured sender claims nothing
func TestDispatchOnce_UnconfiguredSkipsClaim(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)

	sender.On("Configured").Return(false)

	delivered, failed := d.DispatchOnce(context.Background())
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, failed)
	outbox.AssertNotCalled(t, "ClaimBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// Test DispatchOnce - claim errors end the cycle quietly
func TestDispatchOnce_ClaimError(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)
	ctx := context.Background()

	sender.On("Configured").Return(true)
	outbox.On("ClaimBatch", ctx, mock.Anything, 20, mock.Anything).
		Return(nil, errors.New("lock wait timeout exceeded"))

	delivered, failed := d.DispatchOnce(ctx)
	assert.Equal(t, 0, delivered)
	assert.Equal(t, 0, failed)
}

// Test Start/Stop - unconfigured dispatcher idles and stops cleanly
func TestDispatcher_StartStopUnconfigured(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)

	sender.On("Configured").Return(false)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(context.Background())
	}()

	// Give Start a moment to enter its idle wait
	time.Sleep(50 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

// Test ReclaimStale and PurgeDelivered delegate to the repository
func TestDispatcher_Maintenance(t *testing.T) {
	outbox := new(MockAlertOutboxRepo)
	incidents := new(MockIncidentRepo)
	sender := new(MockAlertSender)
	d := newTestDispatcher(outbox, incidents, sender)
	ctx := context.Background()

	outbox.On("ReclaimStale", ctx, mock.Anything).Return(int64(2), nil)
	assert.NoError(t, d.ReclaimStale(ctx))

	outbox.On("PurgeDelivered", ctx, mock.Anything).Return(int64(7), nil)
	purged, err := d.PurgeDelivered(ctx, 7*24*time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, int64(7), purged)

	outbox.AssertExpectations(t)
}
