package data

import (
	"context"
	"regexp"
	"testing"
	"time"

	"CostGuard/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
)

// TestStatusLogger_WritesAsync drains the transition through the channel to
// the database.
func TestStatusLogger_WritesAsync(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `status_change_logs`")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sl := NewStatusLogger(db, log.DefaultLogger)
	sl.LogTransition(context.Background(), &model.StatusChange{
		EntityType: model.EntityTypeCircuitBreaker,
		EntityID:   "costsim_v2",
		OldStatus:  model.BreakerStatusClosed,
		NewStatus:  model.BreakerStatusOpenTTL,
		ActorType:  model.ActorTypeSystem,
		ActorID:    "drift_monitor",
		Reason:     "drift score 0.5 exceeded threshold",
		Metadata:   map[string]interface{}{"incident_id": "inc-1"},
	})

	// The write happens on the logger's goroutine; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStatusLogger_EmptyMetadataStoredAsNull stores NULL in the JSON
// metadata column when the transition carries no metadata.
func TestStatusLogger_EmptyMetadataStoredAsNull(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `status_change_logs`")).
		WithArgs(model.EntityTypeCircuitBreaker, "costsim_v2",
			model.BreakerStatusOpenTTL, model.BreakerStatusClosed,
			model.ActorTypeSystem, "drift_monitor", "ttl expired",
			nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sl := NewStatusLogger(db, log.DefaultLogger)
	sl.LogTransition(context.Background(), &model.StatusChange{
		EntityType: model.EntityTypeCircuitBreaker,
		EntityID:   "costsim_v2",
		OldStatus:  model.BreakerStatusOpenTTL,
		NewStatus:  model.BreakerStatusClosed,
		ActorType:  model.ActorTypeSystem,
		ActorID:    "drift_monitor",
		Reason:     "ttl expired",
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mock.ExpectationsWereMet() == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestStatusLogger_NeverBlocks drops records instead of stalling the caller
// when the channel is saturated.
func TestStatusLogger_NeverBlocks(t *testing.T) {
	db, _, cleanup := setupMockDB(t)
	defer cleanup()

	sl := NewStatusLogger(db, log.DefaultLogger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			sl.LogTransition(context.Background(), &model.StatusChange{
				EntityType: model.EntityTypeCircuitBreaker,
				EntityID:   "costsim_v2",
				OldStatus:  model.BreakerStatusClosed,
				NewStatus:  model.BreakerStatusOpen,
				ActorType:  model.ActorTypeSystem,
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LogTransition blocked on a saturated channel")
	}
}
