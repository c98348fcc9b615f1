package data

import (
	"context"
	"errors"
	"time"

	"CostGuard/internal/model"
	pkgerrors "CostGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BreakerState is the GORM model for the breaker_states table.
// One row per breaker name, created lazily on first touch.
type BreakerState struct {
	ID                  int64      `gorm:"primaryKey;column:id"`
	Name                string     `gorm:"column:name;size:100;not null;uniqueIndex:idx_breaker_name"`
	Disabled            bool       `gorm:"column:disabled;default:false;not null"`
	DisabledReason      string     `gorm:"column:disabled_reason;type:text"`
	DisabledBy          string     `gorm:"column:disabled_by;size:100"`
	DisabledUntil       *time.Time `gorm:"column:disabled_until"`
	ConsecutiveFailures int        `gorm:"column:consecutive_failures;default:0;not null"`
	LastFailureAt       *time.Time `gorm:"column:last_failure_at"`
	CurrentIncidentID   *string    `gorm:"column:current_incident_id;size:36"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (BreakerState) TableName() string {
	return "breaker_states"
}

// Status returns the audit status string for this state.
func (s *BreakerState) Status() string {
	if !s.Disabled {
		return model.BreakerStatusClosed
	}
	if s.DisabledUntil != nil {
		return model.BreakerStatusOpenTTL
	}
	return model.BreakerStatusOpen
}

// RecoveryDue reports whether this state is logically eligible for TTL-based
// auto-recovery. Eligibility is not recovery: the locked recheck decides that.
func (s *BreakerState) RecoveryDue(now time.Time) bool {
	return s.Disabled && s.DisabledUntil != nil && s.DisabledUntil.Before(now)
}

// BreakerTx is the set of writes available inside a locked breaker mutation.
// All methods run in the same transaction that holds the FOR UPDATE lock on
// the breaker row, so a commit applies them atomically or not at all.
type BreakerTx interface {
	// State returns the locked row snapshot.
	State() *BreakerState

	// SaveState persists the (possibly modified) locked row.
	SaveState(state *BreakerState) error

	// CreateIncident inserts an incident row.
	CreateIncident(incident *Incident) error

	// ResolveIncident marks an incident resolved. A no-op if the incident is
	// already resolved; resolved incidents are immutable.
	ResolveIncident(id, resolvedBy, notes string, at time.Time) error

	// EnqueueAlert inserts an outbox row. Outbox durability is part of the
	// trip contract: a failed insert rolls back the whole mutation.
	EnqueueAlert(entry *AlertOutboxEntry) error
}

// BreakerRepo persists breaker state rows.
type BreakerRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewBreakerRepo creates a new breaker state repository.
func NewBreakerRepo(db *gorm.DB, logger log.Logger) *BreakerRepo {
	return &BreakerRepo{
		db:     db,
		logger: log.NewHelper(log.With(logger, "module", "data/breaker")),
	}
}

// GetState returns the breaker row for name without locking it, lazily
// creating a closed row when none exists yet. The fast read path must never
// fail on "not found".
func (r *BreakerRepo) GetState(ctx context.Context, name string) (*BreakerState, error) {
	var st BreakerState
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&st).Error
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ClassifyDBError(err)
	}

	st = BreakerState{Name: name}
	if err := r.db.WithContext(ctx).Create(&st).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		if dbErr.Type != pkgerrors.ErrorTypeDuplicateKey {
			return nil, dbErr
		}
		// Another replica created the row first; read theirs.
		if err := r.db.WithContext(ctx).Where("name = ?", name).First(&st).Error; err != nil {
			return nil, pkgerrors.ClassifyDBError(err)
		}
	}
	r.logger.Infow("breaker state created lazily", "breaker", name)
	return &st, nil
}

// Mutate runs fn inside a transaction holding a FOR UPDATE lock on the
// breaker row, serializing all writers for one breaker name. The row is
// lazily created when missing. Any error from fn rolls back every write made
// through the transaction, including incident and outbox rows.
func (r *BreakerRepo) Mutate(ctx context.Context, name string, fn func(tx BreakerTx) error) error {
	var fnErr error
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st BreakerState
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).
			First(&st).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			st = BreakerState{Name: name}
			if err := tx.Create(&st).Error; err != nil {
				return err
			}
			// Re-read under lock so concurrent creators serialize here.
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("name = ?", name).
				First(&st).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if err := fn(&breakerTx{tx: tx, state: &st}); err != nil {
			fnErr = err
			return err
		}
		return nil
	})
	if err != nil {
		// Callback errors are business errors, not store errors. Classify
		// only what came from the lock, read, or commit path.
		if fnErr != nil && errors.Is(err, fnErr) {
			return fnErr
		}
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}

// breakerTx implements BreakerTx on top of a live GORM transaction.
type breakerTx struct {
	tx    *gorm.DB
	state *BreakerState
}

func (b *breakerTx) State() *BreakerState {
	return b.state
}

func (b *breakerTx) SaveState(state *BreakerState) error {
	return b.tx.Save(state).Error
}

func (b *breakerTx) CreateIncident(incident *Incident) error {
	return b.tx.Create(incident).Error
}

func (b *breakerTx) ResolveIncident(id, resolvedBy, notes string, at time.Time) error {
	// The resolved guard makes resolution idempotent and keeps resolved
	// incidents immutable.
	return b.tx.Model(&Incident{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]interface{}{
			"resolved":         true,
			"resolved_at":      at,
			"resolved_by":      resolvedBy,
			"resolution_notes": notes,
		}).Error
}

func (b *breakerTx) EnqueueAlert(entry *AlertOutboxEntry) error {
	return b.tx.Create(entry).Error
}
