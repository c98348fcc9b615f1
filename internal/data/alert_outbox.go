package data

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	"CostGuard/internal/model"
	pkgerrors "CostGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OutboxStatus represents the delivery status ENUM of an outbox row.
type OutboxStatus string

// Outbox status constants.
const (
	// OutboxStatusPending means the row awaits delivery (or a retry).
	OutboxStatusPending OutboxStatus = "pending"
	// OutboxStatusDelivered means the alert endpoint accepted the payload.
	OutboxStatusDelivered OutboxStatus = "delivered"
	// OutboxStatusFailed is terminal: the retry budget is exhausted. This is
	// an observable failure surfaced to operators, never a silent drop.
	OutboxStatusFailed OutboxStatus = "failed"
)

// Scan implements sql.Scanner interface for OutboxStatus.
func (s *OutboxStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = OutboxStatus(v)
	case string:
		*s = OutboxStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into OutboxStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for OutboxStatus.
func (s OutboxStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// AlertOutboxEntry is the GORM model for the alert_outbox table.
// Rows are created by the breaker engine inside its trip/enable transactions
// and owned thereafter by the alert dispatcher, which alone transitions their
// status.
type AlertOutboxEntry struct {
	ID               string          `gorm:"primaryKey;column:id;size:36"`
	AlertType        model.AlertType `gorm:"column:alert_type;type:enum('disable','enable');not null"`
	BreakerName      string          `gorm:"column:breaker_name;size:100;not null;index:idx_outbox_breaker"`
	IncidentID       *string         `gorm:"column:incident_id;size:36"`
	Payload          string          `gorm:"column:payload;type:mediumtext;not null"`
	Status           OutboxStatus    `gorm:"column:status;type:enum('pending','delivered','failed');default:'pending';not null;index:idx_outbox_status"`
	AttemptCount     int             `gorm:"column:attempt_count;default:0;not null"`
	NextAttemptAfter time.Time       `gorm:"column:next_attempt_after;not null"`
	ClaimedBy        string          `gorm:"column:claimed_by;size:100"`
	ClaimedAt        *time.Time      `gorm:"column:claimed_at"`
	CreatedAt        time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AlertOutboxEntry) TableName() string {
	return "alert_outbox"
}

// AlertOutboxRepo manages delivery bookkeeping for outbox rows.
type AlertOutboxRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewAlertOutboxRepo creates a new alert outbox repository.
func NewAlertOutboxRepo(db *gorm.DB, logger log.Logger) *AlertOutboxRepo {
	return &AlertOutboxRepo{
		db:     db,
		logger: log.NewHelper(log.With(logger, "module", "data/outbox")),
	}
}

// ClaimBatch atomically claims up to limit deliverable rows for claimedBy.
// SKIP LOCKED keeps concurrent dispatcher instances from claiming the same
// row; rows whose previous claim is older than staleBefore are reclaimable
// (crashed-dispatcher recovery).
func (r *AlertOutboxRepo) ClaimBatch(ctx context.Context, claimedBy string, limit int, staleBefore time.Time) ([]*AlertOutboxEntry, error) {
	now := time.Now()
	var claimed []*AlertOutboxEntry

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []*AlertOutboxEntry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", OutboxStatusPending).
			Where("next_attempt_after <= ?", now).
			Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
			Order("id").
			Limit(limit).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}

		err = tx.Model(&AlertOutboxEntry{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"claimed_by": claimedBy,
				"claimed_at": now,
			}).Error
		if err != nil {
			return err
		}

		for _, row := range rows {
			row.ClaimedBy = claimedBy
			at := now
			row.ClaimedAt = &at
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return claimed, nil
}

// MarkDelivered transitions a claimed row to delivered.
func (r *AlertOutboxRepo) MarkDelivered(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&AlertOutboxEntry{}).
		Where("id = ? AND status = ?", id, OutboxStatusPending).
		Updates(map[string]interface{}{
			"status": OutboxStatusDelivered,
		}).Error
	if err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}

// Reschedule records a failed attempt and releases the claim so a later
// dispatch cycle (on any instance) can retry after nextAttempt.
func (r *AlertOutboxRepo) Reschedule(ctx context.Context, id string, attemptCount int, nextAttempt time.Time) error {
	err := r.db.WithContext(ctx).Model(&AlertOutboxEntry{}).
		Where("id = ? AND status = ?", id, OutboxStatusPending).
		Updates(map[string]interface{}{
			"attempt_count":      attemptCount,
			"next_attempt_after": nextAttempt,
			"claimed_by":         "",
			"claimed_at":         nil,
		}).Error
	if err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}

// MarkFailed transitions a row to the terminal failed status after the retry
// budget is exhausted.
func (r *AlertOutboxRepo) MarkFailed(ctx context.Context, id string, attemptCount int) error {
	err := r.db.WithContext(ctx).Model(&AlertOutboxEntry{}).
		Where("id = ? AND status = ?", id, OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":        OutboxStatusFailed,
			"attempt_count": attemptCount,
			"claimed_by":    "",
			"claimed_at":    nil,
		}).Error
	if err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	r.logger.Errorw("alert delivery failed permanently", "outbox_id", id, "attempts", attemptCount)
	return nil
}

// ReclaimStale clears claims on pending rows whose claim is older than
// staleBefore, making rows orphaned by a crashed dispatcher deliverable
// again. Returns the number of reclaimed rows.
func (r *AlertOutboxRepo) ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&AlertOutboxEntry{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", OutboxStatusPending, staleBefore).
		Updates(map[string]interface{}{
			"claimed_by": "",
			"claimed_at": nil,
		})
	if result.Error != nil {
		return 0, pkgerrors.ClassifyDBError(result.Error)
	}
	if result.RowsAffected > 0 {
		r.logger.Infow("reclaimed stale outbox claims", "count", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

// PurgeDelivered deletes delivered rows created before the cutoff.
func (r *AlertOutboxRepo) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", OutboxStatusDelivered, before).
		Delete(&AlertOutboxEntry{})
	if result.Error != nil {
		return 0, pkgerrors.ClassifyDBError(result.Error)
	}
	return result.RowsAffected, nil
}
