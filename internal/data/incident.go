package data

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"

	pkgerrors "CostGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// Severity represents the incident severity ENUM.
type Severity string

// Incident severity constants. Severity is a policy choice made by the
// caller of trip, not derived from the observation.
const (
	// SeverityP1 marks automatic drift trips.
	SeverityP1 Severity = "P1"
	// SeverityP2 marks manual disables.
	SeverityP2 Severity = "P2"
	// SeverityP3 marks schema/validation-error trips.
	SeverityP3 Severity = "P3"
)

// Scan implements sql.Scanner interface for Severity.
func (s *Severity) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = Severity(v)
	case string:
		*s = Severity(v)
	default:
		return fmt.Errorf("cannot scan type %T into Severity", value)
	}
	return nil
}

// Value implements driver.Valuer interface for Severity.
func (s Severity) Value() (driver.Value, error) {
	return string(s), nil
}

// Incident is the GORM model for the breaker_incidents table.
// Rows are append-mostly: one per trip, resolvable exactly once, immutable
// after resolution.
type Incident struct {
	ID              string     `gorm:"primaryKey;column:id;size:36"`
	BreakerName     string     `gorm:"column:breaker_name;size:100;not null;index:idx_incident_breaker"`
	Timestamp       time.Time  `gorm:"column:timestamp;not null"`
	Reason          string     `gorm:"column:reason;type:text;not null"`
	Severity        Severity   `gorm:"column:severity;type:enum('P1','P2','P3');not null"`
	DriftScore      float64    `gorm:"column:drift_score;default:0;not null"`
	SampleCount     int        `gorm:"column:sample_count;default:0;not null"`
	Details         *string    `gorm:"column:details;type:json"` // pointer for NULL support, MySQL rejects '' for JSON columns
	Resolved        bool       `gorm:"column:resolved;default:false;not null"`
	ResolvedAt      *time.Time `gorm:"column:resolved_at"`
	ResolvedBy      string     `gorm:"column:resolved_by;size:100"`
	ResolutionNotes string     `gorm:"column:resolution_notes;type:text"`
	AlertSent       bool       `gorm:"column:alert_sent;default:false;not null"`
	AlertSentAt     *time.Time `gorm:"column:alert_sent_at"`
}

// TableName specifies the table name for GORM.
func (Incident) TableName() string {
	return "breaker_incidents"
}

// IncidentRepo reads and annotates incident rows. Creation and resolution
// happen through BreakerTx inside the engine's locked transactions.
type IncidentRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewIncidentRepo creates a new incident repository.
func NewIncidentRepo(db *gorm.DB, logger log.Logger) *IncidentRepo {
	return &IncidentRepo{
		db:     db,
		logger: log.NewHelper(log.With(logger, "module", "data/incident")),
	}
}

// List returns incidents for a breaker, newest first.
func (r *IncidentRepo) List(ctx context.Context, breakerName string, includeResolved bool, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 10
	}

	q := r.db.WithContext(ctx).Where("breaker_name = ?", breakerName)
	if !includeResolved {
		q = q.Where("resolved = ?", false)
	}

	var incidents []*Incident
	if err := q.Order("timestamp DESC").Limit(limit).Find(&incidents).Error; err != nil {
		return nil, pkgerrors.ClassifyDBError(err)
	}
	return incidents, nil
}

// MarkAlertSent mirrors a successful outbox delivery onto the incident.
// Best-effort convenience only; the outbox is the source of truth for
// delivery.
func (r *IncidentRepo) MarkAlertSent(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&Incident{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"alert_sent":    true,
			"alert_sent_at": at,
		}).Error
	if err != nil {
		return pkgerrors.ClassifyDBError(err)
	}
	return nil
}
