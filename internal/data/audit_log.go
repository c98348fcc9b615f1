package data

import (
	"context"
	"encoding/json"
	"time"

	"CostGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// StatusChangeLog is the GORM model for the status_change_logs table.
type StatusChangeLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	EntityType string    `gorm:"column:entity_type;size:50;not null"`
	EntityID   string    `gorm:"column:entity_id;size:100;not null;index:idx_status_entity"`
	OldStatus  string    `gorm:"column:old_status;size:20;not null"`
	NewStatus  string    `gorm:"column:new_status;size:20;not null"`
	ActorType  string    `gorm:"column:actor_type;size:20;not null"`
	ActorID    string    `gorm:"column:actor_id;size:100"`
	Reason     string    `gorm:"column:reason;type:text"`
	Metadata   *string   `gorm:"column:metadata;type:json"` // pointer for NULL support, MySQL rejects '' for JSON columns
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (StatusChangeLog) TableName() string {
	return "status_change_logs"
}

// StatusLoggerImpl implements biz.StatusLogger with an async buffered
// channel. Writes are fire-and-forget: the breaker transition never waits on
// or fails because of the audit trail.
type StatusLoggerImpl struct {
	db      *gorm.DB
	logChan chan *StatusChangeLog
	logger  *log.Helper
}

// NewStatusLogger creates a new status change logger with async channel.
func NewStatusLogger(db *gorm.DB, logger log.Logger) *StatusLoggerImpl {
	sl := &StatusLoggerImpl{
		db:      db,
		logChan: make(chan *StatusChangeLog, 1000), // buffered to prevent blocking
		logger:  log.NewHelper(log.With(logger, "module", "data/audit")),
	}

	go sl.start()

	return sl
}

// start processes status change records from the channel.
func (s *StatusLoggerImpl) start() {
	for record := range s.logChan {
		ctx := context.Background()
		if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
			s.logger.Errorw("failed to write status change log",
				"entity_id", record.EntityID,
				"old_status", record.OldStatus,
				"new_status", record.NewStatus,
				"error", err)
		} else {
			s.logger.Debugw("status change log written",
				"entity_id", record.EntityID,
				"new_status", record.NewStatus)
		}
	}
}

// LogTransition records a breaker state transition.
// The send is non-blocking; when the channel is full the record is dropped
// with a warning rather than stalling the transition.
func (s *StatusLoggerImpl) LogTransition(ctx context.Context, change *model.StatusChange) {
	var metadataJSON *string
	if len(change.Metadata) > 0 {
		b, err := json.Marshal(change.Metadata)
		if err != nil {
			s.logger.Errorw("failed to marshal status change metadata", "error", err)
		} else {
			str := string(b)
			metadataJSON = &str
		}
	}

	record := &StatusChangeLog{
		EntityType: change.EntityType,
		EntityID:   change.EntityID,
		OldStatus:  change.OldStatus,
		NewStatus:  change.NewStatus,
		ActorType:  change.ActorType,
		ActorID:    change.ActorID,
		Reason:     change.Reason,
		Metadata:   metadataJSON,
	}

	select {
	case s.logChan <- record:
	default:
		s.logger.Warnw("status change log channel full, dropping record",
			"entity_id", change.EntityID,
			"new_status", change.NewStatus)
	}
}
