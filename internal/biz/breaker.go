package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CostGuard/internal/conf"
	"CostGuard/internal/data"
	"CostGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DriftMonitorActor identifies automatic trips in incident and audit records.
const DriftMonitorActor = "drift_monitor"

// lastKnownCacheSize bounds the in-process fallback cache. The service
// guards a handful of breaker names in practice.
const lastKnownCacheSize = 256

// BreakerUseCase owns all business rules for tripping, recovering, and
// querying breaker state. All replicas share truth through the breaker state
// row; mutations for one breaker name are serialized by its row lock.
type BreakerUseCase struct {
	repo      BreakerRepo
	incidents IncidentRepo
	cache     data.StateCache
	audit     StatusLogger
	cfg       *conf.Breaker
	alertCfg  *conf.Alert
	// lastKnown remembers the last successfully evaluated answer per breaker
	// name. When the store is unreachable the read path falls back to it,
	// and to "enabled" when there is no history (fail open: an unrelated
	// store outage must not block the guarded path).
	lastKnown *lru.Cache[string, bool]
	logger    *log.Helper
}

// NewBreakerUseCase creates the circuit breaker engine.
func NewBreakerUseCase(
	repo BreakerRepo,
	incidents IncidentRepo,
	cache data.StateCache,
	audit StatusLogger,
	cfg *conf.Breaker,
	alertCfg *conf.Alert,
	logger log.Logger,
) (*BreakerUseCase, error) {
	lastKnown, err := lru.New[string, bool](lastKnownCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create last-known state cache: %w", err)
	}
	return &BreakerUseCase{
		repo:      repo,
		incidents: incidents,
		cache:     cache,
		audit:     audit,
		cfg:       cfg,
		alertCfg:  alertCfg,
		lastKnown: lastKnown,
		logger:    log.NewHelper(log.With(logger, "module", "biz/breaker")),
	}, nil
}

// IsDisabled reports whether the guarded path for name is currently
// disabled. The fast path is an unlocked read (cache, then database). When
// the TTL has expired it invokes the locked auto-recovery recheck, which is
// the only way a query can have a side effect.
//
// Fail-open policy: when the store cannot be reached the answer is the last
// known one for this name, or "enabled" when none exists. Silently blocking
// the guarded path on an unrelated store outage is the worse failure mode.
func (uc *BreakerUseCase) IsDisabled(ctx context.Context, name string) bool {
	st := uc.readState(ctx, name)
	if st == nil {
		if v, ok := uc.lastKnown.Get(name); ok {
			return v
		}
		return false
	}

	disabled := uc.evaluate(ctx, st)
	uc.lastKnown.Add(name, disabled)
	return disabled
}

// readState consults the cache first, then the database, repopulating the
// cache on a miss. Returns nil only when the store is unreachable.
func (uc *BreakerUseCase) readState(ctx context.Context, name string) *data.BreakerState {
	st, err := uc.cache.Get(ctx, name)
	if err == nil {
		return st
	}
	if !errors.Is(err, data.ErrCacheNotFound) {
		uc.logger.Debugw("state cache read failed (degraded to database)", "breaker", name, "error", err)
	}

	st, err = uc.repo.GetState(ctx, name)
	if err != nil {
		uc.logger.Errorw("breaker state read failed, applying fail-open policy",
			"breaker", name, "error", err)
		return nil
	}

	if err := uc.cache.Set(ctx, name, st); err != nil {
		uc.logger.Debugw("state cache write failed", "breaker", name, "error", err)
	}
	return st
}

// evaluate turns a state snapshot into the disabled answer, triggering the
// locked auto-recovery when the TTL has expired.
func (uc *BreakerUseCase) evaluate(ctx context.Context, st *data.BreakerState) bool {
	if !st.Disabled {
		return false
	}
	if st.DisabledUntil == nil {
		// Permanent: only a manual enable closes it
		return true
	}
	if st.DisabledUntil.After(time.Now()) {
		return true
	}
	if !uc.cfg.AutoRecoverEnabled {
		return true
	}

	recovered, err := uc.autoRecover(ctx, st.Name)
	if err != nil {
		uc.logger.Warnw("auto-recovery failed, breaker stays open",
			"breaker", st.Name, "error", err)
		return true
	}
	return !recovered
}

// autoRecover performs the locked TTL recheck. A fast read observing an
// expired TTL must not act on it directly: this re-acquires the row lock,
// re-reads, and re-validates before recovering, so two replicas racing on
// the same expired TTL produce exactly one recovery.
func (uc *BreakerUseCase) autoRecover(ctx context.Context, name string) (bool, error) {
	recovered := false
	var transition *model.StatusChange

	err := uc.repo.Mutate(ctx, name, func(tx data.BreakerTx) error {
		st := tx.State()
		now := time.Now()

		if !st.Disabled {
			// Another replica completed the recovery already
			recovered = true
			return nil
		}
		if st.DisabledUntil == nil || st.DisabledUntil.After(now) {
			// Extended or made permanent since the unlocked read
			return nil
		}

		oldStatus := st.Status()
		if err := uc.closeBreaker(tx, st, model.ActorTypeSystem, DriftMonitorActor,
			"TTL expired, automatic recovery", now); err != nil {
			return err
		}
		recovered = true
		transition = &model.StatusChange{
			EntityType: model.EntityTypeCircuitBreaker,
			EntityID:   name,
			OldStatus:  oldStatus,
			NewStatus:  model.BreakerStatusClosed,
			ActorType:  model.ActorTypeSystem,
			ActorID:    DriftMonitorActor,
			Reason:     "TTL expired, automatic recovery",
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if transition != nil {
		uc.afterTransition(ctx, name, transition)
		uc.logger.Infow("breaker auto-recovered", "breaker", name)
	}
	return recovered, nil
}

// ReportDrift records a drift observation for name and returns the created
// incident when this observation trips the breaker, nil otherwise.
//
// Hysteresis: FailureThreshold consecutive above-threshold observations
// trip; any single below-threshold observation resets the counter. No
// gradual decay, deliberately.
func (uc *BreakerUseCase) ReportDrift(ctx context.Context, name string, score float64, sampleCount int, details map[string]interface{}) (*data.Incident, error) {
	var incident *data.Incident
	var transition *model.StatusChange

	err := uc.repo.Mutate(ctx, name, func(tx data.BreakerTx) error {
		st := tx.State()
		now := time.Now()

		if score <= uc.cfg.DriftThreshold {
			if st.ConsecutiveFailures != 0 {
				st.ConsecutiveFailures = 0
				return tx.SaveState(st)
			}
			return nil
		}

		st.ConsecutiveFailures++
		st.LastFailureAt = &now

		if st.ConsecutiveFailures < uc.cfg.FailureThreshold || st.Disabled {
			// Failure recorded, breaker unchanged. An already-open breaker
			// never re-trips: that would mint duplicate incidents.
			return tx.SaveState(st)
		}

		oldStatus := st.Status()
		reason := fmt.Sprintf("drift score %.3f exceeded threshold %.3f on %d consecutive observations",
			score, uc.cfg.DriftThreshold, st.ConsecutiveFailures)

		inc, err := uc.trip(tx, st, tripParams{
			reason:      reason,
			severity:    data.SeverityP1,
			driftScore:  score,
			sampleCount: sampleCount,
			details:     details,
			disabledBy:  DriftMonitorActor,
			now:         now,
		})
		if err != nil {
			return err
		}
		incident = inc
		transition = &model.StatusChange{
			EntityType: model.EntityTypeCircuitBreaker,
			EntityID:   name,
			OldStatus:  oldStatus,
			NewStatus:  st.Status(),
			ActorType:  model.ActorTypeSystem,
			ActorID:    DriftMonitorActor,
			Reason:     reason,
			Metadata: map[string]interface{}{
				"incident_id": inc.ID,
				"drift_score": score,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if transition != nil {
		uc.afterTransition(ctx, name, transition)
		uc.logger.Warnw("breaker tripped on drift",
			"breaker", name, "score", score, "incident_id", incident.ID)
	}
	return incident, nil
}

// ReportSchemaErrors records an aggregated schema/validation error count and
// trips the breaker immediately (severity P3) when the count meets the
// configured threshold. No hysteresis: a single report can carry enough
// errors to trip on its own.
func (uc *BreakerUseCase) ReportSchemaErrors(ctx context.Context, name string, count int, details map[string]interface{}) (*data.Incident, error) {
	if count < uc.cfg.SchemaErrorThreshold {
		return nil, nil
	}

	var incident *data.Incident
	var transition *model.StatusChange

	err := uc.repo.Mutate(ctx, name, func(tx data.BreakerTx) error {
		st := tx.State()
		now := time.Now()

		if st.Disabled {
			// Already open; don't mint a duplicate incident
			return nil
		}

		oldStatus := st.Status()
		reason := fmt.Sprintf("%d schema validation errors reached threshold %d",
			count, uc.cfg.SchemaErrorThreshold)

		inc, err := uc.trip(tx, st, tripParams{
			reason:      reason,
			severity:    data.SeverityP3,
			sampleCount: count,
			details:     details,
			disabledBy:  DriftMonitorActor,
			now:         now,
		})
		if err != nil {
			return err
		}
		incident = inc
		transition = &model.StatusChange{
			EntityType: model.EntityTypeCircuitBreaker,
			EntityID:   name,
			OldStatus:  oldStatus,
			NewStatus:  st.Status(),
			ActorType:  model.ActorTypeSystem,
			ActorID:    DriftMonitorActor,
			Reason:     reason,
			Metadata: map[string]interface{}{
				"incident_id":   inc.ID,
				"schema_errors": count,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if transition != nil {
		uc.afterTransition(ctx, name, transition)
		uc.logger.Warnw("breaker tripped on schema errors",
			"breaker", name, "count", count, "incident_id", incident.ID)
	}
	return incident, nil
}

// Disable manually opens the breaker. Returns (false, nil) when the breaker
// is already open with the exact same reason: the request is an idempotent
// no-op and no duplicate incident is created. TTL differences do not defeat
// the idempotency check since the default TTL may vary run to run.
func (uc *BreakerUseCase) Disable(ctx context.Context, name, reason, disabledBy string, disabledUntil *time.Time) (bool, *data.Incident, error) {
	var incident *data.Incident
	var transition *model.StatusChange
	changed := false

	err := uc.repo.Mutate(ctx, name, func(tx data.BreakerTx) error {
		st := tx.State()
		now := time.Now()

		if st.Disabled && st.DisabledReason == reason {
			return nil
		}

		oldStatus := st.Status()
		inc, err := uc.trip(tx, st, tripParams{
			reason:        reason,
			severity:      data.SeverityP2,
			disabledBy:    disabledBy,
			disabledUntil: disabledUntil,
			now:           now,
		})
		if err != nil {
			return err
		}
		changed = true
		incident = inc
		transition = &model.StatusChange{
			EntityType: model.EntityTypeCircuitBreaker,
			EntityID:   name,
			OldStatus:  oldStatus,
			NewStatus:  st.Status(),
			ActorType:  model.ActorTypeOperator,
			ActorID:    disabledBy,
			Reason:     reason,
			Metadata:   map[string]interface{}{"incident_id": inc.ID},
		}
		return nil
	})
	if err != nil {
		return false, nil, err
	}

	if transition != nil {
		uc.afterTransition(ctx, name, transition)
		uc.logger.Infow("breaker disabled manually",
			"breaker", name, "by", disabledBy, "incident_id", incident.ID)
	}
	return changed, incident, nil
}

// Enable manually closes the breaker, resolving the active incident and
// enqueueing an enable alert. Returns false when the breaker was already
// closed (no write performed).
func (uc *BreakerUseCase) Enable(ctx context.Context, name, enabledBy, reason string) (bool, error) {
	if reason == "" {
		reason = "manually re-enabled"
	}

	var transition *model.StatusChange
	changed := false

	err := uc.repo.Mutate(ctx, name, func(tx data.BreakerTx) error {
		st := tx.State()
		now := time.Now()

		if !st.Disabled {
			return nil
		}

		oldStatus := st.Status()
		if err := uc.closeBreaker(tx, st, model.ActorTypeOperator, enabledBy, reason, now); err != nil {
			return err
		}
		changed = true
		transition = &model.StatusChange{
			EntityType: model.EntityTypeCircuitBreaker,
			EntityID:   name,
			OldStatus:  oldStatus,
			NewStatus:  model.BreakerStatusClosed,
			ActorType:  model.ActorTypeOperator,
			ActorID:    enabledBy,
			Reason:     reason,
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if transition != nil {
		uc.afterTransition(ctx, name, transition)
		uc.logger.Infow("breaker enabled", "breaker", name, "by", enabledBy)
	}
	return changed, nil
}

// GetState returns the current breaker state row, lazily created when
// missing.
func (uc *BreakerUseCase) GetState(ctx context.Context, name string) (*data.BreakerState, error) {
	return uc.repo.GetState(ctx, name)
}

// ListIncidents returns incidents for the breaker, newest first.
func (uc *BreakerUseCase) ListIncidents(ctx context.Context, name string, includeResolved bool, limit int) ([]*data.Incident, error) {
	return uc.incidents.List(ctx, name, includeResolved, limit)
}

// tripParams carries everything trip needs inside the caller's locked
// transaction.
type tripParams struct {
	reason        string
	severity      data.Severity
	driftScore    float64
	sampleCount   int
	details       map[string]interface{}
	disabledBy    string
	disabledUntil *time.Time
	now           time.Time
}

// trip opens the breaker within the caller's transaction: incident row,
// state update, and disable-alert outbox row commit together or not at all.
// Outbox durability is part of the trip contract, so an outbox insert
// failure rolls everything back.
func (uc *BreakerUseCase) trip(tx data.BreakerTx, st *data.BreakerState, p tripParams) (*data.Incident, error) {
	until := p.disabledUntil
	if until == nil && uc.cfg.DefaultDisableTTLHours > 0 {
		t := p.now.Add(time.Duration(uc.cfg.DefaultDisableTTLHours * float64(time.Hour)))
		until = &t
	}

	detailsJSON, err := marshalDetails(p.details)
	if err != nil {
		return nil, err
	}

	inc := &data.Incident{
		ID:          uuid.NewString(),
		BreakerName: st.Name,
		Timestamp:   p.now,
		Reason:      p.reason,
		Severity:    p.severity,
		DriftScore:  p.driftScore,
		SampleCount: p.sampleCount,
		Details:     detailsJSON,
	}
	if err := tx.CreateIncident(inc); err != nil {
		return nil, err
	}

	st.Disabled = true
	st.DisabledReason = p.reason
	st.DisabledBy = p.disabledBy
	st.DisabledUntil = until
	st.CurrentIncidentID = &inc.ID
	if err := tx.SaveState(st); err != nil {
		return nil, err
	}

	payload, err := uc.renderAlert(model.AlertTypeDisable, st.Name, &inc.ID, string(p.severity),
		fmt.Sprintf("Circuit breaker %s tripped", st.Name), p.reason, p.now)
	if err != nil {
		return nil, err
	}
	entry := &data.AlertOutboxEntry{
		ID:               uuid.NewString(),
		AlertType:        model.AlertTypeDisable,
		BreakerName:      st.Name,
		IncidentID:       &inc.ID,
		Payload:          payload,
		Status:           data.OutboxStatusPending,
		NextAttemptAfter: p.now,
	}
	if err := tx.EnqueueAlert(entry); err != nil {
		return nil, err
	}

	return inc, nil
}

// closeBreaker transitions an open breaker to closed inside the caller's
// transaction: state cleared, active incident resolved exactly once, enable
// alert enqueued.
func (uc *BreakerUseCase) closeBreaker(tx data.BreakerTx, st *data.BreakerState, actorType, actor, notes string, now time.Time) error {
	oldIncidentID := st.CurrentIncidentID

	st.Disabled = false
	st.DisabledReason = ""
	st.DisabledBy = ""
	st.DisabledUntil = nil
	st.ConsecutiveFailures = 0
	st.CurrentIncidentID = nil
	if err := tx.SaveState(st); err != nil {
		return err
	}

	if oldIncidentID != nil {
		if err := tx.ResolveIncident(*oldIncidentID, actor, notes, now); err != nil {
			return err
		}
	}

	payload, err := uc.renderAlert(model.AlertTypeEnable, st.Name, oldIncidentID, "info",
		fmt.Sprintf("Circuit breaker %s recovered", st.Name), notes, now)
	if err != nil {
		return err
	}
	entry := &data.AlertOutboxEntry{
		ID:               uuid.NewString(),
		AlertType:        model.AlertTypeEnable,
		BreakerName:      st.Name,
		IncidentID:       oldIncidentID,
		Payload:          payload,
		Status:           data.OutboxStatusPending,
		NextAttemptAfter: now,
	}
	return tx.EnqueueAlert(entry)
}

// renderAlert builds the JSON array payload posted to the alert endpoint.
// The payload is rendered once, at enqueue time, so later delivery attempts
// are idempotent with respect to content.
func (uc *BreakerUseCase) renderAlert(alertType model.AlertType, name string, incidentID *string, severity, summary, description string, now time.Time) (string, error) {
	labels := map[string]string{
		"alertname": "CostGuardCircuitBreaker",
		"severity":  severity,
		"component": model.EntityTypeCircuitBreaker,
		"breaker":   name,
	}
	if incidentID != nil {
		labels["incident_id"] = *incidentID
	}

	annotations := map[string]string{
		"summary":     summary,
		"description": description,
	}
	if uc.alertCfg != nil && uc.alertCfg.RunbookURL != "" {
		annotations["runbook_url"] = uc.alertCfg.RunbookURL
	}

	alert := model.Alert{
		Labels:      labels,
		Annotations: annotations,
		StartsAt:    now,
	}
	if alertType == model.AlertTypeEnable {
		// Immediate-resolution alert
		end := now
		alert.EndsAt = &end
	}

	b, err := json.Marshal([]model.Alert{alert})
	if err != nil {
		return "", fmt.Errorf("failed to render alert payload: %w", err)
	}
	return string(b), nil
}

// afterTransition runs post-commit bookkeeping: cache invalidation, the
// fire-and-forget audit record, and the in-process fallback cache. None of
// these can fail the already-committed transition.
func (uc *BreakerUseCase) afterTransition(ctx context.Context, name string, change *model.StatusChange) {
	if err := uc.cache.Invalidate(ctx, name); err != nil {
		uc.logger.Warnw("state cache invalidation failed", "breaker", name, "error", err)
	}
	uc.audit.LogTransition(ctx, change)
	uc.lastKnown.Add(name, change.NewStatus != model.BreakerStatusClosed)
}

// marshalDetails serializes the diagnostic details map for the incident row.
// Returns nil for an empty map so the JSON column is stored as NULL.
func marshalDetails(details map[string]interface{}) (*string, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal incident details: %w", err)
	}
	s := string(b)
	return &s, nil
}
