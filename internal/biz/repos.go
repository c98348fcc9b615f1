package biz

import (
	"context"
	"time"

	"CostGuard/internal/data"
	"CostGuard/internal/model"
)

// BreakerRepo defines persistence for breaker state rows.
type BreakerRepo interface {
	// GetState returns the row for name without locking it, lazily creating
	// a closed row when none exists.
	GetState(ctx context.Context, name string) (*data.BreakerState, error)

	// Mutate runs fn inside a transaction that holds an exclusive row lock
	// on the breaker row. All writes made through the BreakerTx commit
	// atomically with the transaction.
	Mutate(ctx context.Context, name string, fn func(tx data.BreakerTx) error) error
}

// IncidentRepo defines read and annotation access to incident rows.
type IncidentRepo interface {
	// List returns incidents for a breaker, newest first.
	List(ctx context.Context, breakerName string, includeResolved bool, limit int) ([]*data.Incident, error)

	// MarkAlertSent mirrors a successful delivery onto the incident
	// (best-effort; the outbox is the delivery source of truth).
	MarkAlertSent(ctx context.Context, id string, at time.Time) error
}

// AlertOutboxRepo defines delivery bookkeeping for alert outbox rows.
type AlertOutboxRepo interface {
	// ClaimBatch claims up to limit deliverable rows for claimedBy.
	ClaimBatch(ctx context.Context, claimedBy string, limit int, staleBefore time.Time) ([]*data.AlertOutboxEntry, error)

	// MarkDelivered transitions a row to delivered.
	MarkDelivered(ctx context.Context, id string) error

	// Reschedule records a failed attempt and releases the claim.
	Reschedule(ctx context.Context, id string, attemptCount int, nextAttempt time.Time) error

	// MarkFailed transitions a row to the terminal failed status.
	MarkFailed(ctx context.Context, id string, attemptCount int) error

	// ReclaimStale releases claims older than staleBefore.
	ReclaimStale(ctx context.Context, staleBefore time.Time) (int64, error)

	// PurgeDelivered deletes delivered rows created before the cutoff.
	PurgeDelivered(ctx context.Context, before time.Time) (int64, error)
}

// AlertSender delivers a rendered alert payload to the external endpoint.
type AlertSender interface {
	// Configured reports whether an endpoint is set. When false the
	// dispatcher does not claim rows at all.
	Configured() bool

	// Send performs a single delivery attempt.
	Send(ctx context.Context, payload []byte) error
}

// StatusLogger records breaker transitions for auditing.
// Implementations are fire-and-forget: a failed write never fails the
// transition that produced it.
type StatusLogger interface {
	LogTransition(ctx context.Context, change *model.StatusChange)
}
