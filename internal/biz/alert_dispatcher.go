package biz

import (
	"context"
	"fmt"
	"os"
	"time"

	"CostGuard/internal/conf"
	"CostGuard/internal/data"
	"CostGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// AlertDispatcher claims rows from the alert outbox and delivers them to
// the external alert endpoint. It re-decides nothing: the payload was
// rendered at enqueue time, and the dispatcher only performs delivery
// bookkeeping. Delivery is at-least-once; a claim race slipping through
// yields a duplicate notification, never a duplicate state change.
//
// It implements the Kratos transport.Server interface so the application
// lifecycle starts and stops it alongside the HTTP server.
type AlertDispatcher struct {
	outbox    AlertOutboxRepo
	incidents IncidentRepo
	sender    AlertSender
	retry     RetryPolicy

	instanceID string
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	logger *log.Helper
}

// NewAlertDispatcher creates the background alert dispatcher.
func NewAlertDispatcher(
	outbox AlertOutboxRepo,
	incidents IncidentRepo,
	sender AlertSender,
	c *conf.Alert,
	logger log.Logger,
) *AlertDispatcher {
	interval := 15 * time.Second
	batchSize := 20
	staleAfter := 5 * time.Minute
	if c != nil {
		if c.DispatchInterval > 0 {
			interval = c.DispatchInterval
		}
		if c.ClaimBatchSize > 0 {
			batchSize = c.ClaimBatchSize
		}
		if c.ClaimStaleAfter > 0 {
			staleAfter = c.ClaimStaleAfter
		}
	}

	hostname, _ := os.Hostname()
	return &AlertDispatcher{
		outbox:     outbox,
		incidents:  incidents,
		sender:     sender,
		retry:      NewRetryPolicy(c),
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		interval:   interval,
		batchSize:  batchSize,
		staleAfter: staleAfter,
		done:       make(chan struct{}),
		logger:     log.NewHelper(log.With(logger, "module", "biz/dispatcher")),
	}
}

// Start runs the dispatch loop until Stop is called. It blocks, per the
// Kratos transport.Server contract.
func (d *AlertDispatcher) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	defer close(d.done)

	if !d.sender.Configured() {
		// No endpoint: don't claim rows at all. Enqueueing still works, so
		// the breaker's correctness never depends on alerting being
		// configured.
		d.logger.Info("alert endpoint not configured, dispatcher idle")
		<-ctx.Done()
		return nil
	}

	d.logger.Infow("alert dispatcher started",
		"instance", d.instanceID,
		"interval", d.interval,
		"batch_size", d.batchSize)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("alert dispatcher stopped")
			return nil
		case <-ticker.C:
			delivered, failed := d.DispatchOnce(ctx)
			if delivered > 0 || failed > 0 {
				d.logger.Infow("dispatch cycle completed",
					"delivered", delivered, "failed", failed)
			}
		}
	}
}

// Stop terminates the dispatch loop.
func (d *AlertDispatcher) Stop(ctx context.Context) error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
	case <-ctx.Done():
	}
	return nil
}

// DispatchOnce claims one batch and attempts delivery for each row.
// Returns delivered and failed counts for this cycle.
func (d *AlertDispatcher) DispatchOnce(ctx context.Context) (delivered, failed int) {
	if !d.sender.Configured() {
		return 0, 0
	}

	staleBefore := time.Now().Add(-d.staleAfter)
	entries, err := d.outbox.ClaimBatch(ctx, d.instanceID, d.batchSize, staleBefore)
	if err != nil {
		d.logger.Errorw("failed to claim outbox batch", "error", err)
		return 0, 0
	}

	for _, entry := range entries {
		if d.deliver(ctx, entry) {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed
}

// deliver performs a single delivery attempt for a claimed row and records
// the outcome. Returns true on successful delivery.
func (d *AlertDispatcher) deliver(ctx context.Context, entry *data.AlertOutboxEntry) bool {
	err := d.sender.Send(ctx, []byte(entry.Payload))
	now := time.Now()

	if err == nil {
		if markErr := d.outbox.MarkDelivered(ctx, entry.ID); markErr != nil {
			// The alert went out; a bookkeeping failure means a possible
			// duplicate later, which at-least-once semantics permit.
			d.logger.Errorw("failed to mark outbox row delivered",
				"outbox_id", entry.ID, "error", markErr)
			return true
		}
		if entry.IncidentID != nil && entry.AlertType == model.AlertTypeDisable {
			if mirrorErr := d.incidents.MarkAlertSent(ctx, *entry.IncidentID, now); mirrorErr != nil {
				d.logger.Warnw("failed to mirror alert delivery onto incident",
					"incident_id", *entry.IncidentID, "error", mirrorErr)
			}
		}
		return true
	}

	attempts := entry.AttemptCount + 1
	if d.retry.Exhausted(attempts) {
		d.logger.Errorw("alert retry budget exhausted",
			"outbox_id", entry.ID, "attempts", attempts, "error", err)
		if failErr := d.outbox.MarkFailed(ctx, entry.ID, attempts); failErr != nil {
			d.logger.Errorw("failed to mark outbox row failed",
				"outbox_id", entry.ID, "error", failErr)
		}
		return false
	}

	nextAttempt := now.Add(d.retry.Delay(attempts))
	d.logger.Warnw("alert delivery failed, rescheduling",
		"outbox_id", entry.ID, "attempts", attempts,
		"next_attempt", nextAttempt, "error", err)
	if rescheduleErr := d.outbox.Reschedule(ctx, entry.ID, attempts, nextAttempt); rescheduleErr != nil {
		d.logger.Errorw("failed to reschedule outbox row",
			"outbox_id", entry.ID, "error", rescheduleErr)
	}
	return false
}

// ReclaimStale releases outbox claims left behind by crashed dispatcher
// instances. Invoked periodically by the maintenance cron job.
func (d *AlertDispatcher) ReclaimStale(ctx context.Context) error {
	_, err := d.outbox.ReclaimStale(ctx, time.Now().Add(-d.staleAfter))
	return err
}

// PurgeDelivered removes delivered rows older than the retention cutoff.
// Invoked daily by the maintenance cron job.
func (d *AlertDispatcher) PurgeDelivered(ctx context.Context, retention time.Duration) (int64, error) {
	return d.outbox.PurgeDelivered(ctx, time.Now().Add(-retention))
}
