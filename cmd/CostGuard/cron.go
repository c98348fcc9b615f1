package main

import (
	"context"
	"time"

	"CostGuard/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// deliveredAlertRetention is how long delivered outbox rows are kept before
// the daily purge removes them.
const deliveredAlertRetention = 7 * 24 * time.Hour

// StartOutboxMaintenanceCron starts the background maintenance jobs for the
// alert outbox:
//   - every minute: release claims held by dispatchers that died mid-delivery
//   - daily at 04:30: purge delivered rows older than the retention window
func StartOutboxMaintenanceCron(dispatcher *biz.AlertDispatcher, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc("0 * * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := dispatcher.ReclaimStale(ctx); err != nil {
			helper.Errorw("msg", "stale claim reclaim failed", "error", err)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register reclaim cron job", "error", err)
		return nil
	}

	_, err = c.AddFunc("0 30 4 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		purged, err := dispatcher.PurgeDelivered(ctx, deliveredAlertRetention)
		if err != nil {
			helper.Errorw("msg", "delivered alert purge failed", "error", err)
			return
		}
		if purged > 0 {
			helper.Infow("msg", "purged delivered alerts", "count", purged)
		}
	})
	if err != nil {
		helper.Errorw("msg", "failed to register purge cron job", "error", err)
		return nil
	}

	c.Start()
	helper.Info("outbox maintenance cron started: reclaim every minute, purge daily at 04:30")

	return c
}
