// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"CostGuard/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewBreakerUseCase,
	NewAlertDispatcher,
	// Bind data layer implementations to biz layer interfaces
	data.ProviderSet,
	wire.Bind(new(BreakerRepo), new(*data.BreakerRepo)),
	wire.Bind(new(IncidentRepo), new(*data.IncidentRepo)),
	wire.Bind(new(AlertOutboxRepo), new(*data.AlertOutboxRepo)),
	wire.Bind(new(StatusLogger), new(*data.StatusLoggerImpl)),
	wire.Bind(new(AlertSender), new(*data.HTTPAlertSender)),
)
