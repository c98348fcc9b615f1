// Package data provides data access layer implementations.
// It handles database connections and data persistence.
package data

import (
	"CostGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewMySQLClient,
	NewRedisClient,
	NewStateCache,
	NewBreakerRepo,
	NewIncidentRepo,
	NewAlertOutboxRepo,
	NewStatusLogger,
	NewHTTPAlertSender,
)

// Data contains shared data layer dependencies.
type Data struct {
	// redisClient backs the fast-path breaker state cache
	redisClient *redis.Client
	// Note: the MySQL DB is not stored here, it is injected directly into repositories
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup; the state
// cache degrades to direct database reads.
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, breaker state caching will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}
