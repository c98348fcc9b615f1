// Code generated by Wire. DO NOT EDIT.

//go:generate go run -mod=mod github.com/google/wire/cmd/wire
//go:build !wireinject
// +build !wireinject

package main

import (
	"CostGuard/internal/biz"
	"CostGuard/internal/conf"
	"CostGuard/internal/data"
	"CostGuard/internal/server"
	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
)

import (
	_ "go.uber.org/automaxprocs"
)

// Injectors from wire.go:

// wireApp init kratos application.
func wireApp(confServer *conf.Server, confData *conf.Data, breaker *conf.Breaker, alert *conf.Alert, logger log.Logger) (*kratos.App, func(), error) {
	httpServer := server.NewHTTPServer(confServer, logger)
	db, cleanup, err := data.NewMySQLClient(confData, logger)
	if err != nil {
		return nil, nil, err
	}
	alertOutboxRepo := data.NewAlertOutboxRepo(db, logger)
	incidentRepo := data.NewIncidentRepo(db, logger)
	httpAlertSender := data.NewHTTPAlertSender(alert, logger)
	alertDispatcher := biz.NewAlertDispatcher(alertOutboxRepo, incidentRepo, httpAlertSender, alert, logger)
	breakerRepo := data.NewBreakerRepo(db, logger)
	client, cleanup2, err := data.NewRedisClient(confData, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	dataData, cleanup3, err := data.NewData(confData, logger, client)
	if err != nil {
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	stateCache := data.NewStateCache(dataData, confData)
	statusLoggerImpl := data.NewStatusLogger(db, logger)
	breakerUseCase, err := biz.NewBreakerUseCase(breakerRepo, incidentRepo, stateCache, statusLoggerImpl, breaker, alert, logger)
	if err != nil {
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	cron := StartOutboxMaintenanceCron(alertDispatcher, logger)
	app := newApp(logger, httpServer, alertDispatcher, breakerUseCase, breaker, cron)
	return app, func() {
		cleanup3()
		cleanup2()
		cleanup()
	}, nil
}
