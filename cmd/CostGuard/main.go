// Package main is the entry point of CostGuard service.
// It initializes the Kratos application with the HTTP server and the
// alert dispatcher.
package main

import (
	"context"
	"flag"
	"os"

	"CostGuard/internal/biz"
	"CostGuard/internal/conf"
	zapLogger "CostGuard/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/robfig/cron/v3"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name string
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, dispatcher *biz.AlertDispatcher, uc *biz.BreakerUseCase, bc *conf.Breaker, maintenance *cron.Cron) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
			dispatcher,
		),
		kratos.AfterStart(func(ctx context.Context) error {
			// Warm known breakers: lazily create their rows and seed the
			// fail-open cache before the first real query arrives.
			for _, name := range bc.GuardedPaths {
				uc.IsDisabled(ctx, name)
			}
			return nil
		}),
		kratos.BeforeStop(func(ctx context.Context) error {
			if maintenance != nil {
				maintenance.Stop()
			}
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize Zap logger from configuration
	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	// Create Kratos adapter for Zap logger
	logger := zapLogger.NewKratosAdapter(zapLog)

	// Add context fields to logger
	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
		"trace.id", tracing.TraceID(),
		"span.id", tracing.SpanID(),
	)

	// Log startup configuration
	log.NewHelper(logger).Infow(
		"msg", "CostGuard service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"log.env", bc.Log.Env,
		"breaker.failure_threshold", bc.Breaker.FailureThreshold,
		"breaker.auto_recover", bc.Breaker.AutoRecoverEnabled,
	)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Breaker, bc.Alert, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
