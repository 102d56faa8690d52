package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nexcrm/procflow/internal/config"
	"github.com/nexcrm/procflow/internal/log"
	"github.com/nexcrm/procflow/internal/notify"
	"github.com/nexcrm/procflow/internal/otel"
	"github.com/nexcrm/procflow/internal/postgres"
	"github.com/nexcrm/procflow/internal/profile"
	"github.com/nexcrm/procflow/internal/rest"
	"github.com/nexcrm/procflow/pkg/flow"
	pkgotel "github.com/nexcrm/procflow/pkg/otel"
	"github.com/nexcrm/procflow/pkg/storage"
	"github.com/nexcrm/procflow/pkg/storage/inmemory"
	otelglobal "go.opentelemetry.io/otel"
)

func main() {
	profile.InitProfile()
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	var store storage.Storage
	var pgStore *postgres.Storage
	if conf.Store.PostgresDSN != "" {
		pgStore, err = postgres.Connect(appContext, conf.Store.PostgresDSN)
		if err != nil {
			log.Error("Failed to connect to postgres: %s", err)
			os.Exit(1)
		}
		if err := pgStore.Migrate(appContext); err != nil {
			log.Error("Failed to apply migrations: %s", err)
			os.Exit(1)
		}
		store = pgStore
	} else {
		log.Info("No postgres DSN configured, falling back to the in-memory store")
		store = inmemory.NewStorage()
	}

	metrics, err := pkgotel.NewMetrics(otelglobal.Meter("flow-engine"))
	if err != nil {
		log.Error("Failed to set up engine metrics: %s", err)
		os.Exit(1)
	}

	options := []flow.EngineOption{
		flow.EngineWithStorage(store),
		flow.EngineWithMetrics(metrics),
	}
	if conf.Notify.WebhookURL != "" {
		options = append(options, flow.EngineWithNotifier(
			notify.NewWebhookNotifier(conf.Notify.WebhookURL, conf.Notify.WebhookTimeout)))
	}
	if conf.Assist.ApiKey != "" {
		options = append(options, flow.EngineWithAssist(
			notify.NewSummaryClient(conf.Assist.ApiKey, conf.Assist.BaseURL, conf.Assist.Model, conf.Assist.Timeout)))
	}
	engine := flow.NewEngine(options...)

	// Start the public API
	svr := rest.NewServer(&engine, store, conf)
	svr.Start()

	var sweeper *flow.SlaSweeper
	if conf.Sweep.Enabled {
		sweeper = flow.NewSlaSweeper(&engine, conf.Sweep.Interval)
		sweeper.Start()
	}

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop, appContext)

	ctxCancel()
	// cleanup
	if sweeper != nil {
		sweeper.Stop()
	}
	svr.Stop(appContext)
	if pgStore != nil {
		pgStore.Close()
	}
	openTelemetry.Stop(appContext)
}

func handleSigterm(appStop chan os.Signal, ctx context.Context) {
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	log.Infof(ctx, "Received %s. Shutting down", sig.String())
}
