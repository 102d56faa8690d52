// Command procflow-migrate applies the database migrations and exits. The
// server applies them on start as well; the separate binary exists for
// pipelines that migrate before rolling out.
package main

import (
	"context"
	"os"

	"github.com/nexcrm/procflow/internal/config"
	"github.com/nexcrm/procflow/internal/log"
	"github.com/nexcrm/procflow/internal/postgres"
)

func main() {
	log.Init()
	conf := config.InitConfig()

	if conf.Store.PostgresDSN == "" {
		log.Error("STORE_POSTGRES_DSN is not configured, nothing to migrate")
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := postgres.Connect(ctx, conf.Store.PostgresDSN)
	if err != nil {
		log.Error("Failed to connect to postgres: %s", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Error("Failed to apply migrations: %s", err)
		os.Exit(1)
	}
	log.Info("Migrations applied")
}
