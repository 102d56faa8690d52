package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/nexcrm/procflow/pkg/storage/storagetest"
)

// TestPostgresStorage runs the shared storage conformance suite against a
// real database. Point TEST_POSTGRES_DSN at a disposable instance to enable
// it.
func TestPostgresStorage(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}
	ctx := context.Background()

	store, err := Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to connect: %s", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %s", err)
	}

	tester := storagetest.StorageTester{}
	tests := tester.GetTests()
	tester.PrepareTestData(store, t)
	for name, testFunc := range tests {
		t.Run(name, testFunc(store, t))
	}
}
