package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/medflow/stockflow-backend/pkg/database"
	"github.com/medflow/stockflow-backend/pkg/logger"
)

var (
	// Global test container (shared across all integration tests)
	globalContainer *PostgresContainer
	containerOnce   sync.Once
	containerErr    error
)

// IntegrationSuite provides a migrated PostgreSQL database for integration tests.
//
// Usage:
//
//	var suite *testutil.IntegrationSuite
//
//	func TestMain(m *testing.M) {
//	    ctx := context.Background()
//	    s, err := testutil.NewIntegrationSuite(ctx)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    suite = s
//	    code := m.Run()
//	    testutil.TerminateContainer(ctx)
//	    os.Exit(code)
//	}
type IntegrationSuite struct {
	Container *PostgresContainer
	DB        *database.DB
	Logger    *logger.Logger
}

// NewIntegrationSuite starts (or reuses) the shared container and applies migrations
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	containerOnce.Do(func() {
		globalContainer, containerErr = NewPostgresContainer(ctx, DefaultPostgresConfig())
	})
	if containerErr != nil {
		return nil, containerErr
	}

	log := logger.Nop()
	db, err := database.NewWithDSN(globalContainer.DSN, log)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate test database: %w", err)
	}

	return &IntegrationSuite{
		Container: globalContainer,
		DB:        db,
		Logger:    log,
	}, nil
}

// Reset truncates all stock tables so each test starts empty
func (s *IntegrationSuite) Reset(t *testing.T) {
	t.Helper()
	_, err := s.DB.Exec(`
		TRUNCATE abc_snapshots, stock_balances, stock_operations, stock_item_barcodes, stock_items;
		ALTER SEQUENCE stock_operation_seq RESTART WITH 1;
	`)
	if err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalContainer != nil {
		globalContainer.Terminate(ctx)
	}
}
