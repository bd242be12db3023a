package testdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB represents a test database instance
type TestDB struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// NewTestDB starts a PostgreSQL container with all migrations applied
func NewTestDB(ctx context.Context) (*TestDB, error) {
	migrationsDir, err := getMigrationsDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations dir: %w", err)
	}

	initScripts, err := readMigrationFiles(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tally_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.WithInitScripts(initScripts...),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
	}, nil
}

// Reset clears all data and restarts the ledger sequence
func (db *TestDB) Reset(ctx context.Context) error {
	// Truncate tables in reverse dependency order
	tables := []string{
		"saga_log",
		"transfers",
		"wallets",
		"ledger_entries",
		"ledger_transactions",
		"accounts",
		"service_credentials",
	}

	for _, table := range tables {
		_, err := db.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
		if err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}

	if _, err := db.Pool.Exec(ctx, "ALTER SEQUENCE ledger_seq RESTART WITH 1"); err != nil {
		return fmt.Errorf("failed to restart ledger sequence: %w", err)
	}

	return nil
}

// Close closes the connection pool and terminates the container
func (db *TestDB) Close(ctx context.Context) error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	if db.Container != nil {
		return db.Container.Terminate(ctx)
	}
	return nil
}

// getMigrationsDir finds the migrations directory relative to this file
func getMigrationsDir() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get current file path")
	}

	// Navigate from testutil/testdb/postgres.go to migrations/
	baseDir := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	migrationsDir := filepath.Join(baseDir, "migrations")

	if _, err := os.Stat(migrationsDir); os.IsNotExist(err) {
		return "", fmt.Errorf("migrations directory not found: %s", migrationsDir)
	}

	return migrationsDir, nil
}

// readMigrationFiles returns all .sql migrations sorted by filename
func readMigrationFiles(migrationsDir string) ([]string, error) {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var names []string
	for _, file := range files {
		if strings.HasSuffix(file.Name(), ".sql") {
			names = append(names, file.Name())
		}
	}
	sort.Strings(names)

	var scripts []string
	for _, file := range names {
		scripts = append(scripts, filepath.Join(migrationsDir, file))
	}

	return scripts, nil
}
