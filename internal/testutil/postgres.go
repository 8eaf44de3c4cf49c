// Package testutil holds helpers shared by the lobby's integration tests: a
// PostgreSQL server in a container and a WebSocket test client.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
)

const (
	pgUser     = "test"
	pgPassword = "test"
	pgImage    = "postgres:16-alpine"
)

// One container serves every test in a binary; the testcontainers reaper
// removes it when the binary exits.
var (
	pgOnce   sync.Once
	pgBase   config.DatabaseConfig
	pgErr    error
	dbSerial atomic.Int64
)

// Database is an empty PostgreSQL database owned by one test.
type Database struct {
	Pool    *postgres.Pool
	RawPool *pgxpool.Pool
	Config  config.DatabaseConfig
}

// DSN returns the connection string for the test database.
func (d *Database) DSN() string {
	return d.Config.DSN()
}

func startServer() (config.DatabaseConfig, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        pgImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       "postgres",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("starting postgres container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("getting container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return config.DatabaseConfig{}, fmt.Errorf("getting mapped port: %w", err)
	}
	return config.DatabaseConfig{
		Enabled:         true,
		Host:            host,
		Port:            port.Int(),
		User:            pgUser,
		Password:        pgPassword,
		Name:            "postgres",
		SSLMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
	}, nil
}

// NewDatabase creates a fresh database on the shared container and returns a
// connected pool. The database is dropped when the test ends.
//
// Precondition: Docker must be available. Skipped under -short.
func NewDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}
	start := time.Now()
	pgOnce.Do(func() { pgBase, pgErr = startServer() })
	if pgErr != nil {
		t.Fatalf("%v", pgErr)
	}

	ctx := context.Background()
	name := fmt.Sprintf("lobby_test_%d_%d", os.Getpid(), dbSerial.Add(1))
	if err := adminExec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		t.Fatalf("creating database %s: %v", name, err)
	}

	cfg := pgBase
	cfg.Name = name
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("connecting to %s: %v", name, err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := adminExec(context.Background(), "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
			t.Logf("dropping database %s: %v", name, err)
		}
	})
	t.Logf("test database %s ready [%s]", name, time.Since(start))
	return &Database{Pool: pool, RawPool: pool.DB(), Config: cfg}
}

func adminExec(ctx context.Context, sql string) error {
	conn, err := pgx.Connect(ctx, pgBase.DSN())
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

// ApplyMigrations migrates the database to the latest schema version.
func (d *Database) ApplyMigrations(t *testing.T) {
	t.Helper()
	res, err := postgres.Migrate(d.DSN(), MigrationsDir(t), postgres.Up, 0)
	if err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	t.Logf("migrations applied version=%d", res.Version)
}

// NewPool returns the raw pool of a freshly migrated test database.
func NewPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	db := NewDatabase(t)
	db.ApplyMigrations(t)
	return db.RawPool
}

// MigrationsDir locates the migrations directory at the module root.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getting working directory: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return filepath.Join(dir, "migrations")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("module root not found")
		}
		dir = parent
	}
}
