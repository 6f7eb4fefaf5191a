// Package testutils provides database and network test utilities for the
// sync and agent services.
package testutils

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx" // PGX driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16"

	dbUser     = "postgres"
	dbPassword = "postgres"
	dbName     = "fastlane_test"
)

// PostgresContainer is a throwaway PostgreSQL instance for integration tests.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string

	User     string
	Password string
	Name     string
	Host     string
	Port     string
}

// StartPostgresContainer starts a PostgreSQL container and returns its
// connection details.
func StartPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping PostgreSQL container test on non-Linux OS")
	}

	ctx := t.Context()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        postgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     dbUser,
				"POSTGRES_PASSWORD": dbPassword,
				"POSTGRES_DB":       dbName,
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err, "Setup: failed to start PostgreSQL container")

	host, err := container.Host(ctx)
	require.NoError(t, err, "Setup: failed to get container host")
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err, "Setup: failed to get mapped port")

	return &PostgresContainer{
		Container: container,
		DSN: fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			dbUser, dbPassword, host, port.Port(), dbName),

		User:     dbUser,
		Password: dbPassword,
		Name:     dbName,
		Host:     host,
		Port:     port.Port(),
	}
}

// Stop terminates the PostgreSQL container.
func (pc *PostgresContainer) Stop(ctx context.Context) error {
	return pc.Container.Terminate(ctx)
}

// IsReady blocks until the database accepts connections, trying at most
// attempts times with each attempt bounded by timeout.
func (pc PostgresContainer) IsReady(t *testing.T, timeout time.Duration, attempts int) error {
	t.Helper()

	config, err := pgx.ParseConfig(pc.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse DSN: %w", err)
	}

	for i := range attempts {
		ctx, cancel := context.WithTimeout(t.Context(), timeout)
		conn, err := pgx.ConnectConfig(ctx, config)
		cancel()

		if err != nil {
			t.Logf("Attempt %d: failed to connect to database: %v", i+1, err)
			time.Sleep(1 * time.Second)
			continue
		}

		ctx, cancel = context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		return conn.Close(ctx)
	}

	return fmt.Errorf("database did not become ready after %d attempts: %v", attempts, err)
}

// ApplyMigrations runs all migration scripts from migrationsDir against the
// database behind dsn.
func ApplyMigrations(t *testing.T, dsn string, migrationsDir string) {
	t.Helper()

	// golang-migrate selects its driver from the URL scheme.
	pgxDSN := "pgx://" + strings.TrimPrefix(dsn, "postgres://")

	m, err := migrate.New("file://"+migrationsDir, pgxDSN)
	require.NoError(t, err, "Setup: failed to create migration instance")
	if err := m.Up(); err != nil {
		require.ErrorIs(t, err, migrate.ErrNoChange, "Setup: failed to apply migrations")
	}
}

// DBListTables returns the base tables in the public schema, minus any in
// the blacklist.
func DBListTables(t *testing.T, dsn string, blacklist ...string) []string {
	t.Helper()

	skip := make(map[string]bool, len(blacklist))
	for _, table := range blacklist {
		skip[table] = true
	}

	conn, err := pgx.Connect(t.Context(), dsn)
	require.NoError(t, err, "failed to connect to the database")
	defer func() {
		require.NoError(t, conn.Close(t.Context()), "failed to close the database connection")
	}()

	rows, err := conn.Query(t.Context(), `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public'
		  AND table_type = 'BASE TABLE';`)
	require.NoError(t, err, "failed to list tables")

	var tables []string
	for rows.Next() {
		var tableName string
		require.NoError(t, rows.Scan(&tableName), "failed to scan table name")
		if !skip[tableName] {
			tables = append(tables, tableName)
		}
	}
	require.NoError(t, rows.Err(), "failed to iterate over table names")

	return tables
}
