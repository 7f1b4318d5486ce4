package testutils

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // PGX driver for golang-migrate
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgUser     = "radar"
	pgPassword = "radar"
	pgDBName   = "telemetry_test"
)

// PostgresContainer is a disposable PostgreSQL server for integration tests.
type PostgresContainer struct {
	// DSN is a postgres:// connection string to the test database.
	DSN string

	host string
	port int
}

// StartPostgresContainer starts an empty PostgreSQL server which is terminated with the test.
//
// The test is skipped off Linux and in short mode.
func StartPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping PostgreSQL container test on non-Linux OS")
	}
	if testing.Short() {
		t.Skip("Skipping PostgreSQL container test in short mode")
	}

	container, err := testcontainers.GenericContainer(t.Context(), testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDBName,
			},
			// The entrypoint restarts the server once after the init scripts ran.
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithDeadline(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err, "Setup: failed to start PostgreSQL container")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Teardown: failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := container.Host(t.Context())
	require.NoError(t, err, "Setup: failed to get container host")
	mapped, err := container.MappedPort(t.Context(), "5432/tcp")
	require.NoError(t, err, "Setup: failed to get mapped port")

	pc := &PostgresContainer{host: host, port: mapped.Int()}
	pc.DSN = pc.Config().URI("postgres")
	return pc
}

// Config returns the connection settings of the test database.
func (pc PostgresContainer) Config() database.Config {
	return database.Config{
		Host:     pc.host,
		Port:     pc.port,
		User:     pgUser,
		Password: pgPassword,
		DBName:   pgDBName,
		SSLMode:  "disable",
	}
}

// Args returns the command line flags pointing a command to the test database.
func (pc PostgresContainer) Args() []string {
	return []string{
		"--db-host", pc.host,
		"--db-port", strconv.Itoa(pc.port),
		"--db-user", pgUser,
		"--db-password", pgPassword,
		"--db-name", pgDBName,
		"--db-sslmode", "disable",
	}
}

// ApplyMigrations brings the database schema to the latest migration of the module.
func ApplyMigrations(t *testing.T, dsn string) {
	t.Helper()

	m, err := migrate.New("file://"+MigrationsDir(), "pgx5://"+strings.TrimPrefix(dsn, "postgres://"))
	require.NoError(t, err, "Setup: failed to create migration instance")
	defer m.Close()

	if err := m.Up(); err != nil {
		require.ErrorIs(t, err, migrate.ErrNoChange, "Setup: failed to apply migrations")
	}
}

// DBListTables returns the sorted base tables of the public schema, without the excluded ones.
func DBListTables(t *testing.T, dsn string, exclude ...string) []string {
	t.Helper()

	if exclude == nil {
		exclude = []string{}
	}

	conn, err := pgx.Connect(t.Context(), dsn)
	require.NoError(t, err, "failed to connect to the database")
	defer conn.Close(context.Background())

	rows, err := conn.Query(t.Context(),
		`SELECT table_name::text FROM information_schema.tables
		WHERE table_schema = 'public' AND table_type = 'BASE TABLE' AND NOT (table_name::text = ANY($1::text[]))
		ORDER BY table_name`, exclude)
	require.NoError(t, err, "failed to list tables")

	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err, "failed to read table names")
	return tables
}

// Count returns the result of a single-value counting query.
func Count(t *testing.T, dsn, query string, args ...any) int {
	t.Helper()

	conn, err := pgx.Connect(t.Context(), dsn)
	require.NoError(t, err, "failed to connect to the database")
	defer conn.Close(context.Background())

	var n int
	require.NoError(t, conn.QueryRow(t.Context(), query, args...).Scan(&n), fmt.Sprintf("failed to run %q", query))
	return n
}
