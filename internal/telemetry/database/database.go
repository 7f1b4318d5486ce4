// Package database provides the PostgreSQL unit of work used by the telemetry service.
// Every operation of the instance registry and the ingest service runs inside a transaction
// obtained from Manager.WithTx, so that a request's writes commit or roll back together.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radar-lgpd/radar-telemetry/internal/telemetry/models"
	"github.com/ubuntu/decorate"
)

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Tx is the set of store operations available inside a transaction.
type Tx interface {
	TokenExists(ctx context.Context, token string) (bool, error)
	InstanceByToken(ctx context.Context, token string) (models.Instance, bool, error)
	CreateInstance(ctx context.Context, inst models.Instance) (models.Instance, error)
	RecordInstanceActivity(ctx context.Context, id int64, seenAt time.Time) (models.Instance, error)
	SetInstanceStatus(ctx context.Context, id int64, status models.InstanceStatus) (bool, error)

	ScanExists(ctx context.Context, scanID string) (bool, error)
	InsertScan(ctx context.Context, instanceID int64, s models.Submission) (scanRowID int64, inserted bool, err error)
	InsertFindings(ctx context.Context, scanRowID int64, findings []models.Finding) error
}

type dbPool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// ErrNotInitialized is returned when the manager has no open pool.
var ErrNotInitialized = errors.New("database not initialized")

// Connect creates a database manager with a PostgreSQL connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (m *Manager, err error) {
	defer decorate.OnError(&err, "could not connect to database %s on %s", cfg.DBName, cfg.Host)

	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// WithTx runs fn inside a single read-committed transaction.
//
// The transaction is committed if fn returns nil and rolled back otherwise, including when
// ctx is canceled while fn runs. A panic in fn rolls back the transaction before propagating.
func (db *Manager) WithTx(ctx context.Context, fn func(Tx) error) (err error) {
	if db.dbpool == nil {
		return ErrNotInitialized
	}

	tx, err := db.dbpool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Rollback on a canceled ctx still releases the connection; use a fresh context for it.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Error("Failed to roll back transaction", "err", rbErr)
		}
	}()

	if err := fn(pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("commit aborted: %w", err)
		}
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
