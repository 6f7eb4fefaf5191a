// Package store provides the PostgreSQL data store accessor used by the sync
// engine and the agent API. It handles the connection pool and exposes
// upserts keyed by natural key, sync run bookkeeping, and the dashboard read
// and write paths.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zhukan/fastlane-agent/internal/fieldmap"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool

	// pool is the concrete pool, kept for session-scoped operations
	// (advisory locks). Nil when the pool is overridden in tests.
	pool *pgxpool.Pool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a database manager with a PostgreSQL connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	var pool *pgxpool.Pool
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			p, err := pgxpool.New(ctx, dsn)
			if err != nil {
				return nil, err
			}
			pool = p
			return p, nil
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
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool, pool: pool}, nil
}

// UpsertStats reports the outcome of a batch upsert.
type UpsertStats struct {
	Inserted int
	Updated  int
	Failed   int
}

// Upsert reconciles the mapped records into the given table, keyed by keyColumn.
//
// A record with no matching row inserts a new one. A record matching an
// existing row mutates it only when a mapped field value actually changed,
// refreshing synced_from_hap_at; identical records leave the row untouched and
// count as neither insert nor update. A record the database rejects is logged
// and skipped rather than aborting the batch: one bad record must not block
// the rest.
func (db Manager) Upsert(ctx context.Context, table, keyColumn string, records []fieldmap.Record) (UpsertStats, error) {
	if db.dbpool == nil {
		return UpsertStats{}, errors.New("database not initialized")
	}

	var stats UpsertStats
	for _, record := range records {
		key, ok := record[keyColumn].(string)
		if !ok || key == "" {
			slog.Warn("Skipping record without a natural key", "table", table, "key_column", keyColumn)
			stats.Failed++
			continue
		}

		outcome, err := db.upsertOne(ctx, table, keyColumn, record)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return stats, fmt.Errorf("upsert canceled: %v", err)
			}
			slog.Warn("Failed to upsert record", "table", table, "key", key, "err", err)
			stats.Failed++
			continue
		}

		switch outcome {
		case upsertInserted:
			stats.Inserted++
		case upsertUpdated:
			stats.Updated++
		}
	}

	return stats, nil
}

type upsertOutcome int

const (
	upsertUnchanged upsertOutcome = iota
	upsertInserted
	upsertUpdated
)

func (db Manager) upsertOne(ctx context.Context, table, keyColumn string, record fieldmap.Record) (upsertOutcome, error) {
	columns := make([]string, 0, len(record))
	for column := range record {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	columnList := make([]string, 0, len(columns)+1)
	placeholders := make([]string, 0, len(columns)+1)
	updates := make([]string, 0, len(columns))
	current := make([]string, 0, len(columns))
	incoming := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for i, column := range columns {
		sanitized := pgx.Identifier{column}.Sanitize()
		columnList = append(columnList, sanitized)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if column != keyColumn {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", sanitized, sanitized))
			current = append(current, "t."+sanitized)
			incoming = append(incoming, "EXCLUDED."+sanitized)
		}
		args = append(args, normalizeValue(record[column]))
	}
	columnList = append(columnList, "synced_from_hap_at")
	placeholders = append(placeholders, "now()")
	updates = append(updates, "synced_from_hap_at = now()")

	// The conflict action is guarded so rows whose mapped values are all
	// identical are not rewritten. Such conflicts return no row at all,
	// which is how unchanged is told apart from inserted and updated.
	conflictAction := "DO NOTHING"
	if len(current) > 0 {
		conflictAction = fmt.Sprintf("DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(updates, ", "),
			strings.Join(current, ", "),
			strings.Join(incoming, ", "))
	}

	query := fmt.Sprintf(
		`INSERT INTO %s AS t (%s) VALUES (%s)
		ON CONFLICT (%s) %s
		RETURNING (xmax = 0)`,
		pgx.Identifier{table}.Sanitize(),
		strings.Join(columnList, ", "),
		strings.Join(placeholders, ", "),
		pgx.Identifier{keyColumn}.Sanitize(),
		conflictAction,
	)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var inserted bool
	err := db.dbpool.QueryRow(ctx, query, args...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return upsertUnchanged, nil
	}
	if err != nil {
		return upsertUnchanged, err
	}
	if inserted {
		return upsertInserted, nil
	}
	return upsertUpdated, nil
}

// normalizeValue flattens decoded worksheet values into database-storable
// shapes. Multi-select slices and nested objects are stored as JSON text.
func normalizeValue(v any) any {
	switch v.(type) {
	case []any, map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return v
	}
}

// Count returns the number of rows in table matching the optional where clause.
func (db Manager) Count(ctx context.Context, table, where string, args ...any) (int64, error) {
	if db.dbpool == nil {
		return 0, errors.New("database not initialized")
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", pgx.Identifier{table}.Sanitize())
	if where != "" {
		query += " WHERE " + where
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var count int64
	if err := db.dbpool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %v", table, err)
	}
	return count, nil
}

// UpdateAccountProductCounts recomputes the denormalized per-account product
// count from the synced apps. It must run after the apps table has been fully
// reconciled, since it groups over synced child records.
func (db Manager) UpdateAccountProductCounts(ctx context.Context) (int64, error) {
	if db.dbpool == nil {
		return 0, errors.New("database not initialized")
	}

	const query = `
		UPDATE accounts a
		SET product_count = c.cnt
		FROM (
			SELECT account_email, COUNT(*) AS cnt
			FROM apps
			WHERE account_email IS NOT NULL AND account_email <> ''
			GROUP BY account_email
		) c
		WHERE a.account_email = c.account_email`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to update account product counts: %v", err)
	}
	return tag.RowsAffected(), nil
}

// AcquireLock takes the named advisory lock without blocking.
//
// Returns ok=false when another session holds the lock. On success the
// returned release function must be called to free the lock and its
// underlying connection.
func (db Manager) AcquireLock(ctx context.Context, key string) (release func(), ok bool, err error) {
	if db.pool == nil {
		return nil, false, errors.New("advisory locks require a live connection pool")
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for lock: %v", err)
	}

	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take advisory lock: %v", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		// Use a fresh context: the caller's may already be canceled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock(hashtext($1))", key); err != nil {
			slog.Warn("Failed to release advisory lock", "key", key, "err", err)
		}
		conn.Release()
	}
	return release, true, nil
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
		db.pool = nil
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
