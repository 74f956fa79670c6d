// Package postgres stores the deferred action log in PostgreSQL so several
// interceptor processes can share one queue.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync/atomic"
	"time"

	"cache-intercept/pkg/queue"

	_ "github.com/lib/pq"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	// Table is the action table name (default: deferred_actions)
	Table string `yaml:"table"`
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "offlinecache",
		SSLMode:  "disable",
		Table:    "deferred_actions",
	}
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Log is a queue.Log backed by one PostgreSQL table. Order comes from a
// BIGSERIAL column, so appends from several writers still replay FIFO.
type Log struct {
	db     *sql.DB
	table  string
	closed atomic.Bool
}

// Open connects, verifies the connection and creates the table if needed.
func Open(cfg Config) (*Log, error) {
	if cfg.Table == "" {
		cfg.Table = "deferred_actions"
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", cfg.Table)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: open connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	l := &Log{db: db, table: cfg.Table}
	if err := l.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: init tables: %w", err)
	}
	return l, nil
}

func (l *Log) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS ` + l.table + ` (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			payload BYTEA,
			content_type TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := l.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) check() error {
	if l.closed.Load() {
		return queue.ErrLogClosed
	}
	return nil
}

func (l *Log) Append(ctx context.Context, action queue.Action) error {
	if err := l.check(); err != nil {
		return err
	}
	if action.ID == "" {
		return fmt.Errorf("postgres: action id is required")
	}

	query := `INSERT INTO ` + l.table + ` (id, kind, payload, content_type, enqueued_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := l.db.ExecContext(ctx, query,
		action.ID, string(action.Kind), action.Payload, action.ContentType, action.EnqueuedAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: append %s: %w", action.ID, err)
	}
	return nil
}

func (l *Log) List(ctx context.Context) ([]queue.Action, error) {
	if err := l.check(); err != nil {
		return nil, err
	}

	query := `SELECT id, kind, payload, content_type, enqueued_at FROM ` + l.table + ` ORDER BY seq ASC`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var out []queue.Action
	for rows.Next() {
		var (
			a    queue.Action
			kind string
		)
		if err := rows.Scan(&a.ID, &kind, &a.Payload, &a.ContentType, &a.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		a.Kind = queue.Kind(kind)
		a.EnqueuedAt = a.EnqueuedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	return out, nil
}

func (l *Log) Remove(ctx context.Context, id string) error {
	if err := l.check(); err != nil {
		return err
	}

	res, err := l.db.ExecContext(ctx, `DELETE FROM `+l.table+` WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: remove %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: remove %s: %w", id, err)
	}
	if n == 0 {
		return queue.ErrActionNotFound
	}
	return nil
}

func (l *Log) Len(ctx context.Context) (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}

	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+l.table).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("postgres: len: %w", err)
	}
	return n, nil
}

// Clear deletes every queued action.
func (l *Log) Clear(ctx context.Context) error {
	if err := l.check(); err != nil {
		return err
	}
	_, err := l.db.ExecContext(ctx, `TRUNCATE `+l.table)
	return err
}

// Ping verifies the database is reachable.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}
