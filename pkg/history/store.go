// Package history persists cycle reports in a SQL database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindSync  Kind = "sync"
	KindSweep Kind = "sweep"
)

// Record is one finished sync or sweep of one endpoint.
type Record struct {
	ID         int64          `json:"id" yaml:"id"`
	Endpoint   string         `json:"endpoint" yaml:"endpoint"`
	Kind       Kind           `json:"kind" yaml:"kind"`
	StartedAt  time.Time      `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt" yaml:"finishedAt"`
	DryRun     bool           `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	Counters   map[string]int `json:"counters,omitempty" yaml:"counters,omitempty"`
	Summary    string         `json:"summary,omitempty" yaml:"summary,omitempty"`
	Error      string         `json:"error,omitempty" yaml:"error,omitempty"`
}

type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database, verifies the connection and creates the
// history table when missing.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	maxOpen, maxIdle := 10, 5
	if d == dialectSQLite {
		// Every connection to an in-memory database is a separate database.
		maxOpen, maxIdle = 1, 1
	}

	db, err := openDatabase(d.driverName(), dsn, maxOpen, maxIdle)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openDatabase(driver, dsn string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable()); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, r Record) error {
	counters, err := json.Marshal(r.Counters)
	if err != nil {
		return err
	}

	query := s.dialect.rebind(`INSERT INTO cycle_history
		(endpoint, kind, started_at, finished_at, dry_run, counters, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		r.Endpoint,
		string(r.Kind),
		r.StartedAt.UnixMilli(),
		r.FinishedAt.UnixMilli(),
		boolInt(r.DryRun),
		string(counters),
		r.Summary,
		r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save history record: %w", err)
	}
	return nil
}

// List returns the newest records first. An empty endpoint matches all.
func (s *Store) List(ctx context.Context, endpoint string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	var where string
	var args []any
	if endpoint != "" {
		where = " WHERE endpoint = ?"
		args = append(args, endpoint)
	}

	query := s.dialect.rebind(s.dialect.selectRecent(
		"id, endpoint, kind, started_at, finished_at, dry_run, counters, summary, error",
		"cycle_history"+where, "id DESC", limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                 Record
			kind, counters    string
			started, finished int64
			dryRun            int
		)
		if err := rows.Scan(&r.ID, &r.Endpoint, &kind, &started, &finished, &dryRun, &counters, &r.Summary, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		r.Kind = Kind(kind)
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		r.DryRun = dryRun != 0
		if counters != "" && counters != "null" {
			if err := json.Unmarshal([]byte(counters), &r.Counters); err != nil {
				return nil, fmt.Errorf("failed to decode counters of record %d: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
	dialectMySQL
	dialectSQLServer
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return dialectSQLite, nil
	case "postgres", "postgresql":
		return dialectPostgres, nil
	case "mysql", "mariadb":
		return dialectMySQL, nil
	case "sqlserver", "mssql":
		return dialectSQLServer, nil
	default:
		return 0, fmt.Errorf("unsupported history driver %q", driver)
	}
}

func (d dialect) driverName() string {
	switch d {
	case dialectPostgres:
		return "postgres"
	case dialectMySQL:
		return "mysql"
	case dialectSQLServer:
		return "sqlserver"
	default:
		return "sqlite"
	}
}

// rebind rewrites ? placeholders into the driver's native form.
func (d dialect) rebind(query string) string {
	var prefix string
	switch d {
	case dialectPostgres:
		prefix = "$"
	case dialectSQLServer:
		prefix = "@p"
	default:
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r != '?' {
			b.WriteRune(r)
			continue
		}
		n++
		b.WriteString(prefix)
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (d dialect) selectRecent(columns, from, order string, limit int) string {
	if d == dialectSQLServer {
		return fmt.Sprintf("SELECT TOP %d %s FROM %s ORDER BY %s", limit, columns, from, order)
	}
	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT %d", columns, from, order, limit)
}

func (d dialect) createTable() string {
	const columns = `
		endpoint %[1]s NOT NULL,
		kind %[2]s NOT NULL,
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		counters %[3]s NOT NULL,
		summary %[3]s NOT NULL,
		error %[3]s NOT NULL`

	switch d {
	case dialectPostgres:
		return "CREATE TABLE IF NOT EXISTS cycle_history (id BIGSERIAL PRIMARY KEY," +
			fmt.Sprintf(columns, "VARCHAR(255)", "VARCHAR(16)", "TEXT") + ")"
	case dialectMySQL:
		return "CREATE TABLE IF NOT EXISTS cycle_history (id BIGINT AUTO_INCREMENT PRIMARY KEY," +
			fmt.Sprintf(columns, "VARCHAR(255)", "VARCHAR(16)", "TEXT") + ")"
	case dialectSQLServer:
		return "IF OBJECT_ID('cycle_history', 'U') IS NULL CREATE TABLE cycle_history (id BIGINT IDENTITY(1,1) PRIMARY KEY," +
			fmt.Sprintf(columns, "NVARCHAR(255)", "NVARCHAR(16)", "NVARCHAR(MAX)") + ")"
	default:
		return "CREATE TABLE IF NOT EXISTS cycle_history (id INTEGER PRIMARY KEY AUTOINCREMENT," +
			fmt.Sprintf(columns, "TEXT", "TEXT", "TEXT") + ")"
	}
}
