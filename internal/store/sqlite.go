package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// withPragmas adds the WAL and busy-timeout pragmas to dsn. They go in the
// DSN because the driver applies DSN pragmas to every pooled connection.
func withPragmas(dsn string) string {
	if dsn == ":memory:" || strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS models (
			name TEXT PRIMARY KEY,
			license TEXT NOT NULL,
			context_window INTEGER NOT NULL DEFAULT 0,
			cost REAL,
			performance REAL,
			latency REAL,
			input_cost_raw REAL NOT NULL DEFAULT 0,
			output_cost_raw REAL NOT NULL DEFAULT 0,
			io_ratio REAL NOT NULL DEFAULT 3.0,
			math_score REAL,
			coding_score REAL,
			gk_score REAL,
			top_p REAL NOT NULL DEFAULT 1.0,
			temperature REAL NOT NULL DEFAULT 0.7,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bandit_stats (
			user_id TEXT NOT NULL,
			model_name TEXT NOT NULL,
			domain_label TEXT NOT NULL,
			cumulative_reward REAL NOT NULL DEFAULT 0,
			count INTEGER NOT NULL DEFAULT 0,
			sum_rewards_squared REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, model_name, domain_label)
		)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL,
			output TEXT NOT NULL DEFAULT '',
			model_name TEXT NOT NULL,
			provider TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			bandit_choice TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms REAL NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			cost_priority INTEGER NOT NULL DEFAULT 0,
			accuracy_priority INTEGER NOT NULL DEFAULT 0,
			latency_priority INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_model ON usage_logs(model_name)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			user_id TEXT PRIMARY KEY,
			balance REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			key_hash TEXT NOT NULL,
			key_prefix TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_used_at TEXT,
			expires_at TEXT,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Catalog

const modelColumns = `name, license, context_window, cost, performance, latency,
	input_cost_raw, output_cost_raw, io_ratio, math_score, coding_score, gk_score,
	top_p, temperature, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(sc rowScanner) (ModelRecord, error) {
	var m ModelRecord
	var cost, perf, lat, mathS, codingS, gkS sql.NullFloat64
	var updatedAt string
	err := sc.Scan(&m.Name, &m.License, &m.ContextWindow, &cost, &perf, &lat,
		&m.InputCostRaw, &m.OutputCostRaw, &m.IORatio, &mathS, &codingS, &gkS,
		&m.TopP, &m.Temperature, &updatedAt)
	if err != nil {
		return m, err
	}
	m.Cost = fromNull(cost)
	m.Performance = fromNull(perf)
	m.Latency = fromNull(lat)
	m.MathScore = fromNull(mathS)
	m.CodingScore = fromNull(codingS)
	m.GKScore = fromNull(gkS)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return m, nil
}

// ListModels returns the catalog in insertion order. Ranking ties are broken
// by this order, so it must be stable across calls.
func (s *SQLiteStore) ListModels(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []ModelRecord
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, name string) (*ModelRecord, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m ModelRecord) error {
	if m.IORatio == 0 {
		m.IORatio = 3.0
	}
	if m.TopP == 0 {
		m.TopP = 1.0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO models (`+modelColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   license=excluded.license,
		   context_window=excluded.context_window,
		   cost=excluded.cost,
		   performance=excluded.performance,
		   latency=excluded.latency,
		   input_cost_raw=excluded.input_cost_raw,
		   output_cost_raw=excluded.output_cost_raw,
		   io_ratio=excluded.io_ratio,
		   math_score=excluded.math_score,
		   coding_score=excluded.coding_score,
		   gk_score=excluded.gk_score,
		   top_p=excluded.top_p,
		   temperature=excluded.temperature,
		   updated_at=excluded.updated_at`,
		m.Name, m.License, m.ContextWindow, toNull(m.Cost), toNull(m.Performance), toNull(m.Latency),
		m.InputCostRaw, m.OutputCostRaw, m.IORatio, toNull(m.MathScore), toNull(m.CodingScore), toNull(m.GKScore),
		m.TopP, m.Temperature, now())
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE name = ?`, name)
	return err
}

// API Keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, user_id, name, created_at, last_used_at, expires_at, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, key.UserID, key.Name,
		key.CreatedAt.UTC().Format(time.RFC3339), timeToNull(key.LastUsedAt), timeToNull(key.ExpiresAt),
		boolToInt(key.Enabled))
	return err
}

const apiKeyColumns = `id, key_hash, key_prefix, user_id, name, created_at, last_used_at, expires_at, enabled`

func scanAPIKey(sc rowScanner) (APIKeyRecord, error) {
	var k APIKeyRecord
	var createdAt string
	var lastUsed, expires sql.NullString
	var enabledInt int
	if err := sc.Scan(&k.ID, &k.KeyHash, &k.KeyPrefix, &k.UserID, &k.Name,
		&createdAt, &lastUsed, &expires, &enabledInt); err != nil {
		return k, err
	}
	k.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if lastUsed.Valid {
		t, _ := time.Parse(time.RFC3339, lastUsed.String)
		k.LastUsedAt = &t
	}
	if expires.Valid {
		t, _ := time.Parse(time.RFC3339, expires.String)
		k.ExpiresAt = &t
	}
	k.Enabled = enabledInt != 0
	return k, nil
}

func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []APIKeyRecord
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) UpdateAPIKey(ctx context.Context, key APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET key_hash=?, key_prefix=?, user_id=?, name=?, last_used_at=?, expires_at=?, enabled=?
		 WHERE id=?`,
		key.KeyHash, key.KeyPrefix, key.UserID, key.Name,
		timeToNull(key.LastUsedAt), timeToNull(key.ExpiresAt), boolToInt(key.Enabled), key.ID)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var clock = time.Now

func now() string {
	return formatTime(clock())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func toNull(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func timeToNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
