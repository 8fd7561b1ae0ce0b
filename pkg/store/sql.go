// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SQLStore is a SQL-based implementation of Store.
// It supports Postgres, MySQL, and SQLite.
//
// Rows carry an absolute expiry in unix milliseconds. Expired rows read as
// absent. A write that finds the sweep interval elapsed starts a purge in
// the background, bounded by its own timeout rather than the caller's.
type SQLStore struct {
	db      *sql.DB
	dialect string
	table   string
	now     func() time.Time

	sweepInterval time.Duration
	sweepTimeout  time.Duration
	sweepMu       sync.Mutex
	lastSweep     time.Time
	sweeping      bool
	sweeps        sync.WaitGroup
}

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLClock overrides time.Now.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		s.now = now
	}
}

// WithSQLSweepInterval sets how often writes purge expired rows.
func WithSQLSweepInterval(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		s.sweepInterval = d
	}
}

// WithSQLSweepTimeout bounds each background purge. Default: 30s
func WithSQLSweepTimeout(d time.Duration) SQLOption {
	return func(s *SQLStore) {
		if d > 0 {
			s.sweepTimeout = d
		}
	}
}

// NewSQLStore creates the table if needed and returns a store.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(ctx context.Context, db *sql.DB, dialect, table string, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: database connection is required")
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q (supported: postgres, mysql, sqlite)", dialect)
	}
	if table == "" {
		table = "quota_entries"
	}

	s := &SQLStore{
		db:            db,
		dialect:       dialect,
		table:         table,
		now:           time.Now,
		sweepInterval: 5 * time.Minute,
		sweepTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep = s.now()

	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case "mysql":
		stmts = []string{fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    entry_key VARCHAR(255) NOT NULL PRIMARY KEY,
    entry_value TEXT NOT NULL,
    expires_at BIGINT NOT NULL,
    INDEX idx_%s_expires_at (expires_at)
)`, s.table, s.table)}
	default:
		stmts = []string{
			fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    entry_key VARCHAR(255) NOT NULL PRIMARY KEY,
    entry_value TEXT NOT NULL,
    expires_at BIGINT NOT NULL
)`, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires_at ON %s(expires_at)`, s.table, s.table),
		}
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) expiresAt(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		// No expiry: far future.
		return now.AddDate(100, 0, 0).UnixMilli()
	}
	return now.Add(ttl).UnixMilli()
}

// IncrWithTTL upserts the counter row. An expired row restarts at 1.
func (s *SQLStore) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	s.maybeSweep(now)
	exp := s.expiresAt(now, ttl)
	nowMs := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	switch s.dialect {
	case "mysql":
		upsert := fmt.Sprintf(`
INSERT INTO %s (entry_key, entry_value, expires_at) VALUES (?, '1', ?)
ON DUPLICATE KEY UPDATE
    entry_value = IF(expires_at <= ?, '1', CAST(CAST(entry_value AS SIGNED) + 1 AS CHAR)),
    expires_at = VALUES(expires_at)`, s.table)
		if _, err := tx.ExecContext(ctx, upsert, key, exp, nowMs); err != nil {
			return 0, fmt.Errorf("store: incr %s: %w", key, err)
		}
		query := fmt.Sprintf(`SELECT entry_value FROM %s WHERE entry_key = ?`, s.table)
		if err := tx.QueryRowContext(ctx, query, key).Scan(&raw); err != nil {
			return 0, fmt.Errorf("store: incr %s: %w", key, err)
		}
	default:
		upsert := s.rebind(fmt.Sprintf(`
INSERT INTO %[1]s (entry_key, entry_value, expires_at) VALUES (?, '1', ?)
ON CONFLICT (entry_key) DO UPDATE SET
    entry_value = CASE WHEN %[1]s.expires_at <= ? THEN '1'
                  ELSE CAST(CAST(%[1]s.entry_value AS BIGINT) + 1 AS TEXT) END,
    expires_at = excluded.expires_at
RETURNING entry_value`, s.table))
		if err := tx.QueryRowContext(ctx, upsert, key, exp, nowMs).Scan(&raw); err != nil {
			return 0, fmt.Errorf("store: incr %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	return n, nil
}

// Get returns the value at key.
func (s *SQLStore) Get(ctx context.Context, key string) (string, error) {
	query := s.rebind(fmt.Sprintf(`SELECT entry_value FROM %s WHERE entry_key = ? AND expires_at > ?`, s.table))

	var value string
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: get %s: %w", key, err)
	}
	return value, nil
}

// SetWithTTL upserts value at key.
func (s *SQLStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now()
	s.maybeSweep(now)

	var query string
	if s.dialect == "mysql" {
		query = fmt.Sprintf(`
INSERT INTO %s (entry_key, entry_value, expires_at) VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE entry_value = VALUES(entry_value), expires_at = VALUES(expires_at)`, s.table)
	} else {
		query = s.rebind(fmt.Sprintf(`
INSERT INTO %s (entry_key, entry_value, expires_at) VALUES (?, ?, ?)
ON CONFLICT (entry_key) DO UPDATE SET entry_value = excluded.entry_value, expires_at = excluded.expires_at`, s.table))
	}

	if _, err := s.db.ExecContext(ctx, query, key, value, s.expiresAt(now, ttl)); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys and returns how many live rows were removed.
func (s *SQLStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE entry_key IN (%s) AND expires_at > ?`, s.table, placeholders))

	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, k)
	}
	args = append(args, s.now().UnixMilli())

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete: %w", err)
	}
	return n, nil
}

var likeEscaper = strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)

// Keys returns live keys starting with prefix.
func (s *SQLStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	query := s.rebind(fmt.Sprintf(
		`SELECT entry_key FROM %s WHERE entry_key LIKE ? ESCAPE '!' AND expires_at > ? ORDER BY entry_key`, s.table))

	rows, err := s.db.QueryContext(ctx, query, likeEscaper.Replace(prefix)+"%", s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("store: keys: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteExpired purges rows whose expiry has passed.
func (s *SQLStore) DeleteExpired(ctx context.Context) (int64, error) {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.table))
	res, err := s.db.ExecContext(ctx, query, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// maybeSweep starts a background purge when one is due and none is
// running.
func (s *SQLStore) maybeSweep(now time.Time) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweeping || now.Sub(s.lastSweep) < s.sweepInterval {
		return
	}
	s.lastSweep = now
	s.sweeping = true

	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.sweepTimeout)
		defer cancel()
		_, _ = s.DeleteExpired(ctx)

		s.sweepMu.Lock()
		s.sweeping = false
		s.sweepMu.Unlock()
	}()
}

// Close waits for a running purge. The connection pool is owned by
// DBPool.
func (s *SQLStore) Close() error {
	s.sweeps.Wait()
	return nil
}

var (
	_ Store   = (*SQLStore)(nil)
	_ Scanner = (*SQLStore)(nil)
)
