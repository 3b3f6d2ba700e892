// Package session provides a session-scoped result store.
//
// Every pipeline result is stored under (session ID, kind, fingerprint) as
// JSON in a SQL table. SQLite (pure Go) is the default backend; PostgreSQL is
// used when configured. A TTL cache sits in front of the table for reads.
// Results are immutable: storing the same key again replaces the previous
// result as a whole.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/patrickmn/go-cache"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/landview/internal/logger"
)

// ErrNotFound is returned when no result is stored under a key
var ErrNotFound = errors.New("result not found")

// Kind is the type of a stored result
type Kind string

const (
	KindClassification Kind = "classification"
	KindStats          Kind = "stats"
	KindChange         Kind = "change"
	KindSeries         Kind = "series"
	KindExport         Kind = "export"
)

// Driver names accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Record is one stored result
type Record struct {
	SessionID   string          `json:"-"`
	Kind        Kind            `json:"kind"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"result"`
	CreatedAt   int64           `json:"created_at"` // unix milliseconds
}

type row struct {
	SessionID   string `db:"session_id"`
	Kind        string `db:"kind"`
	Fingerprint string `db:"fingerprint"`
	Payload     string `db:"payload"`
	CreatedAt   int64  `db:"created_at"`
}

// Created returns the time the record was stored
func (r Record) Created() time.Time {
	return time.UnixMilli(r.CreatedAt).UTC()
}

// Store persists results per session
type Store struct {
	db    *sqlx.DB
	cache *cache.Cache
	now   func() time.Time
}

// Open connects to driver at dsn and prepares the schema
func Open(driver, dsn string, ttl time.Duration) (*Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one connection keeps ":memory:" databases shared and serializes writers
		db.SetMaxOpenConns(1)
	}

	s, err := New(db, ttl)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and creates the results table if missing
func New(db *sqlx.DB, ttl time.Duration) (*Store, error) {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &Store{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
		now:   time.Now,
	}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS results (
	session_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	PRIMARY KEY (session_id, kind, fingerprint)
)`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func cacheKey(sessionID string, kind Kind, fingerprint string) string {
	return sessionID + "\x00" + string(kind) + "\x00" + fingerprint
}

// Put stores v as JSON under the key, replacing any previous result
func (s *Store) Put(ctx context.Context, sessionID string, kind Kind, fingerprint string, v any) error {
	if sessionID == "" || fingerprint == "" {
		return errors.New("session ID and fingerprint must not be empty")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s result: %w", kind, err)
	}

	query := s.db.Rebind(`
		INSERT INTO results (session_id, kind, fingerprint, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, kind, fingerprint)
		DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`)
	if _, err := s.db.ExecContext(ctx, query, sessionID, string(kind), fingerprint, string(payload), s.now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to store %s result: %w", kind, err)
	}

	s.cache.SetDefault(cacheKey(sessionID, kind, fingerprint), payload)
	return nil
}

// Get decodes the result stored under the key into dst
func (s *Store) Get(ctx context.Context, sessionID string, kind Kind, fingerprint string, dst any) error {
	key := cacheKey(sessionID, kind, fingerprint)
	if cached, ok := s.cache.Get(key); ok {
		return json.Unmarshal(cached.([]byte), dst)
	}

	var payload string
	query := s.db.Rebind(`SELECT payload FROM results WHERE session_id = ? AND kind = ? AND fingerprint = ?`)
	err := s.db.GetContext(ctx, &payload, query, sessionID, string(kind), fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, fingerprint)
	}
	if err != nil {
		return fmt.Errorf("failed to load %s result: %w", kind, err)
	}

	s.cache.SetDefault(key, []byte(payload))
	return json.Unmarshal([]byte(payload), dst)
}

// List returns every record of a session, oldest first
func (s *Store) List(ctx context.Context, sessionID string) ([]Record, error) {
	var rows []row
	query := s.db.Rebind(`
		SELECT session_id, kind, fingerprint, payload, created_at
		FROM results WHERE session_id = ?
		ORDER BY created_at, kind, fingerprint`)
	if err := s.db.SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list session results: %w", err)
	}

	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = Record{
			SessionID:   r.SessionID,
			Kind:        Kind(r.Kind),
			Fingerprint: r.Fingerprint,
			Payload:     json.RawMessage(r.Payload),
			CreatedAt:   r.CreatedAt,
		}
	}
	return records, nil
}

// Reset discards every result of a session and returns how many were removed
func (s *Store) Reset(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM results WHERE session_id = ?`), sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to reset session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reset session: %w", err)
	}

	prefix := sessionID + "\x00"
	for key := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Delete(key)
		}
	}
	logger.Debug("Reset session %s: %d result(s) removed", sessionID, n)
	return n, nil
}
