package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS components (
		serial          INTEGER PRIMARY KEY,
		uid             TEXT NOT NULL,
		signed          INTEGER NOT NULL DEFAULT 0,
		key_size_bits   INTEGER NOT NULL DEFAULT 0,
		token_id        TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		deregistered_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS components_uid ON components (uid)`,
}

const componentColumns = `serial, uid, signed, key_size_bits, token_id, created_at, deregistered_at`

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) RecordComponent(ctx context.Context, c *ComponentRow) error {
	var deregistered sql.NullString
	if c.DeregisteredAt != nil {
		deregistered = sql.NullString{String: c.DeregisteredAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO components (`+componentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		int64(c.Serial), c.UID, c.Signed, c.KeySizeBits, c.TokenID,
		c.CreatedAt.UTC().Format(time.RFC3339Nano), deregistered)
	return err
}

func (s *SQLiteStore) MarkDeregistered(ctx context.Context, serial uint64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE components SET deregistered_at = ? WHERE serial = ? AND deregistered_at IS NULL`,
		at.UTC().Format(time.RFC3339Nano), int64(serial))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("component %d not active in ledger", serial)
	}
	return nil
}

func (s *SQLiteStore) IsRetired(ctx context.Context, uid string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM components WHERE uid = ? AND deregistered_at IS NOT NULL`, uid).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetComponent(ctx context.Context, serial uint64) (*ComponentRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+componentColumns+` FROM components WHERE serial = ?`, int64(serial))
	c, err := scanComponent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *SQLiteStore) ListComponents(ctx context.Context) ([]*ComponentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+componentColumns+` FROM components ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*ComponentRow
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MaxSerial(ctx context.Context) (uint64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(serial) FROM components`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n.Int64), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanComponent(sc scanner) (*ComponentRow, error) {
	var c ComponentRow
	var serial int64
	var created string
	var deregistered sql.NullString
	if err := sc.Scan(&serial, &c.UID, &c.Signed, &c.KeySizeBits, &c.TokenID, &created, &deregistered); err != nil {
		return nil, err
	}
	c.Serial = uint64(serial)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if deregistered.Valid {
		t, _ := time.Parse(time.RFC3339Nano, deregistered.String)
		c.DeregisteredAt = &t
	}
	return &c, nil
}
