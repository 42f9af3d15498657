package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"idremap/internal/identity"
	"idremap/internal/security"
)

// DefaultBusyTimeout is used when SQLiteOptions.BusyTimeout is zero.
const DefaultBusyTimeout = 5 * time.Second

// SQLiteOptions tunes the sqlite backend.
type SQLiteOptions struct {
	BusyTimeout time.Duration
}

// SQLiteBackend stores sealed substitute values in a sqlite database.
type SQLiteBackend struct {
	db     *sql.DB
	path   string
	sealer *sealer
	now    func() time.Time
}

// OpenSQLite opens or creates the database at path. Values are sealed with
// keys derived from secret.
func OpenSQLite(path string, secret *Secret, opts SQLiteOptions) (*SQLiteBackend, error) {
	sl, err := newSealer(secret)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, security.PermSecretDir); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	timeout := opts.BusyTimeout
	if timeout <= 0 {
		timeout = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d", path, timeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; the Store serializes above this anyway.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if err := os.Chmod(path, security.PermSecretFile); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &SQLiteBackend{db: db, path: path, sealer: sl, now: time.Now}, nil
}

// Path returns the database file path.
func (b *SQLiteBackend) Path() string { return b.path }

func (b *SQLiteBackend) Load(ctx context.Context) (*identity.Substitute, error) {
	var (
		generation uint64
		check      []byte
	)
	err := b.db.QueryRowContext(ctx, `SELECT generation, key_check FROM install WHERE id = 1`).Scan(&generation, &check)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read install: %w", err)
	}
	if !b.sealer.matches(check) {
		return nil, ErrSealed
	}

	rows, err := b.db.QueryContext(ctx, `SELECT kind, sealed FROM substitutes ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("query substitutes: %w", err)
	}
	defer rows.Close()

	values := make(map[identity.Kind]string)
	for rows.Next() {
		var (
			kind   string
			sealed []byte
		)
		if err := rows.Scan(&kind, &sealed); err != nil {
			return nil, fmt.Errorf("scan substitute: %w", err)
		}
		k := identity.Kind(kind)
		v, err := b.sealer.open(k, sealed)
		if err != nil {
			return nil, err
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate substitutes: %w", err)
	}
	return identity.NewSubstitute(generation, values), nil
}

func (b *SQLiteBackend) Save(ctx context.Context, s *identity.Substitute) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT generation FROM install WHERE id = 1`).Scan(&prev); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read install: %w", err)
	}

	now := b.now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO install (id, generation, key_check, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET generation = excluded.generation,
			key_check = excluded.key_check, updated_at = excluded.updated_at`,
		s.Generation(), b.sealer.keyCheck, now, now,
	); err != nil {
		return fmt.Errorf("write install: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM substitutes`); err != nil {
		return fmt.Errorf("clear substitutes: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO substitutes (kind, sealed) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, k := range s.Kinds() {
		v, _ := s.Get(k)
		sealed, err := b.sealer.seal(k, v)
		if err != nil {
			return fmt.Errorf("seal %s: %w", k, err)
		}
		if _, err := stmt.ExecContext(ctx, string(k), sealed); err != nil {
			return fmt.Errorf("insert %s: %w", k, err)
		}
	}

	if prev.Valid && uint64(prev.Int64) < s.Generation() {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO rotations (generation, rotated_at) VALUES (?, ?)`,
			s.Generation(), now,
		); err != nil {
			return fmt.Errorf("record rotation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{`DELETE FROM substitutes`, `DELETE FROM install`, `DELETE FROM rotations`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return tx.Commit()
}

// Rotation is one recorded regeneration.
type Rotation struct {
	Generation uint64
	RotatedAt  time.Time
}

// Rotations lists recorded regenerations, oldest first.
func (b *SQLiteBackend) Rotations(ctx context.Context) ([]Rotation, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT generation, rotated_at FROM rotations ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("query rotations: %w", err)
	}
	defer rows.Close()

	var out []Rotation
	for rows.Next() {
		var (
			r  Rotation
			ns int64
		)
		if err := rows.Scan(&r.Generation, &ns); err != nil {
			return nil, fmt.Errorf("scan rotation: %w", err)
		}
		r.RotatedAt = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}
