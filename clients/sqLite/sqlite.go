package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
)

const schema = `
CREATE TABLE IF NOT EXISTS entitlements (
	subject_id  INTEGER NOT NULL,
	resource_id TEXT    NOT NULL,
	kind        TEXT    NOT NULL,
	expires_at  INTEGER,
	granted_at  INTEGER NOT NULL,
	PRIMARY KEY (subject_id, resource_id)
);
CREATE INDEX IF NOT EXISTS entitlements_expires_at ON entitlements (expires_at);
`

// Store keeps entitlements in a SQLite database. Times are unix nanoseconds,
// a NULL expires_at means forever.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, entitlement.Unavailable("open sqlite", err)
	}
	// one writer keeps SQLITE_BUSY out of the picture
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, entitlement.Unavailable("create schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, subjectID int64, resourceID string) (*entitlement.Entitlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT subject_id, resource_id, kind, expires_at, granted_at FROM entitlements WHERE subject_id = ? AND resource_id = ?`,
		subjectID, resourceID)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, entitlement.Unavailable("get", err)
	}
	return &e, nil
}

func (s *Store) Put(ctx context.Context, e entitlement.Entitlement) error {
	var expires sql.NullInt64
	if e.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: e.ExpiresAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entitlements (subject_id, resource_id, kind, expires_at, granted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, resource_id) DO UPDATE SET
			kind = excluded.kind,
			expires_at = excluded.expires_at,
			granted_at = excluded.granted_at`,
		e.SubjectID, e.ResourceID, string(e.Kind), expires, e.GrantedAt.UnixNano())
	if err != nil {
		return entitlement.Unavailable("put", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, subjectID int64, resourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entitlements WHERE subject_id = ? AND resource_id = ?`, subjectID, resourceID); err != nil {
		return entitlement.Unavailable("remove", err)
	}
	return nil
}

// ListExpired queries when iteration starts. Rows are read eagerly so the
// connection is free again before the caller acts on them.
func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[entitlement.Entitlement, error] {
	return func(yield func(entitlement.Entitlement, error) bool) {
		list, err := s.query(ctx, "list expired",
			`SELECT subject_id, resource_id, kind, expires_at, granted_at FROM entitlements
			 WHERE expires_at IS NOT NULL AND expires_at <= ? ORDER BY subject_id, resource_id`,
			now.UnixNano())
		if err != nil {
			yield(entitlement.Entitlement{}, err)
			return
		}
		for _, e := range list {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (s *Store) List(ctx context.Context) ([]entitlement.Entitlement, error) {
	return s.query(ctx, "list",
		`SELECT subject_id, resource_id, kind, expires_at, granted_at FROM entitlements ORDER BY subject_id, resource_id`)
}

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]entitlement.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, entitlement.Unavailable(op, err)
	}
	defer rows.Close()

	var out []entitlement.Entitlement
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, entitlement.Unavailable(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, entitlement.Unavailable(op, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (entitlement.Entitlement, error) {
	var (
		e        entitlement.Entitlement
		kind     string
		expires  sql.NullInt64
		grantedN int64
	)
	if err := r.Scan(&e.SubjectID, &e.ResourceID, &kind, &expires, &grantedN); err != nil {
		return entitlement.Entitlement{}, err
	}
	e.Kind = entitlement.Kind(kind)
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		e.ExpiresAt = &t
	}
	e.GrantedAt = time.Unix(0, grantedN).UTC()
	return e, nil
}
