package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	"cloud.google.com/go/civil"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/maryammeda/tracker/domain"
)

const sqliteBusyTimeoutMs = 2000

// SQLite is the default system of record.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and creates when missing) the database at path. Use
// ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", sqliteConnString(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}
	if err := ensureAssignmentTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create assignment table")
	}
	return &SQLite{db: db}, nil
}

func sqliteConnString(path string) string {
	if path == ":memory:" {
		return path
	}
	qs := url.Values{
		"_txlock": []string{"immediate"},
		"_pragma": []string{
			"journal_mode(WAL)",
			fmt.Sprintf("busy_timeout(%d)", sqliteBusyTimeoutMs),
		},
	}
	return "file:" + path + "?" + qs.Encode()
}

func ensureAssignmentTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS assignment (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			due_date TEXT NOT NULL,
			is_completed INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS assignment_owner_due_idx ON assignment (owner_id, due_date, seq);
		CREATE INDEX IF NOT EXISTS assignment_due_pending_idx ON assignment (due_date, is_completed);
		`,
	)
	return err
}

// Close releases the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) CountAssignments(ctx context.Context, owner string) (int, error) {
	var (
		n   int
		err error
	)
	if owner == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment WHERE owner_id = ?`, owner).Scan(&n)
	}
	if err != nil {
		return 0, errors.Wrap(err, "count assignments")
	}
	return n, nil
}

func (s *SQLite) ListAssignments(ctx context.Context, owner string, skip, limit int) ([]domain.Assignment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if owner == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, owner_id, title, due_date, is_completed FROM assignment
			ORDER BY due_date ASC, seq ASC LIMIT ? OFFSET ?`, limit, skip)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, owner_id, title, due_date, is_completed FROM assignment
			WHERE owner_id = ? ORDER BY due_date ASC, seq ASC LIMIT ? OFFSET ?`, owner, limit, skip)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list assignments")
	}
	return scanAssignments(rows)
}

func (s *SQLite) GetAssignment(ctx context.Context, id string) (*domain.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, due_date, is_completed FROM assignment WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrap(err, "get assignment")
	}
	items, err := scanAssignments(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (s *SQLite) InsertAssignment(ctx context.Context, a domain.Assignment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignment (id, owner_id, title, due_date, is_completed) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Title, a.DueDate.String(), a.IsCompleted)
	return errors.Wrap(err, "insert assignment")
}

func (s *SQLite) UpdateAssignment(ctx context.Context, current domain.Assignment, upd domain.AssignmentUpdate) (domain.Assignment, error) {
	updated := upd.Apply(current)
	res, err := s.db.ExecContext(ctx,
		`UPDATE assignment SET title = ?, due_date = ?, is_completed = ? WHERE id = ?`,
		updated.Title, updated.DueDate.String(), updated.IsCompleted, updated.ID)
	if err != nil {
		return domain.Assignment{}, errors.Wrap(err, "update assignment")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Assignment{}, domain.ErrNotFound
	}
	return updated, nil
}

func (s *SQLite) DeleteAssignment(ctx context.Context, a domain.Assignment) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assignment WHERE id = ?`, a.ID)
	if err != nil {
		return errors.Wrap(err, "delete assignment")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLite) PendingDueOn(ctx context.Context, day civil.Date) ([]domain.Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, title, due_date, is_completed FROM assignment
		WHERE due_date = ? AND is_completed = 0 ORDER BY seq ASC`, day.String())
	if err != nil {
		return nil, errors.Wrap(err, "query pending assignments")
	}
	return scanAssignments(rows)
}

func scanAssignments(rows *sql.Rows) ([]domain.Assignment, error) {
	defer rows.Close()
	items := []domain.Assignment{}
	for rows.Next() {
		var (
			a   domain.Assignment
			due string
		)
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Title, &due, &a.IsCompleted); err != nil {
			return nil, errors.Wrap(err, "scan assignment")
		}
		d, err := civil.ParseDate(due)
		if err != nil {
			return nil, errors.Wrapf(err, "assignment %s has invalid due date", a.ID)
		}
		a.DueDate = d
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate assignments")
	}
	return items, nil
}
