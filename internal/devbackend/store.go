package devbackend

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notibell/internal/model"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a row does not exist or belongs to another user.
var ErrNotFound = errors.New("devbackend: not found")

// DB is the backend's sqlite store.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDB opens (and migrates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenDB(path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) stamp() string { return d.now().UTC().Format(time.RFC3339Nano) }

// EnsureUser returns the user with email, creating it on first use. A
// non-empty name updates the stored one.
func (d *DB) EnsureUser(ctx context.Context, email, name string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return model.User{}, errors.New("email is required")
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO users(email, name) VALUES(?, ?)
		 ON CONFLICT(email) DO UPDATE SET name = CASE WHEN excluded.name = '' THEN users.name ELSE excluded.name END`,
		email, strings.TrimSpace(name))
	if err != nil {
		return model.User{}, err
	}
	return d.userBy(ctx, "email", email)
}

func (d *DB) UserByID(ctx context.Context, id int64) (model.User, error) {
	return d.userBy(ctx, "id", id)
}

func (d *DB) UserByEmail(ctx context.Context, email string) (model.User, error) {
	return d.userBy(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (d *DB) userBy(ctx context.Context, col string, v any) (model.User, error) {
	var u model.User
	err := d.db.QueryRowContext(ctx, `SELECT id, email, name FROM users WHERE `+col+` = ?`, v).
		Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return u, err
}

// Notifications returns the user's notifications in insertion order.
func (d *DB) Notifications(ctx context.Context, userID int64) ([]model.Notification, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, title, content, type, is_read, created_at FROM notifications WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Notification{}
	for rows.Next() {
		var (
			n  model.Notification
			at string
		)
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.Type, &n.Read, &at); err != nil {
			return nil, err
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, n)
	}
	return out, rows.Err()
}

// AddNotification stores a new unread notification for userID.
func (d *DB) AddNotification(ctx context.Context, userID int64, title, content, typ string) (model.Notification, error) {
	now := d.now().UTC()
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO notifications(user_id, title, content, type, created_at) VALUES(?,?,?,?,?)`,
		userID, title, content, typ, now.Format(time.RFC3339Nano))
	if err != nil {
		return model.Notification{}, err
	}
	id, _ := res.LastInsertId()
	return model.Notification{ID: id, Title: title, Content: content, Type: typ, CreatedAt: now}, nil
}

// MarkRead flags one of userID's notifications as read. Marking an already
// read notification succeeds.
func (d *DB) MarkRead(ctx context.Context, userID, id int64) error {
	res, err := d.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Resumes returns the user's resumes in submission order.
func (d *DB) Resumes(ctx context.Context, userID int64) ([]model.Resume, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT r.id, u.email, r.url, r.status, r.job_name, r.updated_at
		 FROM resumes r JOIN users u ON u.id = r.user_id WHERE r.user_id = ? ORDER BY r.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Resume{}
	for rows.Next() {
		r, err := scanResume(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddResume records a submission in PENDING state.
func (d *DB) AddResume(ctx context.Context, userID int64, url, jobName string) (model.Resume, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO resumes(user_id, url, job_name, status, updated_at) VALUES(?,?,?,?,?)`,
		userID, url, jobName, model.ResumePending, d.stamp())
	if err != nil {
		return model.Resume{}, err
	}
	id, _ := res.LastInsertId()
	return d.resume(ctx, id)
}

// SetResumeStatus changes a resume's status and returns it with its owner.
func (d *DB) SetResumeStatus(ctx context.Context, id int64, status string) (model.Resume, int64, error) {
	res, err := d.db.ExecContext(ctx, `UPDATE resumes SET status = ?, updated_at = ? WHERE id = ?`, status, d.stamp(), id)
	if err != nil {
		return model.Resume{}, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Resume{}, 0, ErrNotFound
	}
	var owner int64
	if err := d.db.QueryRowContext(ctx, `SELECT user_id FROM resumes WHERE id = ?`, id).Scan(&owner); err != nil {
		return model.Resume{}, 0, err
	}
	r, err := d.resume(ctx, id)
	return r, owner, err
}

func (d *DB) resume(ctx context.Context, id int64) (model.Resume, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT r.id, u.email, r.url, r.status, r.job_name, r.updated_at
		 FROM resumes r JOIN users u ON u.id = r.user_id WHERE r.id = ?`, id)
	r, err := scanResume(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Resume{}, ErrNotFound
	}
	return r, err
}

type scanner interface{ Scan(dest ...any) error }

func scanResume(s scanner) (model.Resume, error) {
	var (
		r  model.Resume
		at string
	)
	if err := s.Scan(&r.ID, &r.Email, &r.URL, &r.Status, &r.JobName, &at); err != nil {
		return model.Resume{}, err
	}
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, at)
	return r, nil
}
