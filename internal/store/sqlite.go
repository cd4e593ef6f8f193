package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"postflow/internal/domain"
)

var ErrNotFound = errors.New("post not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS posts (
  id TEXT PRIMARY KEY,
  content TEXT NOT NULL,
  due_at DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','posted','failed')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  next_retry_at DATETIME,
  external_id TEXT,
  last_error TEXT,
  posted_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_posts_status_due ON posts(status, due_at, id);
CREATE TABLE IF NOT EXISTS rate_usage (
  period TEXT NOT NULL CHECK(period IN ('minute','hour','day')),
  bucket TEXT NOT NULL,
  used INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY(period, bucket)
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Create(ctx context.Context, p domain.Post) (string, error)
	Get(ctx context.Context, id string) (domain.Post, error)
	List(ctx context.Context) ([]domain.Post, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Post, error)
	Update(ctx context.Context, p domain.Post) error
	Delete(ctx context.Context, id string) (bool, error)

	GetUsed(ctx context.Context, period domain.Period, bucket string) (int, error)
	IncrementUsed(ctx context.Context, period domain.Period, bucket string, by int) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const postColumns = `id,content,due_at,status,attempts,next_retry_at,external_id,last_error,posted_at,created_at,updated_at`

func (r *sqliteRepo) Create(ctx context.Context, p domain.Post) (string, error) {
	id := p.ID
	if id == "" {
		id = "post_" + uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.StatusPending
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO posts (id,content,due_at,status,attempts,next_retry_at,external_id,last_error,posted_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, p.Content, p.DueAt.UTC(), p.Status, p.Attempts, nullTime(p.NextRetryAt), nullStr(p.ExternalID), nullStr(p.LastError), nullTime(p.PostedAt))
	return id, err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Post, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=?`, id)
	p, err := scanPost(row)
	if err == sql.ErrNoRows {
		return domain.Post{}, ErrNotFound
	}
	return p, err
}

func (r *sqliteRepo) List(ctx context.Context) ([]domain.Post, error) {
	return r.query(ctx, `SELECT `+postColumns+` FROM posts ORDER BY due_at ASC, id ASC`)
}

func (r *sqliteRepo) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Post, error) {
	return r.query(ctx, `SELECT `+postColumns+` FROM posts WHERE status=? ORDER BY due_at ASC, id ASC`, status)
}

func (r *sqliteRepo) query(ctx context.Context, q string, args ...any) ([]domain.Post, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (r *sqliteRepo) Update(ctx context.Context, p domain.Post) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE posts
SET content=?, due_at=?, status=?, attempts=?, next_retry_at=?, external_id=?, last_error=?, posted_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
		p.Content, p.DueAt.UTC(), p.Status, p.Attempts, nullTime(p.NextRetryAt), nullStr(p.ExternalID), nullStr(p.LastError), nullTime(p.PostedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM posts WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) GetUsed(ctx context.Context, period domain.Period, bucket string) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT used FROM rate_usage WHERE period=? AND bucket=?`, period, bucket)
	var used int
	if err := row.Scan(&used); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return used, nil
}

func (r *sqliteRepo) IncrementUsed(ctx context.Context, period domain.Period, bucket string, by int) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO rate_usage(period, bucket, used) VALUES (?,?,?)
ON CONFLICT(period, bucket) DO UPDATE SET used = used + excluded.used`, period, bucket, by)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanPost(row rowScanner) (domain.Post, error) {
	var (
		p        domain.Post
		retry    sql.NullTime
		extID    sql.NullString
		lastErr  sql.NullString
		postedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Content, &p.DueAt, &p.Status, &p.Attempts, &retry, &extID, &lastErr, &postedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Post{}, err
	}
	if retry.Valid {
		t := retry.Time
		p.NextRetryAt = &t
	}
	if extID.Valid {
		s := extID.String
		p.ExternalID = &s
	}
	if lastErr.Valid {
		s := lastErr.String
		p.LastError = &s
	}
	if postedAt.Valid {
		t := postedAt.Time
		p.PostedAt = &t
	}
	return p, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
