// Package db keeps a SQLite journal of reminder delivery attempts.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB SQLite 投递日志
type DB struct {
	*sql.DB
}

// Attempt is one delivery try for a reminder.
type Attempt struct {
	ID         int64
	ReminderID string
	Attempt    int
	Target     string
	At         time.Time
	Duration   time.Duration
	OK         bool
	Error      string
}

// Fixed width so text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS delivery_attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    reminder_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    target TEXT NOT NULL,
    attempted_at TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    ok INTEGER NOT NULL,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_attempts_reminder ON delivery_attempts(reminder_id, attempted_at);
`

// Open 打开数据库, 不存在则创建
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	sqldb, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; the journal is low volume.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{sqldb}, nil
}

// RecordAttempt 记录一次投递
func (d *DB) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO delivery_attempts (reminder_id, attempt, target, attempted_at, duration_ms, ok, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ReminderID, a.Attempt, a.Target, a.At.UTC().Format(tsLayout),
		a.Duration.Milliseconds(), boolInt(a.OK), a.Error,
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// Attempts 返回某条提醒的全部投递记录, 按时间排序
func (d *DB) Attempts(ctx context.Context, reminderID string) ([]Attempt, error) {
	rows, err := d.QueryContext(ctx, `
		SELECT id, reminder_id, attempt, target, attempted_at, duration_ms, ok, error
		FROM delivery_attempts
		WHERE reminder_id = ?
		ORDER BY attempted_at ASC, id ASC`, reminderID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

// Recent 返回最近的投递记录, 最新的在前
func (d *DB) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.QueryContext(ctx, `
		SELECT id, reminder_id, attempt, target, attempted_at, duration_ms, ok, error
		FROM delivery_attempts
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]Attempt, error) {
	var out []Attempt
	for rows.Next() {
		var (
			a      Attempt
			at     string
			durMs  int64
			ok     int
			errMsg sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ReminderID, &a.Attempt, &a.Target, &at, &durMs, &ok, &errMsg); err != nil {
			return nil, err
		}
		t, err := time.Parse(tsLayout, at)
		if err != nil {
			return nil, fmt.Errorf("parse attempted_at %q: %w", at, err)
		}
		a.At = t
		a.Duration = time.Duration(durMs) * time.Millisecond
		a.OK = ok != 0
		a.Error = errMsg.String
		out = append(out, a)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
