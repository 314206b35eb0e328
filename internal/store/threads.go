// ABOUTME: SQLite persistence for per-user threads and their unread counters
// ABOUTME: A partial unique index enforces one live thread per user

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const threadColumns = `thread_id, user_id, title, status, unread, unread_notice_id, created_at, last_activity_at`

// CreateThread inserts a new thread.
// Returns ErrDuplicateThread if the ID is taken or the user already has a
// thread that is not archived.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	if thread.Status == "" {
		thread.Status = ThreadOpen
	}

	query := `
		INSERT INTO threads (thread_id, user_id, title, status, unread, unread_notice_id, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		thread.ID,
		thread.UserID,
		thread.Title,
		string(thread.Status),
		thread.Unread,
		nullString(thread.UnreadNoticeID),
		formatTime(thread.CreatedAt),
		formatTime(thread.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	s.logger.Debug("created thread", "id", thread.ID, "user_id", thread.UserID)
	return nil
}

func scanThread(row scanner) (*Thread, error) {
	var t Thread
	var status string
	var notice sql.NullString
	var createdAtStr, activityStr string

	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &status, &t.Unread, &notice, &createdAtStr, &activityStr); err != nil {
		return nil, err
	}
	t.Status = ThreadStatus(status)
	t.UnreadNoticeID = notice.String

	var err error
	if t.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if t.LastActivityAt, err = parseTime("last_activity_at", activityStr); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) queryThread(ctx context.Context, where string, args ...any) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE `+where, args...)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return t, nil
}

// GetThread retrieves a thread by ID, whatever its status.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	return s.queryThread(ctx, `thread_id = ?`, id)
}

// GetActiveThreadByUser returns the user's open or closed thread.
// Returns ErrNotFound if the user has none.
func (s *SQLiteStore) GetActiveThreadByUser(ctx context.Context, userID string) (*Thread, error) {
	return s.queryThread(ctx, `user_id = ? AND status != 'archived'`, userID)
}

func (s *SQLiteStore) execThread(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateThreadStatus moves a thread between open, closed and archived.
func (s *SQLiteStore) UpdateThreadStatus(ctx context.Context, id string, status ThreadStatus) error {
	err := s.execThread(ctx, "updating thread status",
		`UPDATE threads SET status = ? WHERE thread_id = ?`, string(status), id)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return err
	}
	s.logger.Debug("updated thread status", "id", id, "status", status)
	return nil
}

// UpdateThreadTitle stores a new title for the thread.
func (s *SQLiteStore) UpdateThreadTitle(ctx context.Context, id, title string) error {
	return s.execThread(ctx, "updating thread title",
		`UPDATE threads SET title = ? WHERE thread_id = ?`, title, id)
}

// TouchThread records activity on the thread.
func (s *SQLiteStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	return s.execThread(ctx, "touching thread",
		`UPDATE threads SET last_activity_at = ? WHERE thread_id = ?`, formatTime(at), id)
}

// IncrementUnread adds one to the unread counter and returns the new value.
func (s *SQLiteStore) IncrementUnread(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE threads SET unread = unread + 1 WHERE thread_id = ? RETURNING unread`, id,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("incrementing unread: %w", err)
	}
	return n, nil
}

// ClearUnread resets the counter and detaches the unread notice, returning
// the notice ID that was attached (empty if none).
func (s *SQLiteStore) ClearUnread(ctx context.Context, id string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var notice sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT unread_notice_id FROM threads WHERE thread_id = ?`, id).Scan(&notice)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading unread notice: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET unread = 0, unread_notice_id = NULL WHERE thread_id = ?`, id); err != nil {
		return "", fmt.Errorf("clearing unread: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing clear unread: %w", err)
	}
	return notice.String, nil
}

// SetUnreadNotice attaches the id of the notice posted for this thread.
func (s *SQLiteStore) SetUnreadNotice(ctx context.Context, id, noticeID string) error {
	return s.execThread(ctx, "setting unread notice",
		`UPDATE threads SET unread_notice_id = ? WHERE thread_id = ?`, nullString(noticeID), id)
}

// ListThreads retrieves threads ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]*Thread, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	where, args := threadWhere(filter)
	query := `SELECT ` + threadColumns + ` FROM threads WHERE ` + where
	query += ` ORDER BY last_activity_at DESC, thread_id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}
	return threads, nil
}

func threadWhere(filter ThreadFilter) (string, []any) {
	var where string
	var args []any
	if filter.Status != "" {
		where = `status = ?`
		args = append(args, string(filter.Status))
	} else {
		where = `status != 'archived'`
	}
	if filter.UnreadOnly {
		where += ` AND unread > 0`
	}
	return where, args
}

// CountThreads counts threads matching filter, without a limit.
func (s *SQLiteStore) CountThreads(ctx context.Context, filter ThreadFilter) (int, error) {
	where, args := threadWhere(filter)
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting threads: %w", err)
	}
	return n, nil
}
