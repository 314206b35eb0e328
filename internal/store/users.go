// ABOUTME: SQLite persistence for end users
// ABOUTME: Upsert keeps the blocked and verified flags while refreshing the profile

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertUser inserts user or refreshes the profile of an existing row. The
// blocked and verified flags and the creation time are never overwritten;
// they are copied back into user from the stored row.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	now := time.Now()
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}

	query := `
		INSERT INTO users (user_id, chat_id, display_name, username, premium, blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			display_name = excluded.display_name,
			username = excluded.username,
			premium = excluded.premium,
			updated_at = excluded.updated_at
		RETURNING blocked, verified, created_at
	`

	var blocked, verified int
	var createdAtStr string
	err := s.db.QueryRowContext(ctx, query,
		user.ID,
		user.ChatID,
		user.DisplayName,
		nullString(user.Username),
		boolInt(user.Premium),
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	).Scan(&blocked, &verified, &createdAtStr)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	user.Blocked = blocked != 0
	user.Verified = verified != 0
	user.CreatedAt, err = parseTime("created_at", createdAtStr)
	return err
}

const userColumns = `user_id, chat_id, display_name, username, premium, blocked, verified, created_at, updated_at`

func scanUser(row scanner) (*User, error) {
	var u User
	var username sql.NullString
	var premium, blocked, verified int
	var createdAtStr, updatedAtStr string

	if err := row.Scan(&u.ID, &u.ChatID, &u.DisplayName, &username, &premium, &blocked, &verified, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}

	u.Username = username.String
	u.Premium = premium != 0
	u.Blocked = blocked != 0
	u.Verified = verified != 0

	var err error
	if u.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

// SetUserBlocked sets or clears the blocked flag.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) SetUserBlocked(ctx context.Context, id string, blocked bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET blocked = ?, updated_at = ? WHERE user_id = ?`,
		boolInt(blocked), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("set user blocked", "user_id", id, "blocked", blocked)
	return nil
}

// SetUserVerified records whether the user passed the first-contact challenge.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) SetUserVerified(ctx context.Context, id string, verified bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET verified = ?, updated_at = ? WHERE user_id = ?`,
		boolInt(verified), formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountUsers counts users, optionally skipping blocked ones.
func (s *SQLiteStore) CountUsers(ctx context.Context, includeBlocked bool) (int, error) {
	query := `SELECT COUNT(*) FROM users`
	if !includeBlocked {
		query += ` WHERE blocked = 0`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting users: %w", err)
	}
	return n, nil
}

// ListUsers returns users ordered by first contact.
func (s *SQLiteStore) ListUsers(ctx context.Context, includeBlocked bool) ([]*User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if !includeBlocked {
		query += ` WHERE blocked = 0`
	}
	query += ` ORDER BY created_at, user_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}
