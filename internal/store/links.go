// ABOUTME: SQLite persistence for message links and bot-owned system threads
// ABOUTME: Links are indexed on both sides so either direction resolves in one lookup

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveLink records a link. Saving the same four message refs again is a no-op.
func (s *SQLiteStore) SaveLink(ctx context.Context, link *MessageLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}

	query := `
		INSERT OR IGNORE INTO message_links
			(source_chat, source_id, dest_chat, dest_id, direction, media_group_id, thread_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		link.SourceChat,
		link.SourceID,
		link.DestChat,
		link.DestID,
		string(link.Direction),
		nullString(link.MediaGroupID),
		link.ThreadID,
		formatTime(link.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message link: %w", err)
	}
	return nil
}

const linkColumns = `source_chat, source_id, dest_chat, dest_id, direction, media_group_id, thread_id, created_at`

func scanLink(row scanner) (*MessageLink, error) {
	var l MessageLink
	var direction, createdAtStr string
	var group sql.NullString

	if err := row.Scan(&l.SourceChat, &l.SourceID, &l.DestChat, &l.DestID, &direction, &group, &l.ThreadID, &createdAtStr); err != nil {
		return nil, err
	}
	l.Direction = Direction(direction)
	l.MediaGroupID = group.String

	var err error
	if l.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) findLink(ctx context.Context, where string, args ...any) (*MessageLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM message_links WHERE `+where+` ORDER BY created_at, rowid LIMIT 1`, args...)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message link: %w", err)
	}
	return l, nil
}

// FindLinkBySource returns the earliest link whose source is (chat, id).
func (s *SQLiteStore) FindLinkBySource(ctx context.Context, chat, id string) (*MessageLink, error) {
	return s.findLink(ctx, `source_chat = ? AND source_id = ?`, chat, id)
}

// FindLinkByDest returns the earliest link whose destination is (chat, id).
func (s *SQLiteStore) FindLinkByDest(ctx context.Context, chat, id string) (*MessageLink, error) {
	return s.findLink(ctx, `dest_chat = ? AND dest_id = ?`, chat, id)
}

// ListLinksByThread returns every link recorded for a thread in creation order.
func (s *SQLiteStore) ListLinksByThread(ctx context.Context, threadID string) ([]*MessageLink, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+linkColumns+` FROM message_links WHERE thread_id = ? ORDER BY created_at, rowid`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying message links: %w", err)
	}
	defer rows.Close()

	var links []*MessageLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message link row: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message link rows: %w", err)
	}
	return links, nil
}

// GetSystemThread returns the thread registered under name.
// Returns ErrNotFound if none is registered.
func (s *SQLiteStore) GetSystemThread(ctx context.Context, name string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT thread_id FROM system_threads WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying system thread: %w", err)
	}
	return id, nil
}

// SetSystemThread registers or replaces the thread for name.
func (s *SQLiteStore) SetSystemThread(ctx context.Context, name, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_threads (name, thread_id) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET thread_id = excluded.thread_id
	`, name, threadID)
	if err != nil {
		return fmt.Errorf("saving system thread: %w", err)
	}
	return nil
}
