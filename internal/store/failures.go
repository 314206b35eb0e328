// ABOUTME: SQLite persistence for deliveries that exhausted their retries
// ABOUTME: Rows carry enough context to replay by hand without the payload body

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveDeliveryFailure stores a failure row, assigning an ID if missing.
func (s *SQLiteStore) SaveDeliveryFailure(ctx context.Context, f *DeliveryFailure) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_failures (id, operation, destination, payload_kind, source_ref, attempts, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		f.ID, f.Operation, f.Destination, f.PayloadKind, nullString(f.SourceRef), f.Attempts, f.Error, formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery failure: %w", err)
	}
	return nil
}

// ListDeliveryFailures returns the most recent failures first.
func (s *SQLiteStore) ListDeliveryFailures(ctx context.Context, limit int) ([]*DeliveryFailure, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, destination, payload_kind, source_ref, attempts, error, created_at
		FROM delivery_failures
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying delivery failures: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryFailure
	for rows.Next() {
		var f DeliveryFailure
		var ref sql.NullString
		var createdAtStr string
		if err := rows.Scan(&f.ID, &f.Operation, &f.Destination, &f.PayloadKind, &ref, &f.Attempts, &f.Error, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning delivery failure row: %w", err)
		}
		f.SourceRef = ref.String
		if f.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating delivery failure rows: %w", err)
	}
	return out, nil
}
