package database

import (
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// MaxActivityEntries caps the activity log; the oldest entries are dropped.
const MaxActivityEntries = 100

// ActivityRepository handles the activity log
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// AddActivity appends an entry and trims the log
func (r *ActivityRepository) AddActivity(entry *ActivityEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO activity_log (connection_id, message, severity, delivered, failed, created_at)
		VALUES (NULLIF(?, ''), ?, ?, ?, ?, ?)
	`, entry.ConnectionID, entry.Message, entry.Severity, entry.Delivered, entry.Failed, unixTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to add activity: %w", err)
	}
	if entry.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get activity id: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM activity_log
		WHERE id NOT IN (SELECT id FROM activity_log ORDER BY id DESC LIMIT ?)
	`, MaxActivityEntries)
	if err != nil {
		return fmt.Errorf("failed to trim activity log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activity: %w", err)
	}

	return nil
}

// ListActivity returns entries newest first. An empty connection id lists
// every entry; limit <= 0 means no limit.
func (r *ActivityRepository) ListActivity(connectionID string, limit int) ([]ActivityEntry, error) {
	builder := sq.Select("id", "COALESCE(connection_id, '')", "message", "severity", "delivered", "failed", "created_at").
		From("activity_log").
		OrderBy("id DESC")
	if connectionID != "" {
		builder = builder.Where(sq.Eq{"connection_id": connectionID})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var entry ActivityEntry
		var createdAt int64
		err := rows.Scan(&entry.ID, &entry.ConnectionID, &entry.Message, &entry.Severity,
			&entry.Delivered, &entry.Failed, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		entry.CreatedAt = fromUnix(createdAt)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}

	return entries, nil
}

// ClearActivity empties the log
func (r *ActivityRepository) ClearActivity() error {
	if _, err := r.db.Exec(`DELETE FROM activity_log`); err != nil {
		return fmt.Errorf("failed to clear activity: %w", err)
	}
	return nil
}
