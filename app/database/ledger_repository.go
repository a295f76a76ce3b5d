package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// MaxSyncedItems bounds the per-connection synced-id list. Older ids are
// dropped first, so an item older than the newest 1000 can be delivered again
// if it reappears in a pagination window.
const MaxSyncedItems = 1000

// LedgerRepository records delivered items and stable ids per connection
type LedgerRepository struct {
	db *DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// IsSynced reports whether the item was already delivered for the connection
func (r *LedgerRepository) IsSynced(connectionID, remoteID string) (bool, error) {
	var exists int
	err := r.db.QueryRow(`
		SELECT 1 FROM synced_items WHERE connection_id = ? AND remote_id = ?
	`, connectionID, remoteID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check synced item: %w", err)
	}

	return true, nil
}

// SyncedIDs returns the retained synced ids, newest first
func (r *LedgerRepository) SyncedIDs(connectionID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT remote_id FROM synced_items WHERE connection_id = ? ORDER BY id DESC
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get synced ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan synced id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating synced ids: %w", err)
	}

	return ids, nil
}

// MarkSynced appends ids with set semantics, trims the list to the most
// recent MaxSyncedItems and stamps the connection's last sync time.
func (r *LedgerRepository) MarkSynced(connectionID string, remoteIDs []string, at time.Time) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, remoteID := range remoteIDs {
		_, err := tx.Exec(`
			INSERT INTO synced_items (connection_id, remote_id, synced_at)
			VALUES (?, ?, ?)
			ON CONFLICT (connection_id, remote_id) DO NOTHING
		`, connectionID, remoteID, unixTime(at))
		if err != nil {
			return fmt.Errorf("failed to mark item synced: %w", err)
		}
	}

	_, err = tx.Exec(`
		DELETE FROM synced_items
		WHERE connection_id = ?
		  AND id NOT IN (
			SELECT id FROM synced_items WHERE connection_id = ? ORDER BY id DESC LIMIT ?
		  )
	`, connectionID, connectionID, MaxSyncedItems)
	if err != nil {
		return fmt.Errorf("failed to trim synced items: %w", err)
	}

	result, err := tx.Exec(`UPDATE connections SET last_sync_at = ? WHERE id = ?`, unixTime(at), connectionID)
	if err != nil {
		return fmt.Errorf("failed to stamp last sync: %w", err)
	}
	if err := requireRow(result, "connection", connectionID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit synced items: %w", err)
	}

	return nil
}

// ClearSynced forgets every delivered item and the watermark
func (r *LedgerRepository) ClearSynced(connectionID string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM synced_items WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("failed to clear synced items: %w", err)
	}
	if _, err := tx.Exec(`UPDATE connections SET last_sync_at = NULL WHERE id = ?`, connectionID); err != nil {
		return fmt.Errorf("failed to clear last sync: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger reset: %w", err)
	}

	return nil
}

// StableID returns the opaque id for the pair, assigning one on first use.
// Once assigned the id never changes.
func (r *LedgerRepository) StableID(connectionID, remoteID string) (string, error) {
	_, err := r.db.Exec(`
		INSERT INTO stable_ids (connection_id, remote_id, stable_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (connection_id, remote_id) DO NOTHING
	`, connectionID, remoteID, uuid.NewString(), unixTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("failed to assign stable id: %w", err)
	}

	var stableID string
	err = r.db.QueryRow(`
		SELECT stable_id FROM stable_ids WHERE connection_id = ? AND remote_id = ?
	`, connectionID, remoteID).Scan(&stableID)
	if err != nil {
		return "", fmt.Errorf("failed to get stable id: %w", err)
	}

	return stableID, nil
}

// ListStableIDs returns every assignment, optionally for one connection
func (r *LedgerRepository) ListStableIDs(connectionID string) ([]StableIDEntry, error) {
	builder := sq.Select("connection_id", "remote_id", "stable_id", "created_at").
		From("stable_ids").
		OrderBy("connection_id", "created_at")
	if connectionID != "" {
		builder = builder.Where(sq.Eq{"connection_id": connectionID})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stable ids: %w", err)
	}
	defer rows.Close()

	var entries []StableIDEntry
	for rows.Next() {
		var entry StableIDEntry
		var createdAt int64
		if err := rows.Scan(&entry.ConnectionID, &entry.RemoteID, &entry.StableID, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan stable id row: %w", err)
		}
		entry.CreatedAt = fromUnix(createdAt)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stable id rows: %w", err)
	}

	return entries, nil
}

func dropLedger(tx *sql.Tx, connectionID string) error {
	if _, err := tx.Exec(`DELETE FROM synced_items WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("failed to delete synced items: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM stable_ids WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("failed to delete stable ids: %w", err)
	}
	return nil
}
