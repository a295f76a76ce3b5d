package database

import (
	"database/sql"
	"fmt"
	"time"
)

// RestoredConnection is a connection together with its synced ids, oldest
// first.
type RestoredConnection struct {
	Connection
	SyncedIDs []string
}

// Snapshot is the whole state written back by Restore.
type Snapshot struct {
	Connections []RestoredConnection
	StableIDs   []StableIDEntry
	Documents   map[string][]byte
	Activity    []ActivityEntry // oldest first
}

// Restore replaces every connection, ledger entry and activity entry with the
// snapshot and upserts its documents. Either all of it is written or none of
// it.
func Restore(db *DB, snap Snapshot) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// synced_items and stable_ids go with their connections
	if _, err := tx.Exec(`DELETE FROM connections`); err != nil {
		return fmt.Errorf("failed to delete connections: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM activity_log`); err != nil {
		return fmt.Errorf("failed to clear activity log: %w", err)
	}

	now := time.Now()
	for _, conn := range snap.Connections {
		if err := restoreConnection(tx, conn, now); err != nil {
			return err
		}
	}

	for _, entry := range snap.StableIDs {
		_, err := tx.Exec(`
			INSERT INTO stable_ids (connection_id, remote_id, stable_id, created_at)
			VALUES (?, ?, ?, ?)
		`, entry.ConnectionID, entry.RemoteID, entry.StableID, unixTime(entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to restore stable id %s: %w", entry.StableID, err)
		}
	}

	for key, value := range snap.Documents {
		_, err := tx.Exec(`
			INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, string(value), unixTime(now))
		if err != nil {
			return fmt.Errorf("failed to restore document %s: %w", key, err)
		}
	}

	activity := snap.Activity
	if len(activity) > MaxActivityEntries {
		activity = activity[len(activity)-MaxActivityEntries:]
	}
	for _, entry := range activity {
		_, err := tx.Exec(`
			INSERT INTO activity_log (connection_id, message, severity, delivered, failed, created_at)
			VALUES (NULLIF(?, ''), ?, ?, ?, ?, ?)
		`, entry.ConnectionID, entry.Message, entry.Severity, entry.Delivered, entry.Failed, unixTime(entry.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to restore activity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}

	return nil
}

func restoreConnection(tx *sql.Tx, conn RestoredConnection, now time.Time) error {
	kinds, err := encodeKinds(conn.Kinds)
	if err != nil {
		return err
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now.UTC()
	}

	var lastSync sql.NullInt64
	if conn.LastSyncAt != nil {
		lastSync = sql.NullInt64{Int64: unixTime(*conn.LastSyncAt), Valid: true}
	}

	_, err = tx.Exec(`
		INSERT INTO connections (id, blog_handle, name, webhook_url, kinds, enabled, config_name, created_at, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, conn.ID, conn.BlogHandle, conn.Name, conn.WebhookURL, kinds, conn.Enabled, conn.ConfigName,
		unixTime(conn.CreatedAt), lastSync)
	if err != nil {
		return fmt.Errorf("failed to restore connection %s: %w", conn.ID, err)
	}

	synced := conn.SyncedIDs
	if len(synced) > MaxSyncedItems {
		synced = synced[len(synced)-MaxSyncedItems:]
	}
	for _, remoteID := range synced {
		_, err := tx.Exec(`
			INSERT INTO synced_items (connection_id, remote_id, synced_at)
			VALUES (?, ?, ?)
			ON CONFLICT (connection_id, remote_id) DO NOTHING
		`, conn.ID, remoteID, unixTime(now))
		if err != nil {
			return fmt.Errorf("failed to restore synced item: %w", err)
		}
	}

	return nil
}
