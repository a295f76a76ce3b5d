package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DocumentRepository stores independently keyed JSON documents
type DocumentRepository struct {
	db *DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// GetRaw returns the stored JSON, or nil when the key is absent
func (r *DocumentRepository) GetRaw(key string) ([]byte, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM documents WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", key, err)
	}
	return []byte(value), nil
}

// PutRaw stores JSON under key, replacing any previous value
func (r *DocumentRepository) PutRaw(key string, value []byte) error {
	_, err := r.db.Exec(`
		INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(value), unixTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to put document %s: %w", key, err)
	}
	return nil
}

// Keys lists stored document keys
func (r *DocumentRepository) Keys() ([]string, error) {
	rows, err := r.db.Query(`SELECT key FROM documents ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan document key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document keys: %w", err)
	}

	return keys, nil
}

// GetJSON decodes the document into out and reports whether it exists
func (r *DocumentRepository) GetJSON(key string, out any) (bool, error) {
	raw, err := r.GetRaw(key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode document %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it under key
func (r *DocumentRepository) PutJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", key, err)
	}
	return r.PutRaw(key, raw)
}

// GetStats returns the aggregate counters, zero when never recorded
func (r *DocumentRepository) GetStats() (Stats, error) {
	var stats Stats
	if _, err := r.GetJSON(DocumentStats, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// RecordSync adds a pass outcome to the aggregate counters
func (r *DocumentRepository) RecordSync(delivered, failed int, at time.Time) error {
	stats, err := r.GetStats()
	if err != nil {
		return err
	}

	stats.TotalDelivered += delivered
	stats.TotalFailed += failed
	at = at.UTC()
	stats.LastSyncAt = &at

	return r.PutJSON(DocumentStats, stats)
}

// GetRelayPreference returns the persisted preferred relay name
func (r *DocumentRepository) GetRelayPreference() (string, error) {
	var pref struct {
		Relay string `json:"relay"`
	}
	if _, err := r.GetJSON(DocumentRelayPreference, &pref); err != nil {
		return "", err
	}
	return pref.Relay, nil
}

// SetRelayPreference persists the preferred relay name
func (r *DocumentRepository) SetRelayPreference(name string) error {
	return r.PutJSON(DocumentRelayPreference, map[string]string{"relay": name})
}
