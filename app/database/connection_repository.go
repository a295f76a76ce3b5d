package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var connectionColumns = []string{
	"id", "blog_handle", "name", "webhook_url", "kinds", "enabled",
	"COALESCE(config_name, '')", "created_at", "last_sync_at",
}

// ConnectionRepository handles database operations for connections
type ConnectionRepository struct {
	db *DB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

// ConnectionFilter narrows ListConnections. Zero value lists everything.
type ConnectionFilter struct {
	EnabledOnly bool
	BlogHandle  string
	FromConfig  *bool
}

// CreateConnection inserts a connection, assigning an id and creation time
// when they are not set.
func (r *ConnectionRepository) CreateConnection(conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}

	kinds, err := encodeKinds(conn.Kinds)
	if err != nil {
		return err
	}

	var lastSync sql.NullInt64
	if conn.LastSyncAt != nil {
		lastSync = sql.NullInt64{Int64: unixTime(*conn.LastSyncAt), Valid: true}
	}

	_, err = r.db.Exec(`
		INSERT INTO connections (id, blog_handle, name, webhook_url, kinds, enabled, config_name, created_at, last_sync_at)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, conn.ID, conn.BlogHandle, conn.Name, conn.WebhookURL, kinds, conn.Enabled, conn.ConfigName,
		unixTime(conn.CreatedAt), lastSync)
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnection returns nil when the connection does not exist
func (r *ConnectionRepository) GetConnection(id string) (*Connection, error) {
	query, args, err := sq.Select(connectionColumns...).From("connections").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	conn, err := scanConnection(r.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// GetConnectionByConfigName returns the connection declared by a connection file
func (r *ConnectionRepository) GetConnectionByConfigName(configName string) (*Connection, error) {
	query, args, err := sq.Select(connectionColumns...).From("connections").Where(sq.Eq{"config_name": configName}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	conn, err := scanConnection(r.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection by config name: %w", err)
	}

	return conn, nil
}

// ListConnections returns connections in creation order
func (r *ConnectionRepository) ListConnections(filter ConnectionFilter) ([]Connection, error) {
	builder := sq.Select(connectionColumns...).From("connections").OrderBy("created_at", "id")
	if filter.EnabledOnly {
		builder = builder.Where(sq.Eq{"enabled": true})
	}
	if filter.BlogHandle != "" {
		builder = builder.Where(sq.Eq{"blog_handle": filter.BlogHandle})
	}
	if filter.FromConfig != nil {
		if *filter.FromConfig {
			builder = builder.Where(sq.NotEq{"config_name": nil})
		} else {
			builder = builder.Where(sq.Eq{"config_name": nil})
		}
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		connections = append(connections, *conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connection rows: %w", err)
	}

	return connections, nil
}

// UpdateConnection persists the editable fields. The blog handle is never
// re-derived here.
func (r *ConnectionRepository) UpdateConnection(conn *Connection) error {
	kinds, err := encodeKinds(conn.Kinds)
	if err != nil {
		return err
	}

	result, err := r.db.Exec(`
		UPDATE connections
		SET name = ?, webhook_url = ?, kinds = ?, enabled = ?
		WHERE id = ?
	`, conn.Name, conn.WebhookURL, kinds, conn.Enabled, conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}

	return requireRow(result, "connection", conn.ID)
}

// UpdateLastSync sets the watermark; nil clears it
func (r *ConnectionRepository) UpdateLastSync(id string, at *time.Time) error {
	var value sql.NullInt64
	if at != nil {
		value = sql.NullInt64{Int64: unixTime(*at), Valid: true}
	}

	result, err := r.db.Exec(`UPDATE connections SET last_sync_at = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}

	return requireRow(result, "connection", id)
}

// DeleteConnection removes the connection together with its ledger entries
func (r *ConnectionRepository) DeleteConnection(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := dropLedger(tx, id); err != nil {
		return err
	}

	result, err := tx.Exec(`DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if err := requireRow(result, "connection", id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit connection delete: %w", err)
	}

	return nil
}

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("not found")

func requireRow(result sql.Result, entity, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var conn Connection
	var kinds string
	var createdAt int64
	var lastSync sql.NullInt64

	err := row.Scan(
		&conn.ID, &conn.BlogHandle, &conn.Name, &conn.WebhookURL, &kinds, &conn.Enabled,
		&conn.ConfigName, &createdAt, &lastSync,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(kinds), &conn.Kinds); err != nil {
		return nil, fmt.Errorf("failed to decode kinds: %w", err)
	}
	conn.CreatedAt = fromUnix(createdAt)
	conn.LastSyncAt = nullableTime(lastSync)

	return &conn, nil
}

func encodeKinds(kinds []string) (string, error) {
	if kinds == nil {
		kinds = []string{}
	}
	data, err := json.Marshal(kinds)
	if err != nil {
		return "", fmt.Errorf("failed to encode kinds: %w", err)
	}
	return string(data), nil
}
