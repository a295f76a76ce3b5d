package backup

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/lysyi3m/tumblhook/app/connections"
	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
)

// Version tags the document format. Import refuses documents without it.
const Version = 1

var ErrInvalidBackup = errors.New("invalid backup document")

//go:embed schema.json
var schemaJSON []byte

type Document struct {
	Version     int                          `json:"version"`
	ExportedAt  time.Time                    `json:"exported_at"`
	Connections []Connection                 `json:"connections"`
	StableIDs   map[string]map[string]string `json:"stable_ids"`
	Documents   map[string]json.RawMessage   `json:"documents"`
	Activity    []Activity                   `json:"activity"`
}

type Connection struct {
	ID         string     `json:"id"`
	Blog       string     `json:"blog"`
	Name       string     `json:"name"`
	WebhookURL string     `json:"webhook_url"`
	Kinds      []string   `json:"kinds"`
	Enabled    bool       `json:"enabled"`
	ConfigName string     `json:"config_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	SyncedIDs  []string   `json:"synced_ids"` // newest first
}

type Activity struct {
	ConnectionID string    `json:"connection_id,omitempty"`
	Message      string    `json:"message"`
	Severity     string    `json:"severity"`
	Delivered    int       `json:"delivered"`
	Failed       int       `json:"failed"`
	CreatedAt    time.Time `json:"created_at"`
}

type ImportResult struct {
	Connections int `json:"connections"`
	StableIDs   int `json:"stable_ids"`
	Documents   int `json:"documents"`
	Activity    int `json:"activity"`
}

// Service moves the whole state store in and out of one JSON document.
type Service struct {
	db          *database.DB
	connections *database.ConnectionRepository
	ledger      *database.LedgerRepository
	activity    *database.ActivityRepository
	documents   *database.DocumentRepository
	schema      *jsonschema.Schema
	now         func() time.Time
}

func NewService(db *database.DB) (*Service, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	return &Service{
		db:          db,
		connections: database.NewConnectionRepository(db),
		ledger:      database.NewLedgerRepository(db),
		activity:    database.NewActivityRepository(db),
		documents:   database.NewDocumentRepository(db),
		schema:      schema,
		now:         time.Now,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse backup schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("backup.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add backup schema: %w", err)
	}

	schema, err := compiler.Compile("backup.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile backup schema: %w", err)
	}
	return schema, nil
}

func (s *Service) Export() (*Document, error) {
	doc := &Document{
		Version:    Version,
		ExportedAt: s.now().UTC(),
		StableIDs:  map[string]map[string]string{},
		Documents:  map[string]json.RawMessage{},
		Activity:   []Activity{},
	}

	conns, err := s.connections.ListConnections(database.ConnectionFilter{})
	if err != nil {
		return nil, err
	}
	for _, conn := range conns {
		ids, err := s.ledger.SyncedIDs(conn.ID)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			ids = []string{}
		}
		if conn.Kinds == nil {
			conn.Kinds = []string{}
		}
		doc.Connections = append(doc.Connections, Connection{
			ID:         conn.ID,
			Blog:       conn.BlogHandle,
			Name:       conn.Name,
			WebhookURL: conn.WebhookURL,
			Kinds:      conn.Kinds,
			Enabled:    conn.Enabled,
			ConfigName: conn.ConfigName,
			CreatedAt:  conn.CreatedAt,
			LastSyncAt: conn.LastSyncAt,
			SyncedIDs:  ids,
		})
	}

	entries, err := s.ledger.ListStableIDs("")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if doc.StableIDs[entry.ConnectionID] == nil {
			doc.StableIDs[entry.ConnectionID] = map[string]string{}
		}
		doc.StableIDs[entry.ConnectionID][entry.RemoteID] = entry.StableID
	}

	keys, err := s.documents.Keys()
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		raw, err := s.documents.GetRaw(key)
		if err != nil {
			return nil, err
		}
		doc.Documents[key] = raw
	}

	activity, err := s.activity.ListActivity("", 0)
	if err != nil {
		return nil, err
	}
	for _, entry := range activity {
		doc.Activity = append(doc.Activity, Activity{
			ConnectionID: entry.ConnectionID,
			Message:      entry.Message,
			Severity:     entry.Severity,
			Delivered:    entry.Delivered,
			Failed:       entry.Failed,
			CreatedAt:    entry.CreatedAt,
		})
	}

	if doc.Connections == nil {
		doc.Connections = []Connection{}
	}

	return doc, nil
}

// Validate checks raw JSON against the backup schema and the webhook and
// kind rules connections are held to on creation.
func (s *Service) Validate(data []byte) (*Document, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	seen := map[string]bool{}
	configNames := map[string]bool{}
	for i, conn := range doc.Connections {
		if seen[conn.ID] {
			return nil, fmt.Errorf("%w: duplicate connection id %s", ErrInvalidBackup, conn.ID)
		}
		seen[conn.ID] = true

		if conn.ConfigName != "" {
			if configNames[conn.ConfigName] {
				return nil, fmt.Errorf("%w: duplicate config name %s", ErrInvalidBackup, conn.ConfigName)
			}
			configNames[conn.ConfigName] = true
		}

		if err := discord.ValidateWebhookURL(conn.WebhookURL); err != nil {
			return nil, fmt.Errorf("%w: connection %d: %v", ErrInvalidBackup, i, err)
		}
		if _, err := connections.ValidateKinds(conn.Kinds); err != nil {
			return nil, fmt.Errorf("%w: connection %d: %v", ErrInvalidBackup, i, err)
		}
	}

	return &doc, nil
}

// Import replaces all stored state with the document in one transaction.
// Nothing is changed when validation or any write fails.
func (s *Service) Import(data []byte) (*ImportResult, error) {
	doc, err := s.Validate(data)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{}
	snap := database.Snapshot{Documents: map[string][]byte{}}
	imported := map[string]bool{}

	for _, c := range doc.Connections {
		kinds, _ := connections.ValidateKinds(c.Kinds)
		oldestFirst := slices.Clone(c.SyncedIDs)
		slices.Reverse(oldestFirst)

		snap.Connections = append(snap.Connections, database.RestoredConnection{
			Connection: database.Connection{
				ID:         c.ID,
				BlogHandle: c.Blog,
				Name:       c.Name,
				WebhookURL: c.WebhookURL,
				Kinds:      kinds,
				Enabled:    c.Enabled,
				ConfigName: c.ConfigName,
				CreatedAt:  c.CreatedAt,
				LastSyncAt: c.LastSyncAt,
			},
			SyncedIDs: oldestFirst,
		})
		imported[c.ID] = true
	}
	result.Connections = len(snap.Connections)

	for connectionID, items := range doc.StableIDs {
		if !imported[connectionID] {
			slog.Warn("Skipping stable ids of unknown connection", "connection", connectionID, "count", len(items))
			continue
		}
		for remoteID, stableID := range items {
			snap.StableIDs = append(snap.StableIDs, database.StableIDEntry{
				ConnectionID: connectionID,
				RemoteID:     remoteID,
				StableID:     stableID,
				CreatedAt:    s.now(),
			})
		}
	}
	result.StableIDs = len(snap.StableIDs)

	for key, raw := range doc.Documents {
		snap.Documents[key] = raw
	}
	result.Documents = len(snap.Documents)

	// stored newest first, replayed oldest first
	for i := len(doc.Activity) - 1; i >= 0; i-- {
		a := doc.Activity[i]
		snap.Activity = append(snap.Activity, database.ActivityEntry{
			ConnectionID: a.ConnectionID,
			Message:      a.Message,
			Severity:     a.Severity,
			Delivered:    a.Delivered,
			Failed:       a.Failed,
			CreatedAt:    a.CreatedAt,
		})
	}
	result.Activity = len(snap.Activity)

	if err := database.Restore(s.db, snap); err != nil {
		return nil, fmt.Errorf("failed to import backup: %w", err)
	}

	slog.Info("Backup imported",
		"connections", result.Connections,
		"stable_ids", result.StableIDs,
		"documents", result.Documents,
		"activity", result.Activity)

	return result, nil
}
