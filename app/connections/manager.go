package connections

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/normalize"
	"github.com/lysyi3m/tumblhook/app/syncer"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

var (
	ErrInvalidKind = errors.New("unknown post kind")
	ErrDuplicate   = errors.New("this blog is already connected to this webhook")
	ErrManaged     = errors.New("connection is managed by a connection file")
)

type Store interface {
	CreateConnection(conn *database.Connection) error
	GetConnection(id string) (*database.Connection, error)
	ListConnections(filter database.ConnectionFilter) ([]database.Connection, error)
	UpdateConnection(conn *database.Connection) error
	DeleteConnection(id string) error
}

type BlogLookup interface {
	BlogInfo(ctx context.Context, handle string) (*tumblr.BlogInfo, error)
}

type Notifier interface {
	SendNotice(ctx context.Context, webhookURL, title, description string) error
}

var (
	_ Store      = (*database.ConnectionRepository)(nil)
	_ BlogLookup = (*tumblr.Client)(nil)
	_ Notifier   = (*discord.Client)(nil)
)

type Input struct {
	Blog       string   `json:"blog" binding:"required"`
	Name       string   `json:"name"`
	WebhookURL string   `json:"webhook_url" binding:"required"`
	Kinds      []string `json:"kinds"`
	Enabled    *bool    `json:"enabled"`
}

// Patch carries the editable fields; nil fields are left unchanged.
type Patch struct {
	Name       *string   `json:"name"`
	WebhookURL *string   `json:"webhook_url"`
	Kinds      *[]string `json:"kinds"`
	Enabled    *bool     `json:"enabled"`
}

// Manager validates and persists connections.
type Manager struct {
	store    Store
	blogs    BlogLookup
	notifier Notifier
}

func NewManager(store Store, blogs BlogLookup, notifier Notifier) *Manager {
	return &Manager{store: store, blogs: blogs, notifier: notifier}
}

// Create validates the webhook grammar, confirms the blog exists and that
// the webhook accepts a message, then persists the connection.
func (m *Manager) Create(ctx context.Context, in Input) (*database.Connection, error) {
	handle, err := NormalizeHandle(in.Blog)
	if err != nil {
		return nil, err
	}

	webhookURL := strings.TrimSpace(in.WebhookURL)
	if err := discord.ValidateWebhookURL(webhookURL); err != nil {
		return nil, err
	}

	kinds, err := ValidateKinds(in.Kinds)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.ListConnections(database.ConnectionFilter{BlogHandle: handle})
	if err != nil {
		return nil, fmt.Errorf("failed to check existing connections: %w", err)
	}
	for _, conn := range existing {
		if conn.WebhookURL == webhookURL {
			return nil, ErrDuplicate
		}
	}

	info, err := m.blogs.BlogInfo(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to look up blog %s: %w", handle, err)
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = cmp.Or(strings.TrimSpace(info.Title), handle)
	}

	err = m.notifier.SendNotice(ctx, webhookURL, "Connected to "+name,
		fmt.Sprintf("New posts from %s will be delivered to this channel.", handle))
	if err != nil {
		return nil, fmt.Errorf("failed to send test message: %w", err)
	}

	conn := &database.Connection{
		BlogHandle: handle,
		Name:       name,
		WebhookURL: webhookURL,
		Kinds:      kinds,
		Enabled:    in.Enabled == nil || *in.Enabled,
	}
	if err := m.store.CreateConnection(conn); err != nil {
		return nil, err
	}

	slog.Info("Connection created", "connection", conn.ID, "blog", handle, "kinds", kinds)
	return conn, nil
}

// Update applies a patch. The blog handle is never re-derived.
func (m *Manager) Update(id string, patch Patch) (*database.Connection, error) {
	conn, err := m.get(id)
	if err != nil {
		return nil, err
	}
	if conn.ConfigName != "" {
		return nil, ErrManaged
	}

	if patch.Name != nil {
		if name := strings.TrimSpace(*patch.Name); name != "" {
			conn.Name = name
		}
	}
	if patch.WebhookURL != nil {
		webhookURL := strings.TrimSpace(*patch.WebhookURL)
		if err := discord.ValidateWebhookURL(webhookURL); err != nil {
			return nil, err
		}
		conn.WebhookURL = webhookURL
	}
	if patch.Kinds != nil {
		kinds, err := ValidateKinds(*patch.Kinds)
		if err != nil {
			return nil, err
		}
		conn.Kinds = kinds
	}
	if patch.Enabled != nil {
		conn.Enabled = *patch.Enabled
	}

	if err := m.store.UpdateConnection(conn); err != nil {
		return nil, err
	}

	slog.Info("Connection updated", "connection", conn.ID)
	return conn, nil
}

// Delete removes the connection and its ledger.
func (m *Manager) Delete(id string) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}
	if conn.ConfigName != "" {
		return ErrManaged
	}

	if err := m.store.DeleteConnection(id); err != nil {
		return err
	}

	slog.Info("Connection deleted", "connection", id, "blog", conn.BlogHandle)
	return nil
}

// TestSink posts a test message to the connection's webhook.
func (m *Manager) TestSink(ctx context.Context, id string) error {
	conn, err := m.get(id)
	if err != nil {
		return err
	}

	err = m.notifier.SendNotice(ctx, conn.WebhookURL, "Test message",
		fmt.Sprintf("%s is connected and will deliver posts from %s.", conn.Name, conn.BlogHandle))
	if err != nil {
		return fmt.Errorf("failed to send test message: %w", err)
	}
	return nil
}

func (m *Manager) get(id string) (*database.Connection, error) {
	conn, err := m.store.GetConnection(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn == nil {
		return nil, syncer.ErrConnectionNotFound
	}
	return conn, nil
}

// ValidateKinds lowercases, deduplicates and checks kind filters. An empty
// list is valid and means every kind.
func ValidateKinds(kinds []string) ([]string, error) {
	out := []string{}
	for _, kind := range kinds {
		kind = lower.String(strings.TrimSpace(kind))
		if kind == "" || slices.Contains(out, kind) {
			continue
		}
		if !slices.Contains(normalize.Kinds, normalize.Kind(kind)) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
		}
		out = append(out, kind)
	}
	return out, nil
}
