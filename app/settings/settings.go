package settings

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/lysyi3m/tumblhook/app/connections"
	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the user-editable settings document. Empty fields fall back to
// the process configuration.
type Settings struct {
	TumblrAPIKey      string            `json:"tumblr_api_key"`
	CorsRelay         string            `json:"cors_relay"`
	SourceMode        tumblr.SourceMode `json:"source_mode"`
	IncludeSourceLink bool              `json:"include_source_link"`
	WebhookUsername   string            `json:"webhook_username"`
	DefaultKinds      []string          `json:"default_kinds"`
}

// Masked returns a copy safe to show: the API key is reduced to its last
// four characters.
func (s Settings) Masked() Settings {
	if n := len(s.TumblrAPIKey); n > 4 {
		s.TumblrAPIKey = strings.Repeat("*", n-4) + s.TumblrAPIKey[n-4:]
	} else if n > 0 {
		s.TumblrAPIKey = "****"
	}
	return s
}

// Patch carries changed fields; nil fields are left unchanged.
type Patch struct {
	TumblrAPIKey      *string            `json:"tumblr_api_key"`
	CorsRelay         *string            `json:"cors_relay"`
	SourceMode        *tumblr.SourceMode `json:"source_mode"`
	IncludeSourceLink *bool              `json:"include_source_link"`
	WebhookUsername   *string            `json:"webhook_username"`
	DefaultKinds      *[]string          `json:"default_kinds"`
}

// Service owns the settings document and pushes the effective values into
// the shared fetch and delivery clients.
type Service struct {
	mu       sync.RWMutex
	docs     *database.DocumentRepository
	fetch    *tumblr.Client
	delivery *discord.Client
	defaults Settings
	stored   Settings
}

func NewService(docs *database.DocumentRepository, fetch *tumblr.Client, delivery *discord.Client, defaults Settings) *Service {
	return &Service{docs: docs, fetch: fetch, delivery: delivery, defaults: defaults}
}

// Load reads the stored document and applies it. A missing document leaves
// the process defaults in effect.
func (s *Service) Load() error {
	var stored Settings
	if _, err := s.docs.GetJSON(database.DocumentSettings, &stored); err != nil {
		return err
	}

	s.mu.Lock()
	s.stored = stored
	s.mu.Unlock()

	s.apply()
	return nil
}

// Stored returns the document as saved by the user.
func (s *Service) Stored() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stored
}

// Effective merges the stored document over the process defaults.
func (s *Service) Effective() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eff := Settings{
		TumblrAPIKey:      cmp.Or(s.stored.TumblrAPIKey, s.defaults.TumblrAPIKey),
		CorsRelay:         cmp.Or(s.stored.CorsRelay, s.defaults.CorsRelay),
		SourceMode:        cmp.Or(s.stored.SourceMode, s.defaults.SourceMode, tumblr.ModeAPI),
		IncludeSourceLink: s.stored.IncludeSourceLink || s.defaults.IncludeSourceLink,
		WebhookUsername:   cmp.Or(s.stored.WebhookUsername, s.defaults.WebhookUsername),
		DefaultKinds:      s.stored.DefaultKinds,
	}
	if len(eff.DefaultKinds) == 0 {
		eff.DefaultKinds = s.defaults.DefaultKinds
	}
	return eff
}

// Update validates and persists a patch, then applies the result.
func (s *Service) Update(patch Patch) (Settings, error) {
	s.mu.RLock()
	next := s.stored
	s.mu.RUnlock()

	if patch.TumblrAPIKey != nil {
		next.TumblrAPIKey = strings.TrimSpace(*patch.TumblrAPIKey)
	}
	if patch.CorsRelay != nil {
		relay := strings.TrimSpace(*patch.CorsRelay)
		if relay != "" {
			u, err := url.Parse(strings.ReplaceAll(relay, "{url}", ""))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return Settings{}, fmt.Errorf("%w: relay must be an http(s) URL", ErrInvalidSettings)
			}
		}
		next.CorsRelay = relay
	}
	if patch.SourceMode != nil {
		switch *patch.SourceMode {
		case tumblr.ModeAPI, tumblr.ModeRSS, "":
			next.SourceMode = *patch.SourceMode
		default:
			return Settings{}, fmt.Errorf("%w: unknown source mode %q", ErrInvalidSettings, *patch.SourceMode)
		}
	}
	if patch.IncludeSourceLink != nil {
		next.IncludeSourceLink = *patch.IncludeSourceLink
	}
	if patch.WebhookUsername != nil {
		next.WebhookUsername = strings.TrimSpace(*patch.WebhookUsername)
	}
	if patch.DefaultKinds != nil {
		kinds, err := connections.ValidateKinds(*patch.DefaultKinds)
		if err != nil {
			return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
		next.DefaultKinds = kinds
	}

	if err := s.docs.PutJSON(database.DocumentSettings, next); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	s.stored = next
	s.mu.Unlock()

	s.apply()
	slog.Info("Settings updated", "source_mode", next.SourceMode, "cors_relay", next.CorsRelay != "")

	return next, nil
}

func (s *Service) apply() {
	eff := s.Effective()

	s.fetch.SetAPIKey(eff.TumblrAPIKey)
	s.fetch.SetSourceMode(eff.SourceMode)
	s.fetch.Relays().SetUserRelay(eff.CorsRelay)
	s.delivery.SetOptions(eff.WebhookUsername, eff.IncludeSourceLink)
}
