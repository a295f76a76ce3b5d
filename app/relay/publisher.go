package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lysyi3m/tumblhook/app/database"
)

// Publisher uploads the stable-id map to a lookup relay.
type Publisher struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewPublisher(httpClient *http.Client, baseURL, apiKey string) *Publisher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Publisher{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// BuildMap groups ledger entries into the published shape.
func BuildMap(entries []database.StableIDEntry) StableIDMap {
	m := StableIDMap{}
	for _, entry := range entries {
		if m[entry.ConnectionID] == nil {
			m[entry.ConnectionID] = map[string]string{}
		}
		m[entry.ConnectionID][entry.StableID] = entry.RemoteID
	}
	return m
}

func (p *Publisher) Publish(ctx context.Context, m StableIDMap) error {
	body, err := json.Marshal(uploadRequest{Map: m})
	if err != nil {
		return fmt.Errorf("failed to encode map: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/upload", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to publish map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lookup relay returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return nil
}
