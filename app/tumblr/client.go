package tumblr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// MaxPageSize is the largest page the posts endpoint serves.
const MaxPageSize = 20

// Client is the shared fetch client. It is constructed once and passed
// explicitly; the credential and source mode can be changed at runtime.
type Client struct {
	mu      sync.RWMutex
	apiKey  string
	mode    SourceMode
	baseURL string
	relays  *RelayChain

	rssURLFormat string
}

func NewClient(baseURL, apiKey string, relays *RelayChain) *Client {
	return &Client{
		apiKey:       apiKey,
		mode:         ModeAPI,
		baseURL:      strings.TrimRight(baseURL, "/"),
		relays:       relays,
		rssURLFormat: "https://%s.tumblr.com/rss",
	}
}

func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = strings.TrimSpace(key)
}

func (c *Client) SetSourceMode(mode SourceMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode != ModeRSS {
		mode = ModeAPI
	}
	c.mode = mode
}

func (c *Client) SourceMode() SourceMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Client) Relays() *RelayChain {
	return c.relays
}

func (c *Client) credential() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.apiKey == "" {
		return "", ErrAuth
	}
	return c.apiKey, nil
}

// BlogInfo fetches feed metadata. In RSS mode the feed itself is fetched and
// its channel title used.
func (c *Client) BlogInfo(ctx context.Context, handle string) (*BlogInfo, error) {
	if c.SourceMode() == ModeRSS {
		return c.rssBlogInfo(ctx, handle)
	}

	key, err := c.credential()
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("api_key", key)
	target := fmt.Sprintf("%s/blog/%s/info?%s", c.baseURL, url.PathEscape(blogHost(handle)), params.Encode())

	var info struct {
		Blog BlogInfo `json:"blog"`
	}
	if err := c.fetchJSON(ctx, target, &info); err != nil {
		return nil, err
	}

	return &info.Blog, nil
}

// Posts fetches one page of posts, newest first.
func (c *Client) Posts(ctx context.Context, handle string, query PostsQuery) (*PostsPage, error) {
	if c.SourceMode() == ModeRSS {
		return c.rssPosts(ctx, handle, query)
	}

	key, err := c.credential()
	if err != nil {
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	params := url.Values{}
	params.Set("api_key", key)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(max(query.Offset, 0)))
	if query.Before > 0 {
		params.Set("before", strconv.FormatInt(query.Before, 10))
	}
	params.Set("reblog_info", "true")
	params.Set("notes_info", "true")
	if query.Type != "" {
		params.Set("type", query.Type)
	}
	target := fmt.Sprintf("%s/blog/%s/posts?%s", c.baseURL, url.PathEscape(blogHost(handle)), params.Encode())

	var page PostsPage
	if err := c.fetchJSON(ctx, target, &page); err != nil {
		return nil, err
	}

	return &page, nil
}

type envelope struct {
	Meta struct {
		Status int    `json:"status"`
		Msg    string `json:"msg"`
	} `json:"meta"`
	Response json.RawMessage `json:"response"`
}

func (c *Client) fetchJSON(ctx context.Context, target string, out any) error {
	_, err := c.relays.Fetch(ctx, target, func(status int, body []byte) error {
		var env envelope
		parseErr := json.Unmarshal(body, &env)

		// Only a parsed provider envelope is trusted for 404/401; a relay that
		// is itself broken may answer with any status.
		if parseErr != nil || env.Meta.Status == 0 {
			if status < 200 || status >= 300 {
				return fmt.Errorf("unexpected status %d", status)
			}
			if parseErr != nil {
				return fmt.Errorf("failed to parse response: %w", parseErr)
			}
			return fmt.Errorf("response envelope missing")
		}

		switch providerStatus := env.Meta.Status; {
		case providerStatus == http.StatusNotFound:
			return ErrFeedNotFound
		case providerStatus == http.StatusUnauthorized || providerStatus == http.StatusForbidden:
			return ErrAuth
		case providerStatus < 200 || providerStatus >= 300:
			return fmt.Errorf("provider status %d: %s", providerStatus, env.Meta.Msg)
		case len(env.Response) == 0 || string(env.Response) == "null":
			return fmt.Errorf("response payload missing")
		}

		if err := json.Unmarshal(env.Response, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	return err
}

// blogHost expands a bare handle to the hostname form the API accepts.
func blogHost(handle string) string {
	if strings.Contains(handle, ".") {
		return handle
	}
	return handle + ".tumblr.com"
}
