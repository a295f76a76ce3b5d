package tumblr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const DirectRelay = "direct"

// DefaultFallbackRelays is used when no fallback list is configured.
var DefaultFallbackRelays = []string{
	DirectRelay,
	"https://corsproxy.io/?url=",
	"https://api.allorigins.win/raw?url=",
}

// Relay is an HTTP forwarder identified by its URL prefix. The target URL is
// query-escaped and appended to the prefix, or substituted for a {url}
// placeholder when the prefix contains one. An empty prefix calls the target
// directly.
type Relay struct {
	Name   string
	Prefix string
}

func NewRelay(prefix string) Relay {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == DirectRelay {
		return Relay{Name: DirectRelay}
	}
	return Relay{Name: prefix, Prefix: prefix}
}

func (r Relay) Wrap(target string) string {
	if r.Prefix == "" {
		return target
	}
	if strings.Contains(r.Prefix, "{url}") {
		return strings.ReplaceAll(r.Prefix, "{url}", url.QueryEscape(target))
	}
	return r.Prefix + url.QueryEscape(target)
}

// CheckFunc inspects a relay response. A nil error accepts the response.
// ErrFeedNotFound and ErrAuth are definitive provider answers and stop the
// fallback; any other error moves on to the next candidate.
type CheckFunc func(status int, body []byte) error

// RelayChain tries relay candidates sequentially and remembers the last relay
// that worked so it is tried first on the next call.
type RelayChain struct {
	mu         sync.Mutex
	user       Relay
	hasUser    bool
	fallbacks  []Relay
	preferred  string
	onPrefer   func(name string)
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
}

func NewRelayChain(httpClient *http.Client, userAgent string, userRelay string, fallbacks []string) *RelayChain {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if len(fallbacks) == 0 {
		fallbacks = DefaultFallbackRelays
	}

	chain := &RelayChain{
		httpClient: httpClient,
		userAgent:  userAgent,
		maxBytes:   10 * 1024 * 1024,
	}
	for _, prefix := range fallbacks {
		chain.fallbacks = append(chain.fallbacks, NewRelay(prefix))
	}
	chain.SetUserRelay(userRelay)

	return chain
}

// SetUserRelay replaces the user-configured relay. An empty prefix removes it.
func (c *RelayChain) SetUserRelay(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		c.user = Relay{}
		c.hasUser = false
		return
	}
	c.user = NewRelay(prefix)
	c.hasUser = true
}

// SetPreferred restores a persisted preference without notifying the hook.
func (c *RelayChain) SetPreferred(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preferred = name
}

func (c *RelayChain) Preferred() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

// OnPreferredChange registers a hook called whenever a different relay
// becomes the preferred one.
func (c *RelayChain) OnPreferredChange(fn func(name string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPrefer = fn
}

// Candidates returns the ordered relay list for the next call.
func (c *RelayChain) Candidates() []Relay {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := make([]Relay, 0, len(c.fallbacks)+1)
	if c.hasUser {
		ordered = append(ordered, c.user)
	}
	for _, relay := range c.fallbacks {
		if c.hasUser && relay.Name == c.user.Name {
			continue
		}
		ordered = append(ordered, relay)
	}

	if c.preferred == "" {
		return ordered
	}
	for i, relay := range ordered {
		if relay.Name == c.preferred && i > 0 {
			reordered := make([]Relay, 0, len(ordered))
			reordered = append(reordered, relay)
			reordered = append(reordered, ordered[:i]...)
			reordered = append(reordered, ordered[i+1:]...)
			return reordered
		}
	}
	return ordered
}

// Fetch GETs target through the first relay whose response passes check.
func (c *RelayChain) Fetch(ctx context.Context, target string, check CheckFunc) ([]byte, error) {
	candidates := c.Candidates()
	transportErr := &TransportError{Target: redact(target)}

	for _, relay := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, body, err := c.get(ctx, relay.Wrap(target))
		if err == nil {
			err = check(status, body)
		}

		if err == nil || errors.Is(err, ErrFeedNotFound) || errors.Is(err, ErrAuth) {
			c.prefer(relay)
			if err != nil {
				return nil, err
			}
			return body, nil
		}

		slog.Debug("Relay attempt failed", "relay", relay.Name, "target", redact(target), "error", err)
		transportErr.Attempts = append(transportErr.Attempts, fmt.Errorf("%s: %w", relay.Name, err))
	}

	return nil, transportErr
}

func (c *RelayChain) get(ctx context.Context, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json, application/rss+xml;q=0.9, */*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch: %s", redact(err.Error()))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, body, nil
}

func (c *RelayChain) prefer(relay Relay) {
	c.mu.Lock()
	changed := c.preferred != relay.Name
	c.preferred = relay.Name
	hook := c.onPrefer
	c.mu.Unlock()

	if changed && hook != nil {
		hook(relay.Name)
	}
}
