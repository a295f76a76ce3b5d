package discord

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ErrInvalidSink = errors.New("invalid Discord webhook URL")

var webhookPattern = regexp.MustCompile(`^https://(discord\.com|discordapp\.com|ptb\.discord\.com|canary\.discord\.com)/api/webhooks/\d+/[\w-]+$`)

// ValidateWebhookURL checks the URL against the webhook grammar.
func ValidateWebhookURL(webhookURL string) error {
	if !webhookPattern.MatchString(strings.TrimSpace(webhookURL)) {
		return ErrInvalidSink
	}
	return nil
}

// RateLimitedError is returned for HTTP 429 responses.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited by Discord, retry after %.1fs", e.RetryAfter.Seconds())
}

// DeliveryError is returned for any other non-2xx response.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned status %d: %s", e.StatusCode, e.Body)
}

type Message struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedAuthor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}
