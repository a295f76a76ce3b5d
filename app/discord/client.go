package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lysyi3m/tumblhook/app/normalize"
)

const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
	// a message carries at most 10 embeds; the primary already shows one image
	maxExtraImages = 9
)

var kindColors = map[normalize.Kind]int{
	normalize.KindPhoto:  0x00B8FF,
	normalize.KindVideo:  0xFF492F,
	normalize.KindAudio:  0x7C5CFF,
	normalize.KindText:   0x35465C,
	normalize.KindQuote:  0xFFD23F,
	normalize.KindLink:   0x00CF35,
	normalize.KindChat:   0x00D4C8,
	normalize.KindAnswer: 0xFF8A00,
}

// Video hosts whose links reveal nothing about the source post.
var embeddableVideoHosts = []string{
	"youtube.com", "youtu.be", "vimeo.com", "dailymotion.com", "streamable.com", "va.media.tumblr.com",
}

var videoExtensions = []string{".mp4", ".webm", ".mov", ".m4v"}

// Envelope identifies the delivered item without the provider's identifiers.
type Envelope struct {
	StableID       string
	ConnectionName string
}

type Client struct {
	queue *Queue

	mu                sync.RWMutex
	username          string
	includeSourceLink bool
}

func NewClient(queue *Queue, username string) *Client {
	return &Client{queue: queue, username: username}
}

// SetOptions applies user settings to subsequent sends.
func (c *Client) SetOptions(username string, includeSourceLink bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if username != "" {
		c.username = username
	}
	c.includeSourceLink = includeSourceLink
}

func (c *Client) options() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.includeSourceLink
}

// SendPost delivers a single-embed message.
func (c *Client) SendPost(ctx context.Context, webhookURL string, item normalize.Item, env Envelope) error {
	username, _ := c.options()
	return c.queue.Enqueue(ctx, webhookURL, Message{
		Username: username,
		Embeds:   []Embed{c.renderEmbed(item, env)},
	})
}

// SendGallery delivers the primary embed followed by up to nine more images.
// A failed follow-up is logged; the item still counts as delivered.
func (c *Client) SendGallery(ctx context.Context, webhookURL string, item normalize.Item, env Envelope) error {
	if err := c.SendPost(ctx, webhookURL, item, env); err != nil {
		return err
	}

	if len(item.Images) < 2 {
		return nil
	}
	extra := item.Images[1:]
	if len(extra) > maxExtraImages {
		extra = extra[:maxExtraImages]
	}

	username, _ := c.options()
	followUp := Message{Username: username}
	for _, image := range extra {
		followUp.Embeds = append(followUp.Embeds, Embed{
			Color: colorFor(item.Kind),
			Image: &EmbedImage{URL: image},
		})
	}

	if err := c.queue.Enqueue(ctx, webhookURL, followUp); err != nil {
		slog.Warn("Gallery follow-up failed", "stable_id", env.StableID, "images", len(extra), "error", err)
	}
	return nil
}

// SendVideo delivers the primary embed and, when the video link is safe to
// disclose, a bare link so Discord renders a player.
func (c *Client) SendVideo(ctx context.Context, webhookURL string, item normalize.Item, env Envelope) error {
	if err := c.SendPost(ctx, webhookURL, item, env); err != nil {
		return err
	}

	username, includeSource := c.options()
	if item.Video == "" || !(includeSource || disclosable(item.Video)) {
		return nil
	}

	if err := c.queue.Enqueue(ctx, webhookURL, Message{Username: username, Content: item.Video}); err != nil {
		slog.Warn("Video follow-up failed", "stable_id", env.StableID, "error", err)
	}
	return nil
}

// SendNotice posts a plain informational embed.
func (c *Client) SendNotice(ctx context.Context, webhookURL, title, description string) error {
	username, _ := c.options()
	return c.queue.Enqueue(ctx, webhookURL, Message{
		Username: username,
		Embeds: []Embed{{
			Title:       truncate(title, maxTitle),
			Description: truncate(description, maxDescription),
			Color:       kindColors[normalize.KindText],
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}},
	})
}

func (c *Client) renderEmbed(item normalize.Item, env Envelope) Embed {
	_, includeSource := c.options()

	embed := Embed{
		Title:       truncate(item.Title, maxTitle),
		Description: truncate(item.Summary, maxDescription),
		Color:       colorFor(item.Kind),
		Footer:      &EmbedFooter{Text: "ID: " + env.StableID},
	}
	if !item.Timestamp.IsZero() {
		embed.Timestamp = item.Timestamp.UTC().Format(time.RFC3339)
	}
	if len(item.Images) > 0 {
		embed.Image = &EmbedImage{URL: item.Images[0]}
	}
	if env.ConnectionName != "" {
		embed.Author = &EmbedAuthor{Name: env.ConnectionName}
	}
	if includeSource && item.PostURL != "" {
		embed.URL = item.PostURL
		if embed.Author != nil {
			embed.Author.URL = item.PostURL
		}
	}

	embed.Fields = append(embed.Fields, EmbedField{Name: "Type", Value: string(item.Kind), Inline: true})
	if item.Notes > 0 {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Notes", Value: strconv.Itoa(item.Notes), Inline: true})
	}
	if item.Reblog {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Reblog", Value: "Yes", Inline: true})
	}
	if len(item.Images) > 1 {
		embed.Fields = append(embed.Fields, EmbedField{Name: "Images", Value: strconv.Itoa(len(item.Images)), Inline: true})
	}
	if len(item.Tags) > 0 {
		tags := make([]string, 0, len(item.Tags))
		for _, tag := range item.Tags {
			tags = append(tags, "#"+tag)
		}
		embed.Fields = append(embed.Fields, EmbedField{Name: "Tags", Value: truncate(strings.Join(tags, " "), maxFieldValue)})
	}

	return embed
}

func colorFor(kind normalize.Kind) int {
	if color, ok := kindColors[kind]; ok {
		return color
	}
	return kindColors[normalize.KindText]
}

// disclosable reports whether a video link points at a media file or a
// public video host rather than at the source post.
func disclosable(videoURL string) bool {
	parsed, err := url.Parse(videoURL)
	if err != nil || parsed.Host == "" {
		return false
	}

	ext := strings.ToLower(path.Ext(parsed.Path))
	for _, candidate := range videoExtensions {
		if ext == candidate {
			return true
		}
	}

	host := strings.ToLower(parsed.Hostname())
	for _, allowed := range embeddableVideoHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return fmt.Sprintf("%s...", string(runes[:limit-3]))
}
