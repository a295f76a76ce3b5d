package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lysyi3m/tumblhook/app/tumblr"
)

func decodePost(t *testing.T, raw string) tumblr.Post {
	t.Helper()
	var post tumblr.Post
	if err := json.Unmarshal([]byte(raw), &post); err != nil {
		t.Fatalf("Failed to decode post: %v", err)
	}
	return post
}

func TestKindFromContentBlockOverridesReportedType(t *testing.T) {
	post := decodePost(t, `{
		"id_string": "1", "type": "text", "timestamp": 1700000000,
		"content": [
			{"type": "text", "text": "look at this"},
			{"type": "video", "media": {"url": "https://va.media.tumblr.com/tumblr_abc.mp4"}}
		]
	}`)

	item := Normalize(post)
	if item.Kind != KindVideo {
		t.Errorf("Expected kind video, got %s", item.Kind)
	}
	if item.ReportedKind != "text" {
		t.Errorf("Expected reported kind text, got %s", item.ReportedKind)
	}
	if item.Video != "https://va.media.tumblr.com/tumblr_abc.mp4" {
		t.Errorf("Expected media url as video, got %s", item.Video)
	}
	if item.KindSource != "content blocks" {
		t.Errorf("Expected content blocks to decide kind, got %s", item.KindSource)
	}
}

func TestKindPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		post     string
		expected Kind
	}{
		{
			name:     "trail blocks before html",
			post:     `{"type": "text", "body": "<img src=\"https://x/a.png\">", "trail": [{"content": [{"type": "audio", "media": {"url": "https://a/b.mp3"}}]}]}`,
			expected: KindAudio,
		},
		{
			name:     "trail html video",
			post:     `{"type": "text", "trail": [{"content_raw": "<p><iframe src=\"https://www.youtube.com/embed/x\"></iframe></p>"}]}`,
			expected: KindVideo,
		},
		{
			name:     "body image",
			post:     `{"type": "text", "body": "<p>hi <img src=\"https://64.media.tumblr.com/a.jpg\"></p>"}`,
			expected: KindPhoto,
		},
		{
			name:     "legacy photos",
			post:     `{"type": "text", "photos": [{"original_size": {"url": "https://64.media.tumblr.com/a.jpg"}}]}`,
			expected: KindPhoto,
		},
		{
			name:     "legacy audio player",
			post:     `{"type": "audio", "audio_url": "https://a/b.mp3", "player": "<embed src=\"x\">"}`,
			expected: KindAudio,
		},
		{
			name:     "reported fallback",
			post:     `{"type": "quote", "text": "to be or not to be"}`,
			expected: KindQuote,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := Normalize(decodePost(t, tt.post))
			if item.Kind != tt.expected {
				t.Errorf("Expected kind %s, got %s", tt.expected, item.Kind)
			}
		})
	}
}

func TestImagesOrderAndDedup(t *testing.T) {
	post := decodePost(t, `{
		"type": "photo",
		"photos": [{"original_size": {"url": "https://64.media.tumblr.com/legacy.jpg"}}],
		"content": [{"type": "image", "media": [
			{"url": "https://64.media.tumblr.com/block_540.jpg", "width": 540},
			{"url": "https://64.media.tumblr.com/block_1280.jpg", "width": 1280}
		]}],
		"trail": [{"content_raw": "<img data-src=\"https://64.media.tumblr.com/lazy.jpg\"><img src=\"https://64.media.tumblr.com/legacy.jpg\">"}],
		"caption": "<picture><source srcset=\"https://64.media.tumblr.com/s_400.jpg 400w, https://64.media.tumblr.com/s_1280.jpg 1280w\"></picture><img src=\"https://px.example.com/tracking.gif\">",
		"body": "<img src=\"//64.media.tumblr.com/body.png\">",
		"source_url": "https://example.com/original.webp"
	}`)

	item := Normalize(post)
	expected := []string{
		"https://64.media.tumblr.com/legacy.jpg",
		"https://64.media.tumblr.com/block_1280.jpg",
		"https://64.media.tumblr.com/lazy.jpg",
		"https://64.media.tumblr.com/s_1280.jpg",
		"https://64.media.tumblr.com/body.png",
		"https://example.com/original.webp",
	}
	if len(item.Images) != len(expected) {
		t.Fatalf("Expected %d images, got %d: %v", len(expected), len(item.Images), item.Images)
	}
	for i := range expected {
		if item.Images[i] != expected[i] {
			t.Errorf("Expected image %d to be %s, got %s", i, expected[i], item.Images[i])
		}
	}
}

func TestVideoPrecedence(t *testing.T) {
	post := decodePost(t, `{
		"type": "video",
		"player": [
			{"width": 250, "embed_code": "<iframe src=\"https://player.vimeo.com/video/1?w=250\"></iframe>"},
			{"width": 500, "embed_code": "<iframe src=\"https://player.vimeo.com/video/1?w=500\"></iframe>"}
		],
		"caption": "<video src=\"https://va.media.tumblr.com/caption.mp4\"></video>"
	}`)

	item := Normalize(post)
	if item.Video != "https://player.vimeo.com/video/1?w=500" {
		t.Errorf("Expected widest player src, got %s", item.Video)
	}

	post.VideoURL = "https://va.media.tumblr.com/direct.mp4"
	if got := Normalize(post).Video; got != "https://va.media.tumblr.com/direct.mp4" {
		t.Errorf("Expected direct video url to win, got %s", got)
	}
}

func TestTextFallbacks(t *testing.T) {
	post := decodePost(t, `{
		"type": "photo",
		"caption": "<p>A   caption<br>with <b>markup</b></p>"
	}`)

	item := Normalize(post)
	if item.Title != "A caption with markup" {
		t.Errorf("Expected stripped caption as title, got %q", item.Title)
	}
	if item.Summary != "A caption with markup" {
		t.Errorf("Expected stripped caption as summary, got %q", item.Summary)
	}

	empty := Normalize(decodePost(t, `{"type": "photo"}`))
	if empty.Title != "photo post" {
		t.Errorf("Expected placeholder title, got %q", empty.Title)
	}
	if empty.Summary != "" {
		t.Errorf("Expected empty summary, got %q", empty.Summary)
	}

	source := Normalize(decodePost(t, `{"type": "quote", "source_title": "Someone"}`))
	if source.Summary != "Source: Someone" {
		t.Errorf("Expected source summary, got %q", source.Summary)
	}

	blocks := Normalize(decodePost(t, `{"type": "text", "content": [{"type": "text", "text": "first"}, {"type": "text", "text": "second"}]}`))
	if blocks.Title != "first" || blocks.Summary != "first second" {
		t.Errorf("Expected block text fallbacks, got title %q summary %q", blocks.Title, blocks.Summary)
	}
}

func TestTextCaps(t *testing.T) {
	long := strings.Repeat("é", 400)
	item := Normalize(tumblr.Post{Type: "text", Body: "<p>" + long + "</p>"})

	if utf8.RuneCountInString(item.Title) != titleLimit {
		t.Errorf("Expected title capped at %d runes, got %d", titleLimit, utf8.RuneCountInString(item.Title))
	}
	if !strings.HasSuffix(item.Summary, "...") {
		t.Errorf("Expected ellipsis suffix, got %q", item.Summary[len(item.Summary)-10:])
	}
	if utf8.RuneCountInString(item.Summary) != summaryLimit {
		t.Errorf("Expected summary capped at %d runes, got %d", summaryLimit, utf8.RuneCountInString(item.Summary))
	}
}

func TestReblogFlag(t *testing.T) {
	item := Normalize(decodePost(t, `{"type": "text", "reblogged_from_id": 12345}`))
	if !item.Reblog {
		t.Error("Expected reblog flag to be set")
	}
	if Normalize(decodePost(t, `{"type": "text"}`)).Reblog {
		t.Error("Expected reblog flag to be unset")
	}
}

func TestStripHTML(t *testing.T) {
	tests := map[string]string{
		"<p>Hello</p><p>World</p>": "Hello World",
		"a&amp;b":                  "a&b",
		"  spaced \n\t text ":      "spaced text",
		"no<br/>break":             "no break",
		"":                         "",
	}
	for input, expected := range tests {
		if got := stripHTML(input); got != expected {
			t.Errorf("stripHTML(%q): expected %q, got %q", input, expected, got)
		}
	}
}
