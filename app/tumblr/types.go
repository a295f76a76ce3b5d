package tumblr

import (
	"bytes"
	"cmp"
	"encoding/json"
	"time"
)

// FlexString accepts a JSON string, number or boolean. Tumblr is not
// consistent about the encoding of ids and embed codes across post types.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		// false, objects and arrays carry no usable value
		*f = ""
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

type BlogInfo struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
	Posts       int    `json:"posts"`
	Updated     int64  `json:"updated"`
}

// Post is a raw item as returned by the posts endpoint. Only the fields the
// normalizer reads are decoded.
type Post struct {
	ID              FlexString      `json:"id"`
	IDString        string          `json:"id_string"`
	Type            string          `json:"type"`
	BlogName        string          `json:"blog_name"`
	Timestamp       int64           `json:"timestamp"`
	PostURL         string          `json:"post_url"`
	Title           string          `json:"title"`
	Summary         string          `json:"summary"`
	Body            string          `json:"body"`
	Caption         string          `json:"caption"`
	Text            string          `json:"text"`
	Source          string          `json:"source"`
	SourceURL       string          `json:"source_url"`
	SourceTitle     string          `json:"source_title"`
	URL             string          `json:"url"`
	Description     string          `json:"description"`
	NoteCount       int             `json:"note_count"`
	IsPinned        bool            `json:"is_pinned"`
	Tags            []string        `json:"tags"`
	Photos          []Photo         `json:"photos"`
	Photoset        []Photo         `json:"photoset"`
	VideoURL        string          `json:"video_url"`
	Player          json.RawMessage `json:"player"`
	AudioURL        string          `json:"audio_url"`
	RebloggedFromID FlexString      `json:"reblogged_from_id"`
	Content         []Block         `json:"content"`
	Trail           []TrailEntry    `json:"trail"`
	Reblog          *ReblogInfo     `json:"reblog"`
}

func (p *Post) RemoteID() string {
	return cmp.Or(p.IDString, string(p.ID))
}

func (p *Post) Time() time.Time {
	return time.Unix(p.Timestamp, 0).UTC()
}

// Players decodes the legacy player field, which is an array of sized embeds
// for video posts and a bare embed string for audio posts.
func (p *Post) Players() []Player {
	raw := bytes.TrimSpace(p.Player)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '[':
		var players []Player
		if err := json.Unmarshal(raw, &players); err != nil {
			return nil
		}
		return players
	case '"':
		var code string
		if err := json.Unmarshal(raw, &code); err != nil || code == "" {
			return nil
		}
		return []Player{{EmbedCode: FlexString(code)}}
	}
	return nil
}

type Player struct {
	Width     int        `json:"width"`
	EmbedCode FlexString `json:"embed_code"`
}

type Photo struct {
	Caption      string      `json:"caption"`
	OriginalSize PhotoSize   `json:"original_size"`
	AltSizes     []PhotoSize `json:"alt_sizes"`
}

type PhotoSize struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// BestURL prefers the original size and falls back to the widest variant.
func (p Photo) BestURL() string {
	if p.OriginalSize.URL != "" {
		return p.OriginalSize.URL
	}
	best := PhotoSize{}
	for _, size := range p.AltSizes {
		if size.URL != "" && size.Width >= best.Width {
			best = size
		}
	}
	return best.URL
}

// Block is a structured content block. Nested content is kept for layouts
// that wrap other blocks.
type Block struct {
	Type      string    `json:"type"`
	Subtype   string    `json:"subtype"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	EmbedURL  string    `json:"embed_url"`
	EmbedHTML string    `json:"embed_html"`
	Media     MediaList `json:"media"`
	Poster    MediaList `json:"poster"`
	Content   []Block   `json:"content"`
}

type Media struct {
	URL    string `json:"url"`
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// MediaList decodes both the array form used by image blocks and the single
// object form used by video and audio blocks.
type MediaList []Media

func (m *MediaList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*m = nil
		return nil
	}

	switch data[0] {
	case '[':
		var list []Media
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*m = list
	case '{':
		var single Media
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*m = MediaList{single}
	default:
		*m = nil
	}
	return nil
}

type TrailEntry struct {
	Blog struct {
		Name string `json:"name"`
	} `json:"blog"`
	Post struct {
		ID FlexString `json:"id"`
	} `json:"post"`
	ContentRaw    string       `json:"content_raw"`
	Content       TrailContent `json:"content"`
	IsCurrentItem bool         `json:"is_current_item"`
}

// HTML returns the raw markup of the trail entry, if any.
func (t TrailEntry) HTML() string {
	return cmp.Or(t.ContentRaw, t.Content.HTML)
}

// TrailContent holds either legacy HTML or structured blocks.
type TrailContent struct {
	HTML   string
	Blocks []Block
}

func (t *TrailContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &t.HTML)
	case '[':
		return json.Unmarshal(data, &t.Blocks)
	}
	return nil
}

type ReblogInfo struct {
	Comment  string `json:"comment"`
	TreeHTML string `json:"tree_html"`
}

type PostsQuery struct {
	Limit  int
	Offset int
	Before int64
	Type   string
}

type PostsPage struct {
	Blog       BlogInfo `json:"blog"`
	Posts      []Post   `json:"posts"`
	TotalPosts int      `json:"total_posts"`
}

type SourceMode string

const (
	ModeAPI SourceMode = "api"
	ModeRSS SourceMode = "rss"
)
