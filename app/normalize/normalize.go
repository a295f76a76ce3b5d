// Package normalize turns heterogeneous Tumblr post payloads into a flat item
// ready for rendering. It performs no I/O.
package normalize

import (
	"time"

	"github.com/lysyi3m/tumblhook/app/tumblr"
)

type Kind string

const (
	KindPhoto  Kind = "photo"
	KindVideo  Kind = "video"
	KindAudio  Kind = "audio"
	KindText   Kind = "text"
	KindQuote  Kind = "quote"
	KindLink   Kind = "link"
	KindChat   Kind = "chat"
	KindAnswer Kind = "answer"
)

// Kinds lists every kind a connection filter may select.
var Kinds = []Kind{KindPhoto, KindVideo, KindAudio, KindText, KindQuote, KindLink, KindChat, KindAnswer}

const (
	titleLimit   = 100
	summaryLimit = 300
)

type Item struct {
	RemoteID     string
	BlogName     string
	PostURL      string
	Timestamp    time.Time
	Kind         Kind
	KindSource   string
	ReportedKind string
	Title        string
	Summary      string
	Images       []string
	Video        string
	Notes        int
	Tags         []string
	Reblog       bool
}

func Normalize(post tumblr.Post) Item {
	kind, kindSource := detectKind(&post)

	return Item{
		RemoteID:     post.RemoteID(),
		BlogName:     post.BlogName,
		PostURL:      post.PostURL,
		Timestamp:    post.Time(),
		Kind:         kind,
		KindSource:   kindSource,
		ReportedKind: post.Type,
		Title:        extractTitle(&post, kind),
		Summary:      extractSummary(&post),
		Images:       extractImages(&post),
		Video:        extractVideo(&post),
		Notes:        post.NoteCount,
		Tags:         post.Tags,
		Reblog:       post.RebloggedFromID != "",
	}
}

// location is one place in a post payload that may carry media: legacy
// photo sizes, structured blocks, an HTML fragment or a bare URL.
type location struct {
	name   string
	photos []tumblr.Photo
	blocks []tumblr.Block
	html   string
	url    string
}

func (l location) images() []string {
	var urls []string
	for _, photo := range l.photos {
		urls = appendImage(urls, photo.BestURL())
	}
	urls = append(urls, blockImages(l.blocks)...)
	urls = append(urls, htmlImages(l.html)...)
	if isImageURL(l.url) {
		urls = append(urls, l.url)
	}
	return urls
}

func (l location) video() string {
	if l.url != "" {
		return absoluteURL(l.url)
	}
	if video := blockVideo(l.blocks); video != "" {
		return video
	}
	return htmlVideo(l.html)
}

func (l location) kind() (Kind, bool) {
	if len(l.blocks) > 0 {
		return blockKind(l.blocks)
	}
	return htmlKind(l.html)
}

func trailBlocks(post *tumblr.Post) []location {
	var locations []location
	for _, entry := range post.Trail {
		if len(entry.Content.Blocks) > 0 {
			locations = append(locations, location{name: "trail blocks", blocks: entry.Content.Blocks})
		}
	}
	return locations
}

func trailHTML(post *tumblr.Post) []location {
	var locations []location
	for _, entry := range post.Trail {
		if html := entry.HTML(); html != "" {
			locations = append(locations, location{name: "trail html", html: html})
		}
	}
	return locations
}

func quoteHTML(post *tumblr.Post) []location {
	if post.Reblog == nil {
		return nil
	}
	return []location{
		{name: "quote comment", html: post.Reblog.Comment},
		{name: "quote tree", html: post.Reblog.TreeHTML},
	}
}
