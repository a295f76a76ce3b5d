package normalize

import (
	"cmp"
	"slices"

	"github.com/lysyi3m/tumblhook/app/tumblr"
)

type kindStrategy struct {
	name    string
	extract func(*tumblr.Post) (Kind, bool)
}

type textStrategy struct {
	name    string
	extract func(*tumblr.Post) string
}

// Strategy order is the precedence order; the first match wins.
var kindStrategies = []kindStrategy{
	{"content blocks", func(p *tumblr.Post) (Kind, bool) {
		return blockKind(p.Content)
	}},
	{"trail blocks", func(p *tumblr.Post) (Kind, bool) {
		return firstKind(trailBlocks(p))
	}},
	{"embedded html", func(p *tumblr.Post) (Kind, bool) {
		locations := trailHTML(p)
		locations = append(locations, quoteHTML(p)...)
		locations = append(locations,
			location{name: "caption", html: p.Caption},
			location{name: "body", html: p.Body},
		)
		return firstKind(locations)
	}},
	{"legacy fields", legacyKind},
	{"reported", func(p *tumblr.Post) (Kind, bool) {
		return Kind(cmp.Or(p.Type, string(KindText))), true
	}},
}

func detectKind(post *tumblr.Post) (Kind, string) {
	for _, strategy := range kindStrategies {
		if kind, ok := strategy.extract(post); ok {
			return kind, strategy.name
		}
	}
	return KindText, ""
}

func firstKind(locations []location) (Kind, bool) {
	for _, loc := range locations {
		if kind, ok := loc.kind(); ok {
			return kind, true
		}
	}
	return "", false
}

func legacyKind(p *tumblr.Post) (Kind, bool) {
	switch {
	case len(p.Photos) > 0:
		return KindPhoto, true
	case p.VideoURL != "" || (len(p.Players()) > 0 && p.AudioURL == ""):
		return KindVideo, true
	case p.AudioURL != "":
		return KindAudio, true
	}
	return "", false
}

func imageLocations(p *tumblr.Post) []location {
	locations := []location{
		{name: "photos", photos: p.Photos},
		{name: "content blocks", blocks: p.Content},
	}
	locations = append(locations, trailBlocks(p)...)
	locations = append(locations, trailHTML(p)...)
	locations = append(locations, quoteHTML(p)...)
	locations = append(locations,
		location{name: "caption", html: p.Caption},
		location{name: "body", html: p.Body},
		location{name: "photoset", photos: p.Photoset},
		location{name: "source url", url: p.SourceURL},
		location{name: "link url", url: p.URL},
	)
	return locations
}

func extractImages(p *tumblr.Post) []string {
	var images []string
	for _, loc := range imageLocations(p) {
		for _, u := range loc.images() {
			if !slices.Contains(images, u) {
				images = append(images, u)
			}
		}
	}
	return images
}

func videoLocations(p *tumblr.Post) []location {
	locations := []location{
		{name: "video url", url: p.VideoURL},
		{name: "content blocks", blocks: p.Content},
	}
	locations = append(locations, trailBlocks(p)...)
	locations = append(locations, trailHTML(p)...)
	locations = append(locations, quoteHTML(p)...)
	locations = append(locations,
		location{name: "player", html: widestPlayer(p)},
		location{name: "caption", html: p.Caption},
		location{name: "body", html: p.Body},
	)
	return locations
}

func extractVideo(p *tumblr.Post) string {
	for _, loc := range videoLocations(p) {
		if video := loc.video(); video != "" {
			return video
		}
	}
	return ""
}

func widestPlayer(p *tumblr.Post) string {
	best, bestWidth := "", -1
	for _, player := range p.Players() {
		if player.EmbedCode != "" && player.Width > bestWidth {
			best, bestWidth = string(player.EmbedCode), player.Width
		}
	}
	return best
}

var titleStrategies = []textStrategy{
	{"title", func(p *tumblr.Post) string { return stripHTML(p.Title) }},
	{"summary", func(p *tumblr.Post) string { return truncate(stripHTML(p.Summary), titleLimit) }},
	{"caption", func(p *tumblr.Post) string { return truncate(stripHTML(p.Caption), titleLimit) }},
	{"body", func(p *tumblr.Post) string { return truncate(stripHTML(p.Body), titleLimit) }},
	{"text block", func(p *tumblr.Post) string { return truncate(firstBlockText(p.Content), titleLimit) }},
}

var summaryStrategies = []textStrategy{
	{"summary", func(p *tumblr.Post) string { return stripHTML(p.Summary) }},
	{"caption", func(p *tumblr.Post) string { return stripHTML(p.Caption) }},
	{"body", func(p *tumblr.Post) string { return stripHTML(p.Body) }},
	{"text", func(p *tumblr.Post) string { return stripHTML(p.Text) }},
	{"source", func(p *tumblr.Post) string {
		if name := stripHTML(cmp.Or(p.SourceTitle, p.Source)); name != "" {
			return "Source: " + name
		}
		return ""
	}},
	{"text blocks", func(p *tumblr.Post) string { return joinedBlockText(p.Content) }},
}

func firstText(strategies []textStrategy, p *tumblr.Post) string {
	for _, strategy := range strategies {
		if text := strategy.extract(p); text != "" {
			return text
		}
	}
	return ""
}

func extractTitle(p *tumblr.Post, kind Kind) string {
	if title := firstText(titleStrategies, p); title != "" {
		return title
	}
	return string(kind) + " post"
}

func extractSummary(p *tumblr.Post) string {
	return truncate(firstText(summaryStrategies, p), summaryLimit)
}
