package normalize

import (
	"strings"

	"github.com/lysyi3m/tumblhook/app/tumblr"
)

func walkBlocks(blocks []tumblr.Block, visit func(tumblr.Block)) {
	for _, block := range blocks {
		visit(block)
		walkBlocks(block.Content, visit)
	}
}

func blockImages(blocks []tumblr.Block) []string {
	var urls []string
	walkBlocks(blocks, func(block tumblr.Block) {
		if block.Type == "image" {
			urls = appendImage(urls, widestMedia(block.Media))
		}
	})
	return urls
}

func widestMedia(media tumblr.MediaList) string {
	best := tumblr.Media{Width: -1}
	for _, m := range media {
		if m.URL != "" && m.Width > best.Width {
			best = m
		}
	}
	return best.URL
}

func blockVideo(blocks []tumblr.Block) string {
	var found string
	walkBlocks(blocks, func(block tumblr.Block) {
		if found != "" || block.Type != "video" {
			return
		}
		candidates := []string{block.URL, widestMedia(block.Media), block.EmbedURL}
		for _, candidate := range candidates {
			if found = absoluteURL(candidate); found != "" {
				return
			}
		}
		found = htmlVideo(block.EmbedHTML)
	})
	return found
}

// blockKind reports the dominant media kind of a block tree. Video outranks
// images, which outrank audio.
func blockKind(blocks []tumblr.Block) (Kind, bool) {
	var video, image, audio bool
	walkBlocks(blocks, func(block tumblr.Block) {
		switch block.Type {
		case "video":
			video = true
		case "image":
			image = true
		case "audio":
			audio = true
		}
	})

	switch {
	case video:
		return KindVideo, true
	case image:
		return KindPhoto, true
	case audio:
		return KindAudio, true
	}
	return "", false
}

func blockTexts(blocks []tumblr.Block) []string {
	var texts []string
	walkBlocks(blocks, func(block tumblr.Block) {
		if block.Type != "text" {
			return
		}
		if text := cleanText(block.Text); text != "" {
			texts = append(texts, text)
		}
	})
	return texts
}

func firstBlockText(blocks []tumblr.Block) string {
	if texts := blockTexts(blocks); len(texts) > 0 {
		return texts[0]
	}
	return ""
}

func joinedBlockText(blocks []tumblr.Block) string {
	return strings.Join(blockTexts(blocks), " ")
}
