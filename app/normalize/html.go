package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

var trackingMarkers = []string{"pixel", "beacon", "tracker", "tracking", "analytics", "/impixu"}

var imageExtension = regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|avif|bmp)(\?.*)?$`)

func parseHTML(fragment string) *goquery.Document {
	if strings.TrimSpace(fragment) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}
	return doc
}

// htmlImages returns image URLs from <img src>, lazy-load data-src and
// <source srcset> attributes in document order.
func htmlImages(fragment string) []string {
	doc := parseHTML(fragment)
	if doc == nil {
		return nil
	}

	var urls []string
	doc.Find("img, source").Each(func(_ int, s *goquery.Selection) {
		if goquery.NodeName(s) == "source" {
			if srcset, ok := s.Attr("srcset"); ok {
				urls = appendImage(urls, largestSrcset(srcset))
			}
			return
		}
		if src, ok := s.Attr("src"); ok {
			urls = appendImage(urls, src)
		}
		if src, ok := s.Attr("data-src"); ok {
			urls = appendImage(urls, src)
		}
	})
	return urls
}

// htmlVideo returns the first playable source in the fragment.
func htmlVideo(fragment string) string {
	doc := parseHTML(fragment)
	if doc == nil {
		return ""
	}

	for _, selector := range []string{"video source[src]", "video[src]", "iframe[src]", "embed[src]"} {
		if src, ok := doc.Find(selector).First().Attr("src"); ok {
			if src = absoluteURL(src); src != "" {
				return src
			}
		}
	}
	return ""
}

func htmlKind(fragment string) (Kind, bool) {
	doc := parseHTML(fragment)
	if doc == nil {
		return "", false
	}
	if doc.Find("video, iframe, embed").Length() > 0 {
		return KindVideo, true
	}
	if doc.Find("img").Length() > 0 {
		return KindPhoto, true
	}
	return "", false
}

func appendImage(urls []string, candidate string) []string {
	candidate = absoluteURL(candidate)
	if candidate == "" || isTracking(candidate) {
		return urls
	}
	return append(urls, candidate)
}

func absoluteURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		return raw
	}
	return ""
}

func isTracking(u string) bool {
	lower := strings.ToLower(u)
	for _, marker := range trackingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// largestSrcset picks the candidate with the widest descriptor, or the last
// one when no widths are given.
func largestSrcset(srcset string) string {
	best, bestWidth := "", -1
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) == 0 {
			continue
		}
		width := 0
		if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
			width, _ = strconv.Atoi(strings.TrimSuffix(fields[1], "w"))
		}
		if width >= bestWidth {
			best, bestWidth = fields[0], width
		}
	}
	return best
}

func isImageURL(u string) bool {
	return absoluteURL(u) != "" && imageExtension.MatchString(u)
}

// stripHTML replaces every tag with a single space and collapses whitespace.
func stripHTML(fragment string) string {
	if fragment == "" {
		return ""
	}

	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(fragment))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return cleanText(b.String())
		case html.TextToken:
			b.Write(tokenizer.Text())
		default:
			b.WriteByte(' ')
		}
	}
}

func cleanText(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

// truncate caps s at limit runes, ending with "..." when shortened.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit-3])) + "..."
}
