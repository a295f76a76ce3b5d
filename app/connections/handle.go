package connections

import (
	"errors"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var ErrInvalidHandle = errors.New("invalid blog name or URL")

var handlePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)

var lower = cases.Lower(language.Und)

// NormalizeHandle reduces the forms users paste (blog URLs, dashboard URLs,
// @mentions and bare names) to a lowercase blog handle. Custom domains are
// kept whole.
func NormalizeHandle(input string) (string, error) {
	s := strings.TrimPrefix(strings.TrimSpace(input), "@")
	if s == "" {
		return "", ErrInvalidHandle
	}

	if strings.Contains(s, "/") {
		if !strings.Contains(s, "://") {
			s = "https://" + s
		}
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return "", ErrInvalidHandle
		}
		s = handleFromURL(u)
	}

	s = strings.TrimPrefix(lower.String(s), "www.")
	s = strings.TrimSuffix(s, ".tumblr.com")

	if s == "tumblr.com" || len(s) > 253 || !handlePattern.MatchString(s) {
		return "", ErrInvalidHandle
	}
	return s, nil
}

func handleFromURL(u *url.URL) string {
	host := strings.TrimPrefix(lower.String(u.Hostname()), "www.")
	if host != "tumblr.com" {
		return host
	}

	var segments []string
	for _, segment := range strings.Split(u.Path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	switch {
	case len(segments) == 0:
		return ""
	case len(segments) >= 3 && segments[0] == "blog" && segments[1] == "view":
		return segments[2]
	case segments[0] == "blog" && len(segments) >= 2:
		return segments[1]
	}
	return segments[0]
}
