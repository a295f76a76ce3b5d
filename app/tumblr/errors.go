package tumblr

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrFeedNotFound = errors.New("feed not found")
	ErrAuth         = errors.New("missing or invalid API credential")
)

// TransportError is returned when every relay candidate failed.
type TransportError struct {
	Target   string
	Attempts []error
}

func (e *TransportError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no relay available for %s", e.Target)
	}
	return fmt.Sprintf("all %d relays failed for %s: %v", len(e.Attempts), e.Target, e.Attempts[len(e.Attempts)-1])
}

func (e *TransportError) Unwrap() []error {
	return e.Attempts
}

var apiKeyParam = regexp.MustCompile(`(api_key(=|%3D))[^&%]*`)

// redact hides the credential in URLs that end up in errors and logs.
func redact(target string) string {
	return apiKeyParam.ReplaceAllString(target, "${1}***")
}
