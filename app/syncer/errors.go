package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

var (
	ErrBusy               = errors.New("a sync is already running")
	ErrConnectionNotFound = errors.New("connection not found")
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Describe maps an error to a short user-facing message and severity.
func Describe(err error) (string, Severity) {
	if err == nil {
		return "Done", SeveritySuccess
	}

	var transportErr *tumblr.TransportError
	var rateLimited *discord.RateLimitedError
	var deliveryErr *discord.DeliveryError

	switch {
	case errors.Is(err, ErrBusy):
		return "A sync is already running, try again when it finishes", SeverityWarning
	case errors.Is(err, ErrConnectionNotFound):
		return "Connection not found", SeverityError
	case errors.Is(err, tumblr.ErrAuth):
		return "Tumblr API key is missing or invalid, update it in settings", SeverityError
	case errors.Is(err, tumblr.ErrFeedNotFound):
		return "Blog not found, check the blog name", SeverityError
	case errors.As(err, &transportErr):
		return "Could not reach Tumblr through any relay", SeverityError
	case errors.Is(err, discord.ErrInvalidSink):
		return "Invalid Discord webhook URL", SeverityError
	case errors.As(err, &rateLimited):
		return fmt.Sprintf("Discord rate limit hit, retry in %.0fs", math.Ceil(rateLimited.RetryAfter.Seconds())), SeverityWarning
	case errors.As(err, &deliveryErr):
		return fmt.Sprintf("Discord rejected the message (status %d)", deliveryErr.StatusCode), SeverityError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Sync cancelled", SeverityWarning
	}

	return err.Error(), SeverityError
}

// fatal errors end the pass instead of counting as a failed page.
func fatal(err error) bool {
	return errors.Is(err, tumblr.ErrAuth) ||
		errors.Is(err, tumblr.ErrFeedNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
