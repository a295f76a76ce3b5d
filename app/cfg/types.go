package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath string

	// Control API
	Port           string
	APIAccessKey   string
	AllowedOrigins []string

	// Upstream feed API
	TumblrAPIKey   string
	TumblrBaseURL  string
	CorsRelay      string
	FallbackRelays []string
	RequestTimeout int

	// Delivery and sync
	DeliveryDelayMs int
	SyncInterval    int
	WorkerCount     int
	WebhookUsername string
	ConnectionsDir  string

	// Stable-id lookup relay
	LookupRelayURL string
	LookupRelayKey string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}

func (c *Cfg) GetRequestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.RequestTimeout) * time.Second
}

func (c *Cfg) GetDeliveryDelay() time.Duration {
	if c.DeliveryDelayMs <= 0 {
		return 1000 * time.Millisecond
	}
	return time.Duration(c.DeliveryDelayMs) * time.Millisecond
}

// GetSyncInterval returns zero when auto-sync is disabled.
func (c *Cfg) GetSyncInterval() time.Duration {
	if c.SyncInterval <= 0 {
		return 0
	}
	return time.Duration(c.SyncInterval) * time.Second
}
