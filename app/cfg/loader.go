package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath string `long:"db-path" env:"DB_PATH" default:"./tumblhook.db" description:"SQLite database file"`

	// Control API
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for the control API (optional)"`
	// Host patterns, e.g. dashboard.example.com or *.example.com
	AllowedOrigins []string `long:"allowed-origin" env:"ALLOWED_ORIGINS" env-delim:"," description:"Cross-origin hosts allowed to open the event stream"`

	// Upstream feed API
	TumblrAPIKey   string   `long:"tumblr-api-key" env:"TUMBLR_API_KEY" description:"Tumblr API consumer key"`
	TumblrBaseURL  string   `long:"tumblr-base-url" env:"TUMBLR_BASE_URL" default:"https://api.tumblr.com/v2" description:"Tumblr API base URL"`
	CorsRelay      string   `long:"cors-relay" env:"CORS_RELAY" description:"Preferred relay URL, tried before the fallback relays (e.g. https://relay.example.com/?url=)"`
	FallbackRelays []string `long:"fallback-relay" env:"FALLBACK_RELAYS" env-delim:"," description:"Fallback relay URL prefixes; 'direct' means no relay"`
	RequestTimeout int      `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"30" description:"Timeout in seconds for each outbound request"`

	// Delivery and sync
	DeliveryDelayMs int    `long:"delivery-delay" env:"DELIVERY_DELAY_MS" default:"1000" description:"Minimum delay in milliseconds between webhook sends"`
	SyncInterval    int    `long:"sync-interval" env:"SYNC_INTERVAL" default:"900" description:"Auto-sync interval in seconds (0 disables auto-sync)"`
	WorkerCount     int    `long:"worker-count" env:"WORKER_COUNT" default:"1" description:"Number of background task workers"`
	WebhookUsername string `long:"webhook-username" env:"WEBHOOK_USERNAME" default:"Tumblhook" description:"Username shown on webhook messages"`
	ConnectionsDir  string `long:"connections-dir" env:"CONNECTIONS_DIR" description:"Directory of YAML connection files (optional)"`

	// Stable-id lookup relay
	LookupRelayURL string `long:"lookup-relay-url" env:"LOOKUP_RELAY_URL" description:"Stable-id lookup relay base URL (optional)"`
	LookupRelayKey string `long:"lookup-relay-key" env:"LOOKUP_RELAY_KEY" description:"API key for publishing to the lookup relay"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Tumblhook/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	return LoadArgs(nil)
}

// LoadArgs parses the given arguments instead of os.Args when args is non-nil.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:          raw.DBPath,
		Port:            raw.Port,
		APIAccessKey:    raw.APIAccessKey,
		AllowedOrigins:  raw.AllowedOrigins,
		TumblrAPIKey:    raw.TumblrAPIKey,
		TumblrBaseURL:   raw.TumblrBaseURL,
		CorsRelay:       raw.CorsRelay,
		FallbackRelays:  raw.FallbackRelays,
		RequestTimeout:  raw.RequestTimeout,
		DeliveryDelayMs: raw.DeliveryDelayMs,
		SyncInterval:    raw.SyncInterval,
		WorkerCount:     raw.WorkerCount,
		WebhookUsername: raw.WebhookUsername,
		ConnectionsDir:  raw.ConnectionsDir,
		LookupRelayURL:  raw.LookupRelayURL,
		LookupRelayKey:  raw.LookupRelayKey,
		UserAgent:       raw.UserAgent,
		Timezone:        raw.Timezone,
		Debug:           raw.Debug,
		Version:         GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
