package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	maxRelayBytes     = 10 * 1024 * 1024
	maxRelayRedirects = 10
)

var errRedirectNotAllowed = errors.New("redirect target host is not allowed")

type ServerConfig struct {
	// AllowedHosts lists hosts the CORS relay forwards to. An entry starting
	// with a dot matches any subdomain.
	AllowedHosts []string
	APIKey       string
	Store        Store
	HTTPClient   *http.Client
	UserAgent    string
}

type Handler struct {
	allowed    []string
	apiKey     string
	store      Store
	httpClient *http.Client
	userAgent  string
}

func NewHandler(cfg ServerConfig) *Handler {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.HTTPClient != nil {
		copied := *cfg.HTTPClient
		httpClient = &copied
	}

	var allowed []string
	for _, host := range cfg.AllowedHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			allowed = append(allowed, host)
		}
	}

	h := &Handler{
		allowed:    allowed,
		apiKey:     cfg.APIKey,
		store:      cfg.Store,
		httpClient: httpClient,
		userAgent:  cfg.UserAgent,
	}
	httpClient.CheckRedirect = h.checkRedirect

	return h
}

// checkRedirect holds every hop to the same allowlist as the first request.
func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRelayRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRelayRedirects)
	}
	if (req.URL.Scheme != "http" && req.URL.Scheme != "https") || !h.hostAllowed(req.URL.Hostname()) {
		return fmt.Errorf("%w: %s", errRedirectNotAllowed, req.URL.Hostname())
	}
	return nil
}

// NewServer builds the relay engine: the CORS relay on / and the stable-id
// lookup and publish endpoints.
func NewServer(handler *Handler) *gin.Engine {
	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %d %s\" %s\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.StatusCode,
				param.Latency,
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	r.GET("/", handler.Relay)
	r.GET("/health", handler.Health)
	r.GET("/lookup", handler.Lookup)
	r.POST("/upload", handler.Upload)

	return r
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-API-Key")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// Relay forwards GET ?url= to an allowed host and returns the body verbatim.
func (h *Handler) Relay(c *gin.Context) {
	raw := c.Query("url")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url parameter is required"})
		return
	}

	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url must be an absolute http(s) URL"})
		return
	}

	if !h.hostAllowed(target.Hostname()) {
		slog.Warn("Relay target rejected", "host", target.Hostname())
		c.JSON(http.StatusForbidden, gin.H{"error": "target host is not allowed"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target"})
		return
	}
	if h.userAgent != "" {
		req.Header.Set("User-Agent", h.userAgent)
	}
	if accept := c.GetHeader("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := h.httpClient.Do(req)
	if errors.Is(err, errRedirectNotAllowed) {
		slog.Warn("Relay redirect rejected", "host", target.Hostname(), "error", err)
		c.JSON(http.StatusForbidden, gin.H{"error": "redirect target host is not allowed"})
		return
	}
	if err != nil {
		slog.Warn("Relay request failed", "host", target.Hostname(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream request failed"})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRelayBytes))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read upstream response"})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(resp.StatusCode, contentType, body)
}

func (h *Handler) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, allowed := range h.allowed {
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

func (h *Handler) Health(c *gin.Context) {
	status := gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"store":     h.store != nil,
	}
	if h.store != nil {
		if err := h.store.Ping(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["error"] = err.Error()
		}
	}
	c.JSON(http.StatusOK, status)
}

const storeSetup = "No key-value store is configured. Start the relay with --redis-url (or REDIS_URL) pointing at a Redis server to enable stable-id publishing."

func (h *Handler) Lookup(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "store not configured", "setup": storeSetup})
		return
	}

	connectionID := c.Query("connectionId")
	mediaID := c.Query("mediaId")
	if connectionID == "" || mediaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connectionId and mediaId are required"})
		return
	}

	m, err := h.store.Load(c.Request.Context())
	if err != nil {
		slog.Error("Failed to load stable id map", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}

	remoteID, ok := m.Lookup(connectionID, mediaID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connectionId": connectionID,
		"mediaId":      mediaID,
		"remoteItemId": remoteID,
	})
}

type uploadRequest struct {
	Map StableIDMap `json:"map" binding:"required"`
}

func (h *Handler) Upload(c *gin.Context) {
	if h.store == nil || h.apiKey == "" {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "store not configured", "setup": storeSetup + " An upload key (--api-key) is also required."})
		return
	}

	if c.GetHeader("X-API-Key") != h.apiKey {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API key"})
		return
	}

	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"map\": {...}}"})
		return
	}

	if err := h.store.Save(c.Request.Context(), req.Map); err != nil {
		slog.Error("Failed to save stable id map", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}

	slog.Info("Stable id map published", "connections", len(req.Map))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
