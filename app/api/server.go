package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates the control API engine with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/health", handler.GetHealth)

	api := r.Group("/api")
	if apiAccessKey != "" {
		api.Use(authMiddleware(apiAccessKey))
		slog.Info("Control API enabled with authentication")
	} else {
		slog.Warn("Control API enabled without authentication (API_ACCESS_KEY not set)")
	}
	{
		api.GET("/connections", handler.ListConnections)
		api.POST("/connections", handler.CreateConnection)
		api.GET("/connections/:id", handler.GetConnection)
		api.PATCH("/connections/:id", handler.UpdateConnection)
		api.DELETE("/connections/:id", handler.DeleteConnection)
		api.POST("/connections/:id/sync", handler.SyncConnection)
		api.POST("/connections/:id/backfill", handler.BackfillConnection)
		api.POST("/connections/:id/reset", handler.ResetConnection)
		api.POST("/connections/:id/test", handler.TestConnection)

		api.POST("/sync", handler.SyncAll)

		api.GET("/activity", handler.ListActivity)
		api.DELETE("/activity", handler.ClearActivity)
		api.GET("/events", handler.Events)

		api.GET("/stats", handler.GetStats)

		api.GET("/settings", handler.GetSettings)
		api.PATCH("/settings", handler.UpdateSettings)

		api.GET("/export", handler.Export)
		api.POST("/import", handler.Import)
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "Tumblhook",
			"version":     handler.version,
			"description": "Delivers new Tumblr posts to Discord webhooks",
			"endpoints": map[string]string{
				"health":      "/health",
				"connections": "/api/connections",
				"sync":        "/api/sync (POST)",
				"activity":    "/api/activity",
				"events":      "/api/events (websocket)",
				"settings":    "/api/settings",
				"export":      "/api/export",
				"import":      "/api/import (POST)",
			},
			"auth_required": apiAccessKey != "",
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
}

// authMiddleware accepts the key in X-API-Key, as a bearer token, or in the
// api_key query parameter for websocket clients that cannot set headers.
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			providedKey = c.Query("api_key")
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
