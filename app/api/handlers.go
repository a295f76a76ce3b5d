package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/tumblhook/app/backup"
	"github.com/lysyi3m/tumblhook/app/connections"
	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/settings"
	"github.com/lysyi3m/tumblhook/app/syncer"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

const maxImportBytes = 20 * 1024 * 1024

func NewHandler(config HandlerConfig) *Handler {
	return &Handler{
		engine:      config.Engine,
		manager:     config.Manager,
		connections: config.Connections,
		ledger:      config.Ledger,
		activity:    config.Activity,
		documents:   config.Documents,
		settings:    config.Settings,
		backup:      config.Backup,
		events:      config.Events,
		queue:       config.Queue,
		publisher:   config.Publisher,
		version:     config.Version,
		startedAt:   time.Now(),
		origins:     config.AllowedOrigins,
	}
}

// respond writes the {message, severity} shape user-facing operations return.
func respond(c *gin.Context, status int, message string, severity syncer.Severity, extra gin.H) {
	body := gin.H{"message": message, "severity": severity}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

func respondError(c *gin.Context, operation string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "operation", operation, "error", err)
	} else {
		slog.Debug("Request rejected", "operation", operation, "error", err)
	}

	message, severity := syncer.Describe(err)
	respond(c, status, message, severity, nil)
}

func statusFor(err error) int {
	var rateLimited *discord.RateLimitedError
	var deliveryErr *discord.DeliveryError
	var transportErr *tumblr.TransportError

	switch {
	case errors.Is(err, syncer.ErrConnectionNotFound), errors.Is(err, tumblr.ErrFeedNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrBusy), errors.Is(err, connections.ErrDuplicate), errors.Is(err, connections.ErrManaged):
		return http.StatusConflict
	case errors.Is(err, connections.ErrInvalidHandle), errors.Is(err, connections.ErrInvalidKind),
		errors.Is(err, discord.ErrInvalidSink), errors.Is(err, settings.ErrInvalidSettings),
		errors.Is(err, backup.ErrInvalidBackup):
		return http.StatusBadRequest
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tumblr.ErrAuth), errors.As(err, &deliveryErr), errors.As(err, &transportErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (h *Handler) GetHealth(c *gin.Context) {
	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().In(time.Local).Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
	}

	if all, err := h.connections.ListConnections(database.ConnectionFilter{}); err == nil {
		health["connections"] = len(all)
	} else {
		health["status"] = "degraded"
		health["error"] = err.Error()
	}

	if h.queue != nil {
		health["pending_deliveries"] = h.queue.Pending()
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) connectionView(conn database.Connection) connectionView {
	view := connectionView{
		ID:         conn.ID,
		Blog:       conn.BlogHandle,
		Name:       conn.Name,
		WebhookURL: conn.WebhookURL,
		Kinds:      conn.Kinds,
		Enabled:    conn.Enabled,
		ConfigName: conn.ConfigName,
		CreatedAt:  conn.CreatedAt,
		LastSyncAt: conn.LastSyncAt,
	}
	if view.Kinds == nil {
		view.Kinds = []string{}
	}
	if ids, err := h.ledger.SyncedIDs(conn.ID); err == nil {
		view.SyncedCount = len(ids)
	}
	return view
}

func (h *Handler) ListConnections(c *gin.Context) {
	filter := database.ConnectionFilter{
		EnabledOnly: c.Query("enabled") == "true",
		BlogHandle:  c.Query("blog"),
	}

	all, err := h.connections.ListConnections(filter)
	if err != nil {
		respondError(c, "list_connections", err)
		return
	}

	views := make([]connectionView, 0, len(all))
	for _, conn := range all {
		views = append(views, h.connectionView(conn))
	}

	c.JSON(http.StatusOK, gin.H{
		"connections": views,
		"total":       len(views),
	})
}

func (h *Handler) GetConnection(c *gin.Context) {
	conn, err := h.connections.GetConnection(c.Param("id"))
	if err != nil {
		respondError(c, "get_connection", err)
		return
	}
	if conn == nil {
		respondError(c, "get_connection", syncer.ErrConnectionNotFound)
		return
	}

	c.JSON(http.StatusOK, h.connectionView(*conn))
}

func (h *Handler) CreateConnection(c *gin.Context) {
	var input connections.Input
	if err := c.ShouldBindJSON(&input); err != nil {
		respond(c, http.StatusBadRequest, "blog and webhook_url are required", syncer.SeverityError, nil)
		return
	}

	if input.Kinds == nil {
		input.Kinds = h.settings.Effective().DefaultKinds
	}

	conn, err := h.manager.Create(c.Request.Context(), input)
	if err != nil {
		respondError(c, "create_connection", err)
		return
	}

	respond(c, http.StatusCreated, fmt.Sprintf("Connected %s", conn.Name), syncer.SeveritySuccess,
		gin.H{"connection": h.connectionView(*conn)})
}

func (h *Handler) UpdateConnection(c *gin.Context) {
	var patch connections.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respond(c, http.StatusBadRequest, "Invalid request body", syncer.SeverityError, nil)
		return
	}

	conn, err := h.manager.Update(c.Param("id"), patch)
	if err != nil {
		respondError(c, "update_connection", err)
		return
	}

	respond(c, http.StatusOK, fmt.Sprintf("%s updated", conn.Name), syncer.SeveritySuccess,
		gin.H{"connection": h.connectionView(*conn)})
}

func (h *Handler) DeleteConnection(c *gin.Context) {
	if err := h.manager.Delete(c.Param("id")); err != nil {
		respondError(c, "delete_connection", err)
		return
	}

	respond(c, http.StatusOK, "Connection deleted", syncer.SeveritySuccess, nil)
}

func (h *Handler) SyncConnection(c *gin.Context) {
	result, err := h.engine.SyncConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "sync_connection", err)
		return
	}

	message, severity := result.Message()
	respond(c, http.StatusOK, message, severity, gin.H{"result": result})
}

func (h *Handler) BackfillConnection(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "days must be a positive number", syncer.SeverityError, nil)
		return
	}

	kinds, err := connections.ValidateKinds(req.Kinds)
	if err != nil {
		respondError(c, "backfill_connection", err)
		return
	}

	result, err := h.engine.Backfill(c.Request.Context(), c.Param("id"), req.Days, kinds)
	if err != nil {
		respondError(c, "backfill_connection", err)
		return
	}

	message, severity := result.Message()
	respond(c, http.StatusOK, message, severity, gin.H{"result": result})
}

func (h *Handler) ResetConnection(c *gin.Context) {
	if err := h.engine.ResetConnection(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "reset_connection", err)
		return
	}

	respond(c, http.StatusOK, "Sync history cleared, earlier Discord messages were left in place", syncer.SeveritySuccess, nil)
}

func (h *Handler) TestConnection(c *gin.Context) {
	if err := h.manager.TestSink(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, "test_connection", err)
		return
	}

	respond(c, http.StatusOK, "Test message sent", syncer.SeveritySuccess, nil)
}

func (h *Handler) SyncAll(c *gin.Context) {
	summary, err := h.engine.SyncAll(c.Request.Context())
	if err != nil {
		respondError(c, "sync_all", err)
		return
	}

	if h.publisher != nil {
		h.publisher.PublishStableIDs()
	}

	message, severity := summary.Message()
	respond(c, http.StatusOK, message, severity, gin.H{"summary": summary})
}

func (h *Handler) ListActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	entries, err := h.activity.ListActivity(c.Query("connection"), limit)
	if err != nil {
		respondError(c, "list_activity", err)
		return
	}

	views := make([]activityView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newActivityView(entry))
	}

	c.JSON(http.StatusOK, gin.H{
		"activity": views,
		"total":    len(views),
	})
}

func (h *Handler) ClearActivity(c *gin.Context) {
	if err := h.activity.ClearActivity(); err != nil {
		respondError(c, "clear_activity", err)
		return
	}

	respond(c, http.StatusOK, "Activity log cleared", syncer.SeveritySuccess, nil)
}

func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.documents.GetStats()
	if err != nil {
		respondError(c, "get_stats", err)
		return
	}

	all, err := h.connections.ListConnections(database.ConnectionFilter{})
	if err != nil {
		respondError(c, "get_stats", err)
		return
	}

	enabled := 0
	for _, conn := range all {
		if conn.Enabled {
			enabled++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"total_delivered":     stats.TotalDelivered,
		"total_failed":        stats.TotalFailed,
		"last_sync_at":        stats.LastSyncAt,
		"connections":         len(all),
		"enabled_connections": enabled,
	})
}

func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings":  h.settings.Stored().Masked(),
		"effective": h.settings.Effective().Masked(),
	})
}

func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch settings.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respond(c, http.StatusBadRequest, "Invalid request body", syncer.SeverityError, nil)
		return
	}

	stored, err := h.settings.Update(patch)
	if err != nil {
		respondError(c, "update_settings", err)
		return
	}

	respond(c, http.StatusOK, "Settings saved", syncer.SeveritySuccess, gin.H{
		"settings":  stored.Masked(),
		"effective": h.settings.Effective().Masked(),
	})
}

func (h *Handler) Export(c *gin.Context) {
	doc, err := h.backup.Export()
	if err != nil {
		respondError(c, "export", err)
		return
	}

	filename := fmt.Sprintf("tumblhook-backup-%s.json", doc.ExportedAt.Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) Import(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		respond(c, http.StatusBadRequest, "Failed to read backup", syncer.SeverityError, nil)
		return
	}

	result, err := h.backup.Import(data)
	if err != nil {
		respondError(c, "import", err)
		return
	}

	if h.publisher != nil {
		h.publisher.PublishStableIDs()
	}

	message := fmt.Sprintf("Imported %d connections", result.Connections)
	respond(c, http.StatusOK, message, syncer.SeveritySuccess, gin.H{"result": result})
}
