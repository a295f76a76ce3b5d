package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/normalize"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

const (
	IncrementalLimit = 200
	BackfillLimit    = 500

	// consecutive page failures before pagination stops early
	maxPageFailures = 2

	defaultLookback   = 24 * time.Hour
	defaultRetryDelay = 2 * time.Second
)

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeBackfill    Mode = "backfill"
)

// Result is the outcome of one connection pass.
type Result struct {
	ConnectionID   string `json:"connection_id"`
	ConnectionName string `json:"connection_name"`
	Mode           Mode   `json:"mode"`
	Examined       int    `json:"examined"`
	Delivered      int    `json:"delivered"`
	Failed         int    `json:"failed"`
	Skipped        int    `json:"skipped"`
	Partial        bool   `json:"partial"`
	LimitReached   bool   `json:"limit_reached"`
	Discarded      bool   `json:"discarded"`
}

// Message renders the activity-log line for the pass.
func (r *Result) Message() (string, Severity) {
	prefix := r.ConnectionName
	if r.Mode == ModeBackfill {
		prefix += ": backfill"
	} else {
		prefix += ":"
	}

	msg := fmt.Sprintf("%s %d posts synced", prefix, r.Delivered)
	if r.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Partial {
		msg += " (stopped early after repeated fetch errors)"
	}
	if r.LimitReached {
		msg += " (item limit reached)"
	}

	switch {
	case r.Failed > 0 && r.Delivered == 0:
		return msg, SeverityError
	case r.Failed > 0 || r.Partial:
		return msg, SeverityWarning
	case r.Delivered == 0:
		return msg, SeverityInfo
	}
	return msg, SeveritySuccess
}

// Summary aggregates a sync-all run.
type Summary struct {
	Connections int      `json:"connections"`
	Delivered   int      `json:"delivered"`
	Failed      int      `json:"failed"`
	Errors      int      `json:"errors"`
	Aborted     error    `json:"-"`
	Results     []Result `json:"results"`
}

func (s *Summary) Message() (string, Severity) {
	msg := fmt.Sprintf("Sync complete: %d posts synced across %d connections", s.Delivered, s.Connections)
	if s.Failed > 0 {
		msg += fmt.Sprintf(", %d failed", s.Failed)
	}
	if s.Errors > 0 {
		msg += fmt.Sprintf(", %d connection errors", s.Errors)
	}
	if s.Aborted != nil {
		reason, _ := Describe(s.Aborted)
		return msg + ". Stopped: " + reason, SeverityError
	}

	switch {
	case s.Errors > 0 || s.Failed > 0:
		return msg, SeverityWarning
	case s.Delivered == 0:
		return msg, SeverityInfo
	}
	return msg, SeveritySuccess
}

// Engine runs sync passes. Only one pass runs at a time; callers that find
// the engine busy get ErrBusy. A pass that has started runs to completion even
// when the caller's context ends: the watermark moves at the end of every pass,
// so an interrupted pass would skip the items it had not delivered yet.
// Outbound calls keep their own per-request timeouts.
type Engine struct {
	source      Source
	ledger      Ledger
	connections Connections
	activity    ActivityLog
	stats       Stats
	delivery    Delivery

	mu sync.Mutex

	hookMu     sync.RWMutex
	onActivity []func(database.ActivityEntry)

	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	retryDelay time.Duration
}

func NewEngine(source Source, ledger Ledger, connections Connections, activity ActivityLog, stats Stats, delivery Delivery) *Engine {
	return &Engine{
		source:      source,
		ledger:      ledger,
		connections: connections,
		activity:    activity,
		stats:       stats,
		delivery:    delivery,
		now:         time.Now,
		sleep:       sleepContext,
		retryDelay:  defaultRetryDelay,
	}
}

// OnActivity registers a listener for every recorded activity entry.
func (e *Engine) OnActivity(fn func(database.ActivityEntry)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.onActivity = append(e.onActivity, fn)
}

// SyncConnection runs an incremental pass using the connection's kind filter.
func (e *Engine) SyncConnection(ctx context.Context, connectionID string) (*Result, error) {
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	defer e.mu.Unlock()

	conn, err := e.loadConnection(connectionID)
	if err != nil {
		return nil, err
	}

	return e.run(context.WithoutCancel(ctx), *conn, passOptions{mode: ModeIncremental, kinds: conn.Kinds})
}

// Backfill delivers items from the last days days. An empty kinds list
// delivers every kind regardless of the connection's filter.
func (e *Engine) Backfill(ctx context.Context, connectionID string, days int, kinds []string) (*Result, error) {
	if days <= 0 {
		return nil, fmt.Errorf("backfill days must be positive, got %d", days)
	}
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	defer e.mu.Unlock()

	conn, err := e.loadConnection(connectionID)
	if err != nil {
		return nil, err
	}

	return e.run(context.WithoutCancel(ctx), *conn, passOptions{mode: ModeBackfill, days: days, kinds: kinds})
}

// SyncAll runs an incremental pass for every enabled connection, one after
// another. Per-connection errors are counted; only a credential error stops
// the remaining connections. Cancelling ctx stops SyncAll before the next
// connection, never inside a pass.
func (e *Engine) SyncAll(ctx context.Context) (*Summary, error) {
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	defer e.mu.Unlock()

	connections, err := e.connections.ListConnections(database.ConnectionFilter{EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	pass := context.WithoutCancel(ctx)
	summary := &Summary{}
	for _, conn := range connections {
		if ctx.Err() != nil {
			summary.Aborted = ctx.Err()
			break
		}

		summary.Connections++
		result, err := e.run(pass, conn, passOptions{mode: ModeIncremental, kinds: conn.Kinds})
		if err != nil {
			summary.Errors++
			slog.Warn("Connection sync failed", "connection", conn.ID, "name", conn.Name, "error", err)
			if errors.Is(err, tumblr.ErrAuth) {
				summary.Aborted = err
				break
			}
			continue
		}

		summary.Delivered += result.Delivered
		summary.Failed += result.Failed
		summary.Results = append(summary.Results, *result)
	}

	msg, severity := summary.Message()
	e.record(database.ActivityEntry{
		Message:   msg,
		Severity:  string(severity),
		Delivered: summary.Delivered,
		Failed:    summary.Failed,
	})

	slog.Info("Sync all completed",
		"connections", summary.Connections,
		"delivered", summary.Delivered,
		"failed", summary.Failed,
		"errors", summary.Errors)

	return summary, nil
}

// ResetConnection forgets what was delivered for a connection and posts a
// notice to its webhook. Messages already in the channel are not deleted.
func (e *Engine) ResetConnection(ctx context.Context, connectionID string) error {
	if !e.mu.TryLock() {
		return ErrBusy
	}
	defer e.mu.Unlock()

	conn, err := e.loadConnection(connectionID)
	if err != nil {
		return err
	}

	if err := e.ledger.ClearSynced(conn.ID); err != nil {
		return fmt.Errorf("failed to clear sync history: %w", err)
	}

	notice := fmt.Sprintf("Sync history for %s was cleared. Messages already posted here were not deleted and posts may be delivered again.", conn.Name)
	if err := e.delivery.SendNotice(ctx, conn.WebhookURL, "Sync history cleared", notice); err != nil {
		slog.Warn("Failed to post reset notice", "connection", conn.ID, "error", err)
	}

	e.record(database.ActivityEntry{
		ConnectionID: conn.ID,
		Message:      conn.Name + ": sync history cleared",
		Severity:     string(SeverityInfo),
	})

	return nil
}

func (e *Engine) loadConnection(id string) (*database.Connection, error) {
	conn, err := e.connections.GetConnection(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if conn == nil {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

type passOptions struct {
	mode  Mode
	days  int
	kinds []string
}

func (e *Engine) run(ctx context.Context, conn database.Connection, opts passOptions) (*Result, error) {
	started := e.now()
	result := &Result{ConnectionID: conn.ID, ConnectionName: conn.Name, Mode: opts.mode}

	cutoff, limit := started.Add(-defaultLookback), IncrementalLimit
	switch {
	case opts.mode == ModeBackfill:
		cutoff, limit = started.AddDate(0, 0, -opts.days), BackfillLimit
	case conn.LastSyncAt != nil:
		cutoff = *conn.LastSyncAt
	}

	slog.Debug("Sync pass started", "connection", conn.ID, "mode", opts.mode, "cutoff", cutoff, "limit", limit)

	posts, err := e.fetch(ctx, conn, cutoff, limit, result)
	if err != nil {
		e.recordFailure(conn, err)
		return nil, err
	}

	items := e.pending(conn, posts, opts.kinds, result)

	if err := e.deliverAll(ctx, conn, items, result); err != nil {
		e.recordFailure(conn, err)
		return nil, err
	}

	// A connection deleted while the pass ran keeps no trace of it.
	current, err := e.connections.GetConnection(conn.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload connection: %w", err)
	}
	if current == nil {
		result.Discarded = true
		slog.Info("Connection removed during sync, result discarded", "connection", conn.ID)
		return result, nil
	}

	now := e.now()
	if err := e.connections.UpdateLastSync(conn.ID, &now); err != nil {
		return nil, fmt.Errorf("failed to update last sync: %w", err)
	}
	if err := e.stats.RecordSync(result.Delivered, result.Failed, now); err != nil {
		slog.Warn("Failed to record stats", "error", err)
	}

	msg, severity := result.Message()
	e.record(database.ActivityEntry{
		ConnectionID: conn.ID,
		Message:      msg,
		Severity:     string(severity),
		Delivered:    result.Delivered,
		Failed:       result.Failed,
	})

	slog.Info("Sync pass completed",
		"connection", conn.ID,
		"mode", opts.mode,
		"examined", result.Examined,
		"delivered", result.Delivered,
		"failed", result.Failed,
		"skipped", result.Skipped,
		"partial", result.Partial,
		"limit_reached", result.LimitReached,
		"duration", e.now().Sub(started))

	return result, nil
}

// fetch pages from offset 0 until an item at or before the cutoff, an empty
// page, the end of the feed or the item limit.
func (e *Engine) fetch(ctx context.Context, conn database.Connection, cutoff time.Time, limit int, result *Result) ([]tumblr.Post, error) {
	var posts []tumblr.Post
	offset, failures := 0, 0

	for {
		page, err := e.source.Posts(ctx, conn.BlogHandle, tumblr.PostsQuery{Limit: tumblr.MaxPageSize, Offset: offset})
		if err != nil {
			if fatal(err) {
				return nil, err
			}

			failures++
			slog.Warn("Page fetch failed", "connection", conn.ID, "offset", offset, "attempt", failures, "error", err)
			if failures >= maxPageFailures {
				result.Partial = true
				return posts, nil
			}
			if err := e.sleep(ctx, e.retryDelay); err != nil {
				return nil, err
			}
			continue
		}
		failures = 0

		if len(page.Posts) == 0 {
			return posts, nil
		}

		for _, post := range page.Posts {
			if !post.Time().After(cutoff) {
				// pinned posts sit on top regardless of age
				if post.IsPinned {
					continue
				}
				return posts, nil
			}

			posts = append(posts, post)
			result.Examined++
			if result.Examined >= limit {
				result.LimitReached = true
				return posts, nil
			}
		}

		offset += len(page.Posts)
		if page.TotalPosts > 0 && offset >= page.TotalPosts {
			return posts, nil
		}
	}
}

// pending normalizes fetched posts and keeps unseen items of allowed kinds,
// oldest first.
func (e *Engine) pending(conn database.Connection, posts []tumblr.Post, kinds []string, result *Result) []normalize.Item {
	seen := make(map[string]bool, len(posts))
	var items []normalize.Item

	for _, post := range posts {
		item := normalize.Normalize(post)
		if item.RemoteID == "" || seen[item.RemoteID] {
			result.Skipped++
			continue
		}
		seen[item.RemoteID] = true

		if len(kinds) > 0 && !slices.Contains(kinds, string(item.Kind)) {
			result.Skipped++
			continue
		}

		synced, err := e.ledger.IsSynced(conn.ID, item.RemoteID)
		if err != nil {
			slog.Warn("Failed to check ledger, skipping item", "connection", conn.ID, "remote_id", item.RemoteID, "error", err)
			result.Failed++
			continue
		}
		if synced {
			result.Skipped++
			continue
		}

		items = append(items, item)
	}

	// provider order is newest first
	slices.Reverse(items)
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.Before(items[j].Timestamp)
	})

	return items
}

func (e *Engine) deliverAll(ctx context.Context, conn database.Connection, items []normalize.Item, result *Result) error {
	for _, item := range items {
		stableID, err := e.ledger.StableID(conn.ID, item.RemoteID)
		if err != nil {
			slog.Warn("Failed to assign stable id", "connection", conn.ID, "remote_id", item.RemoteID, "error", err)
			result.Failed++
			continue
		}

		env := discord.Envelope{StableID: stableID, ConnectionName: conn.Name}
		err = e.send(ctx, conn.WebhookURL, item, env)
		if errors.Is(err, discord.ErrInvalidSink) {
			return err
		}
		if err != nil {
			slog.Warn("Delivery failed", "connection", conn.ID, "stable_id", stableID, "kind", item.Kind, "error", err)
			result.Failed++
			continue
		}

		if err := e.ledger.MarkSynced(conn.ID, []string{item.RemoteID}, e.now()); err != nil {
			slog.Error("Delivered item could not be marked synced", "connection", conn.ID, "stable_id", stableID, "error", err)
		}
		result.Delivered++

		slog.Debug("Item delivered", "connection", conn.ID, "stable_id", stableID, "kind", item.Kind, "kind_source", item.KindSource)
	}

	return nil
}

// send picks the message shape from the normalized content.
func (e *Engine) send(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error {
	switch {
	case len(item.Images) > 1:
		return e.delivery.SendGallery(ctx, webhookURL, item, env)
	case item.Kind == normalize.KindVideo:
		return e.delivery.SendVideo(ctx, webhookURL, item, env)
	default:
		return e.delivery.SendPost(ctx, webhookURL, item, env)
	}
}

func (e *Engine) recordFailure(conn database.Connection, err error) {
	reason, severity := Describe(err)
	e.record(database.ActivityEntry{
		ConnectionID: conn.ID,
		Message:      conn.Name + ": " + reason,
		Severity:     string(severity),
	})
}

func (e *Engine) record(entry database.ActivityEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = e.now().UTC()
	}
	if err := e.activity.AddActivity(&entry); err != nil {
		slog.Warn("Failed to record activity", "error", err)
	}

	e.hookMu.RLock()
	listeners := slices.Clone(e.onActivity)
	e.hookMu.RUnlock()

	for _, fn := range listeners {
		fn(entry)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
