package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/normalize"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu       sync.Mutex
	posts    []tumblr.Post
	failures map[int]int
	err      error
	calls    []int
	block    chan struct{}
	entered  chan struct{}
}

func (s *fakeSource) Posts(ctx context.Context, handle string, query tumblr.PostsQuery) (*tumblr.PostsPage, error) {
	if s.block != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, query.Offset)

	if s.err != nil {
		return nil, s.err
	}
	if s.failures[query.Offset] > 0 {
		s.failures[query.Offset]--
		return nil, &tumblr.TransportError{Target: "test"}
	}

	end := min(query.Offset+query.Limit, len(s.posts))
	page := &tumblr.PostsPage{TotalPosts: len(s.posts)}
	if query.Offset < len(s.posts) {
		page.Posts = slices.Clone(s.posts[query.Offset:end])
	}
	return page, nil
}

type fakeStore struct {
	mu          sync.Mutex
	connections map[string]*database.Connection
	synced      map[string][]string
	stable      map[string]string
	activity    []database.ActivityEntry
	delivered   int
	failed      int
}

func newFakeStore(conns ...database.Connection) *fakeStore {
	store := &fakeStore{
		connections: map[string]*database.Connection{},
		synced:      map[string][]string{},
		stable:      map[string]string{},
	}
	for _, conn := range conns {
		store.connections[conn.ID] = &conn
	}
	return store
}

func (s *fakeStore) IsSynced(connectionID, remoteID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.synced[connectionID], remoteID), nil
}

func (s *fakeStore) MarkSynced(connectionID string, remoteIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[connectionID] = append(s.synced[connectionID], remoteIDs...)
	if conn, ok := s.connections[connectionID]; ok {
		conn.LastSyncAt = &at
	}
	return nil
}

func (s *fakeStore) StableID(connectionID, remoteID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := connectionID + "/" + remoteID
	if id, ok := s.stable[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("stable-%d", len(s.stable)+1)
	s.stable[key] = id
	return id, nil
}

func (s *fakeStore) ClearSynced(connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.synced, connectionID)
	if conn, ok := s.connections[connectionID]; ok {
		conn.LastSyncAt = nil
	}
	return nil
}

func (s *fakeStore) GetConnection(id string) (*database.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	if !ok {
		return nil, nil
	}
	copied := *conn
	return &copied, nil
}

func (s *fakeStore) ListConnections(filter database.ConnectionFilter) ([]database.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []database.Connection
	for _, conn := range s.connections {
		if filter.EnabledOnly && !conn.Enabled {
			continue
		}
		out = append(out, *conn)
	}
	slices.SortFunc(out, func(a, b database.Connection) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fakeStore) UpdateLastSync(id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[id]
	if !ok {
		return database.ErrNotFound
	}
	conn.LastSyncAt = at
	return nil
}

func (s *fakeStore) AddActivity(entry *database.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, *entry)
	return nil
}

func (s *fakeStore) RecordSync(delivered, failed int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered += delivered
	s.failed += failed
	return nil
}

type sent struct {
	shape    string
	remoteID string
	stableID string
	webhook  string
}

type fakeDelivery struct {
	mu       sync.Mutex
	sent     []sent
	notices  []string
	fail     map[string]error
	failSink string
	onSend   func()
}

func (d *fakeDelivery) record(ctx context.Context, shape, webhookURL string, item normalize.Item, env discord.Envelope) error {
	if d.onSend != nil {
		d.onSend()
	}
	// the real queue gives up on a cancelled context
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[item.RemoteID]; err != nil {
		return err
	}
	if webhookURL == d.failSink {
		return discord.ErrInvalidSink
	}
	d.sent = append(d.sent, sent{shape: shape, remoteID: item.RemoteID, stableID: env.StableID, webhook: webhookURL})
	return nil
}

func (d *fakeDelivery) SendPost(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error {
	return d.record(ctx, "post", webhookURL, item, env)
}

func (d *fakeDelivery) SendGallery(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error {
	return d.record(ctx, "gallery", webhookURL, item, env)
}

func (d *fakeDelivery) SendVideo(ctx context.Context, webhookURL string, item normalize.Item, env discord.Envelope) error {
	return d.record(ctx, "video", webhookURL, item, env)
}

func (d *fakeDelivery) SendNotice(ctx context.Context, webhookURL, title, description string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, title)
	return nil
}

func (d *fakeDelivery) remoteIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, s := range d.sent {
		ids = append(ids, s.remoteID)
	}
	return ids
}

func testConnection(id string, lastSync *time.Time, kinds ...string) database.Connection {
	return database.Connection{
		ID:         id,
		BlogHandle: "blog-" + id,
		Name:       "Conn " + id,
		WebhookURL: "https://discord.com/api/webhooks/1/" + id,
		Kinds:      kinds,
		Enabled:    true,
		LastSyncAt: lastSync,
	}
}

func textPost(id string, at time.Time) tumblr.Post {
	return tumblr.Post{
		IDString:  id,
		Type:      "text",
		BlogName:  "blog",
		Timestamp: at.Unix(),
		Title:     "post " + id,
		Body:      "<p>body of " + id + "</p>",
	}
}

func photoPost(id string, at time.Time, urls ...string) tumblr.Post {
	post := tumblr.Post{IDString: id, Type: "photo", BlogName: "blog", Timestamp: at.Unix()}
	for _, u := range urls {
		post.Photos = append(post.Photos, tumblr.Photo{OriginalSize: tumblr.PhotoSize{URL: u, Width: 1280}})
	}
	return post
}

func newTestEngine(source *fakeSource, store *fakeStore, delivery *fakeDelivery) *Engine {
	engine := NewEngine(source, store, store, store, store, delivery)
	engine.now = func() time.Time { return testNow }
	engine.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return engine
}

func TestIncrementalSyncDeliversOnlyNewItems(t *testing.T) {
	watermark := testNow.Add(-time.Hour)
	source := &fakeSource{posts: []tumblr.Post{
		textPost("3", testNow.Add(-10*time.Minute)),
		textPost("2", testNow.Add(-30*time.Minute)),
		textPost("1", testNow.Add(-2*time.Hour)),
		textPost("0", testNow.Add(-3*time.Hour)),
	}}
	store := newFakeStore(testConnection("c1", &watermark))
	delivery := &fakeDelivery{}

	result, err := newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"2", "3"}) {
		t.Errorf("Expected items 2 then 3, got %v", got)
	}
	if result.Delivered != 2 || result.Failed != 0 {
		t.Errorf("Expected 2 delivered and 0 failed, got %+v", result)
	}
	if result.Examined != 2 {
		t.Errorf("Expected pagination to stop at the watermark, examined %d", result.Examined)
	}

	conn, _ := store.GetConnection("c1")
	if conn.LastSyncAt == nil || !conn.LastSyncAt.Equal(testNow) {
		t.Errorf("Expected watermark advanced to %v, got %v", testNow, conn.LastSyncAt)
	}
	if store.delivered != 2 {
		t.Errorf("Expected stats to record 2 deliveries, got %d", store.delivered)
	}

	last := store.activity[len(store.activity)-1]
	if last.Message != "Conn c1: 2 posts synced" || last.Severity != string(SeveritySuccess) {
		t.Errorf("Unexpected activity entry: %+v", last)
	}
}

func TestNeverSyncedConnectionLooksBackOneDay(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		textPost("2", testNow.Add(-23*time.Hour)),
		textPost("1", testNow.Add(-25*time.Hour)),
	}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}

	if _, err := newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"2"}) {
		t.Errorf("Expected only item 2, got %v", got)
	}
}

func TestSecondPassDeliversNothing(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		textPost("2", testNow.Add(-time.Minute)),
		textPost("1", testNow.Add(-2*time.Minute)),
	}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}
	engine := newTestEngine(source, store, delivery)

	if _, err := engine.SyncConnection(context.Background(), "c1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// Rewind the watermark so the same items are fetched again; the ledger
	// alone must keep them from being resent.
	store.UpdateLastSync("c1", nil)
	result, err := engine.SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Delivered != 0 || result.Skipped != 2 {
		t.Errorf("Expected 0 delivered and 2 skipped, got %+v", result)
	}
	if len(delivery.sent) != 2 {
		t.Errorf("Expected 2 total sends, got %d", len(delivery.sent))
	}
}

func TestKindFilterAndMessageShape(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		photoPost("3", testNow.Add(-time.Minute), "https://64.media.tumblr.com/a.jpg", "https://64.media.tumblr.com/b.jpg"),
		textPost("2", testNow.Add(-2*time.Minute)),
		photoPost("1", testNow.Add(-3*time.Minute), "https://64.media.tumblr.com/c.jpg"),
	}}
	store := newFakeStore(testConnection("c1", nil, "photo"))
	delivery := &fakeDelivery{}

	result, err := newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Delivered != 2 || result.Skipped != 1 {
		t.Errorf("Expected 2 delivered and 1 skipped, got %+v", result)
	}
	if len(delivery.sent) != 2 {
		t.Fatalf("Expected 2 sends, got %d", len(delivery.sent))
	}
	if delivery.sent[0].shape != "post" || delivery.sent[1].shape != "gallery" {
		t.Errorf("Expected post then gallery, got %s then %s", delivery.sent[0].shape, delivery.sent[1].shape)
	}
}

func TestFailedDeliveryIsRetriedByBackfill(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		textPost("2", testNow.Add(-time.Minute)),
		textPost("1", testNow.Add(-2*time.Minute)),
	}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{fail: map[string]error{"1": &discord.DeliveryError{StatusCode: 500}}}
	engine := newTestEngine(source, store, delivery)

	result, err := engine.SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Delivered != 1 || result.Failed != 1 {
		t.Errorf("Expected 1 delivered and 1 failed, got %+v", result)
	}
	if synced, _ := store.IsSynced("c1", "1"); synced {
		t.Error("Expected failed item to stay unsynced")
	}

	msg, severity := result.Message()
	if msg != "Conn c1: 1 posts synced, 1 failed" || severity != SeverityWarning {
		t.Errorf("Unexpected message %q (%s)", msg, severity)
	}

	delivery.fail = nil

	// The watermark moved past the failed item, so incremental sync does not
	// see it again.
	result, err = engine.SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Examined != 0 || result.Delivered != 0 {
		t.Errorf("Expected incremental pass to find nothing, got %+v", result)
	}

	result, err = engine.Backfill(context.Background(), "c1", 1, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Delivered != 1 || result.Skipped != 1 {
		t.Errorf("Expected backfill to deliver the failed item and skip the synced one, got %+v", result)
	}
	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"2", "1"}) {
		t.Errorf("Expected item 1 delivered by backfill, got %v", got)
	}
}

func TestInvalidSinkEndsPass(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		textPost("2", testNow.Add(-time.Minute)),
		textPost("1", testNow.Add(-2*time.Minute)),
	}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{fail: map[string]error{"1": discord.ErrInvalidSink}}

	_, err := newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1")
	if !errors.Is(err, discord.ErrInvalidSink) {
		t.Fatalf("Expected ErrInvalidSink, got: %v", err)
	}
	if len(delivery.sent) != 0 {
		t.Errorf("Expected no further sends, got %d", len(delivery.sent))
	}
	if store.activity[0].Severity != string(SeverityError) {
		t.Errorf("Expected an error entry, got %+v", store.activity[0])
	}
}

func TestPaginationStopsAtLimit(t *testing.T) {
	var posts []tumblr.Post
	for i := 0; i < IncrementalLimit+50; i++ {
		posts = append(posts, textPost(fmt.Sprintf("%d", 1000-i), testNow.Add(-time.Duration(i+1)*time.Second)))
	}
	source := &fakeSource{posts: posts}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}

	result, err := newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.LimitReached || result.Examined != IncrementalLimit {
		t.Errorf("Expected limit reached at %d, got %+v", IncrementalLimit, result)
	}
	if len(source.calls) != IncrementalLimit/tumblr.MaxPageSize {
		t.Errorf("Expected %d page requests, got %d", IncrementalLimit/tumblr.MaxPageSize, len(source.calls))
	}

	sent := delivery.remoteIDs()
	if sent[0] != fmt.Sprintf("%d", 1000-IncrementalLimit+1) || sent[len(sent)-1] != "1000" {
		t.Errorf("Expected oldest first, got %s .. %s", sent[0], sent[len(sent)-1])
	}
}

func TestPaginationRetriesThenReturnsPartial(t *testing.T) {
	var posts []tumblr.Post
	for i := 0; i < 30; i++ {
		posts = append(posts, textPost(fmt.Sprintf("%d", 100-i), testNow.Add(-time.Duration(i+1)*time.Minute)))
	}

	t.Run("single failure is retried", func(t *testing.T) {
		source := &fakeSource{posts: posts, failures: map[int]int{20: 1}}
		store := newFakeStore(testConnection("c1", nil))
		result, err := newTestEngine(source, store, &fakeDelivery{}).SyncConnection(context.Background(), "c1")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if result.Partial || result.Delivered != 30 {
			t.Errorf("Expected a complete pass, got %+v", result)
		}
	})

	t.Run("repeated failure returns what was fetched", func(t *testing.T) {
		source := &fakeSource{posts: posts, failures: map[int]int{20: 5}}
		store := newFakeStore(testConnection("c1", nil))
		result, err := newTestEngine(source, store, &fakeDelivery{}).SyncConnection(context.Background(), "c1")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !result.Partial || result.Delivered != 20 {
			t.Errorf("Expected partial pass with 20 items, got %+v", result)
		}
		if !slices.Equal(source.calls, []int{0, 20, 20}) {
			t.Errorf("Expected offsets [0 20 20], got %v", source.calls)
		}
	})
}

func TestFatalSourceErrors(t *testing.T) {
	for _, sourceErr := range []error{tumblr.ErrAuth, tumblr.ErrFeedNotFound} {
		source := &fakeSource{err: sourceErr}
		store := newFakeStore(testConnection("c1", nil))

		_, err := newTestEngine(source, store, &fakeDelivery{}).SyncConnection(context.Background(), "c1")
		if !errors.Is(err, sourceErr) {
			t.Errorf("Expected %v, got: %v", sourceErr, err)
		}
		if len(source.calls) != 1 {
			t.Errorf("Expected no retries for %v, got %d calls", sourceErr, len(source.calls))
		}
		conn, _ := store.GetConnection("c1")
		if conn.LastSyncAt != nil {
			t.Errorf("Expected watermark untouched after %v", sourceErr)
		}
	}
}

func TestPinnedPostDoesNotStopPagination(t *testing.T) {
	pinned := textPost("1", testNow.Add(-30*24*time.Hour))
	pinned.IsPinned = true
	source := &fakeSource{posts: []tumblr.Post{
		pinned,
		textPost("3", testNow.Add(-time.Minute)),
		textPost("2", testNow.Add(-2*time.Minute)),
	}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}

	newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1")
	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"2", "3"}) {
		t.Errorf("Expected items 2 then 3, got %v", got)
	}
}

func TestBackfill(t *testing.T) {
	recent := testNow.Add(-time.Hour)
	source := &fakeSource{posts: []tumblr.Post{
		photoPost("3", testNow.Add(-24*time.Hour), "https://64.media.tumblr.com/a.jpg"),
		textPost("2", testNow.Add(-48*time.Hour)),
		textPost("1", testNow.Add(-8*24*time.Hour)),
	}}
	store := newFakeStore(testConnection("c1", &recent, "photo"))
	delivery := &fakeDelivery{}
	engine := newTestEngine(source, store, delivery)

	result, err := engine.Backfill(context.Background(), "c1", 7, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"2", "3"}) {
		t.Errorf("Expected items 2 then 3 regardless of filter, got %v", got)
	}
	if result.Mode != ModeBackfill {
		t.Errorf("Expected backfill mode, got %s", result.Mode)
	}

	if _, err := engine.Backfill(context.Background(), "c1", 0, nil); err == nil {
		t.Error("Expected error for non-positive days")
	}
}

func TestBackfillWithKinds(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		photoPost("2", testNow.Add(-24*time.Hour), "https://64.media.tumblr.com/a.jpg"),
		textPost("1", testNow.Add(-48*time.Hour)),
	}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}

	newTestEngine(source, store, delivery).Backfill(context.Background(), "c1", 7, []string{"text"})
	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"1"}) {
		t.Errorf("Expected only the text item, got %v", got)
	}
}

func TestConcurrentSyncIsRejected(t *testing.T) {
	source := &fakeSource{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	store := newFakeStore(testConnection("c1", nil))
	engine := newTestEngine(source, store, &fakeDelivery{})

	done := make(chan error, 1)
	go func() {
		_, err := engine.SyncConnection(context.Background(), "c1")
		done <- err
	}()

	<-source.entered

	if _, err := engine.SyncAll(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got: %v", err)
	}
	if err := engine.ResetConnection(context.Background(), "c1"); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy, got: %v", err)
	}

	close(source.block)
	if err := <-done; err != nil {
		t.Errorf("Expected first pass to succeed, got: %v", err)
	}
}

func TestConnectionDeletedDuringPass(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{textPost("1", testNow.Add(-time.Minute))}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}
	delivery.onSend = func() {
		store.mu.Lock()
		delete(store.connections, "c1")
		store.mu.Unlock()
	}

	result, err := newTestEngine(source, store, delivery).SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !result.Discarded {
		t.Error("Expected result to be discarded")
	}
	if len(store.activity) != 0 {
		t.Errorf("Expected no activity for a deleted connection, got %+v", store.activity)
	}
	if store.delivered != 0 {
		t.Errorf("Expected stats untouched, got %d", store.delivered)
	}
}

func TestCancelledCallerDoesNotInterruptPass(t *testing.T) {
	watermark := testNow.Add(-time.Hour)
	source := &fakeSource{posts: []tumblr.Post{
		textPost("3", testNow.Add(-time.Minute)),
		textPost("2", testNow.Add(-2*time.Minute)),
		textPost("1", testNow.Add(-3*time.Minute)),
	}}
	store := newFakeStore(testConnection("c1", &watermark))
	delivery := &fakeDelivery{}
	engine := newTestEngine(source, store, delivery)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	delivery.onSend = cancel

	result, err := engine.SyncConnection(ctx, "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Delivered != 3 || result.Failed != 0 {
		t.Errorf("Expected all 3 items delivered after the caller went away, got %+v", result)
	}

	delivery.onSend = nil
	result, err = engine.SyncConnection(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.Delivered != 0 {
		t.Errorf("Expected nothing left for the next pass, got %+v", result)
	}
	if got := delivery.remoteIDs(); !slices.Equal(got, []string{"1", "2", "3"}) {
		t.Errorf("Expected every item delivered exactly once, got %v", got)
	}
}

func TestSyncAllStopsBetweenConnectionsWhenCancelled(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{
		textPost("2", testNow.Add(-time.Minute)),
		textPost("1", testNow.Add(-2*time.Minute)),
	}}
	store := newFakeStore(testConnection("c1", nil), testConnection("c2", nil))
	delivery := &fakeDelivery{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	delivery.onSend = cancel

	summary, err := newTestEngine(source, store, delivery).SyncAll(ctx)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if summary.Connections != 1 || summary.Delivered != 2 || summary.Failed != 0 {
		t.Errorf("Expected the first connection to finish and the second to be skipped, got %+v", summary)
	}
	if !errors.Is(summary.Aborted, context.Canceled) {
		t.Errorf("Expected run marked as aborted, got %v", summary.Aborted)
	}

	if conn, _ := store.GetConnection("c2"); conn.LastSyncAt != nil {
		t.Errorf("Expected the skipped connection's watermark untouched, got %v", conn.LastSyncAt)
	}
}

func TestUnknownConnection(t *testing.T) {
	engine := newTestEngine(&fakeSource{}, newFakeStore(), &fakeDelivery{})
	if _, err := engine.SyncConnection(context.Background(), "missing"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got: %v", err)
	}
}

func TestSyncAll(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{textPost("1", testNow.Add(-time.Minute))}}
	disabled := testConnection("c3", nil)
	disabled.Enabled = false
	store := newFakeStore(testConnection("c1", nil), testConnection("c2", nil), disabled)
	delivery := &fakeDelivery{}

	var events []string
	engine := newTestEngine(source, store, delivery)
	engine.OnActivity(func(entry database.ActivityEntry) { events = append(events, entry.Message) })

	summary, err := engine.SyncAll(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if summary.Connections != 2 || summary.Delivered != 2 {
		t.Errorf("Expected 2 connections and 2 deliveries, got %+v", summary)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 activity events, got %v", events)
	}
	if events[2] != "Sync complete: 2 posts synced across 2 connections" {
		t.Errorf("Unexpected aggregate message: %s", events[2])
	}
}

func TestSyncAllContinuesPastConnectionErrors(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{textPost("1", testNow.Add(-time.Minute))}}
	store := newFakeStore(testConnection("c1", nil), testConnection("c2", nil))
	delivery := &fakeDelivery{failSink: "https://discord.com/api/webhooks/1/c1"}

	summary, err := newTestEngine(source, store, delivery).SyncAll(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if summary.Errors != 1 || summary.Delivered != 1 {
		t.Errorf("Expected 1 error and 1 delivery, got %+v", summary)
	}
	if len(delivery.sent) != 1 || delivery.sent[0].webhook != "https://discord.com/api/webhooks/1/c2" {
		t.Errorf("Expected delivery to the second connection only, got %+v", delivery.sent)
	}

	msg, severity := summary.Message()
	if severity != SeverityWarning || !strings.Contains(msg, "1 connection errors") {
		t.Errorf("Unexpected summary message %q (%s)", msg, severity)
	}
}

func TestSyncAllStopsOnAuthError(t *testing.T) {
	source := &fakeSource{err: tumblr.ErrAuth}
	store := newFakeStore(testConnection("c1", nil), testConnection("c2", nil))

	summary, err := newTestEngine(source, store, &fakeDelivery{}).SyncAll(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !errors.Is(summary.Aborted, tumblr.ErrAuth) || summary.Connections != 1 {
		t.Errorf("Expected run aborted after first connection, got %+v", summary)
	}
	if _, severity := summary.Message(); severity != SeverityError {
		t.Errorf("Expected error severity, got %s", severity)
	}
}

func TestResetConnection(t *testing.T) {
	source := &fakeSource{posts: []tumblr.Post{textPost("1", testNow.Add(-time.Minute))}}
	store := newFakeStore(testConnection("c1", nil))
	delivery := &fakeDelivery{}
	engine := newTestEngine(source, store, delivery)

	engine.SyncConnection(context.Background(), "c1")
	first := delivery.sent[0].stableID

	if err := engine.ResetConnection(context.Background(), "c1"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(delivery.notices) != 1 {
		t.Errorf("Expected a reset notice, got %v", delivery.notices)
	}
	conn, _ := store.GetConnection("c1")
	if conn.LastSyncAt != nil {
		t.Errorf("Expected watermark cleared, got %v", conn.LastSyncAt)
	}

	engine.SyncConnection(context.Background(), "c1")
	if len(delivery.sent) != 2 {
		t.Fatalf("Expected item to be redelivered, got %d sends", len(delivery.sent))
	}
	if delivery.sent[1].stableID != first {
		t.Errorf("Expected the same stable id after reset, got %s and %s", first, delivery.sent[1].stableID)
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err      error
		expected Severity
	}{
		{ErrBusy, SeverityWarning},
		{tumblr.ErrAuth, SeverityError},
		{&discord.RateLimitedError{RetryAfter: 1500 * time.Millisecond}, SeverityWarning},
		{context.Canceled, SeverityWarning},
	}
	for _, tt := range tests {
		if _, severity := Describe(fmt.Errorf("wrapped: %w", tt.err)); severity != tt.expected {
			t.Errorf("Expected %s for %v, got %s", tt.expected, tt.err, severity)
		}
	}

	msg, _ := Describe(&discord.RateLimitedError{RetryAfter: 1500 * time.Millisecond})
	if msg != "Discord rate limit hit, retry in 2s" {
		t.Errorf("Unexpected rate limit message: %s", msg)
	}
}
