package connections

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lysyi3m/tumblhook/app/database"
	"github.com/lysyi3m/tumblhook/app/discord"
	"github.com/lysyi3m/tumblhook/app/syncer"
	"github.com/lysyi3m/tumblhook/app/tumblr"
)

const testWebhook = "https://discord.com/api/webhooks/123456/abc-DEF_ghi"

type fakeBlogs struct {
	blogs   map[string]string
	lookups []string
}

func (f *fakeBlogs) BlogInfo(ctx context.Context, handle string) (*tumblr.BlogInfo, error) {
	f.lookups = append(f.lookups, handle)
	title, ok := f.blogs[handle]
	if !ok {
		return nil, tumblr.ErrFeedNotFound
	}
	return &tumblr.BlogInfo{Name: handle, Title: title}, nil
}

type fakeNotifier struct {
	err     error
	notices []string
}

func (f *fakeNotifier) SendNotice(ctx context.Context, webhookURL, title, description string) error {
	if f.err != nil {
		return f.err
	}
	f.notices = append(f.notices, title)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *database.ConnectionRepository, *fakeBlogs, *fakeNotifier) {
	t.Helper()

	db, err := database.NewConnection(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, _, err := database.RunMigrations(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	repo := database.NewConnectionRepository(db)
	blogs := &fakeBlogs{blogs: map[string]string{"staff": "Tumblr Staff", "art.example.com": ""}}
	notifier := &fakeNotifier{}
	return NewManager(repo, blogs, notifier), repo, blogs, notifier
}

func TestNormalizeHandle(t *testing.T) {
	tests := map[string]string{
		"staff":                                  "staff",
		"  Staff ":                               "staff",
		"@staff":                                 "staff",
		"staff.tumblr.com":                       "staff",
		"https://staff.tumblr.com/":              "staff",
		"https://staff.tumblr.com/post/123/slug": "staff",
		"tumblr.com/staff":                       "staff",
		"https://www.tumblr.com/staff/7654321":   "staff",
		"https://www.tumblr.com/blog/view/staff": "staff",
		"http://art.example.com/tagged/x":        "art.example.com",
		"some-blog":                              "some-blog",
	}

	for input, expected := range tests {
		got, err := NormalizeHandle(input)
		if err != nil {
			t.Errorf("Expected no error for %q, got: %v", input, err)
			continue
		}
		if got != expected {
			t.Errorf("Expected %q for %q, got %q", expected, input, got)
		}
	}

	for _, input := range []string{"", "@", "https://www.tumblr.com/", "bad handle", "-dash", "tumblr.com"} {
		if _, err := NormalizeHandle(input); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Expected ErrInvalidHandle for %q, got: %v", input, err)
		}
	}
}

func TestValidateKinds(t *testing.T) {
	kinds, err := ValidateKinds([]string{"Photo", "video", "photo", " "})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != "photo" || kinds[1] != "video" {
		t.Errorf("Expected [photo video], got %v", kinds)
	}

	if _, err := ValidateKinds([]string{"gif"}); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("Expected ErrInvalidKind, got: %v", err)
	}
}

func TestCreateConnection(t *testing.T) {
	manager, repo, blogs, notifier := newTestManager(t)

	conn, err := manager.Create(context.Background(), Input{
		Blog:       "https://Staff.tumblr.com/post/1",
		WebhookURL: " " + testWebhook + " ",
		Kinds:      []string{"photo"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if conn.BlogHandle != "staff" || conn.Name != "Tumblr Staff" || !conn.Enabled {
		t.Errorf("Unexpected connection: %+v", conn)
	}
	if conn.WebhookURL != testWebhook {
		t.Errorf("Expected trimmed webhook, got %q", conn.WebhookURL)
	}
	if len(notifier.notices) != 1 {
		t.Errorf("Expected one test message, got %d", len(notifier.notices))
	}

	stored, _ := repo.GetConnection(conn.ID)
	if stored == nil || stored.BlogHandle != "staff" {
		t.Errorf("Expected connection to be stored, got %+v", stored)
	}

	_, err = manager.Create(context.Background(), Input{Blog: "staff", WebhookURL: testWebhook})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got: %v", err)
	}
	if len(blogs.lookups) != 1 {
		t.Errorf("Expected duplicate to be rejected before lookup, got %d lookups", len(blogs.lookups))
	}
}

func TestCreateConnectionValidation(t *testing.T) {
	manager, repo, blogs, notifier := newTestManager(t)

	_, err := manager.Create(context.Background(), Input{Blog: "staff", WebhookURL: "https://example.com/hook"})
	if !errors.Is(err, discord.ErrInvalidSink) {
		t.Errorf("Expected ErrInvalidSink, got: %v", err)
	}
	if len(blogs.lookups) != 0 {
		t.Error("Expected webhook grammar to be checked before the blog lookup")
	}

	_, err = manager.Create(context.Background(), Input{Blog: "missing", WebhookURL: testWebhook})
	if !errors.Is(err, tumblr.ErrFeedNotFound) {
		t.Errorf("Expected ErrFeedNotFound, got: %v", err)
	}

	notifier.err = &discord.DeliveryError{StatusCode: 404}
	_, err = manager.Create(context.Background(), Input{Blog: "staff", WebhookURL: testWebhook})
	var deliveryErr *discord.DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Errorf("Expected DeliveryError, got: %v", err)
	}

	all, _ := repo.ListConnections(database.ConnectionFilter{})
	if len(all) != 0 {
		t.Errorf("Expected nothing to be saved, got %d connections", len(all))
	}
}

func TestUpdateConnection(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	conn, err := manager.Create(context.Background(), Input{Blog: "art.example.com", Name: "Art", WebhookURL: testWebhook})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	bad := "not a webhook"
	if _, err := manager.Update(conn.ID, Patch{WebhookURL: &bad}); !errors.Is(err, discord.ErrInvalidSink) {
		t.Errorf("Expected ErrInvalidSink, got: %v", err)
	}

	name := "Renamed"
	disabled := false
	kinds := []string{"video"}
	updated, err := manager.Update(conn.ID, Patch{Name: &name, Enabled: &disabled, Kinds: &kinds})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if updated.Name != "Renamed" || updated.Enabled || len(updated.Kinds) != 1 {
		t.Errorf("Unexpected update result: %+v", updated)
	}
	if updated.BlogHandle != "art.example.com" {
		t.Errorf("Expected handle unchanged, got %s", updated.BlogHandle)
	}

	if _, err := manager.Update("missing", Patch{Name: &name}); !errors.Is(err, syncer.ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got: %v", err)
	}
}

func TestFileConnectionsAreReadOnly(t *testing.T) {
	manager, repo, _, _ := newTestManager(t)

	conn := &database.Connection{BlogHandle: "staff", Name: "Staff", WebhookURL: testWebhook, Enabled: true, ConfigName: "staff"}
	if err := repo.CreateConnection(conn); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	name := "x"
	if _, err := manager.Update(conn.ID, Patch{Name: &name}); !errors.Is(err, ErrManaged) {
		t.Errorf("Expected ErrManaged on update, got: %v", err)
	}
	if err := manager.Delete(conn.ID); !errors.Is(err, ErrManaged) {
		t.Errorf("Expected ErrManaged on delete, got: %v", err)
	}
}

func TestDeleteAndTestSink(t *testing.T) {
	manager, repo, _, notifier := newTestManager(t)

	conn, err := manager.Create(context.Background(), Input{Blog: "staff", WebhookURL: testWebhook})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := manager.TestSink(context.Background(), conn.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(notifier.notices) != 2 {
		t.Errorf("Expected 2 notices, got %d", len(notifier.notices))
	}

	if err := manager.Delete(conn.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got, _ := repo.GetConnection(conn.ID); got != nil {
		t.Error("Expected connection to be deleted")
	}
	if err := manager.Delete(conn.ID); !errors.Is(err, syncer.ErrConnectionNotFound) {
		t.Errorf("Expected ErrConnectionNotFound, got: %v", err)
	}
}
