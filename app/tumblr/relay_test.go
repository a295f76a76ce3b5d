package tumblr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func okCheck(status int, body []byte) error {
	if status != http.StatusOK {
		return errors.New("bad status")
	}
	return nil
}

func newCountingServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRelayWrap(t *testing.T) {
	target := "https://api.tumblr.com/v2/blog/x/posts?api_key=k&limit=20"

	direct := NewRelay("direct")
	if direct.Wrap(target) != target {
		t.Errorf("Expected direct relay to return target unchanged, got %s", direct.Wrap(target))
	}

	prefixed := NewRelay("https://relay.example.com/?url=")
	if !strings.HasPrefix(prefixed.Wrap(target), "https://relay.example.com/?url=https%3A%2F%2Fapi.tumblr.com") {
		t.Errorf("Expected escaped target appended to prefix, got %s", prefixed.Wrap(target))
	}

	placeholder := NewRelay("https://relay.example.com/fetch?u={url}&raw=1")
	wrapped := placeholder.Wrap(target)
	if !strings.HasSuffix(wrapped, "&raw=1") || strings.Contains(wrapped, "{url}") {
		t.Errorf("Expected placeholder substitution, got %s", wrapped)
	}
}

func TestCandidatesOrder(t *testing.T) {
	chain := NewRelayChain(nil, "", "https://mine.example.com/?url=", []string{"direct", "https://a.example.com/?url="})

	candidates := chain.Candidates()
	if len(candidates) != 3 {
		t.Fatalf("Expected 3 candidates, got %d", len(candidates))
	}
	if candidates[0].Prefix != "https://mine.example.com/?url=" {
		t.Errorf("Expected user relay first, got %s", candidates[0].Name)
	}

	chain.SetPreferred("https://a.example.com/?url=")
	candidates = chain.Candidates()
	if candidates[0].Name != "https://a.example.com/?url=" {
		t.Errorf("Expected preferred relay first, got %s", candidates[0].Name)
	}
	if candidates[1].Name != "https://mine.example.com/?url=" || candidates[2].Name != DirectRelay {
		t.Errorf("Expected remaining order preserved, got %s, %s", candidates[1].Name, candidates[2].Name)
	}
}

func TestFetchFallsBackSequentially(t *testing.T) {
	first, firstHits := newCountingServer(t, http.StatusInternalServerError, "boom")
	second, secondHits := newCountingServer(t, http.StatusBadGateway, "bad gateway")
	third, thirdHits := newCountingServer(t, http.StatusOK, "payload")

	chain := NewRelayChain(nil, "test", "", []string{
		first.URL + "/?url=",
		second.URL + "/?url=",
		third.URL + "/?url=",
	})

	var changed []string
	chain.OnPreferredChange(func(name string) { changed = append(changed, name) })

	body, err := chain.Fetch(context.Background(), "https://api.tumblr.com/v2/blog/x/info", okCheck)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("Expected payload from third relay, got %q", string(body))
	}
	if *firstHits != 1 || *secondHits != 1 || *thirdHits != 1 {
		t.Errorf("Expected each relay attempted once, got %d/%d/%d", *firstHits, *secondHits, *thirdHits)
	}
	if chain.Preferred() != third.URL+"/?url=" {
		t.Errorf("Expected third relay to become preferred, got %s", chain.Preferred())
	}
	if len(changed) != 1 {
		t.Errorf("Expected one preference change notification, got %d", len(changed))
	}

	// The preferred relay is tried first on the next call.
	if _, err := chain.Fetch(context.Background(), "https://api.tumblr.com/v2/blog/x/info", okCheck); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if *firstHits != 1 || *thirdHits != 2 {
		t.Errorf("Expected sticky relay to serve second call, got first=%d third=%d", *firstHits, *thirdHits)
	}
	if len(changed) != 1 {
		t.Errorf("Expected no further notifications, got %d", len(changed))
	}
}

func TestFetchStopsOnFeedNotFound(t *testing.T) {
	first, _ := newCountingServer(t, http.StatusNotFound, "missing")
	second, secondHits := newCountingServer(t, http.StatusOK, "payload")

	chain := NewRelayChain(nil, "", "", []string{first.URL + "/?url=", second.URL + "/?url="})

	_, err := chain.Fetch(context.Background(), "https://api.tumblr.com/v2/blog/x/info", func(status int, body []byte) error {
		if status == http.StatusNotFound {
			return ErrFeedNotFound
		}
		return nil
	})
	if !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("Expected ErrFeedNotFound, got: %v", err)
	}
	if *secondHits != 0 {
		t.Errorf("Expected fallback to stop, second relay hit %d times", *secondHits)
	}
}

func TestFetchAllRelaysFail(t *testing.T) {
	first, _ := newCountingServer(t, http.StatusInternalServerError, "")
	second, _ := newCountingServer(t, http.StatusServiceUnavailable, "")

	chain := NewRelayChain(nil, "", "", []string{first.URL + "/?url=", second.URL + "/?url="})

	_, err := chain.Fetch(context.Background(), "https://api.tumblr.com/v2/blog/x/info?api_key=secret", okCheck)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Expected TransportError, got: %v", err)
	}
	if len(transportErr.Attempts) != 2 {
		t.Errorf("Expected 2 attempts recorded, got %d", len(transportErr.Attempts))
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("Expected credential to be redacted, got %s", err.Error())
	}
	if chain.Preferred() != "" {
		t.Errorf("Expected no preferred relay, got %s", chain.Preferred())
	}
}

func TestFetchHonoursCancelledContext(t *testing.T) {
	srv, hits := newCountingServer(t, http.StatusOK, "payload")
	chain := NewRelayChain(nil, "", "", []string{srv.URL + "/?url="})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := chain.Fetch(ctx, "https://api.tumblr.com/", okCheck); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if *hits != 0 {
		t.Errorf("Expected no requests, got %d", *hits)
	}
}
