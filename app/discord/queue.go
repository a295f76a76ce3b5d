package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrQueueClosed = errors.New("delivery queue closed")

type job struct {
	ctx        context.Context
	webhookURL string
	message    Message
	result     chan error
}

// Queue serializes every webhook send in the process through a single drain
// goroutine, so the minimum delay between sends holds globally.
type Queue struct {
	httpClient *http.Client
	minDelay   time.Duration

	mu      sync.Mutex
	pending []*job
	wake    chan struct{}
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup

	// drain-loop state
	lastSend  time.Time
	notBefore time.Time
	now       func() time.Time
}

func NewQueue(httpClient *http.Client, minDelay time.Duration) *Queue {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	q := &Queue{
		httpClient: httpClient,
		minDelay:   minDelay,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}

	q.wg.Add(1)
	go q.drain()

	return q
}

// Enqueue appends a message to the FIFO and waits for its own send to finish.
func (q *Queue) Enqueue(ctx context.Context, webhookURL string, message Message) error {
	if err := ValidateWebhookURL(webhookURL); err != nil {
		return err
	}

	j := &job{
		ctx:        ctx,
		webhookURL: strings.TrimSpace(webhookURL),
		message:    message,
		result:     make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of messages waiting to be sent.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the drain loop. Messages still queued fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.done)
	q.wg.Wait()

	q.mu.Lock()
	for _, j := range q.pending {
		j.result <- ErrQueueClosed
	}
	q.pending = nil
	q.mu.Unlock()
}

func (q *Queue) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	j := q.pending[0]
	q.pending = q.pending[1:]
	return j
}

func (q *Queue) drain() {
	defer q.wg.Done()

	for {
		j := q.next()
		if j == nil {
			select {
			case <-q.wake:
				continue
			case <-q.done:
				return
			}
		}

		if err := j.ctx.Err(); err != nil {
			j.result <- err
			continue
		}

		if !q.waitTurn(j.ctx) {
			select {
			case <-q.done:
				j.result <- ErrQueueClosed
				return
			default:
				j.result <- j.ctx.Err()
				continue
			}
		}

		err := q.send(j)
		q.lastSend = q.now()

		var rateLimited *RateLimitedError
		if errors.As(err, &rateLimited) {
			q.notBefore = q.lastSend.Add(rateLimited.RetryAfter)
			slog.Warn("Discord rate limit hit", "retry_after", rateLimited.RetryAfter.String())
		}

		j.result <- err
	}
}

// waitTurn blocks until the minimum delay since the previous send and any
// rate-limit hold have elapsed.
func (q *Queue) waitTurn(ctx context.Context) bool {
	ready := q.notBefore
	if !q.lastSend.IsZero() {
		if next := q.lastSend.Add(q.minDelay); next.After(ready) {
			ready = next
		}
	}

	wait := ready.Sub(q.now())
	if wait <= 0 {
		return true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	}
}

func (q *Queue) send(j *job) error {
	payload, err := json.Marshal(j.message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(j.ctx, http.MethodPost, j.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp.Header, body)}
	default:
		return &DeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

// retryAfter reads the hint from the JSON body, falling back to the header.
func retryAfter(header http.Header, body []byte) time.Duration {
	var payload struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.RetryAfter > 0 {
		return time.Duration(payload.RetryAfter * float64(time.Second))
	}

	if seconds, err := strconv.ParseFloat(header.Get("Retry-After"), 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}

	return time.Second
}
