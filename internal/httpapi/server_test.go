package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"horse.fit/skim/internal/breaker"
	"horse.fit/skim/internal/cache"
	"horse.fit/skim/internal/db"
	"horse.fit/skim/internal/queue"
)

type fakeStore struct {
	posts   map[int64]db.Post
	pingErr error
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) GetPost(_ context.Context, postID int64) (db.Post, error) {
	post, ok := s.posts[postID]
	if !ok {
		return db.Post{}, db.ErrNoRows
	}
	return post, nil
}

type enqueueCall struct {
	postID   int64
	hash     string
	priority int
}

type fakeQueue struct {
	status   queue.Status
	enqueued []enqueueCall
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, postID int64, hash string, priority int) (db.EnqueueResult, error) {
	if q.err != nil {
		return db.EnqueueResult{}, q.err
	}
	q.enqueued = append(q.enqueued, enqueueCall{postID: postID, hash: hash, priority: priority})
	return db.EnqueueResult{Created: true}, nil
}

func (q *fakeQueue) Status(_ context.Context, b queue.BreakerReader) (queue.Status, error) {
	status := q.status
	if b != nil {
		status.BreakerState = string(b.Snapshot().State)
	}
	return status, q.err
}

type fakeCache struct {
	summaries map[string]*db.Summary
	statuses  map[int64]cache.PostSummary
}

func (c *fakeCache) Lookup(_ context.Context, hash string) (*db.Summary, error) {
	return c.summaries[hash], nil
}

func (c *fakeCache) PostStatus(_ context.Context, postID int64) (cache.PostSummary, error) {
	status, ok := c.statuses[postID]
	if !ok {
		return cache.PostSummary{}, db.ErrNoRows
	}
	return status, nil
}

type fakeBreaker struct{ state breaker.State }

func (b fakeBreaker) Snapshot() breaker.Snapshot {
	return breaker.Snapshot{Name: "summary", State: b.state}
}

type testEnv struct {
	store *fakeStore
	queue *fakeQueue
	cache *fakeCache
	srv   *Server
}

func newTestEnv() *testEnv {
	hash := "hash-1"
	env := &testEnv{
		store: &fakeStore{posts: map[int64]db.Post{
			1: {ID: 1, Title: "hashed", ContentHash: &hash},
			2: {ID: 2, Title: "empty"},
		}},
		queue: &fakeQueue{status: queue.Status{Size: 3, Leased: 1}},
		cache: &fakeCache{
			summaries: map[string]*db.Summary{},
			statuses:  map[int64]cache.PostSummary{},
		},
	}
	env.srv = NewServer(Deps{
		Store:   env.store,
		Queue:   env.queue,
		Cache:   env.cache,
		Breaker: fakeBreaker{state: breaker.StateOpen},
	}, zerolog.Nop(), Options{})
	return env
}

func (env *testEnv) do(t *testing.T, method, target string) (*httptest.ResponseRecorder, jsendResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	var body jsendResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	env := newTestEnv()
	rec, body := env.do(t, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusOK || body.Status != "success" {
		t.Fatalf("health = %d %+v", rec.Code, body)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatalf("expected request id header")
	}

	env.store.pingErr = errors.New("down")
	rec, body = env.do(t, http.MethodGet, "/api/v1/health")
	if rec.Code != http.StatusServiceUnavailable || body.Status != "error" {
		t.Fatalf("health when db down = %d %+v", rec.Code, body)
	}
}

func TestQueueStatusIncludesBreaker(t *testing.T) {
	env := newTestEnv()
	rec, body := env.do(t, http.MethodGet, "/api/v1/queue/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	data := body.Data.(map[string]any)
	q := data["queue"].(map[string]any)
	if q["size"].(float64) != 3 || q["breaker_state"] != "OPEN" {
		t.Fatalf("unexpected queue payload %+v", q)
	}
	if data["breaker"].(map[string]any)["state"] != "OPEN" {
		t.Fatalf("unexpected breaker payload %+v", data["breaker"])
	}
}

func TestSummaryByHash(t *testing.T) {
	env := newTestEnv()
	env.cache.summaries["hash-1"] = &db.Summary{
		ContentHash: "hash-1", SummaryText: "body", OneLineSummary: "line", Language: "en",
		CreatedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	rec, body := env.do(t, http.MethodGet, "/api/v1/summaries/hash-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	data := body.Data.(map[string]any)
	if data["one_line_summary"] != "line" || len(data["tags"].([]any)) != 0 {
		t.Fatalf("unexpected summary %+v", data)
	}

	rec, body = env.do(t, http.MethodGet, "/api/v1/summaries/missing")
	if rec.Code != http.StatusNotFound || body.Status != "fail" {
		t.Fatalf("missing summary = %d %+v", rec.Code, body)
	}
}

func TestPostSummary(t *testing.T) {
	env := newTestEnv()
	env.cache.statuses[1] = cache.PostSummary{PostID: 1, Status: cache.StatusPending, ContentHash: "hash-1"}

	rec, body := env.do(t, http.MethodGet, "/api/v1/posts/1/summary")
	if rec.Code != http.StatusOK || body.Data.(map[string]any)["status"] != string(cache.StatusPending) {
		t.Fatalf("post summary = %d %+v", rec.Code, body)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/posts/99/summary")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown post = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodGet, "/api/v1/posts/abc/summary")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", rec.Code)
	}
}

func TestSummarizeQueuesAtUserPriority(t *testing.T) {
	env := newTestEnv()

	rec, body := env.do(t, http.MethodPost, "/api/v1/posts/1/summarize")
	if rec.Code != http.StatusAccepted || body.Status != "success" {
		t.Fatalf("summarize = %d %+v", rec.Code, body)
	}
	if len(env.queue.enqueued) != 1 {
		t.Fatalf("enqueue calls = %d", len(env.queue.enqueued))
	}
	call := env.queue.enqueued[0]
	if call.postID != 1 || call.hash != "hash-1" || call.priority != queue.PriorityUserTriggered {
		t.Fatalf("unexpected enqueue %+v", call)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/posts/2/summarize")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("post without hash = %d", rec.Code)
	}

	rec, _ = env.do(t, http.MethodPost, "/api/v1/posts/42/summarize")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown post = %d", rec.Code)
	}
}

func TestSummarizeReturnsCachedSummary(t *testing.T) {
	env := newTestEnv()
	env.cache.summaries["hash-1"] = &db.Summary{ContentHash: "hash-1", SummaryText: "done"}

	rec, body := env.do(t, http.MethodPost, "/api/v1/posts/1/summarize")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if body.Data.(map[string]any)["status"] != string(cache.StatusReady) {
		t.Fatalf("unexpected payload %+v", body.Data)
	}
	if len(env.queue.enqueued) != 0 {
		t.Fatalf("cached post should not be queued")
	}
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	env := newTestEnv()
	rec, body := env.do(t, http.MethodGet, "/api/v1/nope")
	if rec.Code != http.StatusNotFound || body.Status != "fail" {
		t.Fatalf("unknown route = %d %+v", rec.Code, body)
	}
}
