package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sendpipe/internal/cache"
	"sendpipe/internal/compose"
	"sendpipe/internal/delivery"
	"sendpipe/internal/models"
	"sendpipe/internal/scheduler"
	"sendpipe/internal/session"
	"sendpipe/internal/store"
	"sendpipe/internal/whatsapp"
)

type testEnv struct {
	srv      *Server
	repo     store.MessageRepo
	sched    *scheduler.Scheduler
	sessions *session.Manager
	mux      http.Handler
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	repo := store.NewInMemoryStore()
	worker := delivery.WorkerFunc(func(ctx context.Context, msg models.Message) error {
		return nil
	})

	// Long interval so deliveries only happen via the schedule wake path.
	sched, err := scheduler.New(repo, worker, scheduler.WithPollInterval(time.Hour))
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	t.Cleanup(func() { sched.Stop() })

	sessions, err := session.NewManager(session.WithDialer(func(userID string) (whatsapp.Device, error) {
		return whatsapp.NewLinkedMockClient(), nil
	}))
	if err != nil {
		t.Fatalf("failed to create session manager: %v", err)
	}
	t.Cleanup(sessions.Close)

	srv, err := NewServer(repo, sched, sessions, opts...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	return &testEnv{
		srv:      srv,
		repo:     repo,
		sched:    sched,
		sessions: sessions,
		mux:      srv.Handler(),
	}
}

// doRequest serves a single request against the test mux. A string body is
// sent raw; any other non-nil body is marshaled as JSON.
func doRequest(t *testing.T, mux http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()

	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v body=%q", err, rr.Body.String())
	}
	return resp
}

func resultMap(t *testing.T, resp models.APIResponse) map[string]interface{} {
	t.Helper()

	m, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("expected result object, got %T %v", resp.Result, resp.Result)
	}
	return m
}

func waitForStatus(t *testing.T, repo store.MessageRepo, id string, want models.MessageStatus, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, err := repo.GetMessage(id)
		if err == nil && msg.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	msg, err := repo.GetMessage(id)
	if err != nil {
		t.Fatalf("expected status %q, message lookup failed: %v", want, err)
	}
	t.Fatalf("expected status %q, got %q", want, msg.Status)
}

func TestScheduleMessage(t *testing.T) {
	env := newTestEnv(t)

	req := models.ScheduleRequest{
		UserID:      "u1",
		ContactName: "Alice",
		Phone:       "+1 (555) 123-4567",
		Content:     "hello there",
		ScheduledAt: time.Now().Add(time.Hour),
	}
	rr := doRequest(t, env.mux, http.MethodPost, "/messages", req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp.Status != string(models.APIStatusScheduled) {
		t.Errorf("expected scheduled envelope, got %q", resp.Status)
	}

	result := resultMap(t, resp)
	id, _ := result["id"].(string)
	if id == "" {
		t.Fatalf("expected message id in result, got %v", result)
	}
	if result["phone"] != "15551234567" {
		t.Errorf("expected canonical phone 15551234567, got %v", result["phone"])
	}

	stored, err := env.repo.GetMessage(id)
	if err != nil {
		t.Fatalf("expected message persisted: %v", err)
	}
	if stored.Status != models.MessageStatusScheduled {
		t.Errorf("expected status scheduled, got %q", stored.Status)
	}
	if stored.Content != "hello there" {
		t.Errorf("unexpected content %q", stored.Content)
	}
}

func TestScheduleMessageValidation(t *testing.T) {
	env := newTestEnv(t)

	future := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		body    interface{}
		wantMsg string
	}{
		{
			name:    "malformed json",
			body:    `{"user_id":`,
			wantMsg: "Invalid JSON",
		},
		{
			name:    "missing user id",
			body:    models.ScheduleRequest{Phone: "15551234567", Content: "hi", ScheduledAt: future},
			wantMsg: "user_id cannot be empty",
		},
		{
			name:    "invalid phone",
			body:    models.ScheduleRequest{UserID: "u1", Phone: "abc", Content: "hi", ScheduledAt: future},
			wantMsg: "invalid phone number",
		},
		{
			name:    "missing schedule time",
			body:    models.ScheduleRequest{UserID: "u1", Phone: "15551234567", Content: "hi"},
			wantMsg: "scheduled_at is required",
		},
		{
			name:    "no content and no compose spec",
			body:    models.ScheduleRequest{UserID: "u1", Phone: "15551234567", ScheduledAt: future},
			wantMsg: "content is required",
		},
		{
			name: "compose spec missing user prompt",
			body: models.ScheduleRequest{
				UserID:      "u1",
				Phone:       "15551234567",
				ScheduledAt: future,
				Compose:     &models.ComposeSpec{SystemPrompt: "be brief"},
			},
			wantMsg: "user prompt is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(t, env.mux, http.MethodPost, "/messages", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
			}
			resp := decodeResponse(t, rr)
			if !strings.Contains(resp.Message, tt.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tt.wantMsg, resp.Message)
			}
		})
	}

	msgs, err := env.repo.ListMessages(store.MessageFilter{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages persisted after rejected requests, got %d", len(msgs))
	}
}

func TestScheduleComposedMessage(t *testing.T) {
	gen := &compose.MockGenerator{}
	env := newTestEnv(t, WithComposer(gen))

	req := models.ScheduleRequest{
		UserID:      "u1",
		Phone:       "15551234567",
		ScheduledAt: time.Now().Add(time.Hour),
		Compose: &models.ComposeSpec{
			SystemPrompt: "You write short greetings.",
			UserPrompt:   "greet Alice",
		},
	}
	rr := doRequest(t, env.mux, http.MethodPost, "/messages", req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	result := resultMap(t, decodeResponse(t, rr))
	if result["content"] != "composed: greet Alice" {
		t.Errorf("expected composed content, got %v", result["content"])
	}
	if len(gen.Calls) != 1 {
		t.Fatalf("expected 1 compose call, got %d", len(gen.Calls))
	}
	if gen.Calls[0].SystemPrompt != "You write short greetings." {
		t.Errorf("unexpected system prompt %q", gen.Calls[0].SystemPrompt)
	}
}

func TestScheduleComposeNotConfigured(t *testing.T) {
	env := newTestEnv(t)

	req := models.ScheduleRequest{
		UserID:      "u1",
		Phone:       "15551234567",
		ScheduledAt: time.Now().Add(time.Hour),
		Compose:     &models.ComposeSpec{SystemPrompt: "sys", UserPrompt: "user"},
	}
	rr := doRequest(t, env.mux, http.MethodPost, "/messages", req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if !strings.Contains(resp.Message, "not configured") {
		t.Errorf("expected composition-not-configured error, got %q", resp.Message)
	}
}

func TestScheduleComposeFailure(t *testing.T) {
	gen := &compose.MockGenerator{Err: errors.New("model unavailable")}
	env := newTestEnv(t, WithComposer(gen))

	req := models.ScheduleRequest{
		UserID:      "u1",
		Phone:       "15551234567",
		ScheduledAt: time.Now().Add(time.Hour),
		Compose:     &models.ComposeSpec{SystemPrompt: "sys", UserPrompt: "user"},
	}
	rr := doRequest(t, env.mux, http.MethodPost, "/messages", req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d body=%q", rr.Code, rr.Body.String())
	}

	msgs, err := env.repo.ListMessages(store.MessageFilter{})
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected nothing persisted after compose failure, got %d messages", len(msgs))
	}
}

func TestScheduleWakesDelivery(t *testing.T) {
	env := newTestEnv(t)

	if !env.sched.Start() {
		t.Fatal("expected scheduler to start")
	}
	// Give the startup tick time to run before the message exists.
	time.Sleep(20 * time.Millisecond)

	req := models.ScheduleRequest{
		UserID:      "u1",
		Phone:       "15551234567",
		Content:     "due now",
		ScheduledAt: time.Now().Add(-time.Second),
	}
	rr := doRequest(t, env.mux, http.MethodPost, "/messages", req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%q", rr.Code, rr.Body.String())
	}
	id, _ := resultMap(t, decodeResponse(t, rr))["id"].(string)

	// The poll interval is an hour, so only the wake poke can deliver this.
	waitForStatus(t, env.repo, id, models.MessageStatusSent, time.Second)
}

func TestListMessagesFilters(t *testing.T) {
	env := newTestEnv(t)

	for _, m := range []models.Message{
		{UserID: "u1", Phone: "15551234567", Content: "a", ScheduledAt: time.Now().Add(time.Hour)},
		{UserID: "u1", Phone: "15551234567", Content: "b", ScheduledAt: time.Now().Add(time.Hour)},
		{UserID: "u2", Phone: "15559876543", Content: "c", ScheduledAt: time.Now().Add(time.Hour)},
	} {
		if _, err := env.repo.CreateMessage(m); err != nil {
			t.Fatalf("failed to create message: %v", err)
		}
	}

	rr := doRequest(t, env.mux, http.MethodGet, "/messages?user_id=u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	items, ok := resp.Result.([]interface{})
	if !ok {
		t.Fatalf("expected result array, got %T", resp.Result)
	}
	if len(items) != 2 {
		t.Errorf("expected 2 messages for u1, got %d", len(items))
	}

	rr = doRequest(t, env.mux, http.MethodGet, "/messages?status=scheduled&limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	resp = decodeResponse(t, rr)
	if items, ok = resp.Result.([]interface{}); !ok || len(items) != 1 {
		t.Errorf("expected 1 message with limit=1, got %v", resp.Result)
	}

	rr = doRequest(t, env.mux, http.MethodGet, "/messages?status=bogus", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid status filter, got %d", rr.Code)
	}
}

func TestGetMessage(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.repo.CreateMessage(models.Message{
		UserID:      "u1",
		Phone:       "15551234567",
		Content:     "hello",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	rr := doRequest(t, env.mux, http.MethodGet, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	result := resultMap(t, decodeResponse(t, rr))
	if result["id"] != msg.ID {
		t.Errorf("expected id %q, got %v", msg.ID, result["id"])
	}

	rr = doRequest(t, env.mux, http.MethodGet, "/messages/msg_missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestGetMessageCacheReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	statusCache := cache.NewRedisCache(rdb, time.Hour)

	env := newTestEnv(t, WithStatusCache(statusCache))

	msg, err := env.repo.CreateMessage(models.Message{
		UserID:      "u1",
		Phone:       "15551234567",
		Content:     "hello",
		ScheduledAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	if err := env.repo.UpdateMessageStatus(msg.ID, models.MessageStatusProcessing, ""); err != nil {
		t.Fatalf("failed to mark processing: %v", err)
	}
	if err := env.repo.UpdateMessageStatus(msg.ID, models.MessageStatusSent, ""); err != nil {
		t.Fatalf("failed to mark sent: %v", err)
	}

	// First read comes from the store and backfills the cache.
	rr := doRequest(t, env.mux, http.MethodGet, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	cached, err := statusCache.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("expected terminal outcome backfilled into cache: %v", err)
	}
	if cached.Status != models.MessageStatusSent {
		t.Errorf("expected cached status sent, got %q", cached.Status)
	}

	// Drop the store row; the cache alone must now serve the lookup.
	if _, err := env.repo.DeleteTerminalBefore(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("failed to prune store: %v", err)
	}
	rr = doRequest(t, env.mux, http.MethodGet, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from cache, got %d body=%q", rr.Code, rr.Body.String())
	}
	result := resultMap(t, decodeResponse(t, rr))
	if result["status"] != string(models.MessageStatusSent) {
		t.Errorf("expected cached status sent, got %v", result["status"])
	}
}

func TestGetMessageDoesNotCacheNonTerminal(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	statusCache := cache.NewRedisCache(rdb, time.Hour)

	env := newTestEnv(t, WithStatusCache(statusCache))

	msg, err := env.repo.CreateMessage(models.Message{
		UserID:      "u1",
		Phone:       "15551234567",
		Content:     "hello",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	rr := doRequest(t, env.mux, http.MethodGet, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if _, err := statusCache.GetMessage(context.Background(), msg.ID); !errors.Is(err, cache.ErrCacheMiss) {
		t.Errorf("expected scheduled message not cached, got err=%v", err)
	}
}

func TestCancelMessage(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.repo.CreateMessage(models.Message{
		UserID:      "u1",
		Phone:       "15551234567",
		Content:     "hello",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to create message: %v", err)
	}

	rr := doRequest(t, env.mux, http.MethodDelete, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	stored, err := env.repo.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if stored.Status != models.MessageStatusCanceled {
		t.Errorf("expected status canceled, got %q", stored.Status)
	}

	// Canceling twice conflicts: canceled is terminal.
	rr = doRequest(t, env.mux, http.MethodDelete, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 on second cancel, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, env.mux, http.MethodDelete, "/messages/msg_missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d body=%q", rr.Code, rr.Body.String())
	}
}

func TestCancelProcessingMessageConflicts(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.repo.CreateMessage(models.Message{
		UserID:      "u1",
		Phone:       "15551234567",
		Content:     "hello",
		ScheduledAt: time.Now().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("failed to create message: %v", err)
	}
	if err := env.repo.UpdateMessageStatus(msg.ID, models.MessageStatusProcessing, ""); err != nil {
		t.Fatalf("failed to mark processing: %v", err)
	}

	rr := doRequest(t, env.mux, http.MethodDelete, "/messages/"+msg.ID, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for processing message, got %d body=%q", rr.Code, rr.Body.String())
	}
	stored, err := env.repo.GetMessage(msg.ID)
	if err != nil {
		t.Fatalf("failed to fetch message: %v", err)
	}
	if stored.Status != models.MessageStatusProcessing {
		t.Errorf("expected status to remain processing, got %q", stored.Status)
	}
}

func TestSessionEndpoints(t *testing.T) {
	env := newTestEnv(t)

	// Unknown users report uninitialized rather than an error.
	rr := doRequest(t, env.mux, http.MethodGet, "/sessions/u9", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	result := resultMap(t, decodeResponse(t, rr))
	if result["state"] != string(models.SessionStateUninitialized) {
		t.Errorf("expected uninitialized state, got %v", result["state"])
	}

	rr = doRequest(t, env.mux, http.MethodDelete, "/sessions/u9", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 revoking absent session, got %d body=%q", rr.Code, rr.Body.String())
	}

	sess, err := env.sessions.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatalf("failed to acquire session: %v", err)
	}
	sess.Release()

	rr = doRequest(t, env.mux, http.MethodGet, "/sessions/u1", nil)
	result = resultMap(t, decodeResponse(t, rr))
	if result["state"] != string(models.SessionStateReady) {
		t.Errorf("expected ready state, got %v", result["state"])
	}

	rr = doRequest(t, env.mux, http.MethodDelete, "/sessions/u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 revoking session, got %d body=%q", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, env.mux, http.MethodGet, "/sessions/u1", nil)
	result = resultMap(t, decodeResponse(t, rr))
	if result["state"] != string(models.SessionStateUninitialized) {
		t.Errorf("expected uninitialized state after revocation, got %v", result["state"])
	}
}

func TestSchedulerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := doRequest(t, env.mux, http.MethodGet, "/scheduler/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	result := resultMap(t, decodeResponse(t, rr))
	if running, ok := result["running"].(bool); !ok || running {
		t.Fatalf("expected running=false, got %v", result)
	}

	rr = doRequest(t, env.mux, http.MethodPost, "/scheduler/start", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	result = resultMap(t, decodeResponse(t, rr))
	if running, ok := result["running"].(bool); !ok || !running {
		t.Fatalf("expected running=true after start, got %v", result)
	}

	// Starting twice is idempotent.
	rr = doRequest(t, env.mux, http.MethodPost, "/scheduler/start", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat start, got %d", rr.Code)
	}

	rr = doRequest(t, env.mux, http.MethodPost, "/scheduler/stop", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	result = resultMap(t, decodeResponse(t, rr))
	if running, ok := result["running"].(bool); !ok || running {
		t.Fatalf("expected running=false after stop, got %v", result)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := doRequest(t, env.mux, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy status, got %v", body["status"])
	}
	if _, ok := body["scheduler_running"].(bool); !ok {
		t.Errorf("expected scheduler_running flag, got %v", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rr := doRequest(t, env.mux, http.MethodPut, "/messages", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow == "" {
		t.Errorf("expected Allow header on 405 response")
	}
}

func TestLoggingMiddleware_PassesThroughAndCapturesStatus(t *testing.T) {
	handler := loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, rr.Code)
	}
	if body := rr.Body.String(); body != "ok" {
		t.Fatalf("expected body %q, got %q", "ok", body)
	}
}

func TestNewServerValidatesArgs(t *testing.T) {
	repo := store.NewInMemoryStore()
	worker := delivery.WorkerFunc(func(ctx context.Context, msg models.Message) error { return nil })
	sched, err := scheduler.New(repo, worker)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	sessions, err := session.NewManager(session.WithDialer(func(userID string) (whatsapp.Device, error) {
		return whatsapp.NewLinkedMockClient(), nil
	}))
	if err != nil {
		t.Fatalf("failed to create session manager: %v", err)
	}

	if _, err := NewServer(nil, sched, sessions); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewServer(repo, nil, sessions); err == nil {
		t.Error("expected error for nil scheduler")
	}
	if _, err := NewServer(repo, sched, nil); err == nil {
		t.Error("expected error for nil session manager")
	}
}
