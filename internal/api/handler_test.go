//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/coach-intake/internal/config"
	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/identity"
	"github.com/ashureev/coach-intake/internal/intake"
	"github.com/ashureev/coach-intake/internal/llm"
	"github.com/ashureev/coach-intake/internal/question"
	"github.com/ashureev/coach-intake/internal/schema"
	"github.com/ashureev/coach-intake/internal/session"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/trigger"
)

const fullWorkout = "exercises: 5x5 back squat; workout_date: today; duration: 40 min; done"

type countingDispatcher struct{ calls atomic.Int32 }

func (d *countingDispatcher) Dispatch(context.Context, trigger.Request) error {
	d.calls.Add(1)
	return nil
}

type lockedRepo struct{ store.Repository }

func (lockedRepo) CompareAndPutSession(context.Context, domain.Session, ...domain.LockStatus) (bool, error) {
	return false, errors.New("database is locked")
}

type testEnv struct {
	router     http.Handler
	repo       *store.MemoryStore
	dispatcher *countingDispatcher
}

func newTestEnv(t *testing.T, wrap func(store.Repository) store.Repository, limit int) *testEnv {
	t.Helper()
	reg, err := schema.Load(schema.Options{})
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	repo := store.NewMemory()
	lockRepo := store.Repository(repo)
	if wrap != nil {
		lockRepo = wrap(repo)
	}
	d := &countingDispatcher{}
	tr := trigger.New(lockRepo, d)
	engine := intake.New(intake.Deps{
		Schemas:   reg,
		Sessions:  session.NewManager(repo, reg),
		Extractor: extract.New(llm.Mock{}),
		Questions: question.NewGenerator(llm.Mock{Reply: "How hard did it feel?"}, time.Second),
		Trigger:   tr,
	})

	limiter := NewRateLimiter(limit, time.Minute)
	t.Cleanup(limiter.Stop)
	h := NewHandler(engine, tr, limiter, &config.Config{InternalToken: "secret"})

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.WithUser(req.Context(), "u1", req.Header.Get(identity.ConversationHeaderName))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)
	h.RegisterInternalRoutes(r)
	return &testEnv{router: r, repo: repo, dispatcher: d}
}

func (e *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(identity.ConversationHeaderName, "c1")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func message(text string) string {
	b, _ := json.Marshal(MessageRequest{Message: text})
	return string(b)
}

type sseEvent struct {
	name string
	data intake.Event
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	var name string
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev intake.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event data %q: %v", line, err)
			}
			out = append(out, sseEvent{name: name, data: ev})
		}
	}
	return out
}

func find(events []sseEvent, name string) (intake.Event, bool) {
	for _, ev := range events {
		if ev.name == name {
			return ev.data, true
		}
	}
	return intake.Event{}, false
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestMessageStreamsQuestion(t *testing.T) {
	env := newTestEnv(t, nil, 10)

	rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", message("exercises: rowing intervals"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := parseSSE(t, rec.Body.String())
	msg, ok := find(events, "message")
	if !ok {
		t.Fatalf("no message event in %v", events)
	}
	if !strings.Contains(msg.Text, "How hard did it feel?") {
		t.Errorf("text = %q", msg.Text)
	}
	if _, ok := find(events, "fragment"); !ok {
		t.Error("expected fragment events")
	}
	if msg.Progress == nil || msg.Progress.CompletedRequired != 1 {
		t.Errorf("progress = %+v", msg.Progress)
	}
}

func TestMessageCompletesAndReportsGeneration(t *testing.T) {
	env := newTestEnv(t, nil, 10)

	rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", message(fullWorkout), nil)
	events := parseSSE(t, rec.Body.String())
	gen, ok := find(events, "generation")
	if !ok || gen.Generation == nil || !gen.Generation.Triggered {
		t.Fatalf("generation event = %+v (found %v)", gen, ok)
	}
	if env.dispatcher.calls.Load() != 1 {
		t.Fatalf("dispatch calls = %d", env.dispatcher.calls.Load())
	}

	report := func(token, body string) *httptest.ResponseRecorder {
		return env.do(http.MethodPost, "/internal/generation/complete", body, map[string]string{InternalTokenHeader: token})
	}
	good := `{"ticket":"` + gen.Generation.Ticket + `","resultId":"log-1"}`

	if rec := report("wrong", good); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	if rec := report("secret", `{"ticket":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad ticket status = %d", rec.Code)
	}
	rec = report("secret", good)
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"COMPLETE"`) {
		t.Fatalf("report body = %s", rec.Body.String())
	}
	if rec := report("secret", good); rec.Code != http.StatusOK {
		t.Fatalf("duplicate report status = %d", rec.Code)
	}
	if rec := report("secret", `{"ticket":"`+gen.Generation.Ticket+`","resultId":"other"}`); rec.Code != http.StatusConflict {
		t.Fatalf("conflicting report status = %d", rec.Code)
	}
}

func TestLockFailureIsRetryable503(t *testing.T) {
	env := newTestEnv(t, func(r store.Repository) store.Repository { return lockedRepo{r} }, 10)

	rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", message(fullWorkout), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.Retryable {
		t.Error("expected retryable error")
	}
	if env.dispatcher.calls.Load() != 0 {
		t.Error("dispatched without a persisted lock")
	}
}

func TestMessageValidation(t *testing.T) {
	env := newTestEnv(t, nil, 10)

	if rec := env.do(http.MethodPost, "/api/intake/meal_planner/messages", message("hi"), nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown domain status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", message("   "), nil); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", "{", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil, 1)

	if rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", message("rowing"), nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/intake/workout_creator/messages", message("rowing"), nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, 10)

	if rec := env.do(http.MethodGet, "/api/intake/workout_creator/session", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get before start = %d", rec.Code)
	}
	env.do(http.MethodPost, "/api/intake/workout_creator/messages", message("exercises: yoga"), nil)

	rec := env.do(http.MethodGet, "/api/intake/workout_creator/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var snap intake.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Session.TurnCount != 1 || len(snap.Session.History) != 2 {
		t.Fatalf("snapshot = %+v", snap.Session)
	}

	if rec := env.do(http.MethodPost, "/api/intake/sessions/"+snap.Session.SessionID+"/generate", "", nil); rec.Code != http.StatusConflict {
		t.Fatalf("generate on collecting session = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/intake/sessions/missing/generate", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("generate on missing session = %d", rec.Code)
	}

	if rec := env.do(http.MethodDelete, "/api/intake/workout_creator/session", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/intake/workout_creator/session", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", rec.Code)
	}
	if rec := env.do(http.MethodPost, "/api/intake/sessions/"+snap.Session.SessionID+"/generate", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("generate on cancelled session = %d", rec.Code)
	}
	if n := env.dispatcher.calls.Load(); n != 0 {
		t.Fatalf("dispatches = %d", n)
	}
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(store.NewMemory(), nil, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
