package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

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

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, trigger.Request) error { return nil }

func newServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	reg, err := schema.Load(schema.Options{})
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	repo := store.NewMemory()
	engine := intake.New(intake.Deps{
		Schemas:   reg,
		Sessions:  session.NewManager(repo, reg),
		Extractor: extract.New(llm.Mock{}),
		Questions: question.NewGenerator(llm.Mock{Reply: "When did you train?"}, time.Second),
		Trigger:   trigger.New(repo, nopDispatcher{}),
	})
	registry := NewRegistry()
	h := NewHandler(engine, repo, registry, "*", false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := identity.WithUser(r.Context(), "u1", r.URL.Query().Get("conversation_id"))
		h.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, conversationID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?conversation_id=" + conversationID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

// readUntil reads events until one of type stop arrives.
func readUntil(t *testing.T, conn *websocket.Conn, stop intake.EventType) []intake.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var events []intake.Event
	for {
		var ev intake.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read after %d events: %v", len(events), err)
		}
		events = append(events, ev)
		if ev.Type == stop || ev.Type == intake.EventError {
			return events
		}
	}
}

func TestTurnOverWebSocket(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv, "c1")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "message", Domain: "workout_creator", Message: "exercises: deadlifts"}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, intake.EventMessage)
	last := events[len(events)-1]
	if last.Type != intake.EventMessage {
		t.Fatalf("last event = %+v", last)
	}
	if !strings.Contains(last.Text, "When did you train?") {
		t.Errorf("text = %q", last.Text)
	}
	if last.TurnCount != 1 {
		t.Errorf("turn count = %d", last.TurnCount)
	}

	if err := wsjson.Write(ctx, conn, inbound{Type: "message", Domain: "workout_creator", Message: "workout_date: yesterday; duration: 1 hour; done"}); err != nil {
		t.Fatal(err)
	}
	events = readUntil(t, conn, intake.EventGeneration)
	gen := events[len(events)-1]
	if gen.Type != intake.EventGeneration || gen.Generation == nil || !gen.Generation.Triggered {
		t.Fatalf("generation event = %+v", gen)
	}
}

func TestUnknownDomainAndFrames(t *testing.T) {
	srv, _ := newServer(t)
	conn := dial(t, srv, "c1")
	ctx := context.Background()

	if err := wsjson.Write(ctx, conn, inbound{Type: "message", Domain: "meal_planner", Message: "hi"}); err != nil {
		t.Fatal(err)
	}
	events := readUntil(t, conn, intake.EventError)
	if ev := events[len(events)-1]; ev.Type != intake.EventError || ev.Retryable {
		t.Fatalf("event = %+v", ev)
	}

	if err := wsjson.Write(ctx, conn, inbound{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]string
	if err := wsjson.Read(ctx, conn, &pong); err != nil {
		t.Fatal(err)
	}
	if pong["type"] != "pong" {
		t.Fatalf("pong = %v", pong)
	}
}

func TestNewerConnectionReplacesOlder(t *testing.T) {
	srv, registry := newServer(t)
	first := dial(t, srv, "c1")

	// The registration happens server-side after the handshake.
	waitFor(t, func() bool { return registry.Count() == 1 })
	second := dial(t, srv, "c1")
	waitFor(t, func() bool { return registry.Active("u1", "c1") != nil && registry.Count() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev intake.Event
	if err := wsjson.Read(ctx, first, &ev); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("first connection read err = %v", err)
	}

	if err := wsjson.Write(ctx, second, inbound{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]string
	if err := wsjson.Read(ctx, second, &pong); err != nil {
		t.Fatalf("second connection should stay open: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
