package intake

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/policy"
	"github.com/ashureev/coach-intake/internal/question"
	"github.com/ashureev/coach-intake/internal/schema"
	"github.com/ashureev/coach-intake/internal/session"
	"github.com/ashureev/coach-intake/internal/store"
	"github.com/ashureev/coach-intake/internal/trigger"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

// scriptedModel answers structured requests from a queue; an empty queue
// yields an empty extraction.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (m *scriptedModel) ExtractStructured(_ context.Context, _ extract.StructuredRequest) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if len(m.replies) == 0 {
		return json.RawMessage(`{"slots":{}}`), nil
	}
	out := m.replies[0]
	m.replies = m.replies[1:]
	return json.RawMessage(out), nil
}

type textModel struct {
	frags []string
	err   error
	calls atomic.Int32
}

func (m *textModel) Generate(ctx context.Context, req question.TextRequest) (string, error) {
	var b strings.Builder
	for frag, err := range m.Stream(ctx, req) {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
	return b.String(), nil
}

func (m *textModel) Stream(_ context.Context, _ question.TextRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.calls.Add(1)
		if m.err != nil {
			yield("", m.err)
			return
		}
		for _, f := range m.frags {
			if !yield(f, nil) {
				return
			}
		}
	}
}

type countingDispatcher struct {
	calls atomic.Int32
	err   error
}

func (d *countingDispatcher) Dispatch(context.Context, trigger.Request) error {
	d.calls.Add(1)
	return d.err
}

// brokenLocks fails every lock write.
type brokenLocks struct {
	store.Repository
}

func (brokenLocks) CompareAndPutSession(context.Context, domain.Session, ...domain.LockStatus) (bool, error) {
	return false, errors.New("database is locked")
}

func testSchema() domain.SlotSchema {
	return domain.SlotSchema{
		Domain:                 "workout_creator",
		MaxTurns:               5,
		MinFinishMessageLength: 8,
		FinishKeywords:         []string{"skip", "done", "that's all"},
		Artifact:               domain.Artifact{Name: "workout log", ExpectedWait: "a few seconds", ResultLocation: "in your Training History"},
		Slots: []domain.SlotSpec{
			{Name: "exercises", Description: "movements performed", Required: true, Tier: domain.TierRequired},
			{Name: "workout_date", Description: "when it happened", Required: true, Tier: domain.TierRequired},
			{Name: "perceived_effort", Description: "how hard it felt", Tier: domain.TierHigh},
		},
	}
}

type harness struct {
	engine     *Engine
	repo       *store.MemoryStore
	model      *scriptedModel
	text       *textModel
	dispatcher *countingDispatcher
	trigger    *trigger.Trigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, testSchema())
}

func newHarnessWith(t *testing.T, sch domain.SlotSchema) *harness {
	t.Helper()
	reg, err := schema.NewRegistry(sch)
	require.NoError(t, err)

	h := &harness{
		repo:       store.NewMemory(),
		model:      &scriptedModel{},
		text:       &textModel{frags: []string{"How hard ", "did it feel?"}},
		dispatcher: &countingDispatcher{},
	}
	clock := func() time.Time { return testNow }
	ids := 0
	sessions := session.NewManager(h.repo, reg,
		session.WithClock(clock),
		session.WithIDs(func() string { ids++; return "sess-" + string(rune('0'+ids)) }),
	)
	h.trigger = trigger.New(h.repo, h.dispatcher, trigger.WithClock(clock))
	h.engine = New(Deps{
		Schemas:   reg,
		Sessions:  sessions,
		Extractor: extract.New(h.model),
		Questions: question.NewGenerator(h.text, time.Second),
		Trigger:   h.trigger,
	})
	return h
}

func (h *harness) turn(t *testing.T, text string, replies ...string) []Event {
	t.Helper()
	h.model.mu.Lock()
	h.model.replies = append(h.model.replies, replies...)
	h.model.mu.Unlock()

	var events []Event
	for ev, err := range h.engine.HandleTurn(context.Background(), Turn{
		UserID:         "u1",
		Domain:         "workout_creator",
		ConversationID: "c1",
		Text:           text,
	}) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func (h *harness) active(t *testing.T) domain.Session {
	t.Helper()
	active, err := h.repo.ListActiveSessions(context.Background(), "u1", "workout_creator", "c1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	return active[0]
}

func lastOf(events []Event, typ EventType) (Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return events[i], true
		}
	}
	return Event{}, false
}

func TestRequiredSlotsThenFinishDispatchesOnce(t *testing.T) {
	h := newHarness(t)

	events := h.turn(t, "Did 5x5 back squats this morning",
		`{"slots":{"exercises":{"value":"5x5 back squat","confidence":"high"},"workout_date":{"value":"2026-03-02","confidence":"high"}}}`)
	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Equal(t, "How hard did it feel?", msg.Text)
	assert.Equal(t, policy.StateCollectHighPriority, msg.State)
	require.NotNil(t, msg.Progress)
	assert.Equal(t, 2, msg.Progress.CompletedRequired)
	assert.Equal(t, int32(0), h.dispatcher.calls.Load())

	events = h.turn(t, "That's all, log it please", `{"slots":{},"wants_to_finish":true}`)
	msg, ok = lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Equal(t, question.KindCompletion, msg.Kind)
	assert.Equal(t, policy.StateFinishRequested, msg.State)
	gen, ok := lastOf(events, EventGeneration)
	require.True(t, ok)
	assert.True(t, gen.Generation.Triggered)
	assert.Equal(t, domain.LockInProgress, gen.Generation.LockStatus)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())

	s := h.active(t)
	again, err := h.trigger.Fire(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, again.Triggered)
	assert.True(t, again.AlreadyRunning)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())
}

func TestAllRequiredInOneTurnIsSatisfied(t *testing.T) {
	sch := testSchema()
	sch.Slots = sch.Slots[:2]
	h := newHarnessWith(t, sch)
	h.text.frags = []string{"Logging it now."}

	events := h.turn(t, "5x5 back squats, this morning",
		`{"slots":{"exercises":{"value":"5x5 back squat","confidence":"high"},"workout_date":{"value":"2026-03-02","confidence":"high"}}}`)
	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Equal(t, policy.StateSatisfied, msg.State)
	gen, ok := lastOf(events, EventGeneration)
	require.True(t, ok)
	assert.True(t, gen.Generation.Triggered)

	again, err := h.trigger.Fire(context.Background(), h.active(t))
	require.NoError(t, err)
	assert.False(t, again.Triggered)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())
}

func TestTurnOnCompletedSessionReportsStatus(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "Did 5x5 back squats this morning",
		`{"slots":{"exercises":{"value":"squats"},"workout_date":{"value":"today"}},"wants_to_finish":true}`)
	require.Equal(t, int32(1), h.dispatcher.calls.Load())
	calls := h.model.calls

	events := h.turn(t, "is it ready yet?")
	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "still being generated")
	gen, ok := lastOf(events, EventGeneration)
	require.True(t, ok)
	assert.False(t, gen.Generation.Triggered)
	assert.True(t, gen.Generation.AlreadyRunning)

	assert.Equal(t, calls, h.model.calls, "no extraction after completion")
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())
}

func TestShortFinishRequestIsNotHonoured(t *testing.T) {
	h := newHarness(t)

	events := h.turn(t, "ok", `{"slots":{},"wants_to_finish":true}`)
	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Equal(t, policy.StateCollectRequired, msg.State)

	// A keyword passes the guard, but nothing has been collected yet.
	events = h.turn(t, "skip", `{"slots":{},"wants_to_finish":true}`)
	msg, ok = lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Equal(t, policy.StateCollectRequired, msg.State)

	_, generated := lastOf(events, EventGeneration)
	assert.False(t, generated)
	assert.Equal(t, int32(0), h.dispatcher.calls.Load())
	assert.False(t, h.active(t).IsComplete)
}

func TestMaxTurnsForcesPartialCompletion(t *testing.T) {
	h := newHarness(t)
	h.text.err = errors.New("quota exhausted")

	var events []Event
	for i := 0; i < 5; i++ {
		events = h.turn(t, "hmm, not sure really")
	}

	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Equal(t, policy.StateForcedCompletePartial, msg.State)
	assert.True(t, msg.Fallback)
	assert.Contains(t, msg.Text, "still missing")
	assert.Contains(t, msg.Text, "workout log")

	gen, ok := lastOf(events, EventGeneration)
	require.True(t, ok)
	assert.True(t, gen.Generation.Partial)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())

	s := h.active(t)
	assert.True(t, s.IsComplete)
	assert.True(t, s.PartialCompletion)
	assert.Equal(t, 5, s.TurnCount)
}

func TestExtractionFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.model.err = errors.New("upstream 500")

	events := h.turn(t, "Ran 5k along the river")
	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.True(t, msg.Fallback)
	assert.Equal(t, question.KindFallback, msg.Kind)
	assert.NotEmpty(t, msg.Text)
	assert.Equal(t, int32(0), h.text.calls.Load())

	s := h.active(t)
	assert.Equal(t, 1, s.TurnCount)
	require.Len(t, s.History, 2)
	assert.Equal(t, domain.RoleUser, s.History[0].Role)
	assert.Equal(t, "Ran 5k along the river", s.History[0].Content)
	assert.Equal(t, domain.RoleAssistant, s.History[1].Role)
	for name, slot := range s.Slots {
		assert.False(t, slot.IsComplete(), name)
	}
}

func TestTopicChangeCancelsSession(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "Did squats today", `{"slots":{"exercises":{"value":"squats"}}}`)
	s := h.active(t)
	textCalls := h.text.calls.Load()

	events := h.turn(t, "Actually, what should I eat before a race?",
		`{"slots":{"workout_date":{"value":"today"}},"changed_topic":true}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventCancelled, events[0].Type)
	assert.Equal(t, "Actually, what should I eat before a race?", events[0].Redispatch)
	assert.Equal(t, textCalls, h.text.calls.Load())

	stored, err := h.repo.GetSession(context.Background(), "u1", s.SessionID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.Equal(t, domain.DeleteReasonTopicChanged, stored.DeleteReason)
	assert.False(t, stored.Slots["workout_date"].IsComplete(), "patch discarded")
}

func TestLockWriteFailureIsHardError(t *testing.T) {
	h := newHarness(t)
	h.engine.Trigger = trigger.New(brokenLocks{h.repo}, h.dispatcher, trigger.WithClock(func() time.Time { return testNow }))
	h.model.replies = []string{`{"slots":{"exercises":{"value":"squats"},"workout_date":{"value":"today"}},"wants_to_finish":true}`}

	var gotErr error
	for _, err := range h.engine.HandleTurn(context.Background(), Turn{
		UserID: "u1", Domain: "workout_creator", ConversationID: "c1", Text: "Squats today, that's all",
	}) {
		if err != nil {
			gotErr = err
		}
	}
	require.ErrorIs(t, gotErr, trigger.ErrLockAcquire)
	assert.Equal(t, int32(0), h.dispatcher.calls.Load())
}

func TestDispatchFailureReturnsStatusMessage(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("worker queue full")

	events := h.turn(t, "Squats today, that's all",
		`{"slots":{"exercises":{"value":"squats"},"workout_date":{"value":"today"}},"wants_to_finish":true}`)
	msg, ok := lastOf(events, EventMessage)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "try again")
	gen, ok := lastOf(events, EventGeneration)
	require.True(t, ok)
	assert.Equal(t, domain.LockFailed, gen.Generation.LockStatus)
	assert.NotEmpty(t, gen.Generation.DispatchError)
}

func TestConsumerStopKeepsFullAssistantMessage(t *testing.T) {
	h := newHarness(t)

	for ev, err := range h.engine.HandleTurn(context.Background(), Turn{
		UserID: "u1", Domain: "workout_creator", ConversationID: "c1", Text: "Did some rowing",
	}) {
		require.NoError(t, err)
		if ev.Type == EventFragment {
			break
		}
	}

	s := h.active(t)
	require.Len(t, s.History, 2)
	assert.Equal(t, "How hard did it feel?", s.History[1].Content)
}

func TestRestartSupersedesActiveSession(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "Did squats today", `{"slots":{"exercises":{"value":"squats"}}}`)
	first := h.active(t)

	for _, err := range h.engine.HandleTurn(context.Background(), Turn{
		UserID: "u1", Domain: "workout_creator", ConversationID: "c1", Text: "Start over", Restart: true,
	}) {
		require.NoError(t, err)
	}

	current := h.active(t)
	assert.NotEqual(t, first.SessionID, current.SessionID)
	old, err := h.repo.GetSession(context.Background(), "u1", first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeleteReasonSuperseded, old.DeleteReason)
}

func TestUnknownDomainIsHardError(t *testing.T) {
	h := newHarness(t)
	var gotErr error
	for _, err := range h.engine.HandleTurn(context.Background(), Turn{UserID: "u1", Domain: "meal_planner", Text: "hi"}) {
		gotErr = err
	}
	assert.ErrorIs(t, gotErr, schema.ErrUnknownDomain)
}

func TestGetAndCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Get(ctx, "u1", "workout_creator", "c1")
	require.ErrorIs(t, err, ErrSessionNotFound)

	h.turn(t, "Did squats today", `{"slots":{"exercises":{"value":"squats"}}}`)
	snap, err := h.engine.Get(ctx, "u1", "workout_creator", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Progress.CompletedRequired)

	cancelled, err := h.engine.Cancel(ctx, "u1", "workout_creator", "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeleteReasonUserCancelled, cancelled.DeleteReason)

	_, err = h.engine.Get(ctx, "u1", "workout_creator", "c1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGenerateRetriesFailedDispatch(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("unavailable")
	h.turn(t, "Squats today, that's all",
		`{"slots":{"exercises":{"value":"squats"},"workout_date":{"value":"today"}},"wants_to_finish":true}`)
	s := h.active(t)
	require.Equal(t, domain.LockFailed, s.Lock.Status)

	h.dispatcher.err = nil
	res, err := h.engine.Generate(context.Background(), "u1", s.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 2, res.Ticket.Attempt)

	_, err = h.engine.Generate(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// gatedExtractor holds the first extraction until released, so a turn can
// be paused after it loaded its session.
type gatedExtractor struct {
	next    Extractor
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedExtractor) Extract(ctx context.Context, in extract.Input) extract.Result {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.next.Extract(ctx, in)
}

// stalledTurn starts a turn that stops right after loading its session and
// returns a func that lets it finish and collects its events.
func (h *harness) stalledTurn(t *testing.T, text string, reply string) func() []Event {
	t.Helper()
	gate := &gatedExtractor{next: h.engine.Extractor, entered: make(chan struct{}), release: make(chan struct{})}
	h.engine.Extractor = gate
	h.model.mu.Lock()
	h.model.replies = append(h.model.replies, reply)
	h.model.mu.Unlock()

	type result struct {
		events []Event
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for ev, err := range h.engine.HandleTurn(context.Background(), Turn{
			UserID:         "u1",
			Domain:         "workout_creator",
			ConversationID: "c1",
			Text:           text,
		}) {
			if err != nil {
				r.err = err
				break
			}
			r.events = append(r.events, ev)
		}
		done <- r
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled turn never reached extraction")
	}
	return func() []Event {
		close(gate.release)
		select {
		case r := <-done:
			require.NoError(t, r.err)
			return r.events
		case <-time.After(5 * time.Second):
			t.Fatal("stalled turn never finished")
			return nil
		}
	}
}

const (
	bothRequired = `{"slots":{"exercises":{"value":"5x5 back squat","confidence":"high"},"workout_date":{"value":"2026-03-02","confidence":"high"}}}`
	finishReply  = `{"slots":{},"wants_to_finish":true}`
)

func TestRedeliveredFinishTurnDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "Did 5x5 back squats this morning", bothRequired)
	require.Equal(t, int32(0), h.dispatcher.calls.Load())

	// The same message arrives twice; the second copy loads the session
	// before the first one completes it.
	finishLate := h.stalledTurn(t, "That's all, log it please", finishReply)
	events := h.turn(t, "That's all, log it please", finishReply)
	gen, ok := lastOf(events, EventGeneration)
	require.True(t, ok)
	require.True(t, gen.Generation.Triggered)

	late := finishLate()
	gen, ok = lastOf(late, EventGeneration)
	require.True(t, ok)
	assert.False(t, gen.Generation.Triggered)
	assert.True(t, gen.Generation.AlreadyRunning)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())

	stored := h.active(t)
	assert.Equal(t, domain.LockInProgress, stored.Lock.Status)
	assert.Equal(t, 1, stored.Lock.Attempt)
}

func TestStaleQuestionTurnKeepsGenerationLock(t *testing.T) {
	h := newHarness(t)
	h.turn(t, "Did 5x5 back squats this morning", bothRequired)

	// A slower turn that would only ask another question must not write
	// its pre-completion copy over the running generation.
	askLate := h.stalledTurn(t, "Not sure how it felt", `{"slots":{}}`)
	h.turn(t, "That's all, log it please", finishReply)
	require.Equal(t, int32(1), h.dispatcher.calls.Load())

	late := askLate()
	msg, ok := lastOf(late, EventMessage)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "still being generated")

	stored := h.active(t)
	assert.True(t, stored.IsComplete)
	assert.Equal(t, domain.LockInProgress, stored.Lock.Status)

	// A retry after the stale turn still finds the lock held.
	again, err := h.trigger.Fire(context.Background(), stored)
	require.NoError(t, err)
	assert.True(t, again.AlreadyRunning)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())
}

func TestStaleTurnOnCancelledSessionIsNotRevived(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.turn(t, "Did squats today", `{"slots":{"exercises":{"value":"squats"}}}`)
	first := h.active(t)

	late := h.stalledTurn(t, "It was this morning", `{"slots":{"workout_date":{"value":"today"}}}`)
	_, err := h.engine.Cancel(ctx, "u1", "workout_creator", "c1")
	require.NoError(t, err)

	events := late()
	ev, ok := lastOf(events, EventCancelled)
	require.True(t, ok)
	assert.Equal(t, "It was this morning", ev.Redispatch)

	stored, err := h.repo.GetSession(ctx, "u1", first.SessionID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.Equal(t, domain.DeleteReasonUserCancelled, stored.DeleteReason)
	assert.Equal(t, 1, stored.TurnCount)
}

func TestGenerateRefusesCancelledSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dispatcher.err = errors.New("unavailable")
	h.turn(t, "Squats today, that's all",
		`{"slots":{"exercises":{"value":"squats"},"workout_date":{"value":"today"}},"wants_to_finish":true}`)
	s := h.active(t)
	require.Equal(t, domain.LockFailed, s.Lock.Status)
	require.Equal(t, int32(1), h.dispatcher.calls.Load())

	_, err := h.engine.Cancel(ctx, "u1", "workout_creator", "c1")
	require.NoError(t, err)

	h.dispatcher.err = nil
	_, err = h.engine.Generate(ctx, "u1", s.SessionID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, int32(1), h.dispatcher.calls.Load())

	stored, err := h.repo.GetSession(ctx, "u1", s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.LockFailed, stored.Lock.Status)
}
