package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/question"
)

func workoutSchema() domain.SlotSchema {
	return domain.SlotSchema{
		Domain:   "workout_creator",
		MaxTurns: 6,
		Slots: []domain.SlotSpec{
			{Name: "exercises", Description: "movements", Required: true, Tier: domain.TierRequired},
			{Name: "duration", Description: "how long", Required: true, Tier: domain.TierRequired},
		},
	}
}

func TestToSchema(t *testing.T) {
	got := ToSchema(extract.OutputSchemaFor(workoutSchema()))
	if got.Type != genai.TypeObject {
		t.Fatalf("root type = %v", got.Type)
	}
	slot := got.Properties["slots"].Properties["exercises"]
	if slot == nil || slot.Nullable == nil || !*slot.Nullable {
		t.Fatalf("exercises schema = %+v, want nullable object", slot)
	}
	if v := slot.Properties["value"]; v.Type != genai.TypeString {
		t.Fatalf("value type = %v", v.Type)
	}
	if enum := slot.Properties["confidence"].Enum; len(enum) != 3 {
		t.Fatalf("confidence enum = %v", enum)
	}
	if got.Properties["wants_to_finish"].Type != genai.TypeBoolean {
		t.Fatal("wants_to_finish should be boolean")
	}
	if len(got.PropertyOrdering) != 3 {
		t.Fatalf("ordering = %v", got.PropertyOrdering)
	}
}

func TestMockExtraction(t *testing.T) {
	in := extract.Input{
		Text:   "exercises: 5x5 squat; duration: 45 min\nI'm done",
		Schema: workoutSchema(),
		Slots:  map[string]domain.Slot{},
	}
	raw, err := Mock{}.ExtractStructured(context.Background(), extract.StructuredRequest{
		UserPrompt: extract.DefaultPromptBuilder{}.UserPrompt(in),
		Schema:     extract.OutputSchemaFor(in.Schema),
	})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Slots         map[string]struct{ Value string } `json:"slots"`
		WantsToFinish bool                              `json:"wants_to_finish"`
		ChangedTopic  bool                              `json:"changed_topic"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Slots["exercises"].Value != "5x5 squat" || out.Slots["duration"].Value != "45 min" {
		t.Fatalf("slots = %+v", out.Slots)
	}
	if !out.WantsToFinish || out.ChangedTopic {
		t.Fatalf("intents = %+v", out)
	}
}

func TestMockExtractionFeedsExtractor(t *testing.T) {
	res := extract.New(Mock{}).Extract(context.Background(), extract.Input{
		Text:   "/topic what's a good protein powder?",
		Schema: workoutSchema(),
	})
	if res.Failed {
		t.Fatalf("extract failed: %v", res.Err)
	}
	if !res.ChangedTopic {
		t.Fatal("expected topic change")
	}
}

func TestMockStreamMatchesGenerate(t *testing.T) {
	m := Mock{Reply: "How long did the session take?"}
	var b strings.Builder
	for frag, err := range m.Stream(context.Background(), question.TextRequest{}) {
		if err != nil {
			t.Fatal(err)
		}
		b.WriteString(frag)
	}
	want, _ := m.Generate(context.Background(), question.TextRequest{})
	if b.String() != want {
		t.Fatalf("stream = %q, generate = %q", b.String(), want)
	}
}
