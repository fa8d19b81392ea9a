package llm

import (
	"context"
	"encoding/json"
	"iter"
	"slices"
	"strings"
	"unicode"

	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/question"
)

const latestMarker = "Latest user message:\n"

// Mock is a deterministic stand-in for local development. It extracts
// "slot: value" pairs from the latest user message, finishes on "done",
// and treats a message starting with "/topic" as a topic change.
type Mock struct {
	// Reply, when set, is what every text request returns.
	Reply string
}

// Generate implements question.TextClient.
func (m Mock) Generate(_ context.Context, req question.TextRequest) (string, error) {
	if m.Reply != "" {
		return m.Reply, nil
	}
	return "Thanks! Could you tell me a bit more?", nil
}

// Stream implements question.TextClient, yielding one word at a time.
func (m Mock) Stream(ctx context.Context, req question.TextRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		text, err := m.Generate(ctx, req)
		if err != nil {
			yield("", err)
			return
		}
		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if ctx.Err() != nil {
				yield("", ctx.Err())
				return
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}

// ExtractStructured implements extract.StructuredClient.
func (m Mock) ExtractStructured(_ context.Context, req extract.StructuredRequest) (json.RawMessage, error) {
	message := req.UserPrompt
	if i := strings.LastIndex(message, latestMarker); i >= 0 {
		message = message[i+len(latestMarker):]
	}
	if i := strings.LastIndex(message, "\n("); i >= 0 {
		message = message[:i]
	}

	known := map[string]bool{}
	if req.Schema != nil {
		if slotsSchema := req.Schema.Properties["slots"]; slotsSchema != nil {
			for name := range slotsSchema.Properties {
				known[name] = true
			}
		}
	}

	slots := map[string]any{}
	for _, field := range strings.FieldsFunc(message, func(r rune) bool { return r == '\n' || r == ';' }) {
		name, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if known[name] && value != "" {
			slots[name] = map[string]any{"value": value, "confidence": "high"}
		}
	}

	lower := strings.ToLower(strings.TrimSpace(message))
	out := map[string]any{
		"slots":           slots,
		"wants_to_finish": slices.Contains(strings.FieldsFunc(lower, notLetter), "done"),
		"changed_topic":   strings.HasPrefix(lower, "/topic"),
	}
	return json.Marshal(out)
}

func notLetter(r rune) bool { return !unicode.IsLetter(r) }
