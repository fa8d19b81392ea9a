// Package extract turns one user turn into a partial slot update plus the
// finish and topic-change intents.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/slots"
)

// ErrMalformedOutput is returned when the structured output does not decode.
var ErrMalformedOutput = errors.New("malformed extraction output")

// StructuredClient is the structured-extraction collaborator. It must
// enforce the declared output schema.
type StructuredClient interface {
	ExtractStructured(ctx context.Context, req StructuredRequest) (json.RawMessage, error)
}

// StructuredRequest is one call to the structured-extraction collaborator.
type StructuredRequest struct {
	SystemPrompt string
	UserPrompt   string
	Images       []domain.ImageRef
	Schema       *OutputSchema
}

// Input is one user turn plus the context needed to interpret it.
type Input struct {
	Text    string
	Images  []domain.ImageRef
	History []domain.Message
	Slots   map[string]domain.Slot
	Schema  domain.SlotSchema
	// DomainContext is optional background (recent related records).
	DomainContext string
	Turn          int
	At            time.Time
}

// Result is the extractor's output. On failure Patch is empty and both
// intents are false.
type Result struct {
	Patch         slots.Patch
	WantsToFinish bool
	ChangedTopic  bool
	// Failed is set when the collaborator call or decoding failed.
	Failed bool
	Err    error
	// FinishOverridden is set when the short-message guard dropped a finish request.
	FinishOverridden bool
	// Discarded counts slot values dropped because the topic changed.
	Discarded int
}

// Source returns the provenance for applying r.Patch.
func (in Input) Source() slots.Source {
	return slots.Source{Turn: in.Turn, At: in.At, Images: in.Images}
}

// Extractor runs structured extraction for any collection domain.
type Extractor struct {
	client   StructuredClient
	builders map[string]PromptBuilder
	fallback PromptBuilder
	timeout  time.Duration
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithPromptBuilder registers a prompt builder for one domain.
func WithPromptBuilder(domainName string, b PromptBuilder) Option {
	return func(e *Extractor) { e.builders[domainName] = b }
}

// WithTimeout bounds each collaborator call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(e *Extractor) { e.timeout = d }
}

// New creates an Extractor backed by client.
func New(client StructuredClient, opts ...Option) *Extractor {
	e := &Extractor{
		client:   client,
		builders: make(map[string]PromptBuilder),
		fallback: DefaultPromptBuilder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Extractor) builder(domainName string) PromptBuilder {
	if b, ok := e.builders[domainName]; ok {
		return b
	}
	return e.fallback
}

// Extract never returns an error: failures yield an empty result with
// Failed set, and the caller carries on with the turn.
func (e *Extractor) Extract(ctx context.Context, in Input) Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	b := e.builder(in.Schema.Domain)
	raw, err := e.client.ExtractStructured(ctx, StructuredRequest{
		SystemPrompt: b.SystemPrompt(in.Schema),
		UserPrompt:   b.UserPrompt(in),
		Images:       in.Images,
		Schema:       OutputSchemaFor(in.Schema),
	})
	if err != nil {
		slog.Warn("extraction call failed", "domain", in.Schema.Domain, "turn", in.Turn, "error", err)
		return failed(err)
	}

	res, err := decode(raw, in.Schema)
	if err != nil {
		slog.Warn("extraction output rejected", "domain", in.Schema.Domain, "turn", in.Turn, "error", err)
		return failed(err)
	}

	if res.WantsToFinish && !FinishAllowed(in.Text, in.Schema.MinFinishMessageLength, in.Schema.FinishKeywords) {
		res.WantsToFinish = false
		res.FinishOverridden = true
		slog.Info("finish request ignored for short message", "domain", in.Schema.Domain, "turn", in.Turn)
	}

	if res.ChangedTopic {
		res.Discarded = len(res.Patch)
		res.Patch = slots.Patch{}
		res.WantsToFinish = false
		if res.Discarded > 0 {
			slog.Warn("topic change discarded extracted slots",
				"domain", in.Schema.Domain,
				"turn", in.Turn,
				"discarded", res.Discarded,
			)
		}
	}
	return res
}

func failed(err error) Result {
	return Result{Patch: slots.Patch{}, Failed: true, Err: err}
}

type wireSlot struct {
	Value      any    `json:"value"`
	Confidence string `json:"confidence"`
	Notes      string `json:"notes"`
}

type wireResult struct {
	Slots         map[string]*wireSlot `json:"slots"`
	WantsToFinish bool                 `json:"wants_to_finish"`
	ChangedTopic  bool                 `json:"changed_topic"`
}

// decode rejects unknown top-level fields and ignores slot names the
// schema does not declare.
func decode(raw json.RawMessage, schema domain.SlotSchema) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var w wireResult
	if err := dec.Decode(&w); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	patch := make(slots.Patch, len(w.Slots))
	for name, ws := range w.Slots {
		if ws == nil {
			continue
		}
		if _, ok := schema.Spec(name); !ok {
			continue
		}
		patch[name] = slots.Update{
			Value:      ws.Value,
			Confidence: domain.ParseConfidence(ws.Confidence),
			Notes:      ws.Notes,
		}
	}
	return Result{Patch: patch, WantsToFinish: w.WantsToFinish, ChangedTopic: w.ChangedTopic}, nil
}

// FinishAllowed applies the short-message guard: a message shorter than
// minLength runes must contain one of keywords for a finish request to count.
func FinishAllowed(message string, minLength int, keywords []string) bool {
	text := strings.TrimSpace(message)
	if utf8.RuneCountInString(text) >= minLength {
		return true
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	joined := " " + strings.Join(words, " ") + " "
	for _, kw := range keywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(joined, " "+kw+" ") {
			return true
		}
	}
	return false
}
