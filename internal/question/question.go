// Package question produces the next user-facing message of a collection
// session: an interstitial question, the completion handoff, or a
// deterministic fallback.
package question

import (
	"context"
	"iter"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/policy"
)

// Kind is the class of message being produced.
type Kind string

const (
	KindInterstitial Kind = "interstitial"
	KindCompletion   Kind = "completion"
	KindFallback     Kind = "fallback"
)

// TextClient is the text-generation collaborator. Draining Stream must
// yield the same text Generate would return.
type TextClient interface {
	Generate(ctx context.Context, req TextRequest) (string, error)
	Stream(ctx context.Context, req TextRequest) iter.Seq2[string, error]
}

// TextRequest is one call to the text-generation collaborator.
type TextRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int32
}

// Request describes the message to produce.
type Request struct {
	Kind     Kind
	Schema   domain.SlotSchema
	Decision policy.Decision
	Slots    map[string]domain.Slot
	// LastUserMessage is acknowledged by interstitial questions.
	LastUserMessage string
	// Persona is optional coach style context.
	Persona string
}

// Generator is stateless apart from its collaborator and timeout.
type Generator struct {
	client  TextClient
	timeout time.Duration
}

// NewGenerator returns a Generator. A zero timeout means no bound beyond ctx.
func NewGenerator(client TextClient, timeout time.Duration) *Generator {
	return &Generator{client: client, timeout: timeout}
}

// Stream starts producing the message for req. Nothing is requested from
// the collaborator until the returned stream is consumed.
func (g *Generator) Stream(ctx context.Context, req Request) *Stream {
	fallback := Fallback(req)
	if req.Kind == KindFallback || g.client == nil {
		return Static(fallback)
	}

	text := TextRequest{
		SystemPrompt: systemPrompt(req),
		UserPrompt:   userPrompt(req),
		Temperature:  0.7,
		MaxTokens:    400,
	}
	return &Stream{
		fallback: fallback,
		source: func(yield func(string, error) bool) {
			if g.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, g.timeout)
				defer cancel()
			}
			for frag, err := range g.client.Stream(ctx, text) {
				if !yield(frag, err) {
					return
				}
			}
		},
	}
}

// Generate is the single-shot form of Stream.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	return g.Stream(ctx, req).Text()
}
