// Package llm adapts model providers to the text and structured-extraction
// ports used by the intake engine.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/ashureev/coach-intake/internal/extract"
	"github.com/ashureev/coach-intake/internal/question"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned empty text")

// GenAIConfig selects the Gemini backend. Project and Location switch to
// Vertex AI; otherwise APIKey is used.
type GenAIConfig struct {
	APIKey   string
	Project  string
	Location string
	Model    string
}

// GenAI implements question.TextClient and extract.StructuredClient.
type GenAI struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// NewGenAI creates a client for cfg.
func NewGenAI(ctx context.Context, cfg GenAIConfig, logger *slog.Logger) (*GenAI, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Project != "" && cfg.Location != "" {
		cc = &genai.ClientConfig{Project: cfg.Project, Location: cfg.Location, Backend: genai.BackendVertexAI}
	} else if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating GenAI client: %w", err)
	}
	logger.Info("GenAI client ready", "model", cfg.Model, "backend", cc.Backend)
	return &GenAI{client: client, model: cfg.Model, logger: logger}, nil
}

func textConfig(req question.TextRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(req.Temperature),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = req.MaxTokens
	}
	return cfg
}

// Generate implements question.TextClient.
func (g *GenAI) Generate(ctx context.Context, req question.TextRequest) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}
	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, textConfig(req))
	if err != nil {
		return "", fmt.Errorf("genai generate content: %w", err)
	}
	text := res.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Stream implements question.TextClient.
func (g *GenAI) Stream(ctx context.Context, req question.TextRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}
		for res, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, textConfig(req)) {
			if err != nil {
				yield("", fmt.Errorf("genai stream: %w", err))
				return
			}
			if text := res.Text(); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// ExtractStructured implements extract.StructuredClient. Images are sent
// as URI parts next to the prompt.
func (g *GenAI) ExtractStructured(ctx context.Context, req extract.StructuredRequest) (json.RawMessage, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.UserPrompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromURI(img.URI, img.MIMEType))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(req.SystemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    ToSchema(req.Schema),
	}
	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai structured extraction: %w", err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("%w: model output is not JSON", extract.ErrMalformedOutput)
	}
	return json.RawMessage(text), nil
}

// ToSchema converts the provider-neutral output schema.
func ToSchema(s *extract.OutputSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Description:      s.Description,
		Enum:             s.Enum,
		Required:         s.Required,
		PropertyOrdering: s.Order,
	}
	switch s.Type {
	case extract.TypeObject:
		out.Type = genai.TypeObject
	case extract.TypeBoolean:
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}
	if s.Nullable {
		out.Nullable = genai.Ptr(true)
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = ToSchema(prop)
		}
	}
	return out
}
