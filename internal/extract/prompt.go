package extract

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/ashureev/coach-intake/internal/domain"
)

// PromptBuilder renders the extraction prompts for one collection domain.
// The state machine is shared; only the wording differs between domains.
type PromptBuilder interface {
	SystemPrompt(schema domain.SlotSchema) string
	UserPrompt(in Input) string
}

// historyWindow bounds how many prior messages are shown to the model.
const historyWindow = 12

var systemTmpl = template.Must(template.New("system").Parse(`You extract structured information from a fitness coaching conversation.
Domain: {{.Domain}}.
{{- if .Instructions}}
{{.Instructions}}
{{- end}}

Fields to fill:
{{- range .Slots}}
- {{.Name}}{{if .Required}} (required){{end}}: {{.Description}}
{{- end}}

Rules:
- Only fill a field when the latest user message states it explicitly or strongly implies it.
- If you infer a value from weak evidence, still return it with confidence "low".
- An explicit negative answer (for example "no injuries") is a complete value, not a missing one.
- Use null for fields the message says nothing about. Put partial hints in notes.
- Set wants_to_finish only when the user clearly asks to stop answering questions and proceed.
- Set changed_topic only when the user has abandoned this task for an unrelated request.
`))

// DefaultPromptBuilder renders prompts straight from the schema.
type DefaultPromptBuilder struct{}

// SystemPrompt implements PromptBuilder.
func (DefaultPromptBuilder) SystemPrompt(schema domain.SlotSchema) string {
	var b strings.Builder
	if err := systemTmpl.Execute(&b, schema); err != nil {
		// The template is static and the data is a plain struct.
		panic(fmt.Sprintf("extract: render system prompt: %v", err))
	}
	return b.String()
}

// UserPrompt implements PromptBuilder.
func (DefaultPromptBuilder) UserPrompt(in Input) string {
	var b strings.Builder

	if in.DomainContext != "" {
		b.WriteString("Relevant background about this user:\n")
		b.WriteString(in.DomainContext)
		b.WriteString("\n\n")
	}

	b.WriteString("Already collected:\n")
	for _, spec := range in.Schema.Slots {
		slot := in.Slots[spec.Name]
		switch {
		case slot.IsComplete():
			fmt.Fprintf(&b, "- %s: %v\n", spec.Name, slot.Value)
		case slot.Status == domain.SlotInProgress:
			fmt.Fprintf(&b, "- %s: (partial) %s\n", spec.Name, slot.Notes)
		default:
			fmt.Fprintf(&b, "- %s: (missing)\n", spec.Name)
		}
	}

	history := in.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, msg := range history {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}

	b.WriteString("\nLatest user message:\n")
	b.WriteString(in.Text)
	if len(in.Images) > 0 {
		fmt.Fprintf(&b, "\n(%d image(s) attached)", len(in.Images))
	}
	return b.String()
}

// WorkoutPromptBuilder specialises the default prompts for logging a
// workout that already happened, where relative dates are common.
type WorkoutPromptBuilder struct {
	DefaultPromptBuilder
}

// SystemPrompt implements PromptBuilder.
func (w WorkoutPromptBuilder) SystemPrompt(schema domain.SlotSchema) string {
	return w.DefaultPromptBuilder.SystemPrompt(schema) +
		"- Keep relative dates as the user said them (\"yesterday\", \"this morning\"); they are resolved later.\n" +
		"- Read sets, reps and loads from whiteboard or screenshot images when attached.\n"
}
