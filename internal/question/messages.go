package question

import (
	"fmt"
	"strings"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/slots"
)

func label(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func labels(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = label(n)
	}
	switch len(out) {
	case 0:
		return ""
	case 1:
		return out[0]
	default:
		return strings.Join(out[:len(out)-1], ", ") + " and " + out[len(out)-1]
	}
}

func describe(schema domain.SlotSchema, names []string) string {
	var b strings.Builder
	for _, n := range names {
		spec, _ := schema.Spec(n)
		fmt.Fprintf(&b, "- %s: %s\n", label(n), spec.Description)
	}
	return b.String()
}

func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a fitness coach assistant gathering details to build a ")
	b.WriteString(req.Schema.Artifact.Name)
	b.WriteString(".\n")
	if req.Persona != "" {
		b.WriteString("Speak in this style: ")
		b.WriteString(req.Persona)
		b.WriteString("\n")
	}
	b.WriteString("Keep replies to two or three short sentences. Plain text, no lists.\n")

	collected := slots.Collected(req.Slots, req.Schema)
	if len(collected) > 0 {
		fmt.Fprintf(&b, "Already known: %s.\n", labels(collected))
	}

	if req.Kind == KindCompletion {
		b.WriteString("Collection is finished. Briefly summarise what you learned, say that the ")
		b.WriteString(req.Schema.Artifact.Name)
		fmt.Fprintf(&b, " is being generated now, that it usually takes %s, and that it will appear %s.\n",
			waitOrDefault(req.Schema), locationOrDefault(req.Schema))
		if req.Decision.Partial {
			b.WriteString("Some details were not collected; acknowledge that sensible defaults will be used and can be adjusted later.\n")
		}
		return b.String()
	}

	b.WriteString("Acknowledge the user's last message, then ask about:\n")
	b.WriteString(describe(req.Schema, req.Decision.Focus))
	switch req.Decision.Tier {
	case domain.TierRequired:
		b.WriteString("This information is needed before we can continue.\n")
	default:
		b.WriteString("This is optional: say it can be skipped, and give one reason it helps.\n")
	}
	if req.Decision.FinishDeclined {
		b.WriteString("The user asked to finish early; explain kindly that a little more is needed first.\n")
	}
	return b.String()
}

func userPrompt(req Request) string {
	if req.LastUserMessage == "" {
		return "(the user has not said anything yet)"
	}
	return req.LastUserMessage
}

func waitOrDefault(schema domain.SlotSchema) string {
	if schema.Artifact.ExpectedWait != "" {
		return schema.Artifact.ExpectedWait
	}
	return "a few minutes"
}

func locationOrDefault(schema domain.SlotSchema) string {
	if schema.Artifact.ResultLocation != "" {
		return schema.Artifact.ResultLocation
	}
	return "in your library"
}

func artifactOrDefault(schema domain.SlotSchema) string {
	if schema.Artifact.Name != "" {
		return schema.Artifact.Name
	}
	return "result"
}

// Fallback returns the deterministic, non-empty message used when text
// generation fails.
func Fallback(req Request) string {
	if req.Kind == KindCompletion {
		return Handoff(req)
	}
	if len(req.Decision.Focus) == 0 {
		return "Sorry, I had trouble with that one. Could you tell me a bit more?"
	}
	msg := fmt.Sprintf("Sorry, I had trouble with that one. Could you tell me about your %s?", labels(req.Decision.Focus))
	if req.Decision.Tier != "" && req.Decision.Tier != domain.TierRequired {
		msg += " Feel free to skip this if you'd rather not say."
	}
	return msg
}

// Handoff is the deterministic completion message.
func Handoff(req Request) string {
	var b strings.Builder
	collected := slots.Collected(req.Slots, req.Schema)
	if len(collected) > 0 {
		fmt.Fprintf(&b, "Thanks, I've got your %s. ", labels(collected))
	} else {
		b.WriteString("Thanks for chatting with me. ")
	}
	if req.Decision.Partial {
		b.WriteString("A few details are still missing, so I'll fill the gaps with sensible defaults you can adjust later. ")
	}
	fmt.Fprintf(&b, "I'm starting on your %s now. It usually takes %s and will appear %s.",
		artifactOrDefault(req.Schema), waitOrDefault(req.Schema), locationOrDefault(req.Schema))
	return b.String()
}

// StatusInput describes a session that was already complete when a new
// turn arrived.
type StatusInput struct {
	Schema         domain.SlotSchema
	Lock           domain.GenerationLock
	Triggered      bool
	AlreadyRunning bool
	DispatchFailed bool
}

// Status is the deterministic reply for a turn on a completed session.
func Status(in StatusInput) string {
	name := artifactOrDefault(in.Schema)
	switch {
	case in.Lock.Status == domain.LockComplete:
		return fmt.Sprintf("Your %s is ready. You'll find it %s.", name, locationOrDefault(in.Schema))
	case in.DispatchFailed:
		return fmt.Sprintf("I couldn't start your %s just now. Send another message in a moment and I'll try again.", name)
	case in.Triggered:
		return fmt.Sprintf("I've restarted work on your %s. It usually takes %s and will appear %s.",
			name, waitOrDefault(in.Schema), locationOrDefault(in.Schema))
	case in.AlreadyRunning:
		return fmt.Sprintf("Your %s is still being generated. It will appear %s.", name, locationOrDefault(in.Schema))
	default:
		return fmt.Sprintf("We've finished collecting details for your %s.", name)
	}
}
