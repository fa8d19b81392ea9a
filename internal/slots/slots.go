// Package slots implements the slot store: the to-do list of fields a
// collection session is trying to fill.
package slots

import (
	"maps"
	"strings"
	"time"

	"github.com/ashureev/coach-intake/internal/domain"
)

// Update is the extractor's proposal for a single slot.
// A nil Value never completes a slot.
type Update struct {
	Value      any               `json:"value"`
	Confidence domain.Confidence `json:"confidence,omitempty"`
	Notes      string            `json:"notes,omitempty"`
}

// Patch is a partial slot update keyed by slot name.
type Patch map[string]Update

// Source describes where a patch came from, for provenance.
type Source struct {
	Turn   int
	At     time.Time
	Images []domain.ImageRef
}

// CreateEmpty returns a slot map with every schema slot pending.
func CreateEmpty(schema domain.SlotSchema) map[string]domain.Slot {
	out := make(map[string]domain.Slot, len(schema.Slots))
	for _, spec := range schema.Slots {
		out[spec.Name] = domain.Slot{Status: domain.SlotPending}
	}
	return out
}

// Apply merges patch into current and returns the result; current is not modified.
//
// Only names declared by the schema are considered. A non-nil value completes
// the slot (confidence defaults to medium). A nil value with notes moves a
// pending slot to in_progress. A complete slot never goes back.
func Apply(current map[string]domain.Slot, patch Patch, schema domain.SlotSchema, src Source) map[string]domain.Slot {
	out := maps.Clone(current)
	if out == nil {
		out = make(map[string]domain.Slot, len(schema.Slots))
	}

	for name, upd := range patch {
		spec, ok := schema.Spec(name)
		if !ok {
			continue
		}
		slot, ok := out[name]
		if !ok {
			slot = domain.Slot{Status: domain.SlotPending}
		}

		if !hasValue(upd.Value) {
			notes := strings.TrimSpace(upd.Notes)
			if notes != "" && !slot.IsComplete() {
				slot.Status = domain.SlotInProgress
				slot.Notes = notes
			}
			out[name] = slot
			continue
		}

		confidence := upd.Confidence
		if confidence == "" {
			confidence = domain.ConfidenceMedium
		}
		slot = domain.Slot{
			Status:     domain.SlotComplete,
			Value:      upd.Value,
			Confidence: domain.ParseConfidence(string(confidence)),
			Notes:      strings.TrimSpace(upd.Notes),
			ExtractedFrom: &domain.Provenance{
				Turn:      src.Turn,
				MessageAt: formatTime(src.At),
			},
		}
		if spec.ImageRelevant && len(src.Images) > 0 {
			refs := make([]string, 0, len(src.Images))
			for _, img := range src.Images {
				refs = append(refs, img.URI)
			}
			slot.ImageRefs = refs
		}
		out[name] = slot
	}
	return out
}

func hasValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Progress summarises how much of a schema has been collected.
type Progress struct {
	CompletedRequired int      `json:"completedRequired"`
	TotalRequired     int      `json:"totalRequired"`
	CompletedHigh     int      `json:"completedHighPriority"`
	TotalHigh         int      `json:"totalHighPriority"`
	CompletedLow      int      `json:"completedLowPriority"`
	TotalLow          int      `json:"totalLowPriority"`
	MissingRequired   []string `json:"missingRequired,omitempty"`
	MissingHigh       []string `json:"missingHighPriority,omitempty"`
	MissingLow        []string `json:"missingLowPriority,omitempty"`
}

// AllRequired reports whether every required slot is complete.
func (p Progress) AllRequired() bool {
	return p.CompletedRequired == p.TotalRequired
}

// AllHigh reports whether every high-priority optional slot is complete.
func (p Progress) AllHigh() bool {
	return p.CompletedHigh == p.TotalHigh
}

// Collected returns the names of every complete slot in schema order.
func Collected(current map[string]domain.Slot, schema domain.SlotSchema) []string {
	var names []string
	for _, spec := range schema.Slots {
		if current[spec.Name].IsComplete() {
			names = append(names, spec.Name)
		}
	}
	return names
}

// ComputeProgress is a pure read over the slot map.
func ComputeProgress(current map[string]domain.Slot, schema domain.SlotSchema) Progress {
	var p Progress
	for _, spec := range schema.Slots {
		done := current[spec.Name].IsComplete()
		switch {
		case spec.Required:
			p.TotalRequired++
			if done {
				p.CompletedRequired++
			} else {
				p.MissingRequired = append(p.MissingRequired, spec.Name)
			}
		case spec.Tier == domain.TierHigh:
			p.TotalHigh++
			if done {
				p.CompletedHigh++
			} else {
				p.MissingHigh = append(p.MissingHigh, spec.Name)
			}
		default:
			p.TotalLow++
			if done {
				p.CompletedLow++
			} else {
				p.MissingLow = append(p.MissingLow, spec.Name)
			}
		}
	}
	return p
}
