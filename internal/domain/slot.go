package domain

import (
	"errors"
	"fmt"
)

// ErrUnknownSlot is returned when a slot name is not declared by the schema.
var ErrUnknownSlot = errors.New("unknown slot")

// SlotStatus is the collection state of a single slot.
type SlotStatus string

const (
	// SlotPending means nothing has been learned about the slot yet.
	SlotPending SlotStatus = "pending"
	// SlotInProgress means the user touched the topic but gave no usable value.
	SlotInProgress SlotStatus = "in_progress"
	// SlotComplete means the slot holds a value.
	SlotComplete SlotStatus = "complete"
)

// Confidence grades how explicit the evidence for a slot value was.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence maps free-form model output onto a Confidence.
// Anything unrecognised becomes medium.
func ParseConfidence(s string) Confidence {
	switch Confidence(s) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(s)
	default:
		return ConfidenceMedium
	}
}

// Provenance records which turn produced a slot value.
type Provenance struct {
	Turn      int    `json:"turn"`
	MessageAt string `json:"messageAt,omitempty"`
}

// Slot is one named field of the record being collected.
// Value is non-nil exactly when Status is SlotComplete.
type Slot struct {
	Status        SlotStatus  `json:"status"`
	Value         any         `json:"value"`
	Confidence    Confidence  `json:"confidence,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	ExtractedFrom *Provenance `json:"extractedFrom,omitempty"`
	ImageRefs     []string    `json:"imageRefs,omitempty"`
}

// IsComplete reports whether the slot holds a value.
func (s Slot) IsComplete() bool {
	return s.Status == SlotComplete
}

// Tier orders slots by how badly the downstream generator needs them.
type Tier string

const (
	TierRequired Tier = "required"
	TierHigh     Tier = "high"
	TierLow      Tier = "low"
)

// SlotSpec declares one slot of a schema.
type SlotSpec struct {
	Name          string `yaml:"name" json:"name"`
	Description   string `yaml:"description" json:"description"`
	Required      bool   `yaml:"required" json:"required"`
	Tier          Tier   `yaml:"tier" json:"tier"`
	Theme         string `yaml:"theme" json:"theme,omitempty"`
	ImageRelevant bool   `yaml:"image_relevant" json:"imageRelevant,omitempty"`
}

// ProgressRule is one way of satisfying "substantial progress".
// A rule matches when at least MinRequired required slots are complete and,
// if RequireAllHighPriority is set, every high-priority optional slot is too.
type ProgressRule struct {
	MinRequired            int  `yaml:"min_required" json:"minRequired"`
	RequireAllHighPriority bool `yaml:"require_all_high_priority" json:"requireAllHighPriority"`
}

// Artifact describes the downstream product generated from a completed session.
type Artifact struct {
	Name           string `yaml:"name" json:"name"`
	ExpectedWait   string `yaml:"expected_wait" json:"expectedWait"`
	ResultLocation string `yaml:"result_location" json:"resultLocation"`
	Workflow       string `yaml:"workflow" json:"workflow"`
}

// SlotSchema is the fixed declaration of slots for one collection domain.
// It is immutable once loaded.
type SlotSchema struct {
	Domain                 string         `yaml:"domain" json:"domain"`
	Artifact               Artifact       `yaml:"artifact" json:"artifact"`
	MaxTurns               int            `yaml:"max_turns" json:"maxTurns"`
	MinFinishMessageLength int            `yaml:"min_finish_message_length" json:"minFinishMessageLength"`
	FinishKeywords         []string       `yaml:"finish_keywords" json:"finishKeywords"`
	SubstantialProgress    []ProgressRule `yaml:"substantial_progress" json:"substantialProgress"`
	Instructions           string         `yaml:"instructions" json:"instructions,omitempty"`
	Slots                  []SlotSpec     `yaml:"slots" json:"slots"`
}

// Spec returns the declaration of the named slot.
func (s SlotSchema) Spec(name string) (SlotSpec, bool) {
	for _, spec := range s.Slots {
		if spec.Name == name {
			return spec, true
		}
	}
	return SlotSpec{}, false
}

// Required returns the names of required slots in schema order.
func (s SlotSchema) Required() []string {
	return s.namesWhere(func(spec SlotSpec) bool { return spec.Required })
}

// OfTier returns the names of optional slots in the given tier, in schema order.
func (s SlotSchema) OfTier(tier Tier) []string {
	return s.namesWhere(func(spec SlotSpec) bool { return !spec.Required && spec.Tier == tier })
}

func (s SlotSchema) namesWhere(keep func(SlotSpec) bool) []string {
	var names []string
	for _, spec := range s.Slots {
		if keep(spec) {
			names = append(names, spec.Name)
		}
	}
	return names
}

// Validate checks the schema is internally consistent.
func (s SlotSchema) Validate() error {
	if s.Domain == "" {
		return fmt.Errorf("schema domain cannot be empty")
	}
	if len(s.Slots) == 0 {
		return fmt.Errorf("schema %s declares no slots", s.Domain)
	}
	if s.MaxTurns <= 0 {
		return fmt.Errorf("schema %s: max_turns must be > 0", s.Domain)
	}
	seen := make(map[string]struct{}, len(s.Slots))
	required := 0
	for _, spec := range s.Slots {
		if spec.Name == "" {
			return fmt.Errorf("schema %s: slot name cannot be empty", s.Domain)
		}
		if _, dup := seen[spec.Name]; dup {
			return fmt.Errorf("schema %s: duplicate slot %q", s.Domain, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		switch {
		case spec.Required && spec.Tier != TierRequired:
			return fmt.Errorf("schema %s: required slot %q must have tier %q", s.Domain, spec.Name, TierRequired)
		case !spec.Required && spec.Tier != TierHigh && spec.Tier != TierLow:
			return fmt.Errorf("schema %s: optional slot %q must have tier %q or %q", s.Domain, spec.Name, TierHigh, TierLow)
		}
		if spec.Required {
			required++
		}
	}
	for _, rule := range s.SubstantialProgress {
		if rule.MinRequired < 1 || rule.MinRequired > required {
			return fmt.Errorf("schema %s: substantial progress min_required %d out of range [1,%d]", s.Domain, rule.MinRequired, required)
		}
	}
	return nil
}
