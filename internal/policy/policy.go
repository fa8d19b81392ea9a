// Package policy decides, after each turn, whether a collection session is
// done, needs more information, or must be closed out.
package policy

import (
	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/slots"
)

// State is the outcome of a policy evaluation, listed in priority order.
type State string

const (
	StateCancelled               State = "cancelled"
	StateForcedCompleteSatisfied State = "forced_complete_satisfied"
	StateForcedCompletePartial   State = "forced_complete_partial"
	StateFinishRequested         State = "finish_requested"
	StateFinishPartial           State = "finish_partial"
	StateCollectRequired         State = "collect_required"
	StateCollectHighPriority     State = "collect_high_priority"
	StateCollectLowPriority      State = "collect_low_priority"
	StateSatisfied               State = "satisfied"
)

// maxFocus caps how many slots a single question may ask about.
const maxFocus = 2

// Input is everything the policy looks at.
type Input struct {
	Slots         map[string]domain.Slot
	Schema        domain.SlotSchema
	WantsToFinish bool
	ChangedTopic  bool
	TurnCount     int
	// MaxTurns overrides Schema.MaxTurns when > 0.
	MaxTurns int
}

// Decision is the result of Decide.
type Decision struct {
	State State `json:"state"`
	// Complete means collection is over and generation should be triggered.
	Complete bool `json:"complete"`
	// Partial means collection ended with required slots still missing.
	Partial bool `json:"partial"`
	// FinishDeclined is set when the user asked to finish but not enough was collected.
	FinishDeclined bool `json:"finishDeclined,omitempty"`
	// Tier is the tier the next question should target while collecting.
	Tier domain.Tier `json:"tier,omitempty"`
	// Focus lists the one or two slots the next question should ask about.
	Focus    []string       `json:"focus,omitempty"`
	Progress slots.Progress `json:"progress"`
}

// Collecting reports whether the session should keep asking questions.
func (d Decision) Collecting() bool {
	return d.State == StateCollectRequired || d.State == StateCollectHighPriority || d.State == StateCollectLowPriority
}

// Decide is a pure function over the session state and the turn's intents.
func Decide(in Input) Decision {
	progress := slots.ComputeProgress(in.Slots, in.Schema)
	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = in.Schema.MaxTurns
	}

	switch {
	case in.ChangedTopic:
		return Decision{State: StateCancelled, Progress: progress}
	case maxTurns > 0 && in.TurnCount >= maxTurns && progress.AllRequired():
		return Decision{State: StateForcedCompleteSatisfied, Complete: true, Progress: progress}
	case maxTurns > 0 && in.TurnCount >= maxTurns:
		return Decision{State: StateForcedCompletePartial, Complete: true, Partial: true, Progress: progress}
	}

	declined := false
	if in.WantsToFinish {
		switch {
		case progress.AllRequired():
			return Decision{State: StateFinishRequested, Complete: true, Progress: progress}
		case SubstantialProgress(progress, in.Schema.SubstantialProgress):
			return Decision{State: StateFinishPartial, Complete: true, Partial: true, Progress: progress}
		default:
			declined = true
		}
	}

	d := Decision{FinishDeclined: declined, Progress: progress}
	switch {
	case len(progress.MissingRequired) > 0:
		d.State, d.Tier = StateCollectRequired, domain.TierRequired
		d.Focus = focus(progress.MissingRequired, in.Schema)
	case len(progress.MissingHigh) > 0:
		d.State, d.Tier = StateCollectHighPriority, domain.TierHigh
		d.Focus = focus(progress.MissingHigh, in.Schema)
	case len(progress.MissingLow) > 0:
		d.State, d.Tier = StateCollectLowPriority, domain.TierLow
		d.Focus = focus(progress.MissingLow, in.Schema)
	default:
		d = Decision{State: StateSatisfied, Complete: true, Progress: progress}
	}
	return d
}

// SubstantialProgress reports whether any configured rule is met.
// An empty rule set never matches.
func SubstantialProgress(p slots.Progress, rules []domain.ProgressRule) bool {
	for _, rule := range rules {
		if p.CompletedRequired < rule.MinRequired {
			continue
		}
		if rule.RequireAllHighPriority && !p.AllHigh() {
			continue
		}
		return true
	}
	return false
}

// focus picks the first missing slot and, if one exists, the next missing
// slot sharing its theme. Unrelated slots are never batched together.
func focus(missing []string, schema domain.SlotSchema) []string {
	if len(missing) == 0 {
		return nil
	}
	first := missing[0]
	out := []string{first}
	spec, _ := schema.Spec(first)
	if spec.Theme == "" {
		return out
	}
	for _, name := range missing[1:] {
		if len(out) == maxFocus {
			break
		}
		if other, ok := schema.Spec(name); ok && other.Theme == spec.Theme {
			out = append(out, name)
		}
	}
	return out
}
