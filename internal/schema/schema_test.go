package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadBuiltins(t *testing.T) {
	r, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := []string{"coach_creator", "program_designer", "workout_creator"}
	got := r.Domains()
	if len(got) != len(want) {
		t.Fatalf("expected domains %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected domains %v, got %v", want, got)
		}
	}

	s, err := r.Get("program_designer")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(s.Required()) != 6 {
		t.Errorf("expected 6 required slots, got %d", len(s.Required()))
	}
	if len(s.SubstantialProgress) != 2 {
		t.Errorf("expected 2 substantial progress rules, got %d", len(s.SubstantialProgress))
	}
	if s.Artifact.ResultLocation == "" {
		t.Error("expected artifact result location")
	}
}

func TestGetUnknownDomain(t *testing.T) {
	r, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := r.Get("meal_planner"); !errors.Is(err, ErrUnknownDomain) {
		t.Fatalf("expected ErrUnknownDomain, got %v", err)
	}
}

func TestLoadDirOverridesAndDefaults(t *testing.T) {
	dir := t.TempDir()
	doc := `
domain: workout_creator
artifact:
  name: workout log
slots:
  - name: exercises
    required: true
    tier: required
`
	if err := os.WriteFile(filepath.Join(dir, "workout.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(Options{Dir: dir, DefaultMaxTurns: 7})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s, err := r.Get("workout_creator")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Slots) != 1 {
		t.Errorf("expected override with 1 slot, got %d", len(s.Slots))
	}
	if s.MaxTurns != 7 {
		t.Errorf("expected default max turns 7, got %d", s.MaxTurns)
	}
	if s.MinFinishMessageLength != defaultMinFinishMessageLength {
		t.Errorf("expected default finish length, got %d", s.MinFinishMessageLength)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("domain: x\nmax_turnz: 3\n")); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadDirRejectsInvalidSchema(t *testing.T) {
	dir := t.TempDir()
	doc := "domain: broken\nmax_turns: 3\nslots:\n  - name: a\n    required: true\n    tier: low\n"
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Options{Dir: dir}); err == nil {
		t.Fatal("expected invalid schema to fail loading")
	}
}
