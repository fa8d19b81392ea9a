package intake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/store"
)

// ContextProvider supplies optional background for extraction, such as the
// user's recent related records. Errors are logged and ignored.
type ContextProvider interface {
	DomainContext(ctx context.Context, userID, domainName string) (string, error)
}

// PersonaProvider supplies optional coach style for question wording.
type PersonaProvider interface {
	Persona(ctx context.Context, userID, coachID string) (string, error)
}

// RecentSessions summarises the user's previously generated sessions of
// the same domain.
type RecentSessions struct {
	Repo  store.Repository
	Limit int
}

// DomainContext implements ContextProvider.
func (r RecentSessions) DomainContext(ctx context.Context, userID, domainName string) (string, error) {
	limit := r.Limit
	if limit <= 0 {
		limit = 3
	}
	recent, err := r.Repo.ListRecentSessions(ctx, userID, domainName, limit+1)
	if err != nil {
		return "", fmt.Errorf("recent sessions: %w", err)
	}

	var b strings.Builder
	n := 0
	for _, s := range recent {
		if s.Lock.Status != domain.LockComplete || n == limit {
			continue
		}
		n++
		fmt.Fprintf(&b, "Previous %s on %s:", domainName, s.StartedAt.Format("2006-01-02"))
		for _, name := range slices.Sorted(maps.Keys(s.Slots)) {
			if slot := s.Slots[name]; slot.IsComplete() {
				fmt.Fprintf(&b, " %s=%v;", name, slot.Value)
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// StaticPersonas maps coach ids to persona text.
type StaticPersonas struct {
	ByCoach map[string]string
	Default string
}

// Persona implements PersonaProvider.
func (p StaticPersonas) Persona(_ context.Context, _, coachID string) (string, error) {
	if persona, ok := p.ByCoach[coachID]; ok {
		return persona, nil
	}
	return p.Default, nil
}
