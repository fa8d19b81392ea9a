// Package dispatch hands completed collection sessions to the downstream
// generator. Every dispatcher returns as soon as the work is handed off;
// outcomes arrive later through a Reporter.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/coach-intake/internal/domain"
	"github.com/ashureev/coach-intake/internal/trigger"
)

var (
	// ErrQueueFull is returned by the local pool when no worker slot is free.
	ErrQueueFull = errors.New("generation queue full")
	// ErrClosed is returned after the dispatcher has been shut down.
	ErrClosed = errors.New("dispatcher closed")
)

// Reporter records the outcome of one generation attempt.
// *trigger.Trigger implements it.
type Reporter interface {
	ReportCompletion(ctx context.Context, ticket trigger.Ticket, outcome trigger.Outcome) (domain.Session, error)
}

// Payload renders req as JSON-compatible values, the shape every remote
// generator receives.
func Payload(req trigger.Request) (map[string]any, error) {
	raw, err := json.Marshal(struct {
		trigger.Request
		TicketID string `json:"ticketId"`
	}{Request: req, TicketID: req.Ticket.String()})
	if err != nil {
		return nil, fmt.Errorf("encode generation payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode generation payload: %w", err)
	}
	return out, nil
}
