package trigger

import (
	"fmt"
	"strconv"
	"strings"
)

// Ticket identifies one generation attempt of one session.
type Ticket struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Attempt   int    `json:"attempt"`
}

// String renders the ticket as userId/sessionId/attempt.
func (t Ticket) String() string {
	return t.UserID + "/" + t.SessionID + "/" + strconv.Itoa(t.Attempt)
}

// ParseTicket is the inverse of Ticket.String. The user id may itself
// contain slashes; the last two segments are the session id and attempt.
func ParseTicket(s string) (Ticket, error) {
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return Ticket{}, fmt.Errorf("%w: %q", ErrInvalidTicket, s)
	}
	attempt, err := strconv.Atoi(s[i+1:])
	if err != nil || attempt < 1 {
		return Ticket{}, fmt.Errorf("%w: bad attempt in %q", ErrInvalidTicket, s)
	}
	rest := s[:i]
	j := strings.LastIndexByte(rest, '/')
	if j <= 0 || j == len(rest)-1 {
		return Ticket{}, fmt.Errorf("%w: %q", ErrInvalidTicket, s)
	}
	return Ticket{UserID: rest[:j], SessionID: rest[j+1:], Attempt: attempt}, nil
}
