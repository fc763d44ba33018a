package domain

import (
	"time"
)

// Turn is a single user/assistant exchange within a session.
type Turn struct {
	Role         string    `json:"role"` // user | assistant
	Content      string    `json:"content"`
	InvocationID string    `json:"invocation_id,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

// Session holds conversation state for one user tab. It lives for the
// duration of the conversation and is swept by the TTL worker afterwards.
type Session struct {
	UserID    string
	SessionID string
	Turns     []Turn
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AppendTurn records an exchange in the session history.
func (s *Session) AppendTurn(role, content, invocationID string) {
	s.Turns = append(s.Turns, Turn{
		Role:         role,
		Content:      content,
		InvocationID: invocationID,
		Timestamp:    time.Now(),
	})
}

// RecentTurns returns the last n turns from the session history.
func (s *Session) RecentTurns(n int) []Turn {
	if n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}
