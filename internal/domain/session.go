// Package domain contains core domain types for the codequay dispatch pipeline.
package domain

import (
	"time"
)

// Message is a single entry in a session's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Session is a logical multi-turn conversation between a user and the
// coding agent, bound to one backend instance across turns. Sessions are
// created on the first RPC carrying a new session id and mutated by every
// prompt round; they are never explicitly deleted (the reaper expires them).
type Session struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	BackendKind   string    `json:"backend_kind,omitempty"`
	BackendID     string    `json:"backend_id,omitempty"`
	WorkspacePath string    `json:"workspace_path,omitempty"`
	Messages      []Message `json:"messages,omitempty"`
	LastActiveAt  time.Time `json:"last_active_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasBackend returns true if the session is bound to a backend instance.
func (s *Session) HasBackend() bool {
	return s.BackendID != ""
}

// RecordMessage appends one conversation entry and bumps activity.
func (s *Session) RecordMessage(role, content string, at time.Time) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: at})
	s.LastActiveAt = at
}

// RecentMessages returns the last n entries from the conversation history.
func (s *Session) RecentMessages(n int) []Message {
	if n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// IdleFor returns how long the session has been idle relative to now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}
