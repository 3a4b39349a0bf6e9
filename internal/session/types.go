// Package session provides session persistence, admission control and the
// bounded conversation history window.
//
// Responsibilities: create/load sessions keyed by an opaque UUID, enforce the
// lifetime message quota and the inter-message floor, and expose the recent
// turn window consumed by the answer pipeline.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role constants define valid turn roles for type safety.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Session represents a chat session (application-level type).
//
// Invariant: 0 <= QuotaRemaining <= QuotaTotal. A session past ExpiresAt is
// treated as absent by Admit and Get; rows are never hard-deleted.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	CreatedAt      time.Time  `json:"createdAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty"`
	QuotaRemaining int        `json:"quotaRemaining"`
	QuotaTotal     int        `json:"quotaTotal"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Turn is a single conversation entry. Immutable once appended.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewUserTurn builds a user turn stamped with the given time.
func NewUserTurn(content string, at time.Time) Turn {
	return Turn{Role: RoleUser, Content: content, CreatedAt: at}
}

// NewAssistantTurn builds an assistant turn stamped with the given time.
func NewAssistantTurn(content string, at time.Time) Turn {
	return Turn{Role: RoleAssistant, Content: content, CreatedAt: at}
}
