// Package model defines the entities managed by the kestrel kernel:
// agents, tasks, tickets, phases, board columns, discoveries, validation
// reviews, results, diagnostic runs, and supervisor actions.
//
// Every entity carries a 128-bit unique ID plus created/updated timestamps.
// Status enums and their transition rules live next to the types so the
// subsystems share a single source of truth for the state machines.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new globally unique entity ID.
func NewID() string {
	return uuid.NewString()
}

// Meta holds the fields common to all persisted entities.
type Meta struct {
	ID        string    `json:"id" yaml:"id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Touch updates UpdatedAt, clamping so it never moves backwards.
func (m *Meta) Touch(now time.Time) {
	if now.After(m.UpdatedAt) {
		m.UpdatedAt = now
	}
}
