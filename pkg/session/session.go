// Package session stores per-call conversation state: call metadata and
// the ordered list of turns.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for unknown or expired call ids.
	ErrNotFound = errors.New("session: call not found")

	// ErrExists is returned when creating a call id that is already live.
	ErrExists = errors.New("session: call already exists")
)

// Role is the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance. Turns are immutable once appended.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Call is a live sales call.
type Call struct {
	ID           string    `json:"call_id"`
	PhoneNumber  string    `json:"phone_number"`
	CustomerName string    `json:"customer_name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	Turns        []Turn    `json:"turns"`
}

// Store owns call state. Implementations are safe for concurrent use and
// preserve turn insertion order exactly.
type Store interface {
	// Create registers a new call. The call must have an ID.
	Create(ctx context.Context, call Call) error

	// Get returns a copy of the call including its turns.
	Get(ctx context.Context, id string) (Call, error)

	// Append adds a turn and refreshes the call's activity time.
	Append(ctx context.Context, id string, turn Turn) error

	// Turns returns a copy of the call's turns in order.
	Turns(ctx context.Context, id string) ([]Turn, error)

	// Delete removes a call.
	Delete(ctx context.Context, id string) error

	// Len returns the number of live calls.
	Len(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Clock returns the current time; tests inject a fake.
type Clock func() time.Time
