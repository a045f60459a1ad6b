package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups that match no row.
var ErrNotFound = errors.New("not found")

// Role attributes an utterance to one leg of the call.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Direction of a call relative to the platform.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status mirrors the telephony provider's call lifecycle.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusBusy       Status = "busy"
	StatusNoAnswer   Status = "no-answer"
)

// Terminal reports whether a status ends the call lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusBusy, StatusNoAnswer:
		return true
	}
	return false
}

// Call is one durable record of a telephone conversation.
type Call struct {
	ID              string
	ProviderCallID  string
	FromNumber      string
	ToNumber        string
	Direction       Direction
	Status          Status
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int
	RecordingURL    string
}

// Transcript is one attributed utterance. Immutable once created.
type Transcript struct {
	ID        string
	CallID    string
	Role      Role
	Text      string
	CreatedAt time.Time
}

// Suggestion is one advisory text generated for a call.
type Suggestion struct {
	ID        string
	CallID    string
	Text      string
	CreatedAt time.Time
}

// Store is the durable row store behind the relay. Every write is a
// single-row insert scoped to one call, so implementations need no
// cross-session locking.
type Store interface {
	CreateCall(ctx context.Context, call Call) (Call, error)
	CallByProviderID(ctx context.Context, providerCallID string) (Call, error)
	UpdateCallStatus(ctx context.Context, providerCallID string, status Status, endedAt *time.Time, durationSeconds int) error

	InsertTranscript(ctx context.Context, callID string, role Role, text string) (Transcript, error)
	InsertSuggestion(ctx context.Context, callID string, text string) (Suggestion, error)

	// RecentTranscripts returns up to limit transcripts for a call and role
	// created at or after since, oldest first. Used to seed the duplicate
	// suppression window when a session attaches to an existing call.
	RecentTranscripts(ctx context.Context, callID string, role Role, since time.Time, limit int) ([]Transcript, error)

	// LastSuggestionAt returns the creation time of the newest suggestion
	// for a call, or ErrNotFound when none exists. Seeds the cool-down.
	LastSuggestionAt(ctx context.Context, callID string) (time.Time, error)
}
