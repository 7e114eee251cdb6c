// Package history persists finished calls so participants can list
// their past calls with outcome and duration.
package history

import (
	"context"
	"time"
)

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDeclined  Outcome = "declined"
	OutcomeFailed    Outcome = "failed"
	OutcomeMissed    Outcome = "missed"
)

// Record is one finished call.
type Record struct {
	ID         string
	SessionID  string
	CallerID   string
	ReceiverID string
	Type       string
	Outcome    Outcome
	StartedAt  time.Time
	Duration   time.Duration
}

// Repository stores and lists call records.
type Repository interface {
	Save(ctx context.Context, rec Record) error
	ListByParticipant(ctx context.Context, userID string, limit int) ([]Record, error)
	Close() error
}
