// Package api defines the wire types of the gateway: WebSocket message
// envelopes and REST response shapes, decoupled from the internal call
// and session types.
package api

import "time"

// Call is the REST view of one call session.
type Call struct {
	SessionID    string     `json:"sessionId"`
	CallerID     string     `json:"callerId"`
	ReceiverID   string     `json:"receiverId"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	CallerName   string     `json:"callerName,omitempty"`
	ReceiverName string     `json:"receiverName,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	StartTime    *time.Time `json:"startTime,omitempty"`
}

// HistoryEntry is the REST view of one finished call.
type HistoryEntry struct {
	SessionID       string    `json:"sessionId"`
	CallerID        string    `json:"callerId"`
	ReceiverID      string    `json:"receiverId"`
	Type            string    `json:"type"`
	Outcome         string    `json:"outcome"`
	StartedAt       time.Time `json:"startedAt"`
	DurationSeconds int64     `json:"durationSeconds"`
}
