package api

import (
	"time"

	"github.com/sparebook/callkit/internal/history"
	"github.com/sparebook/callkit/internal/session"
)

func ToApiCall(cs *session.CallSession) Call {
	call := Call{
		SessionID:    cs.ID,
		CallerID:     cs.CallerID,
		ReceiverID:   cs.ReceiverID,
		Type:         string(cs.Type),
		Status:       string(cs.Status),
		CallerName:   cs.CallerName,
		ReceiverName: cs.ReceiverName,
	}
	if !cs.CreatedAt.IsZero() {
		t := cs.CreatedAt
		call.CreatedAt = &t
	}
	if !cs.StartTime.IsZero() {
		t := cs.StartTime
		call.StartTime = &t
	}
	return call
}

func ToApiHistoryEntry(rec history.Record) HistoryEntry {
	return HistoryEntry{
		SessionID:       rec.SessionID,
		CallerID:        rec.CallerID,
		ReceiverID:      rec.ReceiverID,
		Type:            rec.Type,
		Outcome:         string(rec.Outcome),
		StartedAt:       rec.StartedAt,
		DurationSeconds: int64(rec.Duration / time.Second),
	}
}

func ToApiHistory(records []history.Record) []HistoryEntry {
	entries := make([]HistoryEntry, len(records))
	for i, rec := range records {
		entries[i] = ToApiHistoryEntry(rec)
	}
	return entries
}
