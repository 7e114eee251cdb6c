package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestSaveAndList(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	started := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	err := repo.Save(ctx, Record{
		SessionID:  "s1",
		CallerID:   "alice",
		ReceiverID: "bob",
		Type:       "video",
		Outcome:    OutcomeCompleted,
		StartedAt:  started,
		Duration:   95 * time.Second,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	recs, err := repo.ListByParticipant(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ID == "" {
		t.Error("record id was not assigned")
	}
	if rec.SessionID != "s1" || rec.CallerID != "alice" || rec.ReceiverID != "bob" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %s, want completed", rec.Outcome)
	}
	if rec.Duration != 95*time.Second {
		t.Errorf("duration = %v, want 95s", rec.Duration)
	}
	if !rec.StartedAt.Equal(started) {
		t.Errorf("startedAt = %v, want %v", rec.StartedAt, started)
	}
}

func TestListByParticipantBothSides(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	saves := []Record{
		{SessionID: "s1", CallerID: "alice", ReceiverID: "bob", Type: "voice", Outcome: OutcomeCompleted, StartedAt: base},
		{SessionID: "s2", CallerID: "carol", ReceiverID: "alice", Type: "voice", Outcome: OutcomeDeclined, StartedAt: base.Add(time.Hour)},
		{SessionID: "s3", CallerID: "carol", ReceiverID: "dave", Type: "voice", Outcome: OutcomeMissed, StartedAt: base.Add(2 * time.Hour)},
	}
	for _, rec := range saves {
		if err := repo.Save(ctx, rec); err != nil {
			t.Fatalf("Save(%s): %v", rec.SessionID, err)
		}
	}

	recs, err := repo.ListByParticipant(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	// Newest first.
	if recs[0].SessionID != "s2" || recs[1].SessionID != "s1" {
		t.Errorf("order = %s, %s, want s2, s1", recs[0].SessionID, recs[1].SessionID)
	}
}

func TestListByParticipantLimit(t *testing.T) {
	t.Parallel()
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		err := repo.Save(ctx, Record{
			SessionID:  "s",
			CallerID:   "alice",
			ReceiverID: "bob",
			Type:       "voice",
			Outcome:    OutcomeCompleted,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Save(%d): %v", i, err)
		}
	}

	recs, err := repo.ListByParticipant(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("records = %d, want 3", len(recs))
	}

	recs, err = repo.ListByParticipant(ctx, "nobody", 10)
	if err != nil {
		t.Fatalf("ListByParticipant: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records for unknown user = %d, want 0", len(recs))
	}
}
