package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sparebook/callkit/internal/metrics"
	"github.com/sparebook/callkit/internal/store"
)

// Registry finds or creates session records and is the single write path
// for their scalar fields and candidate arrays. Keeping every session
// write behind it means the transition relation is enforced in exactly
// one place. The read-check-write paths (FindOrCreate, UpdateStatus)
// are serialized by mu; writers in other processes are outside it.
type Registry struct {
	store store.Store

	mu sync.Mutex
}

func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// Metadata carries the non-authoritative display fields of a new session.
type Metadata struct {
	CallerName   string
	ReceiverName string
	StartTime    time.Time
}

// FindOrCreate returns the id of the one active session between the
// unordered pair (callerID, receiverID), creating a fresh ringing
// session when none exists. existed is true when an active session was
// found, which suppresses duplicate ringing sessions from rapid
// double-invocation.
//
// The query-then-create sequence is serialized per registry, so racing
// in-process callers cannot both create a session. Across processes the
// window stays open: the store contract offers no conditional create,
// and a losing session is abandoned once its owner observes the winner.
func (r *Registry) FindOrCreate(ctx context.Context, callerID, receiverID string, callType Type, meta Metadata) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.store.Query(ctx, Collection,
		store.In(FieldStatus, ActiveStatuses()...))
	if err != nil {
		return "", false, fmt.Errorf("query active sessions: %w", err)
	}

	for _, rec := range recs {
		cs, err := Decode(rec)
		if err != nil {
			slog.Warn("skipping malformed session record", "id", rec.ID, "error", err)
			continue
		}
		if cs.IsBetween(callerID, receiverID) {
			slog.Debug("reusing active session", "sessionID", cs.ID, "status", cs.Status)
			metrics.SessionDedupHitsTotal.Inc()
			return cs.ID, true, nil
		}
	}

	startTime := meta.StartTime
	if startTime.IsZero() {
		startTime = time.Now().UTC()
	}

	id, err := r.store.Create(ctx, Collection, map[string]any{
		FieldCallerID:     callerID,
		FieldReceiverID:   receiverID,
		FieldType:         string(callType),
		FieldStatus:       string(StatusRinging),
		FieldStartTime:    startTime,
		FieldCallerName:   meta.CallerName,
		FieldReceiverName: meta.ReceiverName,
	})
	if err != nil {
		return "", false, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionsCreatedTotal.Inc()
	slog.Info("created call session", "sessionID", id, "caller", callerID, "receiver", receiverID, "type", callType)
	return id, false, nil
}

// Get reads and validates one session record.
func (r *Registry) Get(ctx context.Context, id string) (*CallSession, error) {
	rec, err := r.store.Get(ctx, Collection, id)
	if err != nil {
		return nil, err
	}
	return Decode(rec)
}

// SetOffer writes the caller's offer. Written at most once per session;
// the caller role guarantees that by writing it exactly once after
// FindOrCreate.
func (r *Registry) SetOffer(ctx context.Context, id string, offer Description) error {
	metrics.SignalingMessagesTotal.WithLabelValues("offer", "out").Inc()
	return r.store.UpdateFields(ctx, Collection, id, map[string]any{
		FieldOffer: DescriptionFields(offer),
	})
}

// SetAnswer writes the receiver's answer.
func (r *Registry) SetAnswer(ctx context.Context, id string, answer Description) error {
	metrics.SignalingMessagesTotal.WithLabelValues("answer", "out").Inc()
	return r.store.UpdateFields(ctx, Collection, id, map[string]any{
		FieldAnswer: DescriptionFields(answer),
	})
}

// AppendCandidate appends one locally gathered candidate to the side's
// array through the store's atomic append, never a whole-document write.
func (r *Registry) AppendCandidate(ctx context.Context, id string, side Side, cand Candidate) error {
	metrics.ICECandidatesTotal.WithLabelValues(string(side), "out").Inc()
	return r.store.AppendToArray(ctx, Collection, id, side.CandidateField(), CandidateFields(cand))
}

// UpdateStatus moves the session to next if the transition relation
// allows it. Writing the current status again is a no-op, which makes
// cooperative termination idempotent: both parties may write ended. The
// check-then-write is serialized per registry; a writer in another
// process can still interleave between the read and the write.
func (r *Registry) UpdateStatus(ctx context.Context, id string, next Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if cs.Status == next {
		return nil
	}
	if !cs.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cs.Status, next)
	}

	metrics.SignalingMessagesTotal.WithLabelValues("status", "out").Inc()
	return r.store.UpdateFields(ctx, Collection, id, map[string]any{
		FieldStatus: string(next),
	})
}

// Ringing lists every session still waiting for an answer. Used by the
// incoming-call watcher; malformed records are skipped.
func (r *Registry) Ringing(ctx context.Context) ([]*CallSession, error) {
	recs, err := r.store.Query(ctx, Collection,
		store.Eq(FieldStatus, string(StatusRinging)))
	if err != nil {
		return nil, fmt.Errorf("query ringing sessions: %w", err)
	}
	out := make([]*CallSession, 0, len(recs))
	for _, rec := range recs {
		cs, err := Decode(rec)
		if err != nil {
			slog.Warn("skipping malformed session record", "id", rec.ID, "error", err)
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

// Subscribe registers fn for decoded snapshots of the session. Records
// that fail validation are logged and dropped rather than crashing the
// consumer.
func (r *Registry) Subscribe(ctx context.Context, id string, fn func(*CallSession)) (func(), error) {
	return r.store.Subscribe(ctx, Collection, id, func(rec store.Record) {
		cs, err := Decode(rec)
		if err != nil {
			slog.Warn("ignoring malformed session snapshot", "id", rec.ID, "error", err)
			return
		}
		fn(cs)
	})
}
