package call

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sparebook/callkit/internal/config"
	"github.com/sparebook/callkit/internal/history"
	"github.com/sparebook/callkit/internal/media"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/transport"
	"github.com/sparebook/callkit/internal/utils"
)

// Manager owns every live call window on this node and is the single
// entry point for the application layer: start, accept, reject, end,
// incoming-call notification and history recording. It replaces any
// ambient per-call globals with one explicitly passed object.
type Manager struct {
	registry *session.Registry
	factory  transport.Factory
	capturer media.Capturer
	timeouts config.TimeoutConfig
	history  history.Repository

	windows *utils.SyncMapWrapper[string, *Window]
	dialing *utils.SyncMapWrapper[string, struct{}]

	watcher *ringWatcher
}

// NewManager wires the call core together and starts the incoming-call
// watcher. hist may be nil to disable history recording.
func NewManager(registry *session.Registry, factory transport.Factory, capturer media.Capturer,
	timeouts config.TimeoutConfig, hist history.Repository) *Manager {
	m := &Manager{
		registry: registry,
		factory:  factory,
		capturer: capturer,
		timeouts: timeouts,
		history:  hist,
		windows:  utils.NewSyncMapWrapper[string, *Window](),
		dialing:  utils.NewSyncMapWrapper[string, struct{}](),
	}
	m.watcher = newRingWatcher(registry)
	return m
}

// StartCall opens a caller window toward receiverID. A second start for
// the same pair while the first call is live returns the existing
// window unchanged.
func (m *Manager) StartCall(ctx context.Context, callerID, receiverID string,
	callType session.Type, meta session.Metadata) (*Window, error) {
	if callerID == "" || receiverID == "" || callerID == receiverID {
		return nil, fmt.Errorf("invalid call parties %q -> %q", callerID, receiverID)
	}

	key := pairKey(callerID, receiverID)
	if _, loaded := m.dialing.LoadOrStore(key, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: dial in progress for pair", ErrCallActive)
	}
	defer m.dialing.Delete(key)

	if w := m.findWindow(callerID, receiverID); w != nil {
		return w, nil
	}

	w := newWindow(m.registry, media.NewManager(m.capturer), m.timeouts,
		session.SideCaller, callType, callerID, receiverID)
	w.onFinished = m.windowFinished

	if err := w.dialCaller(ctx, m.factory, meta); err != nil {
		return nil, err
	}
	m.windows.Store(windowKey(w.SessionID(), callerID), w)
	return w, nil
}

// AcceptCall opens the receiver window for a ringing session.
func (m *Manager) AcceptCall(ctx context.Context, sessionID, receiverID string) (*Window, error) {
	if _, loaded := m.dialing.LoadOrStore(sessionID, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: accept in progress", ErrCallActive)
	}
	defer m.dialing.Delete(sessionID)

	if w, ok := m.windows.Load(windowKey(sessionID, receiverID)); ok {
		return w, nil
	}

	cs, err := m.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cs.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %s", ErrSessionTerminal, cs.Status)
	}
	if cs.ReceiverID != receiverID {
		return nil, fmt.Errorf("session %s is not addressed to %s", sessionID, receiverID)
	}
	if cs.Offer == nil {
		return nil, ErrOfferMissing
	}

	m.watcher.forget(sessionID)

	w := newWindow(m.registry, media.NewManager(m.capturer), m.timeouts,
		session.SideReceiver, cs.Type, receiverID, cs.CallerID)
	w.onFinished = m.windowFinished

	if err := w.dialReceiver(ctx, m.factory, cs); err != nil {
		return nil, err
	}
	m.windows.Store(windowKey(sessionID, receiverID), w)
	return w, nil
}

// RejectCall declines a ringing session without opening a window. The
// caller's subscription observes the rejected status and tears down.
func (m *Manager) RejectCall(ctx context.Context, sessionID string) error {
	m.watcher.forget(sessionID)
	return m.registry.UpdateStatus(ctx, sessionID, session.StatusRejected)
}

// EndCall terminates every local window attached to sessionID. When
// both parties live on this node that is both of them; a remote party
// learns of the termination through its store subscription.
func (m *Manager) EndCall(sessionID string) error {
	var found bool
	m.windows.Range(func(_ string, w *Window) bool {
		if w.SessionID() == sessionID {
			found = true
			w.End()
		}
		return true
	})
	if !found {
		return fmt.Errorf("no active window for session %s", sessionID)
	}
	return nil
}

// Window returns a live window for a session.
func (m *Manager) Window(sessionID string) (*Window, bool) {
	var found *Window
	m.windows.Range(func(_ string, w *Window) bool {
		if w.SessionID() == sessionID {
			found = w
			return false
		}
		return true
	})
	return found, found != nil
}

// OnIncoming registers fn to be invoked for every new ringing session
// addressed to userID. The returned cancel function deregisters it.
func (m *Manager) OnIncoming(userID string, fn func(IncomingCall)) func() {
	return m.watcher.register(userID, fn)
}

// History lists past calls involving userID, newest first. Returns nil
// when history recording is disabled.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]history.Record, error) {
	if m.history == nil {
		return nil, nil
	}
	return m.history.ListByParticipant(ctx, userID, limit)
}

// Close stops the watcher and ends every live call.
func (m *Manager) Close() {
	m.watcher.stop()
	m.windows.Range(func(_ string, w *Window) bool {
		w.End()
		return true
	})
}

// windowFinished runs once per window, after its resources are
// released: drop it from the live map and record the call.
func (m *Manager) windowFinished(w *Window, outcome string) {
	id := w.SessionID()
	if id != "" {
		m.windows.Delete(windowKey(id, w.SelfID()))
	}
	if m.history == nil || id == "" {
		return
	}

	callerID, receiverID := w.SelfID(), w.PeerID()
	if w.Role() == session.SideReceiver {
		callerID, receiverID = w.PeerID(), w.SelfID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.history.Save(ctx, history.Record{
		SessionID:  id,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       string(w.Type()),
		Outcome:    historyOutcome(outcome),
		StartedAt:  w.StartedAt(),
		Duration:   w.Duration(),
	})
	if err != nil {
		slog.Warn("failed to record call history", "sessionID", id, "error", err)
	}
}

func (m *Manager) findWindow(a, b string) *Window {
	var found *Window
	m.windows.Range(func(_ string, w *Window) bool {
		if w.Status().Terminal() {
			return true
		}
		if (w.SelfID() == a && w.PeerID() == b) || (w.SelfID() == b && w.PeerID() == a) {
			found = w
			return false
		}
		return true
	})
	return found
}

func historyOutcome(outcome string) history.Outcome {
	switch outcome {
	case outcomeDeclined:
		return history.OutcomeDeclined
	case outcomeFailed:
		return history.OutcomeFailed
	case outcomeMissed:
		return history.OutcomeMissed
	default:
		return history.OutcomeCompleted
	}
}

func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func windowKey(sessionID, selfID string) string {
	return sessionID + "/" + selfID
}
