package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/utils"
)

const (
	ringPollInterval  = 2 * time.Second
	notifiedRetention = 10 * time.Minute
)

// IncomingCall announces a ringing session to its receiver.
type IncomingCall struct {
	SessionID  string
	CallerID   string
	CallerName string
	Type       session.Type
}

// ringWatcher polls the store for ringing sessions addressed to locally
// registered users and fires their callbacks, once per session.
type ringWatcher struct {
	registry *session.Registry
	handlers *utils.SyncMapWrapper[string, func(IncomingCall)]
	notified *utils.SyncMapWrapper[string, time.Time]
	timer    utils.IntervalTimer
}

func newRingWatcher(registry *session.Registry) *ringWatcher {
	w := &ringWatcher{
		registry: registry,
		handlers: utils.NewSyncMapWrapper[string, func(IncomingCall)](),
		notified: utils.NewSyncMapWrapper[string, time.Time](),
	}
	w.timer = utils.SetIntervalTimer(ringPollInterval, w.poll)
	return w
}

func (w *ringWatcher) register(userID string, fn func(IncomingCall)) func() {
	w.handlers.Store(userID, fn)
	return func() { w.handlers.Delete(userID) }
}

// forget clears the session's notified mark so accept/reject bookkeeping
// does not grow unbounded.
func (w *ringWatcher) forget(sessionID string) {
	w.notified.Delete(sessionID)
}

func (w *ringWatcher) stop() {
	w.timer.Stop()
}

func (w *ringWatcher) poll() {
	if w.handlers.Len() == 0 {
		w.prune()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions, err := w.registry.Ringing(ctx)
	if err != nil {
		slog.Warn("ring watcher poll failed", "error", err)
		return
	}

	for _, cs := range sessions {
		fn, ok := w.handlers.Load(cs.ReceiverID)
		if !ok {
			continue
		}
		if _, seen := w.notified.LoadOrStore(cs.ID, time.Now()); seen {
			continue
		}
		slog.Info("incoming call", "sessionID", cs.ID, "caller", cs.CallerID, "receiver", cs.ReceiverID, "type", cs.Type)
		go fn(IncomingCall{
			SessionID:  cs.ID,
			CallerID:   cs.CallerID,
			CallerName: cs.CallerName,
			Type:       cs.Type,
		})
	}

	w.prune()
}

func (w *ringWatcher) prune() {
	cutoff := time.Now().Add(-notifiedRetention)
	w.notified.Range(func(id string, at time.Time) bool {
		if at.Before(cutoff) {
			w.notified.Delete(id)
		}
		return true
	})
}
