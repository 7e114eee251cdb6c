package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sparebook/callkit/internal/config"
	"github.com/sparebook/callkit/internal/media"
	"github.com/sparebook/callkit/internal/metrics"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/transport"
)

var (
	// ErrOfferMissing: accept was invoked before the caller finished
	// writing its offer. The ordering is externally enforced (accept is
	// only offered to the user once a ringing session is visible), so
	// hitting this means the session record is incomplete.
	ErrOfferMissing = errors.New("call: session has no offer")

	// ErrSessionTerminal: the session already reached ended or rejected.
	ErrSessionTerminal = errors.New("call: session already terminal")

	// ErrWindowClosed: the window was torn down while an operation was
	// suspended on media or the store.
	ErrWindowClosed = errors.New("call: window closed")

	// ErrCallActive: an active session between the two parties already
	// exists and is not managed by this window.
	ErrCallActive = errors.New("call: call already active")
)

// Terminal outcomes as recorded in metrics and history.
const (
	outcomeEnded    = "ended"
	outcomeDeclined = "declined"
	outcomeFailed   = "failed"
	outcomeMissed   = "missed"
)

// Event is one outward notification of a window: a state change or a
// duration tick. Delivery is best-effort; consumers that miss an event
// read the authoritative Status and Duration directly.
type Event struct {
	State    State
	Duration time.Duration
	Cause    string
}

type eventKind int

const (
	evSnapshot eventKind = iota
	evLocalCandidate
	evTransportState
	evRemoteTrack
	evRingTimeout
	evSignalingTimeout
)

type event struct {
	kind           eventKind
	snapshot       *session.CallSession
	candidate      session.Candidate
	transportState webrtc.PeerConnectionState
}

// Window is one live call. All signaling events, store snapshots,
// transport callbacks and timeouts, funnel through a single event
// channel consumed by one goroutine, so the exchange logic never needs
// locks and handlers see events strictly one at a time.
type Window struct {
	role     session.Side
	callType session.Type
	selfID   string
	peerID   string

	registry *session.Registry
	media    *media.Manager
	timeouts config.TimeoutConfig
	sm       *stateMachine

	events chan event
	notify chan Event
	done   chan struct{}

	mu          sync.Mutex
	sessionID   string
	transport   transport.Session
	unsubscribe func()
	cause       string
	outcome     string

	closeOnce sync.Once

	timerMu        sync.Mutex
	ringTimer      *time.Timer
	signalingTimer *time.Timer

	// Signaling bookkeeping, owned by the event-loop goroutine (and by
	// the dialing goroutine before the loop starts).
	answerApplied bool
	remoteDescSet bool
	remoteSeen    int
	pending       []session.Candidate

	// onFinished is set by the manager before dialing.
	onFinished func(w *Window, outcome string)
}

func newWindow(registry *session.Registry, mediaMgr *media.Manager, timeouts config.TimeoutConfig,
	role session.Side, callType session.Type, selfID, peerID string) *Window {
	w := &Window{
		role:     role,
		callType: callType,
		selfID:   selfID,
		peerID:   peerID,
		registry: registry,
		media:    mediaMgr,
		timeouts: timeouts,
		events:   make(chan event, 1024),
		notify:   make(chan Event, 16),
		done:     make(chan struct{}),
	}
	w.sm = newStateMachine(role, w.emit)
	return w
}

// dialCaller performs the caller-side setup: transport, media, session
// record, offer, subscription. Every suspension point is followed by a
// teardown check; a failure on any step releases everything acquired so
// far before returning. Media is acquired before the session record is
// created, so a capture failure leaves no document behind.
func (w *Window) dialCaller(ctx context.Context, factory transport.Factory, meta session.Metadata) error {
	ts, err := factory.NewSession()
	if err != nil {
		w.finish(StateFailed, "transport setup failed", outcomeFailed)
		return fmt.Errorf("create transport session: %w", err)
	}
	w.setTransport(ts)
	w.registerCallbacks(ts)

	if err := w.media.Acquire(w.callType == session.TypeVideo); err != nil {
		metrics.MediaAcquireFailuresTotal.WithLabelValues(mediaFailureReason(err)).Inc()
		w.finish(StateFailed, "media acquisition failed: "+err.Error(), outcomeFailed)
		return err
	}
	if w.torn() {
		return ErrWindowClosed
	}
	if err := w.media.AttachTo(ts); err != nil {
		w.finish(StateFailed, "failed to attach local media", outcomeFailed)
		return err
	}

	id, existed, err := w.registry.FindOrCreate(ctx, w.selfID, w.peerID, w.callType, meta)
	if err != nil {
		w.finish(StateFailed, "session lookup failed", outcomeFailed)
		return err
	}
	if existed {
		// The offer field is written at most once per session; joining
		// an existing session as a second caller would clobber it. The
		// session id stays unset so teardown leaves the record alone.
		w.finish(StateFailed, "another call between the parties is active", outcomeFailed)
		return fmt.Errorf("%w: session %s", ErrCallActive, id)
	}
	w.setSessionID(id)
	if w.torn() {
		return ErrWindowClosed
	}

	offer, err := ts.CreateOffer()
	if err != nil {
		w.finish(StateFailed, "offer creation failed", outcomeFailed)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := ts.SetLocalDescription(offer); err != nil {
		w.finish(StateFailed, "offer application failed", outcomeFailed)
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := w.registry.SetOffer(ctx, id, transport.FromSessionDescription(offer)); err != nil {
		w.finish(StateFailed, "offer write failed", outcomeFailed)
		return err
	}
	if w.torn() {
		return ErrWindowClosed
	}

	if err := w.subscribeAndResync(ctx, id); err != nil {
		w.finish(StateFailed, "subscription failed", outcomeFailed)
		return err
	}

	if d := w.timeouts.Ringing(); d > 0 {
		w.timerMu.Lock()
		w.ringTimer = time.AfterFunc(d, func() { w.post(event{kind: evRingTimeout}) })
		w.timerMu.Unlock()
	}

	metrics.ActiveCalls.Inc()
	metrics.CallsStartedTotal.WithLabelValues(string(session.SideCaller)).Inc()
	go w.run()
	return nil
}

// dialReceiver performs the receiver-side setup against an existing
// ringing session whose offer is already present. A failure before the
// answer write leaves the record untouched apart from the connecting
// status.
func (w *Window) dialReceiver(ctx context.Context, factory transport.Factory, cs *session.CallSession) error {
	w.setSessionID(cs.ID)

	ts, err := factory.NewSession()
	if err != nil {
		w.finish(StateFailed, "transport setup failed", outcomeFailed)
		return fmt.Errorf("create transport session: %w", err)
	}
	w.setTransport(ts)
	w.registerCallbacks(ts)

	if err := w.media.Acquire(w.callType == session.TypeVideo); err != nil {
		metrics.MediaAcquireFailuresTotal.WithLabelValues(mediaFailureReason(err)).Inc()
		w.finish(StateFailed, "media acquisition failed: "+err.Error(), outcomeFailed)
		return err
	}
	if w.torn() {
		return ErrWindowClosed
	}
	if err := w.media.AttachTo(ts); err != nil {
		w.finish(StateFailed, "failed to attach local media", outcomeFailed)
		return err
	}

	if err := w.registry.UpdateStatus(ctx, cs.ID, session.StatusConnecting); err != nil {
		w.finish(StateFailed, "status write failed", outcomeFailed)
		return err
	}

	if st := ts.SignalingState(); st != webrtc.SignalingStateStable {
		w.finish(StateFailed, "transport not in stable phase", outcomeFailed)
		return fmt.Errorf("apply offer in phase %s: signaling out of order", st)
	}
	if err := ts.SetRemoteDescription(transport.ToSessionDescription(*cs.Offer)); err != nil {
		w.finish(StateFailed, "offer application failed", outcomeFailed)
		return fmt.Errorf("set remote offer: %w", err)
	}
	w.remoteDescSet = true
	metrics.SignalingMessagesTotal.WithLabelValues("offer", "in").Inc()

	answer, err := ts.CreateAnswer()
	if err != nil {
		w.finish(StateFailed, "answer creation failed", outcomeFailed)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := ts.SetLocalDescription(answer); err != nil {
		w.finish(StateFailed, "answer application failed", outcomeFailed)
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := w.registry.SetAnswer(ctx, cs.ID, transport.FromSessionDescription(answer)); err != nil {
		w.finish(StateFailed, "answer write failed", outcomeFailed)
		return err
	}
	if w.torn() {
		return ErrWindowClosed
	}

	// Candidates the caller appended while the call was ringing. The
	// remote description is in place, so they apply directly.
	w.ingestRemoteCandidates(cs)

	if err := w.subscribeAndResync(ctx, cs.ID); err != nil {
		w.finish(StateFailed, "subscription failed", outcomeFailed)
		return err
	}

	w.startSignalingTimer()

	metrics.ActiveCalls.Inc()
	metrics.CallsStartedTotal.WithLabelValues(string(session.SideReceiver)).Inc()
	go w.run()
	return nil
}

// subscribeAndResync registers the snapshot subscription and then reads
// the document once more, posted as a regular snapshot event. Writes
// landing between the initial read and the subscription would otherwise
// go unseen until the next unrelated change.
func (w *Window) subscribeAndResync(ctx context.Context, id string) error {
	unsub, err := w.registry.Subscribe(context.Background(), id, func(cs *session.CallSession) {
		w.post(event{kind: evSnapshot, snapshot: cs})
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.unsubscribe = unsub
	w.mu.Unlock()

	cs, err := w.registry.Get(ctx, id)
	if err != nil {
		return err
	}
	w.post(event{kind: evSnapshot, snapshot: cs})
	return nil
}

func (w *Window) registerCallbacks(ts transport.Session) {
	ts.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		w.post(event{kind: evLocalCandidate, candidate: transport.FromCandidate(c)})
	})
	ts.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		slog.Info("remote track received", "sessionID", w.SessionID(), "kind", track.Kind().String())
		w.post(event{kind: evRemoteTrack})
		go drainRemoteTrack(track)
	})
	ts.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		w.post(event{kind: evTransportState, transportState: st})
	})
}

// run is the window's event loop. It is the only goroutine touching the
// signaling bookkeeping once dialing is done.
func (w *Window) run() {
	for {
		select {
		case ev := <-w.events:
			w.handle(ev)
		case <-w.done:
			return
		}
	}
}

func (w *Window) handle(ev event) {
	switch ev.kind {
	case evSnapshot:
		w.handleSnapshot(ev.snapshot)
	case evLocalCandidate:
		w.publishCandidate(ev.candidate)
	case evTransportState:
		w.handleTransportState(ev.transportState)
	case evRemoteTrack:
		w.markConnected()
	case evRingTimeout:
		if !w.answerApplied && !w.sm.State().Terminal() {
			metrics.RingTimeoutsTotal.Inc()
			w.finish(StateFailed, "no answer within ring timeout", outcomeMissed)
		}
	case evSignalingTimeout:
		if !w.sm.Connected() && !w.sm.State().Terminal() {
			metrics.SignalingTimeoutsTotal.Inc()
			w.finish(StateFailed, "no connectivity within signaling timeout", outcomeFailed)
		}
	}
}

func (w *Window) handleSnapshot(cs *session.CallSession) {
	switch cs.Status {
	case session.StatusRejected:
		w.finish(StateDeclined, "declined by receiver", outcomeDeclined)
		return
	case session.StatusEnded:
		w.finish(StateEnded, "ended by peer", outcomeEnded)
		return
	}

	if w.role == session.SideCaller && cs.Answer != nil && !w.answerApplied {
		w.applyAnswer(*cs.Answer)
	}

	w.ingestRemoteCandidates(cs)
}

// applyAnswer applies the receiver's answer iff the local phase still
// expects one. A mismatched phase means a duplicate or out-of-order
// answer; the update is logged and dropped, never fatal.
func (w *Window) applyAnswer(answer session.Description) {
	ts := w.transportRef()
	if ts == nil {
		return
	}
	if st := ts.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		metrics.SignalingOrderErrorsTotal.Inc()
		slog.Warn("ignoring answer in unexpected signaling phase",
			"sessionID", w.SessionID(), "phase", st.String())
		return
	}
	if err := ts.SetRemoteDescription(transport.ToSessionDescription(answer)); err != nil {
		metrics.SignalingOrderErrorsTotal.Inc()
		slog.Warn("failed to apply answer", "sessionID", w.SessionID(), "error", err)
		return
	}

	w.answerApplied = true
	w.remoteDescSet = true
	metrics.SignalingMessagesTotal.WithLabelValues("answer", "in").Inc()
	slog.Debug("answer applied", "sessionID", w.SessionID())

	w.stopRingTimer()
	w.startSignalingTimer()
	w.sm.Advance(StateConnecting)

	// Candidates that arrived ahead of the answer, replayed in their
	// original append order.
	pending := w.pending
	w.pending = nil
	for _, c := range pending {
		w.applyRemoteCandidate(c, true)
	}
}

// ingestRemoteCandidates consumes the peer side's candidate array from
// a snapshot. Progress is tracked by count, not content: the array is
// append-only and snapshots arrive in write order, so every candidate
// past the high-water mark is new even under duplicate delivery.
func (w *Window) ingestRemoteCandidates(cs *session.CallSession) {
	cands := cs.Candidates(w.role.Other())
	if len(cands) <= w.remoteSeen {
		return
	}
	for _, c := range cands[w.remoteSeen:] {
		w.remoteSeen++
		if w.remoteDescSet {
			w.applyRemoteCandidate(c, false)
		} else {
			w.pending = append(w.pending, c)
		}
	}
}

func (w *Window) applyRemoteCandidate(c session.Candidate, replayed bool) {
	ts := w.transportRef()
	if ts == nil {
		return
	}
	if err := ts.AddICECandidate(transport.ToCandidateInit(c)); err != nil {
		slog.Warn("failed to add remote candidate", "sessionID", w.SessionID(), "error", err)
		return
	}
	metrics.ICECandidatesTotal.WithLabelValues(string(w.role.Other()), "in").Inc()
	if replayed {
		metrics.BufferedCandidatesReplayed.Inc()
	}
}

func (w *Window) publishCandidate(c session.Candidate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.registry.AppendCandidate(ctx, w.SessionID(), w.role, c); err != nil {
		slog.Warn("failed to publish local candidate", "sessionID", w.SessionID(), "error", err)
	}
}

func (w *Window) handleTransportState(st webrtc.PeerConnectionState) {
	slog.Debug("transport state changed", "sessionID", w.SessionID(), "state", st.String())
	switch st {
	case webrtc.PeerConnectionStateConnected:
		w.markConnected()
	case webrtc.PeerConnectionStateDisconnected:
		w.sm.Advance(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		w.finish(StateFailed, "transport failed", outcomeFailed)
	}
}

// markConnected handles the first-signal-wins transition into connected,
// from either the transport state callback or the first remote track.
func (w *Window) markConnected() {
	w.stopRingTimer()
	w.stopSignalingTimer()
	if !w.sm.Advance(StateConnected) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.registry.UpdateStatus(ctx, w.SessionID(), session.StatusActive)
	if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		slog.Warn("failed to write active status", "sessionID", w.SessionID(), "error", err)
	}
}

// End terminates the call locally. Safe to call any number of times,
// including while dialing is still suspended on media or the store.
func (w *Window) End() {
	w.finish(StateEnded, "ended locally", outcomeEnded)
}

// finish runs the terminal transition and the full release sequence
// exactly once: timers, subscription, media, transport, shared status.
// Every exit path of the window funnels through here.
func (w *Window) finish(st State, cause string, outcome string) {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.cause = cause
		w.outcome = outcome
		ts := w.transport
		unsub := w.unsubscribe
		w.unsubscribe = nil
		id := w.sessionID
		w.mu.Unlock()

		w.sm.Terminate(st)
		w.stopRingTimer()
		w.stopSignalingTimer()

		if unsub != nil {
			unsub()
		}
		w.media.Release()
		if ts != nil {
			if err := ts.Close(); err != nil {
				slog.Debug("transport close failed", "sessionID", id, "error", err)
			}
		}

		// The local failed state has no shared equivalent; the record is
		// moved to ended so the pair can call again. A decline is the
		// peer's write, nothing to add.
		if id != "" && st != StateDeclined {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := w.registry.UpdateStatus(ctx, id, session.StatusEnded)
			cancel()
			if err != nil && !errors.Is(err, session.ErrInvalidTransition) && !errors.Is(err, session.ErrMalformed) {
				slog.Warn("failed to write terminal status", "sessionID", id, "error", err)
			}
		}

		metrics.ActiveCalls.Dec()
		metrics.CallsEndedTotal.WithLabelValues(outcome).Inc()
		slog.Info("call finished", "sessionID", id, "role", w.role,
			"state", st, "cause", cause, "duration", w.sm.Duration())

		close(w.done)
		if w.onFinished != nil {
			go w.onFinished(w, outcome)
		}
	})
}

// ToggleMute flips local audio and returns the new muted state.
func (w *Window) ToggleMute() bool { return w.media.ToggleMute() }

// ToggleCamera flips local video and returns the new camera-off state.
func (w *Window) ToggleCamera() bool { return w.media.ToggleCamera() }

// Status returns the window's current reduced state.
func (w *Window) Status() State { return w.sm.State() }

// Duration returns the accumulated connected time.
func (w *Window) Duration() time.Duration { return w.sm.Duration() }

// Events returns the best-effort notification stream. The channel is
// never closed; consumers stop on Done.
func (w *Window) Events() <-chan Event { return w.notify }

// Done is closed when the window has fully released its resources.
func (w *Window) Done() <-chan struct{} { return w.done }

func (w *Window) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Cause describes why the call reached its terminal state, empty while
// the call is live.
func (w *Window) Cause() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cause
}

// Role returns which side of the call this window plays.
func (w *Window) Role() session.Side { return w.role }

// PeerID returns the other party's identity.
func (w *Window) PeerID() string { return w.peerID }

// SelfID returns the local party's identity.
func (w *Window) SelfID() string { return w.selfID }

// Type returns the call type.
func (w *Window) Type() session.Type { return w.callType }

// StartedAt returns when the window was opened.
func (w *Window) StartedAt() time.Time { return w.sm.startedAt }

func (w *Window) emit(st State, d time.Duration) {
	ev := Event{State: st, Duration: d}
	w.mu.Lock()
	ev.Cause = w.cause
	w.mu.Unlock()
	select {
	case w.notify <- ev:
	default:
	}
}

func (w *Window) post(ev event) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

func (w *Window) torn() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Window) setTransport(ts transport.Session) {
	w.mu.Lock()
	w.transport = ts
	w.mu.Unlock()
}

func (w *Window) transportRef() transport.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transport
}

func (w *Window) setSessionID(id string) {
	w.mu.Lock()
	w.sessionID = id
	w.mu.Unlock()
}

func (w *Window) startSignalingTimer() {
	d := w.timeouts.Signaling()
	if d <= 0 {
		return
	}
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.signalingTimer == nil {
		w.signalingTimer = time.AfterFunc(d, func() { w.post(event{kind: evSignalingTimeout}) })
	}
}

func (w *Window) stopRingTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.ringTimer != nil {
		w.ringTimer.Stop()
		w.ringTimer = nil
	}
}

func (w *Window) stopSignalingTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.signalingTimer != nil {
		w.signalingTimer.Stop()
		w.signalingTimer = nil
	}
}

// drainRemoteTrack keeps reading inbound RTP so the interceptor chain
// stays fed. Playback sinks attach at the application layer.
func drainRemoteTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func mediaFailureReason(err error) string {
	switch {
	case errors.Is(err, media.ErrAccessDenied):
		return "denied"
	case errors.Is(err, media.ErrDeviceAbsent):
		return "absent"
	case errors.Is(err, media.ErrDeviceBusy):
		return "busy"
	default:
		return "other"
	}
}
