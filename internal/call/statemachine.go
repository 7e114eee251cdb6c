// Package call implements the signaling core: per-call windows running
// the offer/answer/ICE exchange over the session registry, the local
// connection state machine, and the manager exposing calls upward.
package call

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sparebook/callkit/internal/metrics"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/utils"
)

// State is the reduced user-facing status of one call window. It is
// local to the window and never persisted; the store only ever sees the
// shared session statuses.
type State string

const (
	StateCalling      State = "calling"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateEnded        State = "ended"
	StateDeclined     State = "declined"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateEnded || s == StateDeclined
}

// stateMachine tracks the window's reduced state and owns the duration
// timer. Transitions arrive from two independent sources, transport
// callbacks and store snapshots; whichever fires first wins and the
// machine ignores the loser. The timer starts exactly once, on the first
// transition into connected, and stops on the terminal transition.
type stateMachine struct {
	role session.Side

	mu          sync.Mutex
	state       State
	startedAt   time.Time
	connectedAt time.Time
	timer       utils.IntervalTimer

	seconds atomic.Int64

	// onChange is invoked, with the mutex held, for every state change
	// and every duration tick. It must not block.
	onChange func(State, time.Duration)
}

func newStateMachine(role session.Side, onChange func(State, time.Duration)) *stateMachine {
	initial := StateConnecting
	if role == session.SideCaller {
		initial = StateCalling
	}
	return &stateMachine{
		role:      role,
		state:     initial,
		startedAt: time.Now(),
		onChange:  onChange,
	}
}

// State returns the current reduced state.
func (sm *stateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// Duration returns the accumulated connected time.
func (sm *stateMachine) Duration() time.Duration {
	return time.Duration(sm.seconds.Load()) * time.Second
}

// Advance moves to next if the current state allows it. Duplicate and
// post-terminal signals are dropped, which is what makes the two racing
// signal sources safe. Returns whether the state actually changed.
func (sm *stateMachine) Advance(next State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.Terminal() || sm.state == next {
		return false
	}
	if next == StateConnected && sm.connectedAt.IsZero() {
		sm.connectedAt = time.Now()
		metrics.CallSetupDuration.WithLabelValues(string(sm.role)).
			Observe(sm.connectedAt.Sub(sm.startedAt).Seconds())
		sm.timer = utils.SetIntervalTimer(time.Second, sm.tick)
	}

	sm.state = next
	metrics.StateTransitionsTotal.WithLabelValues(string(next)).Inc()
	sm.onChange(next, sm.Duration())
	return true
}

// Terminate forces the terminal state st, stopping the duration timer.
// Safe to call more than once; later calls are no-ops.
func (sm *stateMachine) Terminate(st State) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.Terminal() {
		return false
	}
	if sm.timer != nil {
		sm.timer.Stop()
		sm.timer = nil
	}
	if !sm.connectedAt.IsZero() {
		metrics.CallDuration.Observe(sm.Duration().Seconds())
	}

	sm.state = st
	metrics.StateTransitionsTotal.WithLabelValues(string(st)).Inc()
	sm.onChange(st, sm.Duration())
	return true
}

// Connected reports whether the call has ever reached connected.
func (sm *stateMachine) Connected() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return !sm.connectedAt.IsZero()
}

func (sm *stateMachine) tick() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state.Terminal() {
		return
	}
	sm.seconds.Add(1)
	sm.onChange(sm.state, sm.Duration())
}
