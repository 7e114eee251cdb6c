package call

import (
	"sync"
	"testing"
	"time"

	"github.com/sparebook/callkit/internal/session"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(st State, _ time.Duration) {
	r.mu.Lock()
	r.states = append(r.states, st)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestStateMachineInitialState(t *testing.T) {
	t.Parallel()

	caller := newStateMachine(session.SideCaller, func(State, time.Duration) {})
	if got := caller.State(); got != StateCalling {
		t.Errorf("caller initial state = %s, want calling", got)
	}

	receiver := newStateMachine(session.SideReceiver, func(State, time.Duration) {})
	if got := receiver.State(); got != StateConnecting {
		t.Errorf("receiver initial state = %s, want connecting", got)
	}
}

func TestStateMachineAdvance(t *testing.T) {
	t.Parallel()

	rec := &stateRecorder{}
	sm := newStateMachine(session.SideCaller, rec.record)

	if !sm.Advance(StateConnecting) {
		t.Error("calling -> connecting did not advance")
	}
	if !sm.Advance(StateConnected) {
		t.Error("connecting -> connected did not advance")
	}
	if sm.Advance(StateConnected) {
		t.Error("duplicate connected signal advanced")
	}
	if !sm.Connected() {
		t.Error("Connected() = false after reaching connected")
	}

	// A transport blip and recovery.
	if !sm.Advance(StateDisconnected) {
		t.Error("connected -> disconnected did not advance")
	}
	if !sm.Advance(StateConnected) {
		t.Error("disconnected -> connected did not advance")
	}

	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnected}
	got := rec.all()
	if len(got) != len(want) {
		t.Fatalf("observed states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStateMachineTerminate(t *testing.T) {
	t.Parallel()

	sm := newStateMachine(session.SideCaller, func(State, time.Duration) {})

	if !sm.Terminate(StateEnded) {
		t.Error("first Terminate returned false")
	}
	if sm.Terminate(StateFailed) {
		t.Error("second Terminate returned true")
	}
	if got := sm.State(); got != StateEnded {
		t.Errorf("state after double terminate = %s, want ended", got)
	}
	if sm.Advance(StateConnected) {
		t.Error("Advance succeeded after terminal state")
	}
}

func TestStateMachineDurationTimer(t *testing.T) {
	t.Parallel()

	sm := newStateMachine(session.SideReceiver, func(State, time.Duration) {})
	if sm.Duration() != 0 {
		t.Errorf("duration before connected = %v, want 0", sm.Duration())
	}

	sm.Advance(StateConnected)

	deadline := time.Now().Add(3 * time.Second)
	for sm.Duration() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("duration timer never ticked")
		}
		time.Sleep(50 * time.Millisecond)
	}

	sm.Terminate(StateEnded)
	frozen := sm.Duration()
	time.Sleep(1200 * time.Millisecond)
	if got := sm.Duration(); got != frozen {
		t.Errorf("duration after terminate moved from %v to %v", frozen, got)
	}
}

func TestStateTerminalPredicate(t *testing.T) {
	t.Parallel()

	for _, st := range []State{StateCalling, StateConnecting, StateConnected, StateDisconnected} {
		if st.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", st)
		}
	}
	for _, st := range []State{StateEnded, StateFailed, StateDeclined} {
		if !st.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", st)
		}
	}
}
