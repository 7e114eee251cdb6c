package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sparebook/callkit/internal/config"
	"github.com/sparebook/callkit/internal/media"
	"github.com/sparebook/callkit/internal/session"
	"github.com/sparebook/callkit/internal/store/memory"
	"github.com/sparebook/callkit/internal/transport"
)

// fakeTransport records the order of signaling operations and mimics
// the signaling phase transitions of a real peer connection.
type fakeTransport struct {
	mu         sync.Mutex
	state      webrtc.SignalingState
	remote     *webrtc.SessionDescription
	log        []string
	closeCount int
	onICE      func(*webrtc.ICECandidate)
	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConn     func(webrtc.PeerConnectionState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: webrtc.SignalingStateStable}
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 caller"}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 receiver"}, nil
}

func (f *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "local:"+desc.Type.String())
	if desc.Type == webrtc.SDPTypeOffer {
		f.state = webrtc.SignalingStateHaveLocalOffer
	} else {
		f.state = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "remote:"+desc.Type.String())
	f.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		f.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.state = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, "candidate:"+c.Candidate)
	return nil
}

func (f *fakeTransport) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (f *fakeTransport) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) CurrentRemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	f.log = append(f.log, "close")
	return nil
}

func (f *fakeTransport) fireConnectionState(st webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakeTransport) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakeTransport) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeTransport
}

func (f *fakeFactory) NewSession() (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft := newFakeTransport()
	f.sessions = append(f.sessions, ft)
	return ft, nil
}

func (f *fakeFactory) session(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

// fakeCapturer acquires no tracks (receive-only) or fails with err.
type fakeCapturer struct {
	err error
}

func (f *fakeCapturer) Acquire(bool) ([]media.Track, error) {
	if f.err != nil {
		return nil, f.err
	}
	return nil, nil
}

func (f *fakeCapturer) PopulateEngine(*webrtc.MediaEngine) error { return nil }

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialTestCaller(t *testing.T, timeouts config.TimeoutConfig) (*Window, *session.Registry, *fakeFactory) {
	t.Helper()
	registry := session.NewRegistry(memory.New())
	factory := &fakeFactory{}
	w := newWindow(registry, media.NewManager(&fakeCapturer{}), timeouts,
		session.SideCaller, session.TypeVoice, "alice", "bob")
	if err := w.dialCaller(context.Background(), factory, session.Metadata{}); err != nil {
		t.Fatalf("dialCaller: %v", err)
	}
	t.Cleanup(w.End)
	return w, registry, factory
}

func candidateOps(ops []string) []string {
	var out []string
	for _, op := range ops {
		if strings.HasPrefix(op, "candidate:") {
			out = append(out, strings.TrimPrefix(op, "candidate:"))
		}
	}
	return out
}

func countOp(ops []string, op string) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}

func TestCallerDialWritesOffer(t *testing.T) {
	t.Parallel()
	w, registry, _ := dialTestCaller(t, config.TimeoutConfig{})

	if got := w.Status(); got != StateCalling {
		t.Errorf("status after dial = %s, want calling", got)
	}

	cs, err := registry.Get(context.Background(), w.SessionID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != session.StatusRinging {
		t.Errorf("session status = %s, want ringing", cs.Status)
	}
	if cs.Offer == nil || cs.Offer.Type != "offer" {
		t.Errorf("offer = %+v", cs.Offer)
	}
}

func TestCallerBuffersCandidatesUntilAnswer(t *testing.T) {
	t.Parallel()
	w, registry, factory := dialTestCaller(t, config.TimeoutConfig{})
	ctx := context.Background()
	ft := factory.session(0)
	id := w.SessionID()

	for _, c := range []string{"r1", "r2", "r3"} {
		if err := registry.AppendCandidate(ctx, id, session.SideReceiver, session.Candidate{Candidate: c}); err != nil {
			t.Fatalf("AppendCandidate(%s): %v", c, err)
		}
	}

	// Without a remote description the candidates must stay buffered.
	time.Sleep(150 * time.Millisecond)
	if got := candidateOps(ft.ops()); len(got) != 0 {
		t.Fatalf("candidates applied before answer: %v", got)
	}

	if err := registry.SetAnswer(ctx, id, session.Description{Type: "answer", SDP: "v=0 receiver"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	eventually(t, 2*time.Second, "buffered candidates to replay", func() bool {
		return len(candidateOps(ft.ops())) == 3
	})

	ops := ft.ops()
	answerIdx := -1
	var candIdx []int
	for i, op := range ops {
		if op == "remote:answer" {
			answerIdx = i
		}
		if strings.HasPrefix(op, "candidate:") {
			candIdx = append(candIdx, i)
		}
	}
	if answerIdx < 0 {
		t.Fatal("answer never applied")
	}
	for _, i := range candIdx {
		if i < answerIdx {
			t.Errorf("candidate at op %d applied before the answer at %d", i, answerIdx)
		}
	}
	if got := candidateOps(ops); got[0] != "r1" || got[1] != "r2" || got[2] != "r3" {
		t.Errorf("candidate order = %v, want [r1 r2 r3]", got)
	}

	eventually(t, time.Second, "connecting state", func() bool {
		return w.Status() == StateConnecting
	})
}

func TestCallerIgnoresDuplicateAnswer(t *testing.T) {
	t.Parallel()
	w, registry, factory := dialTestCaller(t, config.TimeoutConfig{})
	ctx := context.Background()
	ft := factory.session(0)

	if err := registry.SetAnswer(ctx, w.SessionID(), session.Description{Type: "answer", SDP: "v=0 receiver"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	eventually(t, 2*time.Second, "answer application", func() bool {
		return countOp(ft.ops(), "remote:answer") == 1
	})

	// A duplicate answer arrives while the transport is already stable.
	if err := registry.SetAnswer(ctx, w.SessionID(), session.Description{Type: "answer", SDP: "v=0 duplicate"}); err != nil {
		t.Fatalf("duplicate SetAnswer: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := countOp(ft.ops(), "remote:answer"); got != 1 {
		t.Errorf("answer applied %d times, want 1", got)
	}
}

func TestCallerDeclined(t *testing.T) {
	t.Parallel()
	w, registry, factory := dialTestCaller(t, config.TimeoutConfig{})

	if err := registry.UpdateStatus(context.Background(), w.SessionID(), session.StatusRejected); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	eventually(t, 2*time.Second, "declined state", func() bool {
		return w.Status() == StateDeclined
	})
	<-w.Done()

	if got := factory.session(0).closes(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}

	// A decline belongs to the receiver; the window must not overwrite it.
	cs, err := registry.Get(context.Background(), w.SessionID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != session.StatusRejected {
		t.Errorf("session status = %s, want rejected", cs.Status)
	}
}

func TestEndIdempotent(t *testing.T) {
	t.Parallel()
	w, registry, factory := dialTestCaller(t, config.TimeoutConfig{})

	w.End()
	w.End()
	<-w.Done()
	w.End()

	if got := factory.session(0).closes(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}
	if got := w.Status(); got != StateEnded {
		t.Errorf("status = %s, want ended", got)
	}

	cs, err := registry.Get(context.Background(), w.SessionID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != session.StatusEnded {
		t.Errorf("session status = %s, want ended", cs.Status)
	}

	// A terminal snapshot arriving after local cleanup must be harmless.
	if err := registry.UpdateStatus(context.Background(), w.SessionID(), session.StatusEnded); err != nil {
		t.Fatalf("UpdateStatus after end: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
}

func TestCallerMediaFailureLeavesNoSession(t *testing.T) {
	t.Parallel()
	registry := session.NewRegistry(memory.New())
	factory := &fakeFactory{}
	w := newWindow(registry, media.NewManager(&fakeCapturer{err: media.ErrAccessDenied}), config.TimeoutConfig{},
		session.SideCaller, session.TypeVideo, "alice", "bob")

	err := w.dialCaller(context.Background(), factory, session.Metadata{})
	if !errors.Is(err, media.ErrAccessDenied) {
		t.Fatalf("dialCaller error = %v, want ErrAccessDenied", err)
	}
	if got := w.Status(); got != StateFailed {
		t.Errorf("status = %s, want failed", got)
	}
	if got := factory.session(0).closes(); got != 1 {
		t.Errorf("transport closed %d times, want 1", got)
	}

	sessions, err := registry.Ringing(context.Background())
	if err != nil {
		t.Fatalf("Ringing: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("media failure left %d session documents behind", len(sessions))
	}
}

func TestReceiverAppliesOfferThenCandidatesInOrder(t *testing.T) {
	t.Parallel()
	registry := session.NewRegistry(memory.New())
	ctx := context.Background()

	id, _, err := registry.FindOrCreate(ctx, "alice", "bob", session.TypeVoice, session.Metadata{})
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	if err := registry.SetOffer(ctx, id, session.Description{Type: "offer", SDP: "v=0 caller"}); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}
	for _, c := range []string{"c1", "c2", "c3"} {
		if err := registry.AppendCandidate(ctx, id, session.SideCaller, session.Candidate{Candidate: c}); err != nil {
			t.Fatalf("AppendCandidate(%s): %v", c, err)
		}
	}

	cs, err := registry.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	factory := &fakeFactory{}
	w := newWindow(registry, media.NewManager(&fakeCapturer{}), config.TimeoutConfig{},
		session.SideReceiver, session.TypeVoice, "bob", "alice")
	if err := w.dialReceiver(ctx, factory, cs); err != nil {
		t.Fatalf("dialReceiver: %v", err)
	}
	t.Cleanup(w.End)

	ft := factory.session(0)
	ops := ft.ops()

	offerIdx := -1
	for i, op := range ops {
		if op == "remote:offer" {
			offerIdx = i
		}
	}
	if offerIdx < 0 {
		t.Fatal("offer never applied as remote description")
	}
	cands := candidateOps(ops)
	if len(cands) != 3 || cands[0] != "c1" || cands[1] != "c2" || cands[2] != "c3" {
		t.Errorf("candidate order = %v, want [c1 c2 c3]", cands)
	}
	for i, op := range ops {
		if strings.HasPrefix(op, "candidate:") && i < offerIdx {
			t.Errorf("candidate applied at op %d, before the offer at %d", i, offerIdx)
		}
	}

	got, err := registry.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Answer == nil || got.Answer.Type != "answer" {
		t.Errorf("answer = %+v", got.Answer)
	}
	if got.Status != session.StatusConnecting {
		t.Errorf("session status = %s, want connecting", got.Status)
	}
}

func TestTransportConnectedActivatesSession(t *testing.T) {
	t.Parallel()
	w, registry, factory := dialTestCaller(t, config.TimeoutConfig{})
	ft := factory.session(0)

	if err := registry.SetAnswer(context.Background(), w.SessionID(), session.Description{Type: "answer", SDP: "v=0"}); err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}
	eventually(t, 2*time.Second, "connecting state", func() bool {
		return w.Status() == StateConnecting
	})

	ft.fireConnectionState(webrtc.PeerConnectionStateConnected)
	eventually(t, 2*time.Second, "connected state", func() bool {
		return w.Status() == StateConnected
	})
	eventually(t, 2*time.Second, "active session status", func() bool {
		cs, err := registry.Get(context.Background(), w.SessionID())
		return err == nil && cs.Status == session.StatusActive
	})
}

func TestTransportFailure(t *testing.T) {
	t.Parallel()
	w, _, factory := dialTestCaller(t, config.TimeoutConfig{})

	factory.session(0).fireConnectionState(webrtc.PeerConnectionStateFailed)
	eventually(t, 2*time.Second, "failed state", func() bool {
		return w.Status() == StateFailed
	})
	<-w.Done()
}

func TestRingTimeout(t *testing.T) {
	t.Parallel()
	w, registry, _ := dialTestCaller(t, config.TimeoutConfig{RingingSec: 1})

	eventually(t, 3*time.Second, "ring timeout failure", func() bool {
		return w.Status() == StateFailed
	})
	<-w.Done()

	cs, err := registry.Get(context.Background(), w.SessionID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cs.Status != session.StatusEnded {
		t.Errorf("session status after ring timeout = %s, want ended", cs.Status)
	}
}

func TestLocalCandidatesPublished(t *testing.T) {
	t.Parallel()
	w, registry, factory := dialTestCaller(t, config.TimeoutConfig{})
	ft := factory.session(0)

	ft.mu.Lock()
	onICE := ft.onICE
	ft.mu.Unlock()
	if onICE == nil {
		t.Fatal("candidate callback never registered")
	}

	// The transport only reports candidates via ToJSON on real
	// *webrtc.ICECandidate values; post the translated event directly.
	w.post(event{kind: evLocalCandidate, candidate: session.Candidate{Candidate: "local-1"}})
	w.post(event{kind: evLocalCandidate, candidate: session.Candidate{Candidate: "local-2"}})

	eventually(t, 2*time.Second, "candidates in the store", func() bool {
		cs, err := registry.Get(context.Background(), w.SessionID())
		return err == nil && len(cs.Candidates(session.SideCaller)) == 2
	})

	cs, _ := registry.Get(context.Background(), w.SessionID())
	cands := cs.Candidates(session.SideCaller)
	if cands[0].Candidate != "local-1" || cands[1].Candidate != "local-2" {
		t.Errorf("published candidates = %+v", cands)
	}
}
