package api

// ClientMessageEvent tags every frame on a client WebSocket.
type ClientMessageEvent string

const (
	ClientMessageEventAuth        = ClientMessageEvent("auth")
	ClientMessageEventAuthRequest = ClientMessageEvent("auth:request")
	ClientMessageEventAuthFailed  = ClientMessageEvent("auth:failed")
	ClientMessageEventInit        = ClientMessageEvent("init")
	ClientMessageEventRing        = ClientMessageEvent("ring")
	ClientMessageEventCallState   = ClientMessageEvent("call_state")
	ClientMessageEventStartCall   = ClientMessageEvent("start_call")
	ClientMessageEventAccept      = ClientMessageEvent("accept")
	ClientMessageEventReject      = ClientMessageEvent("reject")
	ClientMessageEventEnd         = ClientMessageEvent("end")
	ClientMessageEventMute        = ClientMessageEvent("toggle_mute")
	ClientMessageEventCamera      = ClientMessageEvent("toggle_camera")
	ClientMessageEventError       = ClientMessageEvent("error")
	ClientMessageEventPing        = ClientMessageEvent("ping")
	ClientMessageEventPong        = ClientMessageEvent("pong")
)

// ClientMessage is the envelope exchanged over /ws/client/:userID. One
// payload field per event; the rest stay nil.
type ClientMessage struct {
	Event         ClientMessageEvent `json:"event"`
	Auth          *AuthMessage       `json:"auth,omitempty"`
	Init          *InitMessage       `json:"init,omitempty"`
	Ring          *RingMessage       `json:"ring,omitempty"`
	CallState     *CallStateMessage  `json:"callState,omitempty"`
	StartCall     *StartCallMessage  `json:"startCall,omitempty"`
	Call          *CallRefMessage    `json:"call,omitempty"`
	Ping          *PingMessage       `json:"ping,omitempty"`
	AccessMessage *string            `json:"accessMessage,omitempty"`
	Error         *string            `json:"error,omitempty"`
}

type AuthMessage struct {
	Credential string `json:"credential"`
}

// InitMessage tells a freshly admitted client how to build its own peer
// connection and how often to expect pings.
type InitMessage struct {
	ICEServers   []string `json:"iceServers"`
	PingInterval int      `json:"pingInterval"`
}

// RingMessage announces an incoming call to its receiver.
type RingMessage struct {
	SessionID  string `json:"sessionId"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	Type       string `json:"type"`
}

// CallStateMessage is one state/duration update for a live call.
type CallStateMessage struct {
	SessionID       string `json:"sessionId"`
	State           string `json:"state"`
	DurationSeconds int64  `json:"durationSeconds"`
	Cause           string `json:"cause,omitempty"`
}

type StartCallMessage struct {
	ReceiverID   string `json:"receiverId"`
	Type         string `json:"type"`
	CallerName   string `json:"callerName"`
	ReceiverName string `json:"receiverName"`
}

// CallRefMessage addresses a command at an existing session.
type CallRefMessage struct {
	SessionID string `json:"sessionId"`
}

type PingMessage struct {
	Timestamp int64 `json:"timestamp"`
}
