// Package session owns the shared CallSession record: its schema, the
// status transition relation, and the registry that finds or creates
// exactly one active session per pair of parties.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sparebook/callkit/internal/store"
)

// Collection is the store collection holding call session documents.
const Collection = "call_sessions"

// Field names of a call session document. The two candidate sequences
// are independent append-only arrays, one per side.
const (
	FieldCallerID           = "callerId"
	FieldReceiverID         = "receiverId"
	FieldType               = "type"
	FieldStatus             = "status"
	FieldOffer              = "offer"
	FieldAnswer             = "answer"
	FieldCallerCandidates   = "iceCandidates.caller"
	FieldReceiverCandidates = "iceCandidates.receiver"
	FieldCreatedAt          = "createdAt"
	FieldStartTime          = "startTime"
	FieldCallerName         = "callerName"
	FieldReceiverName       = "receiverName"
)

var (
	// ErrMalformed marks a store record that does not decode into a
	// valid call session.
	ErrMalformed = errors.New("session: malformed record")

	// ErrInvalidTransition is returned for status writes that would
	// violate the monotonic status relation.
	ErrInvalidTransition = errors.New("session: invalid status transition")
)

// Type distinguishes voice-only from video calls.
type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeVoice, TypeVideo:
		return Type(s), nil
	}
	return "", fmt.Errorf("%w: unknown call type %q", ErrMalformed, s)
}

// Status is the shared lifecycle state of a session record. The local
// state machine has richer states (failed, disconnected); those never
// reach the store; a locally failed call is written as ended.
type Status string

const (
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusRejected   Status = "rejected"
)

// transitions is the allowed successor relation. ended and rejected
// have no successors.
var transitions = map[Status][]Status{
	StatusRinging:    {StatusConnecting, StatusActive, StatusEnded, StatusRejected},
	StatusConnecting: {StatusActive, StatusEnded},
	StatusActive:     {StatusEnded},
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// ActiveStatuses are the statuses counting toward the one-active-session
// invariant, shaped for a store In predicate.
func ActiveStatuses() []any {
	return []any{string(StatusRinging), string(StatusConnecting), string(StatusActive)}
}

// Side identifies which party a candidate sequence belongs to.
type Side string

const (
	SideCaller   Side = "caller"
	SideReceiver Side = "receiver"
)

// CandidateField returns the array field holding a side's candidates.
func (s Side) CandidateField() string {
	if s == SideCaller {
		return FieldCallerCandidates
	}
	return FieldReceiverCandidates
}

// Other returns the opposite side.
func (s Side) Other() Side {
	if s == SideCaller {
		return SideReceiver
	}
	return SideCaller
}

// Description is an opaque session description blob (offer or answer).
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is an opaque network-reachability descriptor. The shape
// mirrors the transport's candidate init so conversion is lossless.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// CallSession is the decoded, validated form of one session document.
type CallSession struct {
	ID            string
	CallerID      string
	ReceiverID    string
	Type          Type
	Status        Status
	Offer         *Description
	Answer        *Description
	CallerCands   []Candidate
	ReceiverCands []Candidate
	CreatedAt     time.Time
	StartTime     time.Time
	CallerName    string
	ReceiverName  string
}

// Candidates returns the candidate sequence written by the given side.
func (cs *CallSession) Candidates(side Side) []Candidate {
	if side == SideCaller {
		return cs.CallerCands
	}
	return cs.ReceiverCands
}

// IsBetween reports whether the session connects the unordered pair
// (a, b).
func (cs *CallSession) IsBetween(a, b string) bool {
	return (cs.CallerID == a && cs.ReceiverID == b) ||
		(cs.CallerID == b && cs.ReceiverID == a)
}

// Decode validates a raw store record into a CallSession. Snapshots
// arrive as loosely-typed documents; everything the core relies on is
// checked here so the call window never sees a malformed shape.
func Decode(rec store.Record) (*CallSession, error) {
	cs := &CallSession{ID: rec.ID}

	var err error
	if cs.CallerID, err = stringField(rec, FieldCallerID); err != nil {
		return nil, err
	}
	if cs.ReceiverID, err = stringField(rec, FieldReceiverID); err != nil {
		return nil, err
	}

	rawType, err := stringField(rec, FieldType)
	if err != nil {
		return nil, err
	}
	if cs.Type, err = ParseType(rawType); err != nil {
		return nil, err
	}

	rawStatus, err := stringField(rec, FieldStatus)
	if err != nil {
		return nil, err
	}
	switch Status(rawStatus) {
	case StatusRinging, StatusConnecting, StatusActive, StatusEnded, StatusRejected:
		cs.Status = Status(rawStatus)
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrMalformed, rawStatus)
	}

	if cs.Offer, err = descriptionField(rec, FieldOffer); err != nil {
		return nil, err
	}
	if cs.Answer, err = descriptionField(rec, FieldAnswer); err != nil {
		return nil, err
	}
	if cs.CallerCands, err = candidatesField(rec, FieldCallerCandidates); err != nil {
		return nil, err
	}
	if cs.ReceiverCands, err = candidatesField(rec, FieldReceiverCandidates); err != nil {
		return nil, err
	}

	cs.CreatedAt = timeField(rec, FieldCreatedAt)
	cs.StartTime = timeField(rec, FieldStartTime)
	cs.CallerName, _ = optionalString(rec, FieldCallerName)
	cs.ReceiverName, _ = optionalString(rec, FieldReceiverName)

	return cs, nil
}

// DescriptionFields shapes a description for a store write.
func DescriptionFields(d Description) map[string]any {
	return map[string]any{"type": d.Type, "sdp": d.SDP}
}

// CandidateFields shapes a candidate for a store array append.
func CandidateFields(c Candidate) map[string]any {
	fields := map[string]any{"candidate": c.Candidate}
	if c.SDPMid != nil {
		fields["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		fields["sdpMLineIndex"] = float64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		fields["usernameFragment"] = *c.UsernameFragment
	}
	return fields
}

func stringField(rec store.Record, field string) (string, error) {
	val, ok := rec.Fields[field]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrMalformed, field)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is %T, want string", ErrMalformed, field, val)
	}
	return s, nil
}

func optionalString(rec store.Record, field string) (string, bool) {
	s, ok := rec.Fields[field].(string)
	return s, ok
}

func descriptionField(rec store.Record, field string) (*Description, error) {
	val, ok := rec.Fields[field]
	if !ok || val == nil {
		return nil, nil
	}
	m, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is %T, want object", ErrMalformed, field, val)
	}
	descType, ok := m["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: description %q lacks type", ErrMalformed, field)
	}
	sdp, ok := m["sdp"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: description %q lacks sdp", ErrMalformed, field)
	}
	return &Description{Type: descType, SDP: sdp}, nil
}

func candidatesField(rec store.Record, field string) ([]Candidate, error) {
	val, ok := rec.Fields[field]
	if !ok || val == nil {
		return nil, nil
	}
	arr, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is %T, want array", ErrMalformed, field, val)
	}
	out := make([]Candidate, 0, len(arr))
	for i, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: candidate %d of %q is %T, want object", ErrMalformed, i, field, elem)
		}
		cand, ok := m["candidate"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: candidate %d of %q lacks candidate string", ErrMalformed, i, field)
		}
		c := Candidate{Candidate: cand}
		if mid, ok := m["sdpMid"].(string); ok {
			c.SDPMid = &mid
		}
		if idx, ok := m["sdpMLineIndex"].(float64); ok {
			v := uint16(idx)
			c.SDPMLineIndex = &v
		}
		if frag, ok := m["usernameFragment"].(string); ok {
			c.UsernameFragment = &frag
		}
		out = append(out, c)
	}
	return out, nil
}

func timeField(rec store.Record, field string) time.Time {
	switch val := rec.Fields[field].(type) {
	case time.Time:
		return val
	case string:
		if t, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return t
		}
	}
	return time.Time{}
}
