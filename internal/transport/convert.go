package transport

import (
	"github.com/pion/webrtc/v4"
	"github.com/sparebook/callkit/internal/session"
)

// The session package keeps descriptions and candidates as opaque blobs;
// these helpers translate them at the transport boundary.

func ToSessionDescription(d session.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

func FromSessionDescription(d webrtc.SessionDescription) session.Description {
	return session.Description{
		Type: d.Type.String(),
		SDP:  d.SDP,
	}
}

func ToCandidateInit(c session.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func FromCandidate(c *webrtc.ICECandidate) session.Candidate {
	init := c.ToJSON()
	return session.Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}
