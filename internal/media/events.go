// Package media owns the WebRTC peer-connection lifecycle for one call:
// local capture via pion/mediadevices, offer/answer negotiation, candidate
// exchange, mute/video toggles, camera switching, ICE-restart recovery and
// connection-quality sampling. It carries no call-lifecycle policy; the call
// engine drives it and consumes its event stream.
package media

import "github.com/pion/webrtc/v4"

// EventKind tags entries on the manager's outbound event channel.
type EventKind int

const (
	// EventLocalCandidate carries a freshly gathered local ICE candidate
	// that must be relayed to the peer.
	EventLocalCandidate EventKind = iota

	// EventRemoteTrack fires when the first packet of a remote track arrives.
	EventRemoteTrack

	// EventConnectionState reports peer-connection state changes.
	EventConnectionState

	// EventICEState reports low-level ICE connectivity state changes.
	EventICEState

	// EventRestartOffer carries an ICE-restart offer that must be sent to
	// the peer to re-negotiate connectivity after a transient failure.
	EventRestartOffer

	// EventReconnectFailed fires once the reconnection budget is exhausted.
	// The engine responds by ending the call.
	EventReconnectFailed

	// EventQuality carries a periodic connection-quality sample.
	EventQuality
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local-candidate"
	case EventRemoteTrack:
		return "remote-track"
	case EventConnectionState:
		return "connection-state"
	case EventICEState:
		return "ice-state"
	case EventRestartOffer:
		return "restart-offer"
	case EventReconnectFailed:
		return "reconnect-failed"
	case EventQuality:
		return "quality"
	default:
		return "unknown"
	}
}

// Event is the tagged union emitted by the Manager. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind EventKind

	Candidate *webrtc.ICECandidateInit   // EventLocalCandidate
	TrackKind string                     // EventRemoteTrack: "audio" | "video"
	ConnState webrtc.PeerConnectionState // EventConnectionState
	ICEState  webrtc.ICEConnectionState  // EventICEState
	Offer     *webrtc.SessionDescription // EventRestartOffer
	Quality   Quality                    // EventQuality
}
