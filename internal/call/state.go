// Package call implements the call lifecycle: the state machine that turns
// signaling events and user actions into a two-party voice/video call. It
// drives the media package for negotiation and owns every timer, so a stale
// timeout can never fire into a newer session.
package call

import "fmt"

// Status is the lifecycle state of the local client's call slot.
// It is the single source of truth the UI renders from.
type Status int

const (
	// StatusIdle means no call exists.
	StatusIdle Status = iota
	// StatusCalling means an outgoing call is waiting for an answer.
	StatusCalling
	// StatusRinging means an incoming call is waiting for accept/decline.
	StatusRinging
	// StatusConnected means media is flowing between both parties.
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed.
// calling and ringing can fall back to idle directly (decline, timeout,
// cancel, error); connected always returns to idle.
var validTransitions = map[Status][]Status{
	StatusIdle:      {StatusCalling, StatusRinging},
	StatusCalling:   {StatusConnected, StatusIdle},
	StatusRinging:   {StatusConnected, StatusIdle},
	StatusConnected: {StatusIdle},
}

// CanTransitionTo checks whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CallType distinguishes voice-only from video calls. Immutable for the
// lifetime of a session.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// WantsVideo reports whether this call type captures the camera.
func (t CallType) WantsVideo() bool {
	return t == CallTypeVideo
}

// ParseCallType normalizes a wire value, defaulting to voice.
func ParseCallType(s string) CallType {
	if s == string(CallTypeVideo) {
		return CallTypeVideo
	}
	return CallTypeVoice
}

// EndReason explains why the last call ended.
type EndReason int

const (
	// ReasonNone means no call has ended yet (or one is in progress).
	ReasonNone EndReason = iota
	// ReasonEnded means a party hung up an established or pending call.
	ReasonEnded
	// ReasonDeclined means the callee declined.
	ReasonDeclined
	// ReasonTimeout means the outgoing call rang unanswered past the limit.
	ReasonTimeout
	// ReasonMediaError means local capture or negotiation failed.
	ReasonMediaError
	// ReasonSignalError means the relay reported a call error
	// (recipient busy, offline, ...).
	ReasonSignalError
	// ReasonConnectivityLost means ICE recovery exhausted its budget.
	ReasonConnectivityLost
)

func (r EndReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonEnded:
		return "ended"
	case ReasonDeclined:
		return "declined"
	case ReasonTimeout:
		return "timeout"
	case ReasonMediaError:
		return "media-error"
	case ReasonSignalError:
		return "signal-error"
	case ReasonConnectivityLost:
		return "connectivity-lost"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}
