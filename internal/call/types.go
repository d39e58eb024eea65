package call

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beamapp/callkit/internal/media"
	"github.com/beamapp/callkit/internal/signal"
)

// ErrBusy is returned by InitiateCall while another call is in progress.
// The rejected attempt has no side effects.
var ErrBusy = errors.New("call: another call is in progress")

// ErrInvalidState is returned by operations invoked in a state where they
// don't apply (e.g. AcceptCall while nothing is ringing).
var ErrInvalidState = errors.New("call: operation not valid in current state")

// Signaler is the surface the engine needs from the signaling transport.
// Events for a given call ID arrive in order; events for stale call IDs can
// still show up after reconnects, so the engine ignores them.
type Signaler interface {
	Send(event string, payload any) error
	Subscribe() (<-chan signal.Envelope, func())
}

// Media is the surface the engine needs from the media session manager.
// *media.Manager implements it; tests substitute a fake.
type Media interface {
	AcquireLocal(wantVideo bool) error
	CreatePeerConnection() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SetAudioEnabled(enabled bool) error
	SetVideoEnabled(enabled bool) error
	AudioEnabled() bool
	VideoEnabled() bool
	SwitchCamera() error
	ConnectionQuality() media.Quality
	Events() <-chan media.Event
	Cleanup()
}

// Options tunes engine timing. Zero values take the defaults.
type Options struct {
	// RingTimeout is how long an outgoing call waits for an answer before
	// the engine abandons it. Default 30 s.
	RingTimeout time.Duration
}

const defaultRingTimeout = 30 * time.Second

func (o Options) ringTimeout() time.Duration {
	if o.RingTimeout > 0 {
		return o.RingTimeout
	}
	return defaultRingTimeout
}

// Snapshot is an immutable view of the engine state for the UI layer.
type Snapshot struct {
	Status          Status          `json:"status"`
	CallID          string          `json:"callId,omitempty"`
	CallType        CallType        `json:"callType,omitempty"`
	Peer            signal.Identity `json:"peer"`
	IsCaller        bool            `json:"isCaller"`
	StartedAt       time.Time       `json:"startedAt,omitzero"`
	DurationSeconds int             `json:"durationSeconds"`
	Muted           bool            `json:"muted"`
	VideoEnabled    bool            `json:"videoEnabled"`
	Quality         media.Quality   `json:"quality"`
	EndReason       EndReason       `json:"endReason"`
	LastError       string          `json:"lastError,omitempty"`
}
