package call

// Tone identifies the ringing sound played during call setup.
type Tone int

const (
	// ToneOutgoing is the ring-back heard by the caller while waiting.
	ToneOutgoing Tone = iota
	// ToneIncoming is the ring heard by the callee.
	ToneIncoming
)

func (t Tone) String() string {
	if t == ToneIncoming {
		return "incoming"
	}
	return "outgoing"
}

// TonePlayer plays and stops call-progress tones. The engine guarantees Stop
// is called on every path out of calling/ringing, including errors.
type TonePlayer interface {
	Play(t Tone)
	Stop()
}

// NullTonePlayer ignores all tone requests. Used headless and in tests.
type NullTonePlayer struct{}

func (NullTonePlayer) Play(Tone) {}
func (NullTonePlayer) Stop()     {}
