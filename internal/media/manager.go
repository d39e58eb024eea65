package media

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/beamapp/callkit/internal/config"
)

// ErrNoPeerConnection is returned by negotiation methods before
// CreatePeerConnection has run.
var ErrNoPeerConnection = errors.New("media: no peer connection")

// ErrNoAlternateCamera is returned by SwitchCamera when only one camera exists.
var ErrNoAlternateCamera = errors.New("media: no alternate camera available")

// pliInterval is how often a keyframe is requested from the remote video
// sender while the track is being consumed.
const pliInterval = 3 * time.Second

// Manager owns the local capture and the peer connection for one call.
// It is created once and reused across calls; Cleanup returns it to its
// initial state. All exported methods are safe for concurrent use.
type Manager struct {
	cfg           config.Media
	codecSelector *mediadevices.CodecSelector

	events chan Event

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	stream mediadevices.MediaStream

	audioTrack mediadevices.Track
	videoTrack mediadevices.Track

	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	audioEnabled bool
	videoEnabled bool
	currentCamID string

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// gen identifies the current peer connection; timers and goroutines
	// capture it at start and no-op once the manager has moved on.
	gen uint64

	reconnectAttempts int
	reconnectTimer    *time.Timer

	samplerDone chan struct{}
	lastQuality Quality

	inboundPackets uint64 // atomic
	inboundBytes   uint64 // atomic
}

// NewManager creates a media manager for cfg.
func NewManager(cfg config.Media) (*Manager, error) {
	sel, err := newCodecSelector()
	if err != nil {
		return nil, fmt.Errorf("media: codec selector: %w", err)
	}
	return &Manager{
		cfg:           cfg,
		codecSelector: sel,
		events:        make(chan Event, 64),
		lastQuality:   QualityUnknown,
	}, nil
}

// Events is the manager's single outbound channel. The engine subscribes
// once; entries are dropped rather than blocking media callbacks.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("MEDIA: event channel full, dropping %s", ev.Kind)
	}
}

// AcquireLocal captures the local microphone, and camera when wantVideo is
// set. Errors are classified into the capture taxonomy. Replaces any
// previously captured stream.
func (m *Manager) AcquireLocal(wantVideo bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.VideoDisabled {
		wantVideo = false
	}
	m.closeStreamLocked()

	mics := audioInputs()
	mic := pickDevice(mics, m.cfg.PreferredMic)

	var camID string
	cams := videoInputs()
	if wantVideo {
		camID = pickDevice(cams, m.cfg.PreferredCam).DeviceID
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: m.codecSelector,
		Audio: audioConstraints(mic.DeviceID),
	}
	if wantVideo {
		constraints.Video = videoConstraints(camID)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		haveDevice := len(mics) > 0 && (!wantVideo || len(cams) > 0)
		return classifyCaptureError(err, haveDevice)
	}

	m.stream = stream
	m.currentCamID = camID
	m.audioEnabled = true
	m.videoEnabled = wantVideo

	for _, track := range stream.GetTracks() {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local %s track ended: %v", track.Kind(), err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			m.audioTrack = track
		case webrtc.RTPCodecTypeVideo:
			m.videoTrack = track
		}
	}

	log.Printf("MEDIA: local media captured (video=%v, %d tracks)", wantVideo, len(stream.GetTracks()))
	return nil
}

// CreatePeerConnection builds a fresh peer connection wired to the event
// channel and attaches the captured local tracks. An existing connection is
// torn down first so two can never overlap.
func (m *Manager) CreatePeerConnection() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pc != nil {
		log.Printf("MEDIA: replacing existing peer connection")
		m.closePCLocked()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if m.stream != nil {
		m.codecSelector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("media: register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return fmt.Errorf("media: register interceptors: %w", err)
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout tears calls
	// down on brief NAT/relay hiccups that ICE would otherwise recover from.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	iceServers := make([]webrtc.ICEServer, 0, len(m.cfg.STUNServers))
	for _, u := range m.cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("media: new peer connection: %w", err)
	}

	m.gen++
	gen := m.gen
	m.pc = pc
	m.remoteSet = false
	m.pending = nil
	m.reconnectAttempts = 0

	if m.audioTrack != nil {
		if m.audioSender, err = pc.AddTrack(m.audioTrack); err != nil {
			log.Printf("MEDIA: add audio track: %v", err)
		}
	} else {
		m.addRecvOnlyLocked(webrtc.RTPCodecTypeAudio)
	}
	if m.videoTrack != nil {
		if m.videoSender, err = pc.AddTrack(m.videoTrack); err != nil {
			log.Printf("MEDIA: add video track: %v", err)
		}
	} else {
		m.addRecvOnlyLocked(webrtc.RTPCodecTypeVideo)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.emit(Event{Kind: EventLocalCandidate, Candidate: &init})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("MEDIA: remote %s track arrived", track.Kind())
		m.emit(Event{Kind: EventRemoteTrack, TrackKind: track.Kind().String()})
		go m.consumeRemoteTrack(gen, pc, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.emit(Event{Kind: EventConnectionState, ConnState: state})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.emit(Event{Kind: EventICEState, ICEState: state})
		switch state {
		case webrtc.ICEConnectionStateFailed:
			m.scheduleICERestart(gen)
		case webrtc.ICEConnectionStateConnected:
			m.resetReconnect()
		}
	})

	m.startSamplerLocked(gen)
	return nil
}

// addRecvOnlyLocked adds a recvonly transceiver so CreateOffer/CreateAnswer
// produces a valid m-line for the kind even without a local track.
func (m *Manager) addRecvOnlyLocked(kind webrtc.RTPCodecType) {
	if _, err := m.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("MEDIA: add %s transceiver: %v", kind, err)
	}
}

// consumeRemoteTrack drains RTP from a remote track and, for video,
// periodically requests keyframes via PLI.
func (m *Manager) consumeRemoteTrack(gen uint64, pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for range ticker.C {
				if !m.generationCurrent(gen) {
					return
				}
				if err := pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				}); err != nil {
					return
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		m.noteInbound(pkt)
	}
}

// noteInbound keeps cheap inbound counters for diagnostics.
func (m *Manager) noteInbound(pkt *rtp.Packet) {
	atomic.AddUint64(&m.inboundPackets, 1)
	atomic.AddUint64(&m.inboundBytes, uint64(len(pkt.Payload)))
}

// InboundStats returns cumulative remote packet/byte counts for this
// manager's lifetime of connections.
func (m *Manager) InboundStats() (packets, bytes uint64) {
	return atomic.LoadUint64(&m.inboundPackets), atomic.LoadUint64(&m.inboundBytes)
}

func (m *Manager) generationCurrent(gen uint64) bool {
	m.mu.Lock()
	cur := m.gen
	m.mu.Unlock()
	return gen == cur
}

// CreateOffer generates an SDP offer and applies it as the local description.
// Candidates trickle out through the event channel as they are gathered.
func (m *Manager) CreateOffer() (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrNoPeerConnection
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: set local description: %w", err)
	}
	return offer, nil
}

// CreateAnswer applies the remote offer and generates an SDP answer.
func (m *Manager) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := m.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return webrtc.SessionDescription{}, ErrNoPeerConnection
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("media: set local description: %w", err)
	}
	return answer, nil
}

// SetRemoteDescription applies the peer's description and flushes any
// candidates that arrived before it.
func (m *Manager) SetRemoteDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil {
		return ErrNoPeerConnection
	}
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("media: set remote description: %w", err)
	}
	m.remoteSet = true

	for _, c := range m.pending {
		if err := m.pc.AddICECandidate(c); err != nil {
			log.Printf("MEDIA: flush buffered candidate: %v", err)
		}
	}
	if n := len(m.pending); n > 0 {
		log.Printf("MEDIA: flushed %d buffered candidate(s)", n)
	}
	m.pending = nil
	return nil
}

// AddICECandidate applies a remote candidate, buffering it when the remote
// description has not been set yet.
func (m *Manager) AddICECandidate(c webrtc.ICECandidateInit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc == nil || !m.remoteSet {
		m.pending = append(m.pending, c)
		return nil
	}
	if err := m.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("media: add candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates are buffered awaiting
// the remote description.
func (m *Manager) PendingCandidates() int {
	m.mu.Lock()
	n := len(m.pending)
	m.mu.Unlock()
	return n
}

// SetAudioEnabled pauses or resumes the outgoing audio track without
// stopping it or renegotiating: the sender's track is swapped with nil.
func (m *Manager) SetAudioEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
	if m.audioSender == nil {
		return nil
	}
	if enabled {
		return m.audioSender.ReplaceTrack(m.audioTrack)
	}
	return m.audioSender.ReplaceTrack(nil)
}

// SetVideoEnabled pauses or resumes the outgoing video track, same mechanism
// as SetAudioEnabled.
func (m *Manager) SetVideoEnabled(enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = enabled
	if m.videoSender == nil {
		return nil
	}
	if enabled {
		return m.videoSender.ReplaceTrack(m.videoTrack)
	}
	return m.videoSender.ReplaceTrack(nil)
}

// AudioEnabled reports whether outgoing audio is live.
func (m *Manager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

// VideoEnabled reports whether outgoing video is live.
func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

// SwitchCamera captures the next available camera and swaps it into the
// active sender via track replacement. Audio and the negotiated session are
// untouched, so there is no new offer/answer round-trip.
func (m *Manager) SwitchCamera() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.videoTrack == nil {
		return errors.New("media: no active video track")
	}

	cams := videoInputs()
	if len(cams) < 2 {
		return ErrNoAlternateCamera
	}

	next := cams[0]
	for i, d := range cams {
		if d.DeviceID == m.currentCamID {
			next = cams[(i+1)%len(cams)]
			break
		}
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: m.codecSelector,
		Video: videoConstraints(next.DeviceID),
	})
	if err != nil {
		return classifyCaptureError(err, true)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return errors.New("media: switched stream has no video track")
	}
	newTrack := tracks[0]

	if m.videoSender != nil {
		if err := m.videoSender.ReplaceTrack(newTrack); err != nil {
			newTrack.Close()
			return fmt.Errorf("media: replace video track: %w", err)
		}
	}

	m.videoTrack.Close()
	m.videoTrack = newTrack
	m.currentCamID = next.DeviceID
	log.Printf("MEDIA: switched camera to %q", next.Label)
	return nil
}

// HasPeerConnection reports whether a peer connection currently exists.
func (m *Manager) HasPeerConnection() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc != nil
}

// Cleanup stops all tracks, closes the peer connection and cancels timers.
// Safe to call repeatedly and before anything was initialized.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopSamplerLocked()
	m.stopReconnectLocked()
	m.closeStreamLocked()
	m.closePCLocked()

	m.remoteSet = false
	m.pending = nil
	m.reconnectAttempts = 0
	m.lastQuality = QualityUnknown
	m.gen++ // invalidate any in-flight timers and goroutines
}

func (m *Manager) closeStreamLocked() {
	if m.audioTrack != nil {
		m.audioTrack.Close()
		m.audioTrack = nil
	}
	if m.videoTrack != nil {
		m.videoTrack.Close()
		m.videoTrack = nil
	}
	m.stream = nil
	m.currentCamID = ""
	m.audioEnabled = false
	m.videoEnabled = false
}

func (m *Manager) closePCLocked() {
	if m.pc == nil {
		return
	}
	if err := m.pc.Close(); err != nil {
		log.Printf("MEDIA: close peer connection: %v", err)
	}
	m.pc = nil
	m.audioSender = nil
	m.videoSender = nil
}
