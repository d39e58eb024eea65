package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/beamapp/callkit/internal/media"
	"github.com/beamapp/callkit/internal/signal"
	"github.com/beamapp/callkit/internal/util"
)

// Engine owns the call slot: one call at a time, driven by user actions on
// one side and signaling events on the other. All mutation happens under one
// mutex; every timer and background step carries the generation it was
// started for and is dropped when a newer session has taken over.
type Engine struct {
	self   signal.Identity
	sig    Signaler
	media  Media
	tones  TonePlayer
	opts   Options
	events *util.RingBuffer[string]

	mu          sync.Mutex
	status      Status
	gen         uint64
	callID      string
	callType    CallType
	peer        signal.Identity
	isCaller    bool
	accepted    bool
	pendingOff  *webrtc.SessionDescription
	startedAt   time.Time
	durationSec int
	endReason   EndReason
	lastError   string
	ringTimer   *time.Timer
	tickerDone  chan struct{}

	listeners map[chan Snapshot]struct{}
}

// NewEngine wires the orchestrator to its collaborators. Pass NullTonePlayer
// when running headless.
func NewEngine(self signal.Identity, sig Signaler, med Media, tones TonePlayer, opts Options) *Engine {
	if tones == nil {
		tones = NullTonePlayer{}
	}
	return &Engine{
		self:      self,
		sig:       sig,
		media:     med,
		tones:     tones,
		opts:      opts,
		events:    util.NewRingBuffer[string](128),
		listeners: make(map[chan Snapshot]struct{}),
	}
}

// Run consumes signaling and media events until ctx is cancelled. Any call
// still active at cancellation is torn down.
func (e *Engine) Run(ctx context.Context) {
	sigCh, cancelSig := e.sig.Subscribe()
	defer cancelSig()
	medCh := e.media.Events()

	for {
		select {
		case <-ctx.Done():
			e.teardown(ReasonEnded, "")
			return
		case env, ok := <-sigCh:
			if !ok {
				return
			}
			e.handleSignal(env)
		case ev, ok := <-medCh:
			if !ok {
				medCh = nil
				continue
			}
			e.handleMedia(ev)
		}
	}
}

// Subscribe returns a channel of state snapshots plus a cancel func. Slow
// consumers miss intermediate snapshots rather than block the engine.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	e.mu.Lock()
	e.listeners[ch] = struct{}{}
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		delete(e.listeners, ch)
		e.mu.Unlock()
	}
	return ch, cancel
}

// Snapshot returns the current state for rendering.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Status:          e.status,
		CallID:          e.callID,
		CallType:        e.callType,
		Peer:            e.peer,
		IsCaller:        e.isCaller,
		StartedAt:       e.startedAt,
		DurationSeconds: e.durationSec,
		Muted:           e.status == StatusConnected && !e.media.AudioEnabled(),
		VideoEnabled:    e.media.VideoEnabled(),
		Quality:         e.media.ConnectionQuality(),
		EndReason:       e.endReason,
		LastError:       e.lastError,
	}
}

// Activity returns the most recent engine log lines, oldest first.
func (e *Engine) Activity(n int) []string {
	return e.events.Last(n)
}

func (e *Engine) notify() {
	e.mu.Lock()
	snap := e.snapshotLocked()
	for ch := range e.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
	e.mu.Unlock()
}

func (e *Engine) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Printf("CALL: %s", line)
	e.events.Push(time.Now().Format("15:04:05") + " " + line)
}

// InitiateCall starts an outgoing call. The busy check and the transition to
// calling happen atomically before any capture or signaling, so two racing
// initiations can never both proceed.
func (e *Engine) InitiateCall(recipient signal.Identity, ctype CallType) error {
	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		return ErrBusy
	}
	e.gen++
	g := e.gen
	e.status = StatusCalling
	e.isCaller = true
	e.callID = ""
	e.callType = ctype
	e.peer = recipient
	e.endReason = ReasonNone
	e.lastError = ""
	e.durationSec = 0
	e.startedAt = time.Time{}
	e.mu.Unlock()

	e.logf("initiating %s call to %s", ctype, recipient.ID)
	e.tones.Play(ToneOutgoing)
	e.notify()

	if err := e.media.AcquireLocal(ctype.WantsVideo()); err != nil {
		e.logf("local capture failed: %v", err)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return err
	}
	if !e.currentGen(g) {
		e.media.Cleanup()
		return ErrInvalidState
	}
	if err := e.media.CreatePeerConnection(); err != nil {
		e.logf("peer connection setup failed: %v", err)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return err
	}

	err := e.sig.Send(signal.EventCallInitiate, signal.InitiatePayload{
		RecipientID: recipient.ID,
		CallType:    string(ctype),
	})
	if err != nil {
		e.logf("initiate send failed: %v", err)
		e.teardownIfCurrent(g, ReasonSignalError, err.Error())
		return err
	}

	e.mu.Lock()
	if e.gen == g && e.status == StatusCalling {
		e.ringTimer = time.AfterFunc(e.opts.ringTimeout(), func() { e.onRingTimeout(g) })
	}
	e.mu.Unlock()
	return nil
}

// AcceptCall answers the ringing incoming call. If the SDP offer has not
// arrived yet the accept completes when it does.
func (e *Engine) AcceptCall() error {
	e.mu.Lock()
	if e.status != StatusRinging {
		e.mu.Unlock()
		return ErrInvalidState
	}
	g := e.gen
	ctype := e.callType
	e.mu.Unlock()

	e.tones.Stop()
	if err := e.media.AcquireLocal(ctype.WantsVideo()); err != nil {
		e.logf("local capture failed: %v", err)
		e.declineCurrent(g)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return err
	}
	if !e.currentGen(g) {
		e.media.Cleanup()
		return ErrInvalidState
	}
	if err := e.media.CreatePeerConnection(); err != nil {
		e.logf("peer connection setup failed: %v", err)
		e.declineCurrent(g)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return err
	}

	e.mu.Lock()
	if e.gen != g || e.status != StatusRinging {
		e.mu.Unlock()
		e.media.Cleanup()
		return ErrInvalidState
	}
	e.accepted = true
	off := e.pendingOff
	e.pendingOff = nil
	e.mu.Unlock()

	if off == nil {
		e.logf("accepted, waiting for offer")
		return nil
	}
	return e.completeAccept(g, *off)
}

// completeAccept answers the offer and reports the accept to the relay.
func (e *Engine) completeAccept(g uint64, offer webrtc.SessionDescription) error {
	answer, err := e.media.CreateAnswer(offer)
	if err != nil {
		e.logf("answer failed: %v", err)
		e.declineCurrent(g)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return err
	}

	e.mu.Lock()
	if e.gen != g {
		e.mu.Unlock()
		return ErrInvalidState
	}
	callID := e.callID
	e.mu.Unlock()

	err = e.sig.Send(signal.EventCallAccept, signal.AcceptPayload{CallID: callID, Answer: answer})
	if err != nil {
		e.logf("accept send failed: %v", err)
		e.teardownIfCurrent(g, ReasonSignalError, err.Error())
		return err
	}
	e.logf("accepted call %s", callID)
	e.markConnected(g)
	return nil
}

// DeclineCall rejects the ringing incoming call.
func (e *Engine) DeclineCall() error {
	e.mu.Lock()
	if e.status != StatusRinging {
		e.mu.Unlock()
		return ErrInvalidState
	}
	callID := e.callID
	e.mu.Unlock()

	e.logf("declining call %s", callID)
	if err := e.sig.Send(signal.EventCallDecline, signal.DeclinePayload{CallID: callID}); err != nil {
		e.logf("decline send failed: %v", err)
	}
	e.teardown(ReasonDeclined, "")
	return nil
}

// EndCall hangs up or cancels the current call, whatever state it is in.
func (e *Engine) EndCall() error {
	e.mu.Lock()
	if e.status == StatusIdle {
		e.mu.Unlock()
		return ErrInvalidState
	}
	callID := e.callID
	e.mu.Unlock()

	e.logf("ending call %s", callID)
	if callID != "" {
		if err := e.sig.Send(signal.EventCallEnd, signal.EndPayload{CallID: callID}); err != nil {
			e.logf("end send failed: %v", err)
		}
	}
	e.teardown(ReasonEnded, "")
	return nil
}

// ToggleMute flips the microphone and returns the new muted state.
// Valid while calling or connected.
func (e *Engine) ToggleMute() (bool, error) {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	if st != StatusConnected && st != StatusCalling {
		return false, ErrInvalidState
	}
	enabled := e.media.AudioEnabled()
	if err := e.media.SetAudioEnabled(!enabled); err != nil {
		return !enabled, err
	}
	nowMuted := enabled
	if nowMuted {
		e.logf("microphone muted")
	} else {
		e.logf("microphone unmuted")
	}
	e.notify()
	return nowMuted, nil
}

// ToggleVideo flips the camera and returns the new enabled state.
func (e *Engine) ToggleVideo() (bool, error) {
	e.mu.Lock()
	st := e.status
	ctype := e.callType
	e.mu.Unlock()
	if st != StatusConnected {
		return false, ErrInvalidState
	}
	if !ctype.WantsVideo() {
		return false, ErrInvalidState
	}
	enabled := e.media.VideoEnabled()
	if err := e.media.SetVideoEnabled(!enabled); err != nil {
		return enabled, err
	}
	if enabled {
		e.logf("camera disabled")
	} else {
		e.logf("camera enabled")
	}
	e.notify()
	return !enabled, nil
}

// SwitchCamera moves the outgoing video to the next capture device.
func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	if st != StatusConnected {
		return ErrInvalidState
	}
	if err := e.media.SwitchCamera(); err != nil {
		return err
	}
	e.logf("switched camera")
	return nil
}

// onRingTimeout fires when an outgoing call has rung unanswered too long.
// A stale generation means the call already resolved; nothing happens.
func (e *Engine) onRingTimeout(g uint64) {
	e.mu.Lock()
	if e.gen != g || e.status != StatusCalling {
		e.mu.Unlock()
		return
	}
	callID := e.callID
	e.mu.Unlock()

	e.logf("call %s timed out unanswered", callID)
	if callID != "" {
		if err := e.sig.Send(signal.EventCallTimeout, signal.TimeoutPayload{CallID: callID}); err != nil {
			e.logf("timeout send failed: %v", err)
		}
	}
	e.teardown(ReasonTimeout, "")
}

// markConnected moves the session to connected and starts the duration tick.
func (e *Engine) markConnected(g uint64) {
	e.mu.Lock()
	if e.gen != g || !e.status.CanTransitionTo(StatusConnected) {
		e.mu.Unlock()
		return
	}
	e.status = StatusConnected
	e.startedAt = time.Now()
	e.durationSec = 0
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
	done := make(chan struct{})
	e.tickerDone = done
	e.mu.Unlock()

	e.tones.Stop()
	e.notify()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.mu.Lock()
				if e.gen != g {
					e.mu.Unlock()
					return
				}
				e.durationSec++
				e.mu.Unlock()
				e.notify()
			}
		}
	}()
}

// teardown returns the engine to idle. Safe to call more than once; the
// second and later calls are no-ops.
func (e *Engine) teardown(reason EndReason, lastErr string) {
	e.mu.Lock()
	if e.status == StatusIdle {
		e.mu.Unlock()
		return
	}
	e.gen++
	e.status = StatusIdle
	e.callID = ""
	e.accepted = false
	e.pendingOff = nil
	e.endReason = reason
	e.lastError = lastErr
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
	if e.tickerDone != nil {
		close(e.tickerDone)
		e.tickerDone = nil
	}
	e.mu.Unlock()

	e.tones.Stop()
	e.media.Cleanup()
	e.logf("call ended: %s", reason)
	e.notify()
}

// teardownIfCurrent tears down only when the session g started is still the
// live one.
func (e *Engine) teardownIfCurrent(g uint64, reason EndReason, lastErr string) {
	if e.currentGen(g) {
		e.teardown(reason, lastErr)
	}
}

func (e *Engine) currentGen(g uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen == g
}

// declineCurrent tells the relay the ringing call cannot be taken, without
// touching local state.
func (e *Engine) declineCurrent(g uint64) {
	e.mu.Lock()
	if e.gen != g || e.callID == "" {
		e.mu.Unlock()
		return
	}
	callID := e.callID
	e.mu.Unlock()
	if err := e.sig.Send(signal.EventCallDecline, signal.DeclinePayload{CallID: callID}); err != nil {
		e.logf("decline send failed: %v", err)
	}
}

// handleSignal dispatches one relay event. Events that name a call ID other
// than the live one are logged and dropped.
func (e *Engine) handleSignal(env signal.Envelope) {
	switch env.Event {
	case signal.EventCallCreated:
		var p signal.CreatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		e.onCallCreated(p)
	case signal.EventCallRinging:
		var p signal.RingingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		e.onIncoming(p)
	case signal.EventOffer:
		var p signal.OfferPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		e.onOffer(p)
	case signal.EventCallAccepted:
		var p signal.AcceptedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		e.onAccepted(p)
	case signal.EventCallDeclined:
		// The relay sends this without a call ID; it refers to the call the
		// local side is placing.
		var p signal.DeclinePayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				e.logf("bad %s payload: %v", env.Event, err)
				return
			}
		}
		e.onDeclined(p)
	case signal.EventCallEnd, signal.EventCallEnded:
		var p signal.EndPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		if e.matchesCall(p.CallID) {
			e.logf("call %s ended by peer", p.CallID)
			e.teardown(ReasonEnded, "")
		}
	case signal.EventCallTimeout:
		var p signal.TimeoutPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		if e.matchesCall(p.CallID) {
			e.logf("call %s timed out", p.CallID)
			e.teardown(ReasonTimeout, "")
		}
	case signal.EventCallError:
		var p signal.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		e.onCallError(p)
	case signal.EventICECandidate:
		var p signal.CandidatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			e.logf("bad %s payload: %v", env.Event, err)
			return
		}
		if e.matchesCall(p.CallID) {
			if err := e.media.AddICECandidate(p.Candidate); err != nil {
				e.logf("add candidate failed: %v", err)
			}
		}
	}
}

func (e *Engine) matchesCall(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status != StatusIdle && callID != "" && callID == e.callID
}

// onCallCreated assigns the relay's call ID to the outgoing call and sends
// the SDP offer.
func (e *Engine) onCallCreated(p signal.CreatedPayload) {
	e.mu.Lock()
	if e.status != StatusCalling || !e.isCaller || e.callID != "" {
		e.mu.Unlock()
		e.logf("dropping %s for %s", signal.EventCallCreated, p.CallID)
		return
	}
	e.callID = p.CallID
	g := e.gen
	recipientID := e.peer.ID
	e.mu.Unlock()
	e.logf("call %s created, sending offer", p.CallID)

	offer, err := e.media.CreateOffer()
	if err != nil {
		e.logf("offer failed: %v", err)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return
	}
	if !e.currentGen(g) {
		return
	}
	err = e.sig.Send(signal.EventOffer, signal.OfferPayload{
		CallID:      p.CallID,
		RecipientID: recipientID,
		Offer:       offer,
	})
	if err != nil {
		e.logf("offer send failed: %v", err)
		e.teardownIfCurrent(g, ReasonSignalError, err.Error())
	}
	e.notify()
}

// onIncoming rings for a new inbound call, or auto-declines it when a call
// is already in progress.
func (e *Engine) onIncoming(p signal.RingingPayload) {
	e.mu.Lock()
	if e.status != StatusIdle {
		e.mu.Unlock()
		e.logf("busy, auto-declining call %s from %s", p.CallID, p.Caller.ID)
		if err := e.sig.Send(signal.EventCallDecline, signal.DeclinePayload{CallID: p.CallID}); err != nil {
			e.logf("decline send failed: %v", err)
		}
		return
	}
	e.gen++
	e.status = StatusRinging
	e.isCaller = false
	e.accepted = false
	e.callID = p.CallID
	e.callType = ParseCallType(p.CallType)
	e.peer = p.Caller
	e.endReason = ReasonNone
	e.lastError = ""
	e.durationSec = 0
	e.startedAt = time.Time{}
	e.mu.Unlock()

	e.logf("incoming %s call %s from %s", p.CallType, p.CallID, p.Caller.ID)
	e.tones.Play(ToneIncoming)
	e.notify()
}

// onOffer buffers the offer while ringing, finishes a pending accept, or
// answers an ICE-restart offer on an established call.
func (e *Engine) onOffer(p signal.OfferPayload) {
	e.mu.Lock()
	if e.callID == "" || p.CallID != e.callID {
		e.mu.Unlock()
		e.logf("dropping offer for %s", p.CallID)
		return
	}
	g := e.gen
	switch {
	case e.status == StatusRinging && !e.accepted:
		off := p.Offer
		e.pendingOff = &off
		e.mu.Unlock()
		return
	case e.status == StatusRinging && e.accepted:
		e.mu.Unlock()
		_ = e.completeAccept(g, p.Offer)
		return
	case e.status == StatusConnected:
		// Restart offer from the peer's ICE recovery.
		e.mu.Unlock()
		answer, err := e.media.CreateAnswer(p.Offer)
		if err != nil {
			e.logf("restart answer failed: %v", err)
			return
		}
		if !e.currentGen(g) {
			return
		}
		if err := e.sig.Send(signal.EventCallAccept, signal.AcceptPayload{CallID: p.CallID, Answer: answer}); err != nil {
			e.logf("restart answer send failed: %v", err)
		}
		return
	default:
		e.mu.Unlock()
	}
}

// onAccepted applies the callee's answer. On an established call this is the
// answer to our ICE-restart offer.
func (e *Engine) onAccepted(p signal.AcceptedPayload) {
	e.mu.Lock()
	if e.callID == "" || p.CallID != e.callID {
		e.mu.Unlock()
		e.logf("dropping %s for %s", signal.EventCallAccepted, p.CallID)
		return
	}
	st := e.status
	g := e.gen
	e.mu.Unlock()

	if st != StatusCalling && st != StatusConnected {
		return
	}
	if err := e.media.SetRemoteDescription(p.Answer); err != nil {
		e.logf("apply answer failed: %v", err)
		e.teardownIfCurrent(g, ReasonMediaError, err.Error())
		return
	}
	if st == StatusCalling {
		e.logf("call %s accepted", p.CallID)
		e.markConnected(g)
	}
}

// onDeclined tears down the outgoing call the peer rejected. A call ID, when
// present, must match the live call; an absent one means the current call.
func (e *Engine) onDeclined(p signal.DeclinePayload) {
	e.mu.Lock()
	ok := e.status == StatusCalling && (p.CallID == "" || p.CallID == e.callID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.logf("call declined by peer")
	e.teardown(ReasonDeclined, "")
}

func (e *Engine) onCallError(p signal.ErrorPayload) {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()
	if st != StatusCalling && st != StatusRinging {
		return
	}
	e.logf("relay error: %s (%s)", p.Message, p.Code)
	e.teardown(ReasonSignalError, p.Message)
}

// handleMedia reacts to transport-level events from the media session.
func (e *Engine) handleMedia(ev media.Event) {
	switch ev.Kind {
	case media.EventLocalCandidate:
		e.mu.Lock()
		callID := e.callID
		e.mu.Unlock()
		if callID == "" || ev.Candidate == nil {
			return
		}
		err := e.sig.Send(signal.EventICECandidate, signal.CandidatePayload{
			CallID:    callID,
			Candidate: *ev.Candidate,
		})
		if err != nil {
			e.logf("candidate send failed: %v", err)
		}
	case media.EventRestartOffer:
		e.mu.Lock()
		callID := e.callID
		recipientID := e.peer.ID
		st := e.status
		e.mu.Unlock()
		if st != StatusConnected || ev.Offer == nil {
			return
		}
		e.logf("sending ice-restart offer for %s", callID)
		err := e.sig.Send(signal.EventOffer, signal.OfferPayload{
			CallID:      callID,
			RecipientID: recipientID,
			Offer:       *ev.Offer,
		})
		if err != nil {
			e.logf("restart offer send failed: %v", err)
		}
	case media.EventReconnectFailed:
		e.logf("connection lost, recovery exhausted")
		e.teardown(ReasonConnectivityLost, "ice recovery exhausted")
	case media.EventConnectionState:
		e.logf("peer connection %s", ev.ConnState)
	case media.EventRemoteTrack:
		e.logf("remote %s track started", ev.TrackKind)
	case media.EventQuality:
		e.notify()
	}
}
