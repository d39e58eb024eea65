package media

import (
	"log"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	maxReconnectAttempts = 3
	reconnectBaseDelay   = 2 * time.Second
	reconnectMaxDelay    = 8 * time.Second
)

// restartDelay is the backoff before reconnection attempt n (1-based):
// base delay doubling per attempt, capped.
func restartDelay(attempt int) time.Duration {
	d := reconnectBaseDelay << (attempt - 1)
	if d > reconnectMaxDelay {
		d = reconnectMaxDelay
	}
	return d
}

// scheduleICERestart queues a connectivity-only recovery attempt after a
// failed ICE state. Once the attempt budget is spent it emits a terminal
// reconnect-failed event instead; the engine ends the call on that.
func (m *Manager) scheduleICERestart(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.pc == nil {
		return
	}
	if m.reconnectAttempts >= maxReconnectAttempts {
		log.Printf("MEDIA: reconnect budget exhausted after %d attempts", m.reconnectAttempts)
		m.emit(Event{Kind: EventReconnectFailed})
		return
	}

	m.reconnectAttempts++
	attempt := m.reconnectAttempts
	delay := restartDelay(attempt)
	log.Printf("MEDIA: connectivity failed, ICE restart %d/%d in %s", attempt, maxReconnectAttempts, delay)

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.attemptICERestart(gen)
	})
}

// attemptICERestart creates an ICE-restart offer and hands it to the engine
// via the event channel. The session itself is not torn down.
func (m *Manager) attemptICERestart(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pc == nil {
		m.mu.Unlock()
		return
	}
	pc := m.pc
	m.mu.Unlock()

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		log.Printf("MEDIA: ICE restart offer: %v", err)
		m.scheduleICERestart(gen)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		log.Printf("MEDIA: ICE restart local description: %v", err)
		m.scheduleICERestart(gen)
		return
	}

	m.emit(Event{Kind: EventRestartOffer, Offer: &offer})
}

// resetReconnect clears the attempt counter and any pending backoff timer.
// Called when ICE reports connected.
func (m *Manager) resetReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectAttempts > 0 {
		log.Printf("MEDIA: connectivity recovered after %d attempt(s)", m.reconnectAttempts)
	}
	m.reconnectAttempts = 0
	m.stopReconnectLocked()
}

// ReconnectAttempts reports the attempts used in the current recovery round.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnectAttempts
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}
