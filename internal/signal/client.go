package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beamapp/callkit/internal/config"
)

// ErrNotConnected is returned by Send while the websocket is down. Callers
// that need delivery guarantees should queue through the outbox instead.
var ErrNotConnected = errors.New("signal: not connected")

const reconnectBase = time.Second

// Client maintains the websocket to the signaling relay. It reconnects
// automatically with capped exponential backoff and fans received envelopes
// out to subscribers.
type Client struct {
	cfg    config.Signal
	selfID string

	mu   sync.Mutex // guards conn and writes (gorilla allows one writer)
	conn *websocket.Conn

	listenerMu sync.RWMutex
	listeners  map[chan Envelope]struct{}

	stateMu sync.RWMutex
	onState []func(connected bool)
	isUp    bool

	done chan struct{}
}

// NewClient creates a client for cfg. Run must be called to connect.
func NewClient(cfg config.Signal, selfID string) *Client {
	return &Client{
		cfg:       cfg,
		selfID:    selfID,
		listeners: make(map[chan Envelope]struct{}),
		done:      make(chan struct{}),
	}
}

// Run dials the relay and keeps the connection alive until ctx is cancelled
// or Close is called. Blocks; run it in its own goroutine.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBase
	maxBackoff := time.Duration(c.cfg.ReconnectMaxSec) * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		conn, err := c.dial(ctx)
		if err != nil {
			log.Printf("SIGNAL: dial %s failed: %v (retry in %s)", c.cfg.ServerURL, err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = reconnectBase
		c.setConn(conn)
		c.notifyState(true)
		log.Printf("SIGNAL: connected to %s", c.cfg.ServerURL)

		c.readPump(conn)

		c.setConn(nil)
		c.notifyState(false)
		log.Printf("SIGNAL: connection lost")
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: time.Duration(c.cfg.DialTimeoutSec) * time.Second,
	}
	header := http.Header{}
	if c.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	header.Set("X-User-ID", c.selfID)

	conn, _, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
	return conn, err
}

// readPump reads envelopes until the connection fails.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("SIGNAL: read error: %v", err)
			}
			conn.Close()
			return
		}
		if env.Event == "" {
			continue
		}
		c.fanOut(env)
	}
}

func (c *Client) fanOut(env Envelope) {
	c.listenerMu.RLock()
	for ch := range c.listeners {
		select {
		case ch <- env:
		default:
			log.Printf("SIGNAL: subscriber full, dropping %s", env.Event)
		}
	}
	c.listenerMu.RUnlock()
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != nil && conn == nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
}

// Send marshals payload and writes it as event over the websocket.
func (c *Client) Send(event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("signal: marshal %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("signal: write %s: %w", event, err)
	}
	return nil
}

// Subscribe returns a channel of inbound envelopes and a cancel function.
// Slow subscribers have envelopes dropped rather than blocking the read pump.
func (c *Client) Subscribe() (<-chan Envelope, func()) {
	ch := make(chan Envelope, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel := func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// OnStateChange registers a callback fired on connect (true) and disconnect
// (false). The outbox flusher uses this to drain queued messages on reconnect.
func (c *Client) OnStateChange(fn func(connected bool)) {
	c.stateMu.Lock()
	c.onState = append(c.onState, fn)
	c.stateMu.Unlock()
}

// Connected reports whether the websocket is currently up.
func (c *Client) Connected() bool {
	c.stateMu.RLock()
	up := c.isUp
	c.stateMu.RUnlock()
	return up
}

func (c *Client) notifyState(up bool) {
	c.stateMu.Lock()
	c.isUp = up
	handlers := make([]func(bool), len(c.onState))
	copy(handlers, c.onState)
	c.stateMu.Unlock()

	for _, fn := range handlers {
		fn(up)
	}
}

// Close shuts the client down. Safe to call once.
func (c *Client) Close() {
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.setConn(nil)

	c.listenerMu.Lock()
	for ch := range c.listeners {
		delete(c.listeners, ch)
		close(ch)
	}
	c.listenerMu.Unlock()
}
