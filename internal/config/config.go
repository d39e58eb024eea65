package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/beamapp/callkit/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Signal   Signal   `json:"signal"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
	Outbox   Outbox   `json:"outbox"`
}

// Identity describes the local user as issued by the social app's auth layer.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type Signal struct {
	// ServerURL is the websocket endpoint of the signaling relay,
	// e.g. wss://signal.example.org/ws
	ServerURL string `json:"server_url"`

	// AuthToken is attached as a bearer token on the websocket handshake.
	AuthToken string `json:"auth_token"`

	DialTimeoutSec int `json:"dial_timeout_sec"`

	// ReconnectMaxSec caps the websocket reconnect backoff.
	ReconnectMaxSec int `json:"reconnect_max_sec"`
}

type Media struct {
	STUNServers []string `json:"stun_servers"`

	// Preferred capture devices by label substring. Empty = first available.
	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`

	// VideoDisabled forces voice-only calls regardless of the requested type
	// (e.g. headless machines without a camera).
	VideoDisabled bool `json:"video_disabled"`
}

type Call struct {
	// RingTimeoutSec is how long an unanswered outgoing call rings before it
	// is abandoned. Zero means the default of 30 seconds.
	RingTimeoutSec int `json:"ring_timeout_sec"`
}

type Outbox struct {
	// DBPath is the SQLite file for queued offline messages,
	// relative to the peer directory.
	DBPath string `json:"db_path"`

	MaxRetries int `json:"max_retries"`
}

func Default() Config {
	return Config{
		Signal: Signal{
			DialTimeoutSec:  5,
			ReconnectMaxSec: 30,
		},
		Media: Media{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
		},
		Call: Call{
			RingTimeoutSec: 30,
		},
		Outbox: Outbox{
			DBPath:     "data/outbox.db",
			MaxRetries: 3,
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}

	if strings.TrimSpace(c.Signal.ServerURL) == "" {
		return errors.New("signal.server_url is required")
	}
	u, err := url.Parse(c.Signal.ServerURL)
	if err != nil {
		return fmt.Errorf("signal.server_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("signal.server_url must use ws:// or wss://")
	}
	if c.Signal.DialTimeoutSec <= 0 {
		return errors.New("signal.dial_timeout_sec must be > 0")
	}
	if c.Signal.ReconnectMaxSec <= 0 {
		return errors.New("signal.reconnect_max_sec must be > 0")
	}

	if len(c.Media.STUNServers) == 0 {
		return errors.New("media.stun_servers must not be empty")
	}
	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.stun_servers entry %q must start with stun: or turn:", s)
		}
	}

	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_sec must be >= 0")
	}

	if strings.TrimSpace(c.Outbox.DBPath) == "" {
		return errors.New("outbox.db_path is required")
	}
	if c.Outbox.MaxRetries <= 0 {
		return errors.New("outbox.max_retries must be > 0")
	}
	return nil
}

// Path returns the config file location inside a peer directory.
func Path(peerDir string) string {
	return filepath.Join(peerDir, "config.json")
}

// Load reads the config file at path. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent dirs if needed.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}
