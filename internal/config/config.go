package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/nearby/internal/util"
)

type Config struct {
	Profile   Profile   `json:"profile"`
	P2P       P2P       `json:"p2p"`
	Transport Transport `json:"transport"`
	Ranging   Ranging   `json:"ranging"`
	Bridge    Bridge    `json:"bridge"`
	Policy    Policy    `json:"policy"`
	Log       Log       `json:"log"`
}

type Profile struct {
	DisplayName string `json:"display_name"`
}

type P2P struct {
	ListenPort    int    `json:"listen_port"`
	MdnsTag       string `json:"mdns_tag"`
	PresenceTopic string `json:"presence_topic"`
	PresenceTTL   int    `json:"presence_ttl_seconds"`
}

type Transport struct {
	InviteTimeoutSec int `json:"invite_timeout_seconds"`
	SendTimeoutSec   int `json:"send_timeout_seconds"`
}

// Ranging configures the simulated sensing backend.
type Ranging struct {
	UpdateIntervalMs int     `json:"update_interval_ms"`
	MaxRangeM        float64 `json:"max_range_m"`
	Supported        bool    `json:"supported"`
}

type Bridge struct {
	// Empty disables the websocket UI bridge.
	HTTPAddr string `json:"http_addr"`
	// Number of recent events replayed to a new client.
	Replay int `json:"replay"`
}

// Policy is the optional Lua pairing policy.
type Policy struct {
	Enabled        bool   `json:"enabled"`
	Script         string `json:"script"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// Invitations the policy may send to one peer per minute.
	InvitesPerMinute int `json:"invites_per_minute"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Profile: Profile{
			DisplayName: "nearby",
		},
		P2P: P2P{
			ListenPort:    0,
			MdnsTag:       "nearby-insights",
			PresenceTopic: "nearby.presence.v1",
			PresenceTTL:   20,
		},
		Transport: Transport{
			InviteTimeoutSec: 10,
			SendTimeoutSec:   10,
		},
		Ranging: Ranging{
			UpdateIntervalMs: 200,
			MaxRangeM:        9,
			Supported:        true,
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:8790",
			Replay:   64,
		},
		Policy: Policy{
			Enabled:          false,
			Script:           "policy.lua",
			TimeoutSeconds:   2,
			InvitesPerMinute: 6,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Profile
	if _, err := util.ValidateDisplayName(c.Profile.DisplayName); err != nil {
		return fmt.Errorf("profile.display_name: %w", err)
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.PresenceTopic) == "" {
		return errors.New("p2p.presence_topic is required")
	}
	if c.P2P.PresenceTTL <= 0 {
		return errors.New("p2p.presence_ttl_seconds must be > 0")
	}

	// Transport
	if c.Transport.InviteTimeoutSec < 1 || c.Transport.InviteTimeoutSec > 300 {
		return errors.New("transport.invite_timeout_seconds must be 1..300")
	}
	if c.Transport.SendTimeoutSec < 1 || c.Transport.SendTimeoutSec > 300 {
		return errors.New("transport.send_timeout_seconds must be 1..300")
	}

	// Ranging
	if c.Ranging.UpdateIntervalMs < 10 || c.Ranging.UpdateIntervalMs > 10000 {
		return errors.New("ranging.update_interval_ms must be 10..10000")
	}
	if c.Ranging.MaxRangeM <= 0 {
		return errors.New("ranging.max_range_m must be > 0")
	}

	// Bridge
	if a := strings.TrimSpace(c.Bridge.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("bridge.http_addr: %w", err)
		}
	}
	if c.Bridge.Replay < 0 {
		return errors.New("bridge.replay must be >= 0")
	}

	// Policy
	if c.Policy.Enabled {
		if strings.TrimSpace(c.Policy.Script) == "" {
			return errors.New("policy.script is required when policy is enabled")
		}
		if c.Policy.TimeoutSeconds < 1 || c.Policy.TimeoutSeconds > 60 {
			return errors.New("policy.timeout_seconds must be 1..60")
		}
		if c.Policy.InvitesPerMinute <= 0 {
			return errors.New("policy.invites_per_minute must be > 0")
		}
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	return nil
}

func (t Transport) InviteTimeout() time.Duration {
	return time.Duration(t.InviteTimeoutSec) * time.Second
}

func (t Transport) SendTimeout() time.Duration {
	return time.Duration(t.SendTimeoutSec) * time.Second
}

func (r Ranging) UpdateInterval() time.Duration {
	return time.Duration(r.UpdateIntervalMs) * time.Millisecond
}

func (p P2P) PresenceTTLDuration() time.Duration {
	return time.Duration(p.PresenceTTL) * time.Second
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
