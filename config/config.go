// Package config defines meshcall's on-disk configuration: identity,
// transport, and the engine tunables (ping interval, init retry threshold,
// stale-metadata threshold, ICE servers, trickle-ICE). Grounded on the
// teacher's config.Config struct-of-structs with
// Default/Validate/Load/Save/Ensure (internal/config/config.go).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the top-level struct-of-structs configuration.
type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	P2P      P2P      `json:"p2p"`
	Engine   Engine   `json:"engine"`
	Viewer   Viewer   `json:"viewer"`
}

// Identity names the Ed25519 key file backing the peer's libp2p identity.
type Identity struct {
	KeyFile string `json:"key_file"`
}

// Paths names on-disk locations for persisted session state.
type Paths struct {
	DataDir        string `json:"data_dir"`
	BlocklistFile  string `json:"blocklist_file"`
}

// P2P configures the libp2p host backing meshnet.Transport and
// roomanchor.Anchor.
type P2P struct {
	ListenPort int    `json:"listen_port"`
	RoomTopic  string `json:"room_topic"`
	MdnsTag    string `json:"mdns_tag"`
}

// Engine holds the peer-connection engine's tunables.
type Engine struct {
	PingIntervalMs          int      `json:"ping_interval_ms"`
	InitRetryThresholdMs    int      `json:"init_retry_threshold_ms"`
	StaleMetadataThresholdMs int     `json:"stale_metadata_threshold_ms"`
	TrickleICE              bool     `json:"trickle_ice"`
	ICEServers              []string `json:"ice_servers"`
}

// PingInterval returns Engine.PingIntervalMs as a time.Duration.
func (e Engine) PingInterval() time.Duration { return time.Duration(e.PingIntervalMs) * time.Millisecond }

// InitRetryThreshold returns Engine.InitRetryThresholdMs as a time.Duration.
func (e Engine) InitRetryThreshold() time.Duration {
	return time.Duration(e.InitRetryThresholdMs) * time.Millisecond
}

// StaleMetadataThreshold returns Engine.StaleMetadataThresholdMs as a
// time.Duration. It is informational only, used by the UI to mark a peer's
// last-known metadata as stale.
func (e Engine) StaleMetadataThreshold() time.Duration {
	return time.Duration(e.StaleMetadataThresholdMs) * time.Millisecond
}

// Viewer configures the optional debugsrv diagnostic websocket server.
type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

// Default returns meshcall's default configuration. The stale-metadata
// threshold is fixed at 2.8x the ping interval, giving a peer a little over
// two missed pings of slack before the UI calls its metadata stale.
func Default() Config {
	pingMs := 2000
	return Config{
		Identity: Identity{KeyFile: "data/identity.key"},
		Paths: Paths{
			DataDir:       "data",
			BlocklistFile: "data/blocklist.json",
		},
		P2P: P2P{
			ListenPort: 0,
			RoomTopic:  "meshcall.room.v1",
			MdnsTag:    "meshcall-mdns",
		},
		Engine: Engine{
			PingIntervalMs:           pingMs,
			InitRetryThresholdMs:     5000,
			StaleMetadataThresholdMs: int(2.8 * float64(pingMs)),
			TrickleICE:               true,
			ICEServers: []string{
				"stun:global.stun.twilio.com:3478",
				"stun:stun.l.google.com:19302",
			},
		},
		Viewer: Viewer{HTTPAddr: "", Debug: false},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}
	if strings.TrimSpace(c.Paths.BlocklistFile) == "" {
		return errors.New("paths.blocklist_file is required")
	}
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.RoomTopic) == "" {
		return errors.New("p2p.room_topic is required")
	}
	if c.Engine.PingIntervalMs <= 0 {
		return errors.New("engine.ping_interval_ms must be > 0")
	}
	if c.Engine.InitRetryThresholdMs <= 0 {
		return errors.New("engine.init_retry_threshold_ms must be > 0")
	}
	if len(c.Engine.ICEServers) == 0 {
		return errors.New("engine.ice_servers must name at least one server")
	}
	return nil
}

// Load reads and validates a config file, defaulting missing fields.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save validates and writes cfg to path.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return writeJSONFile(path, cfg)
}

// writeJSONFile writes v to path as indented JSON.
func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Ensure loads the config at path, creating a default file if absent.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, false, fmt.Errorf("create config dir: %w", err)
	}
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// LoadBlocklist reads the blocked-peer JSON array persisted at path. A
// missing file is not an error — it means no peer has been blocked yet.
func LoadBlocklist(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var agents []string
	if err := json.Unmarshal(b, &agents); err != nil {
		return nil, fmt.Errorf("parse blocklist %s: %w", path, err)
	}
	return agents, nil
}

// SaveBlocklist writes agents to path as the "blockedAgents" JSON array.
func SaveBlocklist(path string, agents []string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create blocklist dir: %w", err)
		}
	}
	return writeJSONFile(path, agents)
}
