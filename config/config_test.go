package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() config failed Validate: %v", err)
	}
}

func TestValidateCatchesMissingFields(t *testing.T) {
	cases := []struct {
		name  string
		break_ func(*Config)
	}{
		{"empty key file", func(c *Config) { c.Identity.KeyFile = "" }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"empty blocklist file", func(c *Config) { c.Paths.BlocklistFile = "" }},
		{"bad port", func(c *Config) { c.P2P.ListenPort = -1 }},
		{"empty room topic", func(c *Config) { c.P2P.RoomTopic = "" }},
		{"zero ping interval", func(c *Config) { c.Engine.PingIntervalMs = 0 }},
		{"zero retry threshold", func(c *Config) { c.Engine.InitRetryThresholdMs = 0 }},
		{"no ice servers", func(c *Config) { c.Engine.ICEServers = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.break_(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected Validate to reject %s", tc.name)
			}
		})
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.P2P.ListenPort = 4001
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.P2P.ListenPort != 4001 {
		t.Fatalf("loaded ListenPort = %d, want 4001", loaded.P2P.ListenPort)
	}
}

func TestEnsureCreatesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected created=true for a missing config file")
	}
	if cfg.P2P.RoomTopic != Default().P2P.RoomTopic {
		t.Fatalf("Ensure returned unexpected default config: %+v", cfg)
	}

	cfg2, created2, err := Ensure(path)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if created2 {
		t.Fatal("expected created=false once the config file exists")
	}
	if cfg2.P2P.RoomTopic != cfg.P2P.RoomTopic {
		t.Fatalf("second Ensure returned different config: %+v vs %+v", cfg2, cfg)
	}
}

func TestBlocklistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.json")

	agents, err := LoadBlocklist(path)
	if err != nil {
		t.Fatalf("LoadBlocklist on missing file: %v", err)
	}
	if agents != nil {
		t.Fatalf("expected nil agents for a missing file, got %v", agents)
	}

	want := []string{"peer-a", "peer-b"}
	if err := SaveBlocklist(path, want); err != nil {
		t.Fatalf("SaveBlocklist: %v", err)
	}

	got, err := LoadBlocklist(path)
	if err != nil {
		t.Fatalf("LoadBlocklist after save: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("LoadBlocklist = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("LoadBlocklist[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
