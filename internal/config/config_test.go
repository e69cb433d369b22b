package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.json")
	body := "\xEF\xBB\xBF" + `{"identity":{"id":"u42","name":"Ann","email":"ann@example.org"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Identity.ID != "u42" {
		t.Fatalf("expected identity u42, got %q", cfg.Identity.ID)
	}
	if cfg.Client.ReconnectSec != 5 {
		t.Fatalf("expected default reconnect 5s, got %d", cfg.Client.ReconnectSec)
	}
	if cfg.Client.Path != "/ws/presence" {
		t.Fatalf("expected default path, got %q", cfg.Client.Path)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing identity", func(c *Config) { c.Identity.ID = " " }, "identity.id"},
		{"production without host", func(c *Config) { c.Client.Production = true }, "client.host"},
		{"relative path", func(c *Config) { c.Client.Path = "ws" }, "client.path"},
		{"zero reconnect", func(c *Config) { c.Client.ReconnectSec = 0 }, "reconnect_seconds"},
		{"half membership", func(c *Config) { c.Client.BookID = "1" }, "book_id"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad bind", func(c *Config) { c.Server.Bind = "localhost" }, "server.bind"},
		{"redis without channel", func(c *Config) { c.Server.RedisAddr = "localhost:6379"; c.Server.RedisChannel = "" }, "redis_channel"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad subsystem level", func(c *Config) { c.Log.Subsystems = map[string]string{"realtime": "chatty"} }, "log.subsystems.realtime"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEndpointSelection(t *testing.T) {
	c := Default().Client
	if got := c.WebSocketURL(); got != "ws://localhost:8790/ws/presence" {
		t.Fatalf("dev ws url: %s", got)
	}
	if got := c.LeaveURL(); got != "http://localhost:8790/api/presence/leave" {
		t.Fatalf("dev leave url: %s", got)
	}

	c.Production = true
	c.Host = "https://presence.example.org/"
	if got := c.WebSocketURL(); got != "wss://presence.example.org/ws/presence" {
		t.Fatalf("prod ws url: %s", got)
	}
	if got := c.LeaveURL(); got != "https://presence.example.org/api/presence/leave" {
		t.Fatalf("prod leave url: %s", got)
	}
}

func TestIdentityUserAvatar(t *testing.T) {
	id := Identity{ID: "u1", Name: "Ann"}
	if id.User().Avatar != nil {
		t.Fatal("empty avatar must map to nil")
	}
	id.Avatar = "https://example.org/a.png"
	if u := id.User(); u.Avatar == nil || *u.Avatar != id.Avatar {
		t.Fatalf("unexpected avatar %v", u.Avatar)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "presence.json")
	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a new config file")
	}
	if cfg.Server.Port != 8790 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}

	_, created, err = Ensure(path)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
}

func TestWatchDeliversValidReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence.json")
	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { changes <- c }) }()

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"log":{"level":"nope"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	next := Default()
	next.Identity.ID = "changed"
	if err := Save(path, next); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Identity.ID == "changed" {
				cancel()
				if err := <-done; err != nil {
					t.Fatalf("watch: %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("reload not delivered")
		}
	}
}
