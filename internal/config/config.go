package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/petervdpas/bookpresence/internal/proto"
	"github.com/petervdpas/bookpresence/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Client   Client   `json:"client"`
	Server   Server   `json:"server"`
	Log      Log      `json:"log"`
}

// Identity is the local user as supplied by the authentication provider.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"` // empty = none
}

type Client struct {
	// Production selects wss/https on Host; otherwise ws/http on DevHost.
	Production bool   `json:"production"`
	Host       string `json:"host"`     // e.g. "presence.example.org"
	DevHost    string `json:"dev_host"` // e.g. "localhost:8790"

	Path      string `json:"path"`
	LeavePath string `json:"leave_path"`

	ReconnectSec     int `json:"reconnect_seconds"`
	WriteTimeoutSec  int `json:"write_timeout_seconds"`
	BeaconTimeoutSec int `json:"beacon_timeout_seconds"`

	// Chapter to join on startup (CLI client only). Both empty = none.
	BookID    string `json:"book_id"`
	ChapterID string `json:"chapter_id"`
}

type Server struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`

	// Optional SQLite file mirroring the current presence map. Relative to
	// the working directory. Empty = in-memory only.
	DBPath string `json:"db_path"`

	// Optional Redis address for fan-out between instances. Empty = local only.
	RedisAddr    string `json:"redis_addr"`
	RedisChannel string `json:"redis_channel"`

	PingSec int `json:"ping_seconds"`

	// Password for /presence.json and /logs.json (HTTP Basic, user "admin").
	// Empty disables them.
	AdminPassword string `json:"admin_password"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			ID:   "local",
			Name: "Local Editor",
		},
		Client: Client{
			Production:       false,
			Host:             "",
			DevHost:          "localhost:8790",
			Path:             proto.PresencePath,
			LeavePath:        proto.LeavePath,
			ReconnectSec:     5,
			WriteTimeoutSec:  10,
			BeaconTimeoutSec: 5,
		},
		Server: Server{
			Bind:         "127.0.0.1",
			Port:         8790,
			RedisChannel: "bookpresence.events",
			PingSec:      25,
		},
		Log: Log{
			Level: "info",
		},
	}
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity.id is required")
	}

	// Client
	if c.Client.Production {
		if strings.TrimSpace(c.Client.Host) == "" {
			return errors.New("client.host is required when client.production is true")
		}
	} else if strings.TrimSpace(c.Client.DevHost) == "" {
		return errors.New("client.dev_host is required when client.production is false")
	}
	if !strings.HasPrefix(c.Client.Path, "/") {
		return errors.New("client.path must start with /")
	}
	if !strings.HasPrefix(c.Client.LeavePath, "/") {
		return errors.New("client.leave_path must start with /")
	}
	if c.Client.ReconnectSec <= 0 {
		return errors.New("client.reconnect_seconds must be > 0")
	}
	if c.Client.WriteTimeoutSec <= 0 {
		return errors.New("client.write_timeout_seconds must be > 0")
	}
	if c.Client.BeaconTimeoutSec <= 0 {
		return errors.New("client.beacon_timeout_seconds must be > 0")
	}
	if (c.Client.BookID == "") != (c.Client.ChapterID == "") {
		return errors.New("client.book_id and client.chapter_id must be set together")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if b := c.Server.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("server.bind must be a valid IP address")
		}
	}
	if c.Server.PingSec <= 0 {
		return errors.New("server.ping_seconds must be > 0")
	}
	if c.Server.RedisAddr != "" && strings.TrimSpace(c.Server.RedisChannel) == "" {
		return errors.New("server.redis_channel is required when server.redis_addr is set")
	}

	// Log
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	for sub, lvl := range c.Log.Subsystems {
		if !validLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: %q is not a valid level", sub, lvl)
		}
	}

	return nil
}

// User converts the identity into its wire form.
func (i Identity) User() proto.User {
	u := proto.User{ID: i.ID, Name: i.Name, Email: i.Email}
	if i.Avatar != "" {
		avatar := i.Avatar
		u.Avatar = &avatar
	}
	return u
}

// WebSocketURL is the presence endpoint for the configured environment.
func (c Client) WebSocketURL() string {
	if c.Production {
		return "wss://" + util.TrimHost(c.Host) + c.Path
	}
	return "ws://" + util.TrimHost(c.DevHost) + c.Path
}

// LeaveURL is the beacon endpoint for the configured environment.
func (c Client) LeaveURL() string {
	if c.Production {
		return "https://" + util.TrimHost(c.Host) + c.LeavePath
	}
	return "http://" + util.TrimHost(c.DevHost) + c.LeavePath
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
