package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by ApplyEnv.
const (
	EnvUserID      = "SWOON_USER_ID"
	EnvAccessToken = "SWOON_ACCESS_TOKEN"
	EnvBackendMode = "SWOON_BACKEND_MODE"
	EnvBackendURL  = "SWOON_BACKEND_URL"
	EnvAPIKey      = "SWOON_API_KEY"
	EnvPlan        = "SWOON_PLAN"
	EnvLogLevel    = "SWOON_LOG_LEVEL"
)

// Backend modes.
const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Global represents ~/.swoon/config.toml.
type Global struct {
	DefaultProfile string `toml:"default_profile"`
}

// Config is the per-profile swoon.toml.
type Config struct {
	Identity Identity `toml:"identity"`
	Backend  Backend  `toml:"backend"`
	Realtime Realtime `toml:"realtime"`
	Outbox   Outbox   `toml:"outbox"`
	Call     Call     `toml:"call"`
	Plan     Plan     `toml:"plan"`
	Log      Log      `toml:"log"`
}

// Log sets the daemon log level: debug, info, warn or error.
type Log struct {
	Level string `toml:"level"`
}

// Identity holds the credentials the daemon signs in with at startup.
type Identity struct {
	UserID      string `toml:"user_id"`
	AccessToken string `toml:"access_token"`
}

// Backend selects where messages and call records are persisted.
type Backend struct {
	Mode   string `toml:"mode"`
	URL    string `toml:"url"`
	APIKey string `toml:"api_key"`
}

// Realtime configures the connection manager.
type Realtime struct {
	ReconnectBase        Duration `toml:"reconnect_base"`
	ReconnectMax         Duration `toml:"reconnect_max"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	IdleTimeout          Duration `toml:"idle_timeout"`
	CleanupInterval      Duration `toml:"cleanup_interval"`
	JoinTimeout          Duration `toml:"join_timeout"`
	HeartbeatInterval    Duration `toml:"heartbeat_interval"`
}

// Outbox configures the optimistic message pipeline.
type Outbox struct {
	MaxRetries    int      `toml:"max_retries"`
	RetryBase     Duration `toml:"retry_base"`
	SweepInterval Duration `toml:"sweep_interval"`
	MatchWindow   Duration `toml:"match_window"`
}

// Call configures the call signaling engine.
type Call struct {
	SignalingChannel    string   `toml:"signaling_channel"`
	ICEServers          []string `toml:"ice_servers"`
	DisconnectedTimeout Duration `toml:"disconnected_timeout"`
	FailedTimeout       Duration `toml:"failed_timeout"`
	KeepAliveInterval   Duration `toml:"keepalive_interval"`
}

// Plan names the subscription plan used for local entitlement checks.
type Plan struct {
	Name string `toml:"name"`
}

// Duration is a time.Duration that reads and writes as a TOML string ("5s").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a profile config with every default filled in.
func Default() *Config {
	return &Config{
		Backend: Backend{Mode: BackendLocal},
		Realtime: Realtime{
			ReconnectBase:        Duration{time.Second},
			ReconnectMax:         Duration{30 * time.Second},
			MaxReconnectAttempts: 5,
			IdleTimeout:          Duration{5 * time.Minute},
			CleanupInterval:      Duration{time.Minute},
			JoinTimeout:          Duration{10 * time.Second},
			HeartbeatInterval:    Duration{25 * time.Second},
		},
		Outbox: Outbox{
			MaxRetries:    3,
			RetryBase:     Duration{time.Second},
			SweepInterval: Duration{5 * time.Second},
			MatchWindow:   Duration{5 * time.Second},
		},
		Call: Call{
			SignalingChannel:    "call-signaling",
			ICEServers:          []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeout: Duration{30 * time.Second},
			FailedTimeout:       Duration{120 * time.Second},
			KeepAliveInterval:   Duration{2 * time.Second},
		},
		Plan: Plan{Name: "free"},
		Log:  Log{Level: "info"},
	}
}

// Validate checks values that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case BackendLocal:
	case BackendRemote:
		if c.Backend.URL == "" {
			return errors.New("backend.url is required in remote mode")
		}
	default:
		return fmt.Errorf("unknown backend.mode %q", c.Backend.Mode)
	}
	if c.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.max_retries must be >= 0, got %d", c.Outbox.MaxRetries)
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must be >= 0, got %d", c.Realtime.MaxReconnectAttempts)
	}
	if c.Call.SignalingChannel == "" {
		return errors.New("call.signaling_channel must not be empty")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Load reads a profile config. A missing file yields Default(); keys absent
// from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays credentials and backend settings from the dotenv file at
// path and from the process environment, which wins over the file. A missing
// file is not an error. The result is validated.
func ApplyEnv(cfg *Config, path string) error {
	vars, err := godotenv.Read(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}
	set := func(dst *string, key string) {
		v := os.Getenv(key)
		if v == "" {
			v = vars[key]
		}
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Identity.UserID, EnvUserID)
	set(&cfg.Identity.AccessToken, EnvAccessToken)
	set(&cfg.Backend.Mode, EnvBackendMode)
	set(&cfg.Backend.URL, EnvBackendURL)
	set(&cfg.Backend.APIKey, EnvAPIKey)
	set(&cfg.Plan.Name, EnvPlan)
	set(&cfg.Log.Level, EnvLogLevel)
	return cfg.Validate()
}

// LoadGlobal reads the global config. Returns an error if the file is missing.
func LoadGlobal(path string) (*Global, error) {
	var g Global
	if _, err := toml.DecodeFile(path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Save writes v (a *Config or *Global) to path, creating parent dirs as needed.
func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
