package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("5s") in
// both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.set(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.set(value.Value)
}

func (d *Duration) set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver"` // "sqlite" or "pgx"
	DSN    string `json:"dsn" yaml:"dsn"`
}

// RedisConfig enables the cluster-wide lock and bus. With an empty Addr the
// server runs single-node with in-process equivalents.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel" yaml:"channel"`
}

type AuthConfig struct {
	JWTSecret string   `json:"jwtSecret" yaml:"jwtSecret"`
	TokenTTL  Duration `json:"tokenTTL" yaml:"tokenTTL"`
}

type LockConfig struct {
	MaxAttempts  int      `json:"maxAttempts" yaml:"maxAttempts"`
	InitialDelay Duration `json:"initialDelay" yaml:"initialDelay"`
	Multiplier   float64  `json:"multiplier" yaml:"multiplier"`
	MaxDelay     Duration `json:"maxDelay" yaml:"maxDelay"`
}

type PresenceConfig struct {
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	SweepInterval Duration `json:"sweepInterval" yaml:"sweepInterval"`
}

type WebsocketConfig struct {
	SendBuffer   int      `json:"sendBuffer" yaml:"sendBuffer"`
	PingInterval Duration `json:"pingInterval" yaml:"pingInterval"`
	WriteTimeout Duration `json:"writeTimeout" yaml:"writeTimeout"`
}

type Config struct {
	Listen     string          `json:"listen" yaml:"listen"`
	LogDir     string          `json:"logDir" yaml:"logDir"`
	LogLevel   string          `json:"logLevel" yaml:"logLevel"`
	LogFormat  string          `json:"logFormat" yaml:"logFormat"` // "text" or "json"
	InstanceID string          `json:"instanceId" yaml:"instanceId"` // generated when empty
	Database   DatabaseConfig  `json:"database" yaml:"database"`
	Redis      RedisConfig     `json:"redis" yaml:"redis"`
	Auth       AuthConfig      `json:"auth" yaml:"auth"`
	Lock       LockConfig      `json:"lock" yaml:"lock"`
	Presence   PresenceConfig  `json:"presence" yaml:"presence"`
	Websocket  WebsocketConfig `json:"websocket" yaml:"websocket"`
}

func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Listen:    "0.0.0.0:8080",
		LogDir:    filepath.Join(home, ".agent-relay", "logs"),
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    filepath.Join(home, ".agent-relay", "relay.db"),
		},
		Redis: RedisConfig{
			Channel: "relay:events",
		},
		Auth: AuthConfig{
			TokenTTL: Duration(24 * time.Hour),
		},
		Lock: LockConfig{
			MaxAttempts:  30,
			InitialDelay: Duration(20 * time.Millisecond),
			Multiplier:   1.5,
			MaxDelay:     Duration(500 * time.Millisecond),
		},
		Presence: PresenceConfig{
			Timeout:       Duration(30 * time.Second),
			SweepInterval: Duration(10 * time.Second),
		},
		Websocket: WebsocketConfig{
			SendBuffer:   256,
			PingInterval: Duration(25 * time.Second),
			WriteTimeout: Duration(10 * time.Second),
		},
	}
}

func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-relay", "config.yaml")
}

// Load reads path over Defaults. A missing file is not an error. Files
// ending in .yaml or .yml are YAML, anything else JSON. Environment
// overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, &cfg)
		default:
			err = json.Unmarshal(data, &cfg)
		}
		if err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"RELAY_LISTEN":          &cfg.Listen,
		"RELAY_DATABASE_DRIVER": &cfg.Database.Driver,
		"RELAY_DATABASE_DSN":    &cfg.Database.DSN,
		"RELAY_REDIS_ADDR":      &cfg.Redis.Addr,
		"RELAY_JWT_SECRET":      &cfg.Auth.JWTSecret,
		"RELAY_LOG_LEVEL":       &cfg.LogLevel,
		"RELAY_LOG_FORMAT":      &cfg.LogFormat,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("database.driver: unsupported %q", c.Database.Driver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("logFormat: unsupported %q", c.LogFormat)
	}
	if c.Websocket.SendBuffer < 1 {
		return errors.New("websocket.sendBuffer must be positive")
	}
	if c.Presence.Timeout <= 0 || c.Presence.SweepInterval <= 0 {
		return errors.New("presence timeout and sweepInterval must be positive")
	}
	return nil
}
