// Package config holds the settings a run is driven by.
//
// Settings come from three layers, later layers winning: built-in
// defaults, an optional YAML file, and ROOMCHECK_* environment variables.
// Command-line flags are applied on top by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/roomcheck/internal/protocol"
)

// Defaults.
const (
	DefaultEndpoint  = "ws://localhost:8080/api/v1/chat/ws"
	DefaultTimeoutMs = 30000
	DefaultSettleMs  = 500
)

// User is one simulated participant.
type User struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token,omitempty"`
	// ID is the identity the server stamps on this user's messages, when
	// it differs from the name.
	ID string `yaml:"id,omitempty"`

	// Email and Password are used to obtain a token from the fixture
	// service when Token is empty.
	Email    string `yaml:"email,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Room is a named room. Scenarios refer to rooms by name.
type Room struct {
	Name string      `yaml:"name"`
	ID   protocol.ID `yaml:"id,omitempty"`
}

// Fixture locates the HTTP service that issues tokens and creates rooms.
type Fixture struct {
	BaseURL string `yaml:"base_url,omitempty"`
}

// Config is passed explicitly to everything that needs it.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	TimeoutMs int    `yaml:"timeout_ms"`
	SettleMs  int    `yaml:"settle_ms"`

	// Echo is set when the server delivers a sender's own messages back
	// to it. Scenarios may override it.
	Echo bool `yaml:"echo"`

	// JoinOnConnect is set when the server treats the room_id connect
	// parameter as a join.
	JoinOnConnect bool     `yaml:"join_on_connect"`
	Subprotocols  []string `yaml:"subprotocols,omitempty"`
	DataPayload   bool     `yaml:"data_payload"`

	Users   []User  `yaml:"users"`
	Rooms   []Room  `yaml:"rooms"`
	Fixture Fixture `yaml:"fixture,omitempty"`

	// DB is the SQLite file run history is written to. Empty disables it.
	DB string `yaml:"db,omitempty"`
}

// envOverlay lists the environment variables Load honours.
type envOverlay struct {
	Endpoint   string            `env:"ROOMCHECK_ENDPOINT"`
	TimeoutMs  *int              `env:"ROOMCHECK_TIMEOUT_MS"`
	SettleMs   *int              `env:"ROOMCHECK_SETTLE_MS"`
	Echo       *bool             `env:"ROOMCHECK_ECHO"`
	Tokens     map[string]string `env:"ROOMCHECK_TOKENS" envSeparator:"," envKeyValSeparator:"="`
	FixtureURL string            `env:"ROOMCHECK_FIXTURE_URL"`
	DB         string            `env:"ROOMCHECK_DB"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Endpoint:  DefaultEndpoint,
		TimeoutMs: DefaultTimeoutMs,
		SettleMs:  DefaultSettleMs,
		Echo:      true,
	}
}

// Load reads path (if non-empty) over the defaults and applies the
// process environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, env.ToMap(os.Environ()))
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(environ); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(environ map[string]string) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.Endpoint != "" {
		c.Endpoint = o.Endpoint
	}
	if o.TimeoutMs != nil {
		c.TimeoutMs = *o.TimeoutMs
	}
	if o.SettleMs != nil {
		c.SettleMs = *o.SettleMs
	}
	if o.Echo != nil {
		c.Echo = *o.Echo
	}
	if o.FixtureURL != "" {
		c.Fixture.BaseURL = o.FixtureURL
	}
	if o.DB != "" {
		c.DB = o.DB
	}

	names := make([]string, 0, len(o.Tokens))
	for name := range o.Tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if u := c.User(name); u != nil {
			u.Token = o.Tokens[name]
			continue
		}
		c.Users = append(c.Users, User{Name: name, Token: o.Tokens[name]})
	}
	return nil
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("timeout_ms must be positive, got %d", c.TimeoutMs))
	}
	if c.SettleMs < 0 {
		errs = append(errs, fmt.Errorf("settle_ms must not be negative, got %d", c.SettleMs))
	}

	seen := make(map[string]bool)
	for i, u := range c.Users {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("users[%d]: name is required", i))
			continue
		}
		if seen[u.Name] {
			errs = append(errs, fmt.Errorf("users[%d]: duplicate name %q", i, u.Name))
		}
		seen[u.Name] = true
	}

	seen = make(map[string]bool)
	for i, r := range c.Rooms {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rooms[%d]: name is required", i))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("rooms[%d]: duplicate name %q", i, r.Name))
		}
		seen[r.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// CheckCredentials reports users without a token and rooms without an
// ID. It is meant to run after fixture provisioning.
func (c *Config) CheckCredentials() error {
	var errs []error
	for _, u := range c.Users {
		if u.Token == "" {
			errs = append(errs, fmt.Errorf("user %q has no token", u.Name))
		}
	}
	for _, r := range c.Rooms {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("room %q has no id", r.Name))
		}
	}
	return errors.Join(errs...)
}

// Timeout is TimeoutMs as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Settle is SettleMs as a duration.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

// User returns the named user, or nil.
func (c *Config) User(name string) *User {
	for i := range c.Users {
		if c.Users[i].Name == name {
			return &c.Users[i]
		}
	}
	return nil
}

// RoomID resolves a room reference. A configured room name maps to its
// ID; anything else is taken as a literal room ID.
func (c *Config) RoomID(ref string) protocol.ID {
	for _, r := range c.Rooms {
		if r.Name == ref {
			return r.ID
		}
	}
	return protocol.ID(ref)
}

// SenderIDs maps the identities the server may stamp on messages to user
// names. Every user is known by its name and, when set, its ID. Users
// sharing an ID all appear under it.
func (c *Config) SenderIDs() map[string][]string {
	out := make(map[string][]string)
	for _, u := range c.Users {
		out[u.Name] = appendUnique(out[u.Name], u.Name)
		if u.ID != "" {
			out[u.ID] = appendUnique(out[u.ID], u.Name)
		}
	}
	return out
}

func appendUnique(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}
