// Package config loads roombot's configuration.
//
// Configuration comes from a single YAML file (default /etc/roombot.yaml)
// and is then overlaid with ROOMBOT_* environment variables, so a container
// can run from environment alone.  The file is validated against an embedded
// JSON Schema before it is decoded; the merged result is checked again by
// Config.Validate.
//
// The key names match the bot's historical settings file: server, alias,
// jid, pass, muc, ping_mucs, domain, conf_domain, admins.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/roombot/common/environment"
	"github.com/bdobrica/roombot/common/redact"
	"github.com/bdobrica/roombot/common/retry"
	"github.com/bdobrica/roombot/internal/roombot/address"
)

// DefaultPath is used when neither --config nor ROOMBOT_CONFIG is given.
const DefaultPath = "/etc/roombot.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMBOT_"

// Homeserver types.
const (
	HomeserverSynapse = "synapse"
	HomeserverTuwunel = "tuwunel"
	HomeserverGeneric = "generic"
)

//go:embed schema.json
var schemaJSON string

// Config is the complete bot configuration.  It is built once at startup
// and never modified afterwards.
type Config struct {
	// Server is the homeserver base URL.
	Server string `yaml:"server"`
	// Alias is the bot's nickname in rooms.
	Alias string `yaml:"alias"`
	// JID is the bot's own identity, "user@domain".
	JID  string `yaml:"jid"`
	Pass string `yaml:"pass"`
	// AccessToken skips password login when set.
	AccessToken    string `yaml:"access_token"`
	HomeserverType string `yaml:"homeserver_type"`

	// MUC is the home room where commands are accepted.
	MUC string `yaml:"muc"`
	// PingMUCs are the rooms probed by the health monitor.
	PingMUCs []string `yaml:"ping_mucs"`
	// Domain qualifies bare member identities.
	Domain string `yaml:"domain"`
	// ConfDomain qualifies bare room names.
	ConfDomain string   `yaml:"conf_domain"`
	Admins     []string `yaml:"admins"`

	GraphiteAddr  string        `yaml:"graphite_addr"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ReplayWindow  time.Duration `yaml:"replay_window"`

	Provisioning ProvisioningConfig `yaml:"provisioning"`

	DatabasePath string `yaml:"database_path"`
	AuditRoom    string `yaml:"audit_room"`
	HTTPAddr     string `yaml:"http_addr"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
}

// ProvisioningConfig bounds the wait for the server to confirm a join or a
// configuration change.
type ProvisioningConfig struct {
	SettleAttempts int           `yaml:"settle_attempts"`
	SettleInitial  time.Duration `yaml:"settle_initial"`
	SettleMax      time.Duration `yaml:"settle_max"`
}

// Defaults returns the configuration used for every key the file and the
// environment leave unset.
func Defaults() Config {
	return Config{
		Alias:          "roombot",
		HomeserverType: HomeserverGeneric,
		GraphiteAddr:   "127.0.0.1:3002",
		ProbeInterval:  60 * time.Second,
		ReplayWindow:   10 * time.Second,
		Provisioning: ProvisioningConfig{
			SettleAttempts: retry.DefaultSettle.MaxAttempts,
			SettleInitial:  retry.DefaultSettle.InitialDelay,
			SettleMax:      retry.DefaultSettle.MaxDelay,
		},
		DatabasePath: "roombot.db",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// ResolvePath picks the config file: the flag value, then ROOMBOT_CONFIG,
// then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and validates the result.
// A missing file at DefaultPath is tolerated so the bot can be configured
// from the environment alone; a missing explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
		slog.Info("config file not found; using environment only", "path", path)
	default:
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode validates data against the schema and decodes it over cfg.
func Decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := validateSchema(data); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

func validateSchema(data []byte) error {
	schema, err := jsonschema.CompileString("roombot.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("failed to compile config schema: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	// The validator expects JSON-decoded values (float64 numbers,
	// map[string]any objects).
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("failed to normalize config: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ApplyEnv overlays ROOMBOT_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	env := environment.New(EnvPrefix)
	env.String(&cfg.Server, "SERVER")
	env.String(&cfg.Alias, "ALIAS")
	env.String(&cfg.JID, "JID")
	env.String(&cfg.Pass, "PASS")
	env.String(&cfg.AccessToken, "ACCESS_TOKEN")
	env.String(&cfg.HomeserverType, "HOMESERVER_TYPE")
	env.String(&cfg.MUC, "MUC")
	env.StringSlice(&cfg.PingMUCs, "PING_MUCS")
	env.String(&cfg.Domain, "DOMAIN")
	env.String(&cfg.ConfDomain, "CONF_DOMAIN")
	env.StringSlice(&cfg.Admins, "ADMINS")
	env.String(&cfg.GraphiteAddr, "GRAPHITE_ADDR")
	env.Duration(&cfg.ProbeInterval, "PROBE_INTERVAL")
	env.Duration(&cfg.ReplayWindow, "REPLAY_WINDOW")
	env.Int(&cfg.Provisioning.SettleAttempts, "SETTLE_ATTEMPTS")
	env.Duration(&cfg.Provisioning.SettleInitial, "SETTLE_INITIAL")
	env.Duration(&cfg.Provisioning.SettleMax, "SETTLE_MAX")
	env.String(&cfg.DatabasePath, "DATABASE_PATH")
	env.String(&cfg.AuditRoom, "AUDIT_ROOM")
	env.String(&cfg.HTTPAddr, "HTTP_ADDR")
	env.String(&cfg.LogLevel, "LOG_LEVEL")
	env.String(&cfg.LogFormat, "LOG_FORMAT")
	return env.Err()
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	var errs []error
	require := func(v, key string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	require(c.Server, "server")
	require(c.JID, "jid")
	require(c.Alias, "alias")
	require(c.MUC, "muc")
	require(c.Domain, "domain")
	require(c.ConfDomain, "conf_domain")

	if c.Pass == "" && c.AccessToken == "" {
		errs = append(errs, errors.New("one of pass or access_token is required"))
	}
	switch c.HomeserverType {
	case HomeserverSynapse, HomeserverTuwunel, HomeserverGeneric:
	default:
		errs = append(errs, fmt.Errorf("homeserver_type %q is not one of synapse, tuwunel, generic", c.HomeserverType))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, errors.New("probe_interval must be positive"))
	}
	if c.ReplayWindow < 0 {
		errs = append(errs, errors.New("replay_window must not be negative"))
	}
	if c.Provisioning.SettleAttempts < 1 {
		errs = append(errs, errors.New("provisioning.settle_attempts must be at least 1"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Normalizer returns the address normalizer for the configured domains.
func (c Config) Normalizer() address.Normalizer {
	return address.Normalizer{MemberDomain: c.Domain, ConferenceDomain: c.ConfDomain}
}

// HomeRoom returns the fully qualified home room.
func (c Config) HomeRoom() string {
	return c.Normalizer().Room(c.MUC)
}

// ProbeRooms returns the fully qualified probe rooms.
func (c Config) ProbeRooms() []string {
	n := c.Normalizer()
	out := make([]string, 0, len(c.PingMUCs))
	for _, r := range c.PingMUCs {
		out = append(out, n.Room(r))
	}
	return out
}

// AdminIdentities returns the fully qualified admin allowlist.
func (c Config) AdminIdentities() []string {
	n := c.Normalizer()
	out := make([]string, 0, len(c.Admins))
	for _, a := range c.Admins {
		out = append(out, n.Identity(a))
	}
	return out
}

// Settle returns the provisioning settle bounds as a retry configuration.
func (c Config) Settle() retry.Config {
	return retry.Config{
		MaxAttempts:  c.Provisioning.SettleAttempts,
		InitialDelay: c.Provisioning.SettleInitial,
		MaxDelay:     c.Provisioning.SettleMax,
	}
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	c.Pass = redact.Value(c.Pass)
	c.AccessToken = redact.Value(c.AccessToken)
	return c
}
