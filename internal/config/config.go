// ABOUTME: Configuration loading and parsing for hiamp agents
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and a TOML/YAML peer registry

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/hiamp/internal/envelope"
	"github.com/2389/hiamp/internal/permission"
)

// Defaults applied when a field is left empty.
const (
	DefaultLinearEndpoint     = "https://api.linear.app/graphql"
	DefaultPollInterval       = time.Minute
	DefaultInitialLookback    = time.Hour
	DefaultChatSendInterval   = time.Second
	DefaultLinearSendInterval = 500 * time.Millisecond
	DefaultCacheTTL           = 5 * time.Minute
	DefaultMetricsPath        = "/metrics"
)

// Channel strategies for push transports.
const (
	StrategyShared          = "shared"
	StrategyPerRelationship = "per_relationship"
	StrategyDM              = "dm"
)

// Config represents the complete hiamp configuration
type Config struct {
	Identity    IdentityConfig    `yaml:"identity"`
	HIAMP       HIAMPConfig       `yaml:"hiamp"`
	PeersFile   string            `yaml:"peers_file"`
	Peers       []PeerConfig      `yaml:"peers"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Transports  TransportsConfig  `yaml:"transports"`
	Inbox       InboxConfig       `yaml:"inbox"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Cache       CacheConfig       `yaml:"cache"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// IdentityConfig describes who this agent instance is
type IdentityConfig struct {
	Owner         string   `yaml:"owner"`
	InstanceID    string   `yaml:"instance_id"`
	DefaultWorker string   `yaml:"default_worker"`
	Workers       []string `yaml:"workers"`
	// Aliases are names people use to mention this agent in plain text
	Aliases []string `yaml:"aliases"`
}

// HIAMPConfig holds the operator-level switches
type HIAMPConfig struct {
	Enabled      *bool `yaml:"enabled"`
	KillSwitch   bool  `yaml:"kill_switch"`
	FoldEnvelope bool  `yaml:"fold_envelope"`
}

// IsEnabled defaults to true when the flag is omitted.
func (h HIAMPConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// PeerConfig describes another owner and how to reach them
type PeerConfig struct {
	Owner       string   `yaml:"owner" toml:"owner"`
	TrustLevel  string   `yaml:"trust_level" toml:"trust_level"`
	MatrixUser  string   `yaml:"matrix_user" toml:"matrix_user"`
	DiscordUser string   `yaml:"discord_user" toml:"discord_user"`
	Workers     []string `yaml:"workers" toml:"workers"`
}

// peersFile is the shape of a standalone peer registry file
type peersFile struct {
	Peers []PeerConfig `yaml:"peers" toml:"peers"`
}

// PermissionsConfig is the per-worker permission table
type PermissionsConfig struct {
	Default string                            `yaml:"default"`
	Workers map[string]WorkerPermissionConfig `yaml:"workers"`
}

// WorkerPermissionConfig is one worker's record
type WorkerPermissionConfig struct {
	Send           bool     `yaml:"send"`
	Receive        bool     `yaml:"receive"`
	AllowedIntents []string `yaml:"allowed_intents"`
	AllowedPeers   []string `yaml:"allowed_peers"`
}

// TransportsConfig holds every transport's settings
type TransportsConfig struct {
	Matrix  MatrixConfig  `yaml:"matrix"`
	Discord DiscordConfig `yaml:"discord"`
	Linear  LinearConfig  `yaml:"linear"`
}

// MatrixConfig holds the Matrix push transport settings
type MatrixConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Homeserver      string            `yaml:"homeserver"`
	UserID          string            `yaml:"user_id"`
	AccessToken     string            `yaml:"access_token"`
	ChannelStrategy string            `yaml:"channel_strategy"`
	SharedRoom      string            `yaml:"shared_room"`
	PeerRooms       map[string]string `yaml:"peer_rooms"`
	ContextRooms    map[string]string `yaml:"context_rooms"`
	StrictContext   bool              `yaml:"strict_context"`

	MinSendInterval    time.Duration `yaml:"-"`
	MinSendIntervalRaw string        `yaml:"min_send_interval"`
}

// DiscordConfig holds the Discord push transport settings
type DiscordConfig struct {
	Enabled         bool              `yaml:"enabled"`
	Token           string            `yaml:"token"`
	ChannelStrategy string            `yaml:"channel_strategy"`
	SharedChannel   string            `yaml:"shared_channel"`
	PeerChannels    map[string]string `yaml:"peer_channels"`
	ContextChannels map[string]string `yaml:"context_channels"`
	StrictContext   bool              `yaml:"strict_context"`

	MinSendInterval    time.Duration `yaml:"-"`
	MinSendIntervalRaw string        `yaml:"min_send_interval"`
}

// LinearContext maps a context tag to a team/project and optionally a fixed issue
type LinearContext struct {
	Team    string `yaml:"team"`
	Project string `yaml:"project"`
	Issue   string `yaml:"issue"`
}

// LinearConfig holds the issue-tracker poll transport settings
type LinearConfig struct {
	Enabled           bool                     `yaml:"enabled"`
	APIKey            string                   `yaml:"api_key"`
	Endpoint          string                   `yaml:"endpoint"`
	DefaultTeam       string                   `yaml:"default_team"`
	ContextMap        map[string]LinearContext `yaml:"context_map"`
	StrictContext     bool                     `yaml:"strict_context"`
	RequestsPerSecond float64                  `yaml:"requests_per_second"`

	PollInterval    time.Duration `yaml:"-"`
	InitialLookback time.Duration `yaml:"-"`
	MinSendInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw    string `yaml:"poll_interval"`
	InitialLookbackRaw string `yaml:"initial_lookback"`
	MinSendIntervalRaw string `yaml:"min_send_interval"`
}

// InboxConfig selects the inbox storage backend
type InboxConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// HeartbeatConfig holds the poller state location
type HeartbeatConfig struct {
	StatePath string `yaml:"state_path"`
}

// CacheConfig selects the resolver cache backend
type CacheConfig struct {
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"-"`
	TTLRaw   string        `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if cfg.PeersFile != "" {
		peersPath := cfg.PeersFile
		if !filepath.IsAbs(peersPath) {
			peersPath = filepath.Join(filepath.Dir(path), peersPath)
		}
		peers, err := LoadPeers(peersPath)
		if err != nil {
			return nil, fmt.Errorf("loading peers file: %w", err)
		}
		cfg.Peers = append(cfg.Peers, peers...)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadPeers reads a standalone peer registry. Files ending in .toml are
// decoded as TOML ([[peers]] tables); anything else as YAML.
func LoadPeers(path string) ([]PeerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading peers file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	var pf peersFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &pf); err != nil {
			return nil, fmt.Errorf("parsing peers toml: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("parsing peers yaml: %w", err)
	}
	return pf.Peers, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Permissions.Default == "" {
		c.Permissions.Default = string(permission.PolicyDeny)
	}
	if c.Identity.DefaultWorker == "" && len(c.Identity.Workers) > 0 {
		c.Identity.DefaultWorker = c.Identity.Workers[0]
	}

	if c.Transports.Matrix.ChannelStrategy == "" {
		c.Transports.Matrix.ChannelStrategy = StrategyShared
	}
	defaultDuration(&c.Transports.Matrix.MinSendInterval, c.Transports.Matrix.MinSendIntervalRaw, DefaultChatSendInterval)
	if c.Transports.Discord.ChannelStrategy == "" {
		c.Transports.Discord.ChannelStrategy = StrategyShared
	}
	defaultDuration(&c.Transports.Discord.MinSendInterval, c.Transports.Discord.MinSendIntervalRaw, DefaultChatSendInterval)

	lin := &c.Transports.Linear
	if lin.Endpoint == "" {
		lin.Endpoint = DefaultLinearEndpoint
	}
	defaultDuration(&lin.PollInterval, lin.PollIntervalRaw, DefaultPollInterval)
	defaultDuration(&lin.InitialLookback, lin.InitialLookbackRaw, DefaultInitialLookback)
	defaultDuration(&lin.MinSendInterval, lin.MinSendIntervalRaw, DefaultLinearSendInterval)

	if c.Inbox.Backend == "" {
		c.Inbox.Backend = "file"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	defaultDuration(&c.Cache.TTL, c.Cache.TTLRaw, DefaultCacheTTL)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// defaultDuration fills d only when the key was absent from the file, so an
// explicit "0s" survives.
func defaultDuration(d *time.Duration, raw string, def time.Duration) {
	if raw == "" && *d == 0 {
		*d = def
	}
}

var segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !segmentPattern.MatchString(c.Identity.Owner) {
		return fmt.Errorf("identity.owner %q must be lowercase alphanumeric with hyphens (at least 2 characters)", c.Identity.Owner)
	}
	for _, w := range c.Identity.Workers {
		if !segmentPattern.MatchString(w) {
			return fmt.Errorf("identity.workers: invalid worker id %q", w)
		}
	}

	seen := make(map[string]bool)
	for i, p := range c.Peers {
		if !segmentPattern.MatchString(p.Owner) {
			return fmt.Errorf("peers[%d].owner %q is invalid", i, p.Owner)
		}
		if seen[p.Owner] {
			return fmt.Errorf("peers[%d].owner %q is listed twice", i, p.Owner)
		}
		seen[p.Owner] = true
		for _, w := range p.Workers {
			if !segmentPattern.MatchString(w) {
				return fmt.Errorf("peers[%d]: invalid worker id %q", i, w)
			}
		}
	}

	if !permission.Policy(c.Permissions.Default).Valid() {
		return fmt.Errorf("permissions.default must be allow or deny, got %q", c.Permissions.Default)
	}
	for worker, perm := range c.Permissions.Workers {
		for _, intent := range perm.AllowedIntents {
			if intent != permission.Wildcard && !envelope.Intent(intent).Valid() {
				return fmt.Errorf("permissions.workers.%s: unknown intent %q", worker, intent)
			}
		}
	}

	m := c.Transports.Matrix
	if m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" {
			return fmt.Errorf("transports.matrix requires homeserver, user_id and access_token when enabled")
		}
		if err := validateStrategy("transports.matrix", m.ChannelStrategy, m.SharedRoom); err != nil {
			return err
		}
	}

	d := c.Transports.Discord
	if d.Enabled {
		if d.Token == "" {
			return fmt.Errorf("transports.discord.token is required when enabled")
		}
		if err := validateStrategy("transports.discord", d.ChannelStrategy, d.SharedChannel); err != nil {
			return err
		}
	}

	l := c.Transports.Linear
	if l.Enabled {
		if l.APIKey == "" {
			return fmt.Errorf("transports.linear.api_key is required when enabled")
		}
		if l.DefaultTeam == "" {
			return fmt.Errorf("transports.linear.default_team is required when enabled")
		}
		for tag, ctx := range l.ContextMap {
			if ctx.Team == "" {
				return fmt.Errorf("transports.linear.context_map.%s.team is required", tag)
			}
		}
	}

	for _, iv := range []struct {
		name     string
		value    time.Duration
		positive bool
	}{
		{"transports.matrix.min_send_interval", m.MinSendInterval, false},
		{"transports.discord.min_send_interval", d.MinSendInterval, false},
		{"transports.linear.min_send_interval", l.MinSendInterval, false},
		{"transports.linear.poll_interval", l.PollInterval, true},
		{"transports.linear.initial_lookback", l.InitialLookback, true},
		{"cache.ttl", c.Cache.TTL, true},
	} {
		if iv.value < 0 {
			return fmt.Errorf("%s must not be negative, got %s", iv.name, iv.value)
		}
		if iv.positive && iv.value == 0 {
			return fmt.Errorf("%s must be positive", iv.name)
		}
	}

	switch c.Inbox.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("inbox.backend must be file or sqlite, got %q", c.Inbox.Backend)
	}

	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	return nil
}

func validateStrategy(section, strategy, shared string) error {
	switch strategy {
	case StrategyShared:
		if shared == "" {
			return fmt.Errorf("%s: the shared strategy needs a shared room/channel", section)
		}
	case StrategyPerRelationship, StrategyDM:
	default:
		return fmt.Errorf("%s.channel_strategy %q is not one of shared, per_relationship, dm", section, strategy)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"transports.matrix.min_send_interval", cfg.Transports.Matrix.MinSendIntervalRaw, &cfg.Transports.Matrix.MinSendInterval},
		{"transports.discord.min_send_interval", cfg.Transports.Discord.MinSendIntervalRaw, &cfg.Transports.Discord.MinSendInterval},
		{"transports.linear.poll_interval", cfg.Transports.Linear.PollIntervalRaw, &cfg.Transports.Linear.PollInterval},
		{"transports.linear.initial_lookback", cfg.Transports.Linear.InitialLookbackRaw, &cfg.Transports.Linear.InitialLookback},
		{"transports.linear.min_send_interval", cfg.Transports.Linear.MinSendIntervalRaw, &cfg.Transports.Linear.MinSendInterval},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Registry builds the read-only permission registry. The local owner is
// registered as a peer with its own worker roster so workers can message
// each other.
func (c *Config) Registry() *permission.Registry {
	reg := &permission.Registry{
		Enabled:    c.HIAMP.IsEnabled(),
		KillSwitch: c.HIAMP.KillSwitch,
		Default:    permission.Policy(c.Permissions.Default),
		Peers:      make(map[string]permission.Peer),
		Workers:    make(map[string]permission.WorkerPermission),
	}

	reg.Peers[c.Identity.Owner] = permission.Peer{
		Owner:      c.Identity.Owner,
		TrustLevel: "self",
		Workers:    c.Identity.Workers,
	}
	for _, p := range c.Peers {
		reg.Peers[p.Owner] = permission.Peer{
			Owner:      p.Owner,
			TrustLevel: p.TrustLevel,
			Workers:    p.Workers,
		}
	}
	for worker, perm := range c.Permissions.Workers {
		reg.Workers[worker] = permission.WorkerPermission{
			Send:           perm.Send,
			Receive:        perm.Receive,
			AllowedIntents: perm.AllowedIntents,
			AllowedPeers:   perm.AllowedPeers,
		}
	}
	return reg
}

// Peer returns the peer entry for owner.
func (c *Config) Peer(owner string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.Owner == owner {
			return p, true
		}
	}
	return PeerConfig{}, false
}

// DefaultPath returns the config location: $HIAMP_CONFIG, then
// $XDG_CONFIG_HOME/hiamp/config.yaml, then ~/.config/hiamp/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("HIAMP_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "hiamp", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "hiamp", "config.yaml")
	}
	return filepath.Join(home, ".config", "hiamp", "config.yaml")
}

// DataDir is where the inbox and poller state live when not configured.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "hiamp")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hiamp"
	}
	return filepath.Join(home, ".local", "share", "hiamp")
}
