// Package config provides Viper-based configuration loading for the lobby server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Broadcast policies for player position updates.
const (
	BroadcastNone      = "none"
	BroadcastPerUpdate = "per_update"
	BroadcastTick      = "tick"
)

// Match service modes.
const (
	MatchModeLoopback = "loopback"
	MatchModeProcess  = "process"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this lobby instance in logs.
	Name string `mapstructure:"name"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// Enabled turns on persistence of positions, accounts and match results.
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// FrontendConfig holds WebSocket acceptor settings.
type FrontendConfig struct {
	// Host is the bind address for the WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the WebSocket listener.
	Port int `mapstructure:"port"`
	// Path is the HTTP path upgraded to WebSocket.
	Path string `mapstructure:"path"`
	// WriteTimeout is the per-frame write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// IdleTimeout is the duration without inbound frames after which a session times out.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// PingInterval is how often keep-alive pings are sent; must be below IdleTimeout.
	PingInterval time.Duration `mapstructure:"ping_interval"`
	// OutboxSize is the number of outbound frames buffered per connection.
	OutboxSize int `mapstructure:"outbox_size"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (f FrontendConfig) Addr() string {
	return fmt.Sprintf("%s:%d", f.Host, f.Port)
}

// AdminConfig holds the admin HTTP server settings. The admin server exposes
// metrics and the dedicated server callback API.
type AdminConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// GRPCConfig holds the gRPC health endpoint settings.
type GRPCConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// WorldConfig holds settings for the shared world and its channel.
type WorldConfig struct {
	// ChannelName and ChannelSubID identify the channel every logged-in player joins.
	ChannelName  string `mapstructure:"channel_name"`
	ChannelSubID string `mapstructure:"channel_sub_id"`
	// TickInterval is the world tick period.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// BroadcastPolicy controls position fan-out: "none", "per_update" or "tick".
	BroadcastPolicy string `mapstructure:"broadcast_policy"`
	// ScriptDir holds Lua world hooks; empty disables scripting.
	ScriptDir string `mapstructure:"script_dir"`
	// ScriptInstructionLimit caps Lua opcodes per hook call; 0 uses the default.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// MatchConfig holds match orchestration and dedicated server settings.
type MatchConfig struct {
	// Mode selects the match service: "loopback" or "process".
	Mode string `mapstructure:"mode"`
	// DefaultGroup is the grouping used when a request names none.
	DefaultGroup string `mapstructure:"default_group"`
	// AutoRequest requests a match for every successful login.
	AutoRequest bool `mapstructure:"auto_request"`
	// ProfilesFile is an optional YAML file of per-group spawn profiles.
	ProfilesFile string `mapstructure:"profiles_file"`

	// Executable is the dedicated server binary launched in process mode.
	Executable string `mapstructure:"executable"`
	// Args are passed to every launched dedicated server before the managed flags.
	Args []string `mapstructure:"args"`
	// GameHost is the address clients use to reach spawned servers.
	GameHost string `mapstructure:"game_host"`
	// PortMin and PortMax bound the game port pool.
	PortMin int `mapstructure:"port_min"`
	PortMax int `mapstructure:"port_max"`
	// MaxServers caps concurrently running dedicated servers.
	MaxServers int `mapstructure:"max_servers"`
	// Heartbeat is the interval dedicated servers must report liveness at; 0 disables.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	// ReadyTimeout bounds how long a spawned server may take to report ready.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	// PendingUserTimeout bounds how long queued users may wait for pickup.
	PendingUserTimeout time.Duration `mapstructure:"pending_user_timeout"`

	// SpawnDelay and MatchDuration drive the loopback service.
	SpawnDelay    time.Duration `mapstructure:"spawn_delay"`
	MatchDuration time.Duration `mapstructure:"match_duration"`
}

// AuthConfig holds login verification settings.
type AuthConfig struct {
	// RequirePassword verifies login credentials against the accounts table.
	RequirePassword bool `mapstructure:"require_password"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Frontend FrontendConfig `mapstructure:"frontend"`
	Admin    AdminConfig    `mapstructure:"admin"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	World    WorldConfig    `mapstructure:"world"`
	Match    MatchConfig    `mapstructure:"match"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateFrontend(c.Frontend) },
		func() error { return validatePort("admin.port", c.Admin.Port) },
		func() error { return validatePort("grpc.port", c.GRPC.Port) },
		func() error { return validateLogging(c.Logging) },
		func() error { return validateWorld(c.World) },
		func() error { return validateMatch(c.Match) },
	}
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Auth.RequirePassword && !c.Database.Enabled {
		errs = append(errs, "auth.require_password requires database.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if err := validatePort("database.port", d.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateFrontend(f FrontendConfig) error {
	var errs []string
	if err := validatePort("frontend.port", f.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if !strings.HasPrefix(f.Path, "/") {
		errs = append(errs, fmt.Sprintf("frontend.path must start with '/', got %q", f.Path))
	}
	if f.WriteTimeout <= 0 {
		errs = append(errs, "frontend.write_timeout must be positive")
	}
	if f.IdleTimeout <= 0 {
		errs = append(errs, "frontend.idle_timeout must be positive")
	}
	if f.PingInterval <= 0 || f.PingInterval >= f.IdleTimeout {
		errs = append(errs, "frontend.ping_interval must be positive and below frontend.idle_timeout")
	}
	if f.OutboxSize < 1 {
		errs = append(errs, fmt.Sprintf("frontend.outbox_size must be >= 1, got %d", f.OutboxSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateWorld(w WorldConfig) error {
	var errs []string
	if w.ChannelName == "" {
		errs = append(errs, "world.channel_name must not be empty")
	}
	if w.TickInterval <= 0 {
		errs = append(errs, "world.tick_interval must be positive")
	}
	switch w.BroadcastPolicy {
	case BroadcastNone, BroadcastPerUpdate, BroadcastTick:
	default:
		errs = append(errs, fmt.Sprintf("world.broadcast_policy must be one of [none, per_update, tick], got %q", w.BroadcastPolicy))
	}
	if w.ScriptInstructionLimit < 0 {
		errs = append(errs, "world.script_instruction_limit must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMatch(m MatchConfig) error {
	var errs []string
	if m.DefaultGroup == "" {
		errs = append(errs, "match.default_group must not be empty")
	}
	switch m.Mode {
	case MatchModeLoopback:
		if m.SpawnDelay < 0 || m.MatchDuration < 0 {
			errs = append(errs, "match.spawn_delay and match.match_duration must not be negative")
		}
	case MatchModeProcess:
		if m.Executable == "" {
			errs = append(errs, "match.executable must not be empty in process mode")
		}
		if m.PortMin < 1 || m.PortMax > 65535 || m.PortMin > m.PortMax {
			errs = append(errs, fmt.Sprintf("match port range must satisfy 1 <= port_min <= port_max <= 65535, got [%d, %d]", m.PortMin, m.PortMax))
		}
		if m.MaxServers < 1 {
			errs = append(errs, fmt.Sprintf("match.max_servers must be >= 1, got %d", m.MaxServers))
		}
		if m.Heartbeat < 0 {
			errs = append(errs, "match.heartbeat must not be negative")
		}
		if m.ReadyTimeout <= 0 {
			errs = append(errs, "match.ready_timeout must be positive")
		}
		if m.PendingUserTimeout <= 0 {
			errs = append(errs, "match.pending_user_timeout must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("match.mode must be one of [loopback, process], got %q", m.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LOBBY_ prefix
	v.SetEnvPrefix("LOBBY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "lobby")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lobby")
	v.SetDefault("database.password", "lobby")
	v.SetDefault("database.name", "lobby")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("frontend.host", "0.0.0.0")
	v.SetDefault("frontend.port", 8080)
	v.SetDefault("frontend.path", "/ws")
	v.SetDefault("frontend.write_timeout", "10s")
	v.SetDefault("frontend.idle_timeout", "2m")
	v.SetDefault("frontend.ping_interval", "30s")
	v.SetDefault("frontend.outbox_size", 64)

	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8081)

	v.SetDefault("grpc.host", "127.0.0.1")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("world.channel_name", "room")
	v.SetDefault("world.channel_sub_id", "1")
	v.SetDefault("world.tick_interval", "1s")
	v.SetDefault("world.broadcast_policy", BroadcastNone)
	v.SetDefault("world.script_dir", "")
	v.SetDefault("world.script_instruction_limit", 0)

	v.SetDefault("match.mode", MatchModeLoopback)
	v.SetDefault("match.default_group", "default")
	v.SetDefault("match.auto_request", true)
	v.SetDefault("match.profiles_file", "")
	v.SetDefault("match.executable", "")
	v.SetDefault("match.args", []string{})
	v.SetDefault("match.game_host", "127.0.0.1")
	v.SetDefault("match.port_min", 7777)
	v.SetDefault("match.port_max", 7876)
	v.SetDefault("match.max_servers", 16)
	v.SetDefault("match.heartbeat", "10s")
	v.SetDefault("match.ready_timeout", "30s")
	v.SetDefault("match.pending_user_timeout", "30s")
	v.SetDefault("match.spawn_delay", "500ms")
	v.SetDefault("match.match_duration", "5m")

	v.SetDefault("auth.require_password", false)
}
