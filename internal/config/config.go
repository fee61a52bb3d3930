// Package config provides Viper-based configuration loading for the lobby server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name identifies this lobby instance in logs and health reports.
	Name string `mapstructure:"name"`
}

// ControlConfig holds control-channel listener settings.
type ControlConfig struct {
	// Host is the bind address for the control listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the control listener.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds a single frame read. Zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds a single frame write. Zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (c ControlConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TransferConfig holds data-channel settings.
type TransferConfig struct {
	// Host is the bind address for ephemeral transfer listeners.
	Host string `mapstructure:"host"`
	// AcceptTimeout is how long a job waits for its single data connection.
	AcceptTimeout time.Duration `mapstructure:"accept_timeout"`
	// IOTimeout bounds each chunk read or write on a data connection.
	IOTimeout time.Duration `mapstructure:"io_timeout"`
	// ChunkSize is the streaming buffer size in bytes.
	ChunkSize int `mapstructure:"chunk_size"`
	// MaxConcurrent caps the number of in-flight transfer jobs.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// MatchConfig holds match-process launch settings.
type MatchConfig struct {
	// BasePort is added to the room id to derive a match port.
	BasePort int `mapstructure:"base_port"`
	// Interpreter runs the uploaded asset. Empty executes the asset directly.
	Interpreter string `mapstructure:"interpreter"`
	// InterpreterArgs are passed to the interpreter before the asset path.
	InterpreterArgs []string `mapstructure:"interpreter_args"`
	// TerminateOnShutdown interrupts running matches when the lobby stops.
	TerminateOnShutdown bool `mapstructure:"terminate_on_shutdown"`
}

// StorageConfig selects and configures the catalog/credential store.
type StorageConfig struct {
	// Driver is "file" or "postgres".
	Driver string `mapstructure:"driver"`
	// Path is the document path for the file driver.
	Path string `mapstructure:"path"`
	// UploadDir is where uploaded game assets are stored.
	UploadDir string `mapstructure:"upload_dir"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
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

// AdminConfig holds the gRPC health endpoint settings.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" admin address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Control  ControlConfig  `mapstructure:"control"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Match    MatchConfig    `mapstructure:"match"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if c.Server.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if err := validateControl(c.Control); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTransfer(c.Transfer); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateMatch(c.Match); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateStorage(c.Storage); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Storage.Driver == "postgres" {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(name string, port int, allowZero bool) error {
	if allowZero && port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", name, port)
	}
	return nil
}

func validateControl(c ControlConfig) error {
	var errs []string
	if err := validatePort("control.port", c.Port, true); err != nil {
		errs = append(errs, err.Error())
	}
	if c.ReadTimeout < 0 {
		errs = append(errs, "control.read_timeout must not be negative")
	}
	if c.WriteTimeout < 0 {
		errs = append(errs, "control.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTransfer(t TransferConfig) error {
	var errs []string
	if t.AcceptTimeout <= 0 {
		errs = append(errs, "transfer.accept_timeout must be positive")
	}
	if t.IOTimeout <= 0 {
		errs = append(errs, "transfer.io_timeout must be positive")
	}
	if t.ChunkSize < 1 {
		errs = append(errs, fmt.Sprintf("transfer.chunk_size must be >= 1, got %d", t.ChunkSize))
	}
	if t.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("transfer.max_concurrent must be >= 1, got %d", t.MaxConcurrent))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateMatch(m MatchConfig) error {
	// Room ids are small positive integers; leave headroom above the base.
	if m.BasePort < 1 || m.BasePort > 65000 {
		return fmt.Errorf("match.base_port must be 1-65000, got %d", m.BasePort)
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	var errs []string
	switch s.Driver {
	case "file":
		if s.Path == "" {
			errs = append(errs, "storage.path must not be empty for the file driver")
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver must be one of [file, postgres], got %q", s.Driver))
	}
	if s.UploadDir == "" {
		errs = append(errs, "storage.upload_dir must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
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

func validateAdmin(a AdminConfig) error {
	if !a.Enabled {
		return nil
	}
	if a.Host == "" {
		return errors.New("admin.host must not be empty when admin is enabled")
	}
	return validatePort("admin.port", a.Port, true)
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

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GAMESTORE_ prefix
	v.SetEnvPrefix("GAMESTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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

// Defaults returns a Viper instance populated only with default values.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "gamestore")

	v.SetDefault("control.host", "0.0.0.0")
	v.SetDefault("control.port", 12088)
	v.SetDefault("control.read_timeout", "0s")
	v.SetDefault("control.write_timeout", "10s")

	v.SetDefault("transfer.host", "0.0.0.0")
	v.SetDefault("transfer.accept_timeout", "10s")
	v.SetDefault("transfer.io_timeout", "10s")
	v.SetDefault("transfer.chunk_size", 4096)
	v.SetDefault("transfer.max_concurrent", 32)

	v.SetDefault("match.base_port", 14010)
	v.SetDefault("match.interpreter", "python3")
	v.SetDefault("match.terminate_on_shutdown", false)

	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.path", "data/gamestore.yaml")
	v.SetDefault("storage.upload_dir", "data/uploaded_games")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gamestore")
	v.SetDefault("database.password", "gamestore")
	v.SetDefault("database.name", "gamestore")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 12089)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
