// Package config loads the service configuration from an environment-specific
// YAML file.
//
// The environment comes from APP_ENV (default "local") and selects
// application-<env>.yaml inside APP_CONFIG_DIR (default "config"). Values may
// reference environment variables as ${NAME}; they are expanded before the
// YAML is parsed, so secrets never have to live in the file.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/kinto-dx/dx/internal/database"
	"github.com/kinto-dx/dx/internal/errs"
	"github.com/kinto-dx/dx/internal/logger"
)

const (
	EnvVar    = "APP_ENV"
	DirEnvVar = "APP_CONFIG_DIR"

	DefaultEnv = "local"
	DefaultDir = "config"
)

var envName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Millis is a duration written in the file as whole milliseconds.
type Millis int64

func (m Millis) Duration() time.Duration { return time.Duration(m) * time.Millisecond }

// Config is the whole application configuration.
type Config struct {
	Env      string         `yaml:"-"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
}

type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     Millis `yaml:"readTimeout"`
	WriteTimeout    Millis `yaml:"writeTimeout"`
	ShutdownTimeout Millis `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DatabaseConfig mirrors the database section of the file. Pool settings
// left out of the file keep their defaults.
type DatabaseConfig struct {
	Driver   string     `yaml:"driver"`
	URL      string     `yaml:"url"`
	User     string     `yaml:"user"`
	Password *string    `yaml:"password"` // nil when the key is absent
	Pool     PoolConfig `yaml:"pool"`
}

type PoolConfig struct {
	Name                   string `yaml:"name"`
	MaximumPoolSize        int    `yaml:"maximumPoolSize"`
	MinimumIdle            int    `yaml:"minimumIdle"`
	IdleTimeout            Millis `yaml:"idleTimeout"`
	ConnectionTimeout      Millis `yaml:"connectionTimeout"`
	MaxLifetime            Millis `yaml:"maxLifetime"`
	LeakDetectionThreshold Millis `yaml:"leakDetectionThreshold"`
	ValidationTimeout      Millis `yaml:"validationTimeout"`
	DrainTimeout           Millis `yaml:"drainTimeout"`
	ConnectionTestQuery    string `yaml:"connectionTestQuery"`
	TransactionIsolation   string `yaml:"transactionIsolation"`

	// Sessions always run in auto-commit mode and multi-statement work goes
	// through WithTx, so only false is accepted.
	AutoCommit bool `yaml:"autoCommit"`
}

// Default returns the configuration used for every key the file omits.
func Default() *Config {
	return &Config{
		Env: DefaultEnv,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15000,
			WriteTimeout:    15000,
			ShutdownTimeout: 20000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Pool: PoolConfig{
				Name:                 database.DefaultPoolName,
				MaximumPoolSize:      database.DefaultMaxPoolSize,
				MinimumIdle:          database.DefaultMinIdle,
				IdleTimeout:          Millis(database.DefaultIdleTimeout.Milliseconds()),
				ConnectionTimeout:    Millis(database.DefaultConnectionTimeout.Milliseconds()),
				MaxLifetime:          Millis(database.DefaultMaxLifetime.Milliseconds()),
				ValidationTimeout:    Millis(database.DefaultValidationTimeout.Milliseconds()),
				DrainTimeout:         Millis(database.DefaultDrainTimeout.Milliseconds()),
				ConnectionTestQuery:  database.DefaultTestQuery,
				TransactionIsolation: string(database.RepeatableRead),
			},
		},
	}
}

// Load reads the file selected by APP_ENV and APP_CONFIG_DIR.
func Load() (*Config, error) {
	env := getenv(EnvVar, DefaultEnv)
	if !envName.MatchString(env) {
		return nil, errs.Newf(errs.ErrKindInvalidConfig, "invalid %s %q", EnvVar, env)
	}
	dir := getenv(DirEnvVar, DefaultDir)

	cfg, err := LoadFile(filepath.Join(dir, "application-"+env+".yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Env = env
	return cfg, nil
}

// LoadFile reads one YAML file on top of Default.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "failed to read config file "+path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references in data and decodes it on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errs.Wrap(errs.ErrKindInvalidConfig, "failed to parse config", err)
	}
	return cfg, nil
}

// Logger translates the log section.
func (c *Config) Logger() *logger.Config {
	lc := logger.DefaultConfig()
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	return lc
}

// Pool translates the database section into a pool configuration and
// validates it. Problems are reported as ErrKindInvalidConfig.
func (c *Config) Pool() (*database.Config, error) {
	d := c.Database
	driver, err := database.ParseDriver(d.Driver)
	if err != nil {
		return nil, err
	}
	iso, err := database.ParseIsolation(d.Pool.TransactionIsolation)
	if err != nil {
		return nil, err
	}
	if d.Password == nil {
		return nil, errs.New(errs.ErrKindInvalidConfig, `database password is required (set password: "" for none)`)
	}
	if d.Pool.AutoCommit {
		return nil, errs.New(errs.ErrKindInvalidConfig, "autoCommit=true is not supported; use WithTx for units of work")
	}

	pc := database.DefaultConfig(d.URL)
	pc.Driver = driver
	pc.User = d.User
	pc.Password = *d.Password
	if d.Pool.Name != "" {
		pc.Name = d.Pool.Name
	}
	pc.MaxPoolSize = d.Pool.MaximumPoolSize
	pc.MinIdle = d.Pool.MinimumIdle
	pc.IdleTimeout = d.Pool.IdleTimeout.Duration()
	pc.ConnectionTimeout = d.Pool.ConnectionTimeout.Duration()
	pc.MaxLifetime = d.Pool.MaxLifetime.Duration()
	pc.LeakDetectionThreshold = d.Pool.LeakDetectionThreshold.Duration()
	pc.ValidationTimeout = d.Pool.ValidationTimeout.Duration()
	pc.DrainTimeout = d.Pool.DrainTimeout.Duration()
	pc.TestQuery = d.Pool.ConnectionTestQuery
	pc.Isolation = iso

	if err := pc.Validate(); err != nil {
		return nil, err
	}
	return pc, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
