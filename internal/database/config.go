package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/kinto-dx/dx/internal/errs"
)

// Driver identifies the database engine.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// ParseDriver accepts a short engine name or a JDBC driver class name.
func ParseDriver(s string) (Driver, error) {
	switch strings.TrimSpace(s) {
	case "postgres", "postgresql", "pgx", "org.postgresql.Driver":
		return DriverPostgres, nil
	case "mysql", "com.mysql.cj.jdbc.Driver", "com.mysql.jdbc.Driver":
		return DriverMySQL, nil
	case "":
		return "", errs.New(errs.ErrKindInvalidConfig, "driver is required")
	default:
		return "", errs.Newf(errs.ErrKindInvalidConfig, "unsupported driver %q", s)
	}
}

// Isolation is the transaction isolation level used by WithTx.
type Isolation string

const (
	ReadUncommitted Isolation = "READ_UNCOMMITTED"
	ReadCommitted   Isolation = "READ_COMMITTED"
	RepeatableRead  Isolation = "REPEATABLE_READ"
	Serializable    Isolation = "SERIALIZABLE"
)

// ParseIsolation accepts "REPEATABLE_READ", "repeatable read" and the JDBC
// style "TRANSACTION_REPEATABLE_READ". Empty means RepeatableRead.
func ParseIsolation(s string) (Isolation, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.TrimPrefix(norm, "TRANSACTION_")
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)

	switch Isolation(norm) {
	case "":
		return RepeatableRead, nil
	case ReadUncommitted, ReadCommitted, RepeatableRead, Serializable:
		return Isolation(norm), nil
	default:
		return "", errs.Newf(errs.ErrKindInvalidConfig, "unsupported transaction isolation %q", s)
	}
}

// Config holds all settings needed to connect to and pool a database.
// It is treated as immutable once handed to pool.Open.
type Config struct {
	// Name identifies the pool in logs.
	Name string

	// Driver is the database engine (e.g. DriverPostgres).
	Driver Driver

	// URL is the connection string. A leading "jdbc:" is tolerated.
	// Example: "postgres://localhost:5432/dx" or "mysql://localhost:3306/dx"
	URL string

	User     string
	Password string

	// Pool sizing
	MaxPoolSize int // upper bound on idle + in-use connections
	MinIdle     int // idle connections the pool tries to keep warm

	// Lifecycle
	IdleTimeout            time.Duration // idle time before eviction; 0 disables
	MaxLifetime            time.Duration // age before retirement; 0 means unbounded
	LeakDetectionThreshold time.Duration // hold time before a leak warning; 0 disables

	// Timeouts
	ConnectionTimeout time.Duration // how long Acquire waits for a connection
	ValidationTimeout time.Duration // bound on a single validation query
	DrainTimeout      time.Duration // how long Shutdown waits for in-use connections

	// Session behaviour
	TestQuery string    // validation query; empty means driver ping
	Isolation Isolation // isolation for WithTx
}

const (
	DefaultPoolName          = "dx-pool"
	DefaultMaxPoolSize       = 10
	DefaultMinIdle           = 2
	DefaultIdleTimeout       = 10 * time.Minute
	DefaultConnectionTimeout = 30 * time.Second
	DefaultMaxLifetime       = 30 * time.Minute
	DefaultValidationTimeout = 5 * time.Second
	DefaultDrainTimeout      = 10 * time.Second
	DefaultTestQuery         = "SELECT 1"
)

// DefaultConfig returns the documented pool defaults for the given URL.
// Driver and credentials still have to be filled in by the caller.
func DefaultConfig(url string) *Config {
	return &Config{
		Name:              DefaultPoolName,
		URL:               url,
		MaxPoolSize:       DefaultMaxPoolSize,
		MinIdle:           DefaultMinIdle,
		IdleTimeout:       DefaultIdleTimeout,
		ConnectionTimeout: DefaultConnectionTimeout,
		MaxLifetime:       DefaultMaxLifetime,
		ValidationTimeout: DefaultValidationTimeout,
		DrainTimeout:      DefaultDrainTimeout,
		TestQuery:         DefaultTestQuery,
		Isolation:         RepeatableRead,
	}
}

// Validate rejects configurations the pool cannot honour. It performs no I/O.
func (c *Config) Validate() error {
	if c == nil {
		return errs.New(errs.ErrKindInvalidConfig, "database config is nil")
	}
	if strings.TrimSpace(c.URL) == "" {
		return errs.New(errs.ErrKindInvalidConfig, "url is required")
	}
	if _, err := ParseDriver(string(c.Driver)); err != nil {
		return err
	}
	if strings.TrimSpace(c.User) == "" {
		return errs.New(errs.ErrKindInvalidConfig, "user is required")
	}
	if c.MaxPoolSize <= 0 {
		return errs.Newf(errs.ErrKindInvalidConfig, "maximumPoolSize must be > 0, got %d", c.MaxPoolSize)
	}
	if c.MinIdle < 0 {
		return errs.Newf(errs.ErrKindInvalidConfig, "minimumIdle must be >= 0, got %d", c.MinIdle)
	}
	if c.MinIdle > c.MaxPoolSize {
		return errs.Newf(errs.ErrKindInvalidConfig,
			"minimumIdle (%d) must not exceed maximumPoolSize (%d)", c.MinIdle, c.MaxPoolSize)
	}
	if c.ConnectionTimeout <= 0 {
		return errs.Newf(errs.ErrKindInvalidConfig, "connectionTimeout must be > 0, got %s", c.ConnectionTimeout)
	}

	for name, d := range map[string]time.Duration{
		"idleTimeout":            c.IdleTimeout,
		"maxLifetime":            c.MaxLifetime,
		"leakDetectionThreshold": c.LeakDetectionThreshold,
	} {
		if d < 0 {
			return errs.Newf(errs.ErrKindInvalidConfig, "%s must be >= 0, got %s", name, d)
		}
	}
	if c.ValidationTimeout <= 0 {
		return errs.Newf(errs.ErrKindInvalidConfig, "validationTimeout must be > 0, got %s", c.ValidationTimeout)
	}
	if c.DrainTimeout <= 0 {
		return errs.Newf(errs.ErrKindInvalidConfig, "drainTimeout must be > 0, got %s", c.DrainTimeout)
	}
	if _, err := ParseIsolation(string(c.Isolation)); err != nil {
		return err
	}
	return nil
}

// Warnings lists settings that are legal but probably a mistake.
func (c *Config) Warnings() []string {
	var out []string
	if c.LeakDetectionThreshold > 0 && c.LeakDetectionThreshold <= c.ConnectionTimeout {
		out = append(out, fmt.Sprintf(
			"leakDetectionThreshold (%s) is not above connectionTimeout (%s); expect spurious leak warnings",
			c.LeakDetectionThreshold, c.ConnectionTimeout))
	}
	if c.MaxLifetime > 0 && c.IdleTimeout > c.MaxLifetime {
		out = append(out, fmt.Sprintf(
			"idleTimeout (%s) exceeds maxLifetime (%s) and will never trigger", c.IdleTimeout, c.MaxLifetime))
	}
	return out
}

// StripJDBC removes a leading "jdbc:" so JDBC style URLs can be reused.
func StripJDBC(url string) string {
	return strings.TrimPrefix(strings.TrimSpace(url), "jdbc:")
}
