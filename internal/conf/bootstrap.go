// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration for the CostGuard service.
type Bootstrap struct {
	Server  *Server
	Data    *Data
	Breaker *Breaker
	Alert   *Alert
	Log     *Log
}

// Server holds transport configuration.
type Server struct {
	HTTP *ServerHTTP
}

// ServerHTTP configures the HTTP health/admin listener.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds datastore configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database configures the MySQL connection.
type Database struct {
	Driver string
	Source string
}

// Redis configures the Redis state cache connection.
type Redis struct {
	Network       string
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	StateCacheTTL time.Duration
}

// Breaker holds circuit breaker policy configuration.
type Breaker struct {
	// FailureThreshold is the number of consecutive above-threshold drift
	// observations required to trip a breaker.
	FailureThreshold int
	// DriftThreshold is the drift score (0.0-1.0) above which an observation
	// counts as a failure.
	DriftThreshold float64
	// SchemaErrorThreshold is the aggregated schema error count that trips a
	// breaker immediately, without hysteresis.
	SchemaErrorThreshold int
	// DefaultDisableTTLHours is applied to trips that do not carry an explicit
	// disabled-until deadline. Zero means trips are permanent until manually
	// re-enabled.
	DefaultDisableTTLHours float64
	// AutoRecoverEnabled gates TTL-based automatic recovery.
	AutoRecoverEnabled bool
	// GuardedPaths are breaker names warmed at startup so their rows exist
	// and the fail-open cache is seeded before the first real query.
	GuardedPaths []string
}

// Alert holds alert delivery configuration.
type Alert struct {
	// EndpointURL is the alert sink. Empty disables delivery entirely;
	// enqueueing still succeeds.
	EndpointURL      string
	Timeout          time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	DispatchInterval time.Duration
	ClaimBatchSize   int
	ClaimStaleAfter  time.Duration
	RunbookURL       string
}

// Log configures the Zap logger.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with COSTGUARD_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or COSTGUARD_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support with COSTGUARD_ prefix
	v.SetEnvPrefix("COSTGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without COSTGUARD_ prefix) for
	// compatibility with deployment tooling
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "COSTGUARD_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "COSTGUARD_DATA_REDIS_ADDR")
	_ = v.BindEnv("alert.endpoint_url", "ALERT_ENDPOINT_URL", "COSTGUARD_ALERT_ENDPOINT_URL")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:       v.GetString("data.redis.network"),
				Addr:          v.GetString("data.redis.addr"),
				ReadTimeout:   v.GetDuration("data.redis.read_timeout"),
				WriteTimeout:  v.GetDuration("data.redis.write_timeout"),
				StateCacheTTL: v.GetDuration("data.redis.state_cache_ttl"),
			},
		},
		Breaker: &Breaker{
			FailureThreshold:       v.GetInt("breaker.failure_threshold"),
			DriftThreshold:         v.GetFloat64("breaker.drift_threshold"),
			SchemaErrorThreshold:   v.GetInt("breaker.schema_error_threshold"),
			DefaultDisableTTLHours: v.GetFloat64("breaker.default_disable_ttl_hours"),
			AutoRecoverEnabled:     v.GetBool("breaker.auto_recover_enabled"),
			GuardedPaths:           v.GetStringSlice("breaker.guarded_paths"),
		},
		Alert: &Alert{
			EndpointURL:      v.GetString("alert.endpoint_url"),
			Timeout:          v.GetDuration("alert.timeout"),
			RetryAttempts:    v.GetInt("alert.retry_attempts"),
			RetryBaseDelay:   v.GetDuration("alert.retry_base_delay"),
			RetryMaxDelay:    v.GetDuration("alert.retry_max_delay"),
			DispatchInterval: v.GetDuration("alert.dispatch_interval"),
			ClaimBatchSize:   v.GetInt("alert.claim_batch_size"),
			ClaimStaleAfter:  v.GetDuration("alert.claim_stale_after"),
			RunbookURL:       v.GetString("alert.runbook_url"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.state_cache_ttl", 2*time.Second)

	// Breaker policy defaults
	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.drift_threshold", 0.2)
	v.SetDefault("breaker.schema_error_threshold", 5)
	v.SetDefault("breaker.default_disable_ttl_hours", 24.0)
	v.SetDefault("breaker.auto_recover_enabled", true)

	// Alert delivery defaults
	// Note: alert.endpoint_url is optional; empty disables delivery
	v.SetDefault("alert.timeout", 10*time.Second)
	v.SetDefault("alert.retry_attempts", 5)
	v.SetDefault("alert.retry_base_delay", 30*time.Second)
	v.SetDefault("alert.retry_max_delay", 30*time.Minute)
	v.SetDefault("alert.dispatch_interval", 15*time.Second)
	v.SetDefault("alert.claim_batch_size", 20)
	v.SetDefault("alert.claim_stale_after", 5*time.Minute)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing or invalid fields.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		problems = append(problems, "data.database.source (MYSQL_DSN) is required")
	}

	if bc.Breaker != nil {
		if bc.Breaker.FailureThreshold < 1 {
			problems = append(problems, "breaker.failure_threshold must be >= 1")
		}
		if bc.Breaker.DriftThreshold < 0.0 || bc.Breaker.DriftThreshold > 1.0 {
			problems = append(problems, "breaker.drift_threshold must be within [0.0, 1.0]")
		}
		if bc.Breaker.SchemaErrorThreshold < 1 {
			problems = append(problems, "breaker.schema_error_threshold must be >= 1")
		}
		if bc.Breaker.DefaultDisableTTLHours < 0 {
			problems = append(problems, "breaker.default_disable_ttl_hours must be >= 0")
		}
	}

	if bc.Alert != nil {
		if bc.Alert.RetryAttempts < 1 {
			problems = append(problems, "alert.retry_attempts must be >= 1")
		}
		if bc.Alert.ClaimBatchSize < 1 {
			problems = append(problems, "alert.claim_batch_size must be >= 1")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}

	return nil
}
