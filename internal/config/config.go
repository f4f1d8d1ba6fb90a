package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	dserrors "github.com/systmms/rdsrotate/internal/errors"
	"github.com/systmms/rdsrotate/internal/logging"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultMaxRetries       = 3
	DefaultRetryDelay       = 2 * time.Second
	DefaultReplicationGrace = 10 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultRegion           = "us-east-1"
)

// Environment variables recognised by Load.
const (
	EnvMaxRetries       = "MAX_RETRIES"
	EnvRetryDelay       = "RETRY_DELAY_SECONDS"
	EnvEndpoint         = "SECRETS_MANAGER_ENDPOINT"
	EnvRegion           = "AWS_REGION"
	EnvReplicationGrace = "REPLICATION_GRACE_SECONDS"
	EnvConnectTimeout   = "DB_CONNECT_TIMEOUT_SECONDS"
	EnvPushgateway      = "PUSHGATEWAY_URL"
	EnvDebug            = "LOG_DEBUG"
)

// Config holds the runtime configuration. It is built once at startup and
// passed by value into the components that need it.
type Config struct {
	Path    string
	Logger  *logging.Logger
	NoColor bool

	Debug    bool
	Rotation RotationConfig
	Store    StoreConfig
	Database DatabaseConfig
	Metrics  MetricsConfig
}

// RotationConfig bounds the local retries of network-facing steps.
type RotationConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// StoreConfig configures the Secrets Manager client.
type StoreConfig struct {
	Region          string
	Endpoint        string // Optional custom endpoint for LocalStack or testing
	AccessKeyID     string
	SecretAccessKey string
}

// DatabaseConfig bounds database interaction.
type DatabaseConfig struct {
	ConnectTimeout   time.Duration
	ReplicationGrace time.Duration
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	PushgatewayURL string
	Job            string
}

// fileConfig is the on-disk YAML layout.
type fileConfig struct {
	Debug    *bool `yaml:"debug"`
	Rotation struct {
		MaxRetries        *int `yaml:"max_retries"`
		RetryDelaySeconds *int `yaml:"retry_delay_seconds"`
	} `yaml:"rotation"`
	SecretsManager struct {
		Region          string `yaml:"region"`
		Endpoint        string `yaml:"endpoint"`
		AccessKeyID     string `yaml:"access_key_id"`
		SecretAccessKey string `yaml:"secret_access_key"`
	} `yaml:"secretsManager"`
	Database struct {
		ConnectTimeoutSeconds   *int `yaml:"connect_timeout_seconds"`
		ReplicationGraceSeconds *int `yaml:"replication_grace_seconds"`
	} `yaml:"database"`
	Metrics struct {
		PushgatewayURL string `yaml:"pushgateway_url"`
		Job            string `yaml:"job"`
	} `yaml:"metrics"`
}

// Default returns a configuration populated with defaults only.
func Default() Config {
	return Config{
		Rotation: RotationConfig{
			MaxRetries: DefaultMaxRetries,
			RetryDelay: DefaultRetryDelay,
		},
		Store: StoreConfig{
			Region: DefaultRegion,
		},
		Database: DatabaseConfig{
			ConnectTimeout:   DefaultConnectTimeout,
			ReplicationGrace: DefaultReplicationGrace,
		},
		Metrics: MetricsConfig{
			Job: "rdsrotate",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at c.Path
// (when set), then environment variables.
func (c *Config) Load() error {
	return c.load(os.LookupEnv)
}

func (c *Config) load(lookup func(string) (string, bool)) error {
	resolved := Default()
	resolved.Path = c.Path
	resolved.Logger = c.Logger
	resolved.Debug = c.Debug
	resolved.NoColor = c.NoColor

	if c.Path != "" {
		if err := resolved.applyFile(c.Path); err != nil {
			return err
		}
	}
	if err := resolved.applyEnv(lookup); err != nil {
		return err
	}
	if err := resolved.Validate(); err != nil {
		return err
	}

	*c = resolved
	return nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dserrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    "configuration file not found",
				Suggestion: "Omit --config to run from environment variables only",
			}
		}
		return dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if fc.Debug != nil {
		c.Debug = c.Debug || *fc.Debug
	}
	if fc.Rotation.MaxRetries != nil {
		c.Rotation.MaxRetries = *fc.Rotation.MaxRetries
	}
	if fc.Rotation.RetryDelaySeconds != nil {
		c.Rotation.RetryDelay = seconds(*fc.Rotation.RetryDelaySeconds)
	}
	if fc.SecretsManager.Region != "" {
		c.Store.Region = fc.SecretsManager.Region
	}
	c.Store.Endpoint = fc.SecretsManager.Endpoint
	c.Store.AccessKeyID = fc.SecretsManager.AccessKeyID
	c.Store.SecretAccessKey = fc.SecretsManager.SecretAccessKey
	if fc.Database.ConnectTimeoutSeconds != nil {
		c.Database.ConnectTimeout = seconds(*fc.Database.ConnectTimeoutSeconds)
	}
	if fc.Database.ReplicationGraceSeconds != nil {
		c.Database.ReplicationGrace = seconds(*fc.Database.ReplicationGraceSeconds)
	}
	c.Metrics.PushgatewayURL = fc.Metrics.PushgatewayURL
	if fc.Metrics.Job != "" {
		c.Metrics.Job = fc.Metrics.Job
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	intVar := func(name string, set func(int)) error {
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return dserrors.ConfigError{
				Field:      name,
				Value:      raw,
				Message:    "must be an integer",
				Suggestion: fmt.Sprintf("Set %s to a whole number", name),
			}
		}
		set(n)
		return nil
	}

	if err := intVar(EnvMaxRetries, func(n int) { c.Rotation.MaxRetries = n }); err != nil {
		return err
	}
	if err := intVar(EnvRetryDelay, func(n int) { c.Rotation.RetryDelay = seconds(n) }); err != nil {
		return err
	}
	if err := intVar(EnvReplicationGrace, func(n int) { c.Database.ReplicationGrace = seconds(n) }); err != nil {
		return err
	}
	if err := intVar(EnvConnectTimeout, func(n int) { c.Database.ConnectTimeout = seconds(n) }); err != nil {
		return err
	}

	if v, ok := lookup(EnvEndpoint); ok && v != "" {
		c.Store.Endpoint = v
	}
	if v, ok := lookup(EnvRegion); ok && v != "" {
		c.Store.Region = v
	}
	if v, ok := lookup(EnvPushgateway); ok && v != "" {
		c.Metrics.PushgatewayURL = v
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return dserrors.ConfigError{
				Field:   EnvDebug,
				Value:   v,
				Message: "must be a boolean",
			}
		}
		c.Debug = c.Debug || debug
	}
	return nil
}

// Validate checks that every value is usable.
func (c Config) Validate() error {
	if c.Rotation.MaxRetries < 1 {
		return dserrors.ConfigError{
			Field:      "max_retries",
			Value:      c.Rotation.MaxRetries,
			Message:    "must be at least 1",
			Suggestion: "Use 1 to disable local retries",
		}
	}
	if c.Rotation.RetryDelay < 0 {
		return dserrors.ConfigError{
			Field:   "retry_delay_seconds",
			Value:   c.Rotation.RetryDelay,
			Message: "must not be negative",
		}
	}
	if c.Database.ConnectTimeout <= 0 {
		return dserrors.ConfigError{
			Field:      "connect_timeout_seconds",
			Value:      c.Database.ConnectTimeout,
			Message:    "must be positive",
			Suggestion: "Every database call needs a bounded connect timeout",
		}
	}
	if c.Database.ReplicationGrace < 0 {
		return dserrors.ConfigError{
			Field:   "replication_grace_seconds",
			Value:   c.Database.ReplicationGrace,
			Message: "must not be negative",
		}
	}
	if (c.Store.AccessKeyID == "") != (c.Store.SecretAccessKey == "") {
		return dserrors.ConfigError{
			Field:      "secretsManager.access_key_id",
			Message:    "access_key_id and secret_access_key must be set together",
			Suggestion: "Remove both to use the default AWS credential chain",
		}
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
