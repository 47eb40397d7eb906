// Package config holds the configuration context for a chat session process.
//
// A Config is built once (Default or Load) and passed by pointer into every
// component that needs it. There is no package-level instance.
//
// Sources, highest priority first:
//  1. Environment variables (CHATSESSION_* prefix, "." replaced by "_")
//  2. YAML config file, when a path is given and the file exists
//  3. Built-in defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Feature flag names understood by the SDK.
const (
	FlagMessageReceipts = "messageReceipts"
	FlagPartialMessages = "partialMessages"
)

// Config is the process-wide configuration context.
type Config struct {
	Region   string
	Stage    string
	Endpoint string // participant service base URL; derived from Region when empty

	ReconnectEnabled   bool
	MaxRetries         int
	RetryInterval      time.Duration
	TokenRefreshBuffer time.Duration
	TokenPollInterval  time.Duration

	MessageReceiptsThrottle time.Duration

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int

	HTTPTimeout time.Duration

	Logging struct {
		Level  string
		Format string
		File   string
	}

	FeatureFlags map[string]bool

	flagsOnce sync.Once
	flags     *Flags
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	c := &Config{
		Region:                  "us-west-2",
		Stage:                   "prod",
		ReconnectEnabled:        true,
		MaxRetries:              3,
		RetryInterval:           3 * time.Second,
		TokenRefreshBuffer:      5 * time.Minute,
		TokenPollInterval:       2 * time.Minute,
		MessageReceiptsThrottle: 5 * time.Second,
		HeartbeatInterval:       10 * time.Second,
		HeartbeatMissLimit:      3,
		HTTPTimeout:             30 * time.Second,
		FeatureFlags: map[string]bool{
			FlagMessageReceipts: true,
			FlagPartialMessages: true,
		},
	}
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return c
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHATSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	c := fromViper(v)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("region", d.Region)
	v.SetDefault("stage", d.Stage)
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("reconnect_enabled", d.ReconnectEnabled)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_interval", d.RetryInterval)
	v.SetDefault("token_refresh_buffer", d.TokenRefreshBuffer)
	v.SetDefault("token_poll_interval", d.TokenPollInterval)
	v.SetDefault("message_receipts_throttle", d.MessageReceiptsThrottle)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("heartbeat_miss_limit", d.HeartbeatMissLimit)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")
	v.SetDefault("feature_flags", d.FeatureFlags)
}

func fromViper(v *viper.Viper) *Config {
	c := &Config{
		Region:                  v.GetString("region"),
		Stage:                   v.GetString("stage"),
		Endpoint:                v.GetString("endpoint"),
		ReconnectEnabled:        v.GetBool("reconnect_enabled"),
		MaxRetries:              v.GetInt("max_retries"),
		RetryInterval:           v.GetDuration("retry_interval"),
		TokenRefreshBuffer:      v.GetDuration("token_refresh_buffer"),
		TokenPollInterval:       v.GetDuration("token_poll_interval"),
		MessageReceiptsThrottle: v.GetDuration("message_receipts_throttle"),
		HeartbeatInterval:       v.GetDuration("heartbeat_interval"),
		HeartbeatMissLimit:      v.GetInt("heartbeat_miss_limit"),
		HTTPTimeout:             v.GetDuration("http_timeout"),
		FeatureFlags:            map[string]bool{},
	}
	c.Logging.Level = v.GetString("logging.level")
	c.Logging.Format = v.GetString("logging.format")
	c.Logging.File = v.GetString("logging.file")
	for name, on := range Default().FeatureFlags {
		c.FeatureFlags[canonicalFlag(name)] = on
	}
	for name, on := range v.GetStringMap("feature_flags") {
		if b, ok := on.(bool); ok {
			c.FeatureFlags[canonicalFlag(name)] = b
		}
	}
	return c
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Endpoint == "" && c.Region == "" {
		errs = append(errs, errors.New("one of endpoint or region is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.RetryInterval < 0 {
		errs = append(errs, fmt.Errorf("retry_interval must be >= 0, got %s", c.RetryInterval))
	}
	if c.MessageReceiptsThrottle < 0 {
		errs = append(errs, fmt.Errorf("message_receipts_throttle must be >= 0, got %s", c.MessageReceiptsThrottle))
	}
	if c.HeartbeatMissLimit < 0 {
		errs = append(errs, fmt.Errorf("heartbeat_miss_limit must be >= 0, got %d", c.HeartbeatMissLimit))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// ParticipantEndpoint returns the REST base URL of the participant service.
func (c *Config) ParticipantEndpoint() string {
	if c.Endpoint != "" {
		return strings.TrimRight(c.Endpoint, "/")
	}
	return "https://participant.connect." + c.Region + ".amazonaws.com"
}

// Flags returns the feature flag set backed by c.FeatureFlags. The same
// *Flags is returned on every call.
func (c *Config) Flags() *Flags {
	c.flagsOnce.Do(func() { c.flags = newFlags(c.FeatureFlags) })
	return c.flags
}

// viper lowercases map keys; flags are matched case-insensitively.
func canonicalFlag(name string) string {
	return strings.ToLower(name)
}
