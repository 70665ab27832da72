// Package config loads JustIRC server configuration from YAML, TOML or
// JSON files (or a URL), with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	// Server settings
	Server struct {
		Name        string `yaml:"name" toml:"name" json:"name" env:"JUSTIRC_SERVER_NAME"`
		Description string `yaml:"description" toml:"description" json:"description" env:"JUSTIRC_DESCRIPTION"`
		Host        string `yaml:"host" toml:"host" json:"host" env:"JUSTIRC_HOST"`
		Port        int    `yaml:"port" toml:"port" json:"port" env:"JUSTIRC_PORT" validate:"gt=0,lte=65535"`
		DataDir     string `yaml:"data_dir" toml:"data_dir" json:"data_dir" env:"JUSTIRC_DATA_DIR"`
	} `yaml:"server" toml:"server" json:"server"`

	// Limits settings
	Limits struct {
		MaxUsers          int `yaml:"max_users" toml:"max_users" json:"max_users" env:"JUSTIRC_MAX_USERS" validate:"gte=0"`
		MaxChannels       int `yaml:"max_channels" toml:"max_channels" json:"max_channels" env:"JUSTIRC_MAX_CHANNELS" validate:"gte=0"`
		MaxMessageSize    int `yaml:"max_message_size" toml:"max_message_size" json:"max_message_size" env:"JUSTIRC_MAX_MESSAGE_SIZE" validate:"gt=0"`
		ConnectionTimeout int `yaml:"connection_timeout" toml:"connection_timeout" json:"connection_timeout" env:"JUSTIRC_CONNECTION_TIMEOUT" validate:"gt=0"`
		ReadTimeout       int `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout" env:"JUSTIRC_READ_TIMEOUT" validate:"gt=0"`
	} `yaml:"limits" toml:"limits" json:"limits"`

	// Rate limit settings. Rates are events per 10-second window except
	// connection_rate, which is per minute per IP.
	RateLimits struct {
		MessageRate    int `yaml:"message_rate" toml:"message_rate" json:"message_rate" env:"JUSTIRC_MESSAGE_RATE" validate:"gt=0"`
		ImageChunkRate int `yaml:"image_chunk_rate" toml:"image_chunk_rate" json:"image_chunk_rate" env:"JUSTIRC_IMAGE_CHUNK_RATE" validate:"gt=0"`
		ConnectionRate int `yaml:"connection_rate" toml:"connection_rate" json:"connection_rate" env:"JUSTIRC_CONNECTION_RATE" validate:"gt=0"`
		BanThreshold   int `yaml:"ban_threshold" toml:"ban_threshold" json:"ban_threshold" env:"JUSTIRC_BAN_THRESHOLD" validate:"gt=0"`
	} `yaml:"rate_limits" toml:"rate_limits" json:"rate_limits"`

	// Authentication settings
	Auth struct {
		Enabled  bool `yaml:"enabled" toml:"enabled" json:"enabled" env:"JUSTIRC_AUTH_ENABLED"`
		Required bool `yaml:"required" toml:"required" json:"required" env:"JUSTIRC_AUTH_REQUIRED"`
	} `yaml:"auth" toml:"auth" json:"auth"`

	// IP filter settings
	IPFilter struct {
		Whitelist bool `yaml:"whitelist" toml:"whitelist" json:"whitelist" env:"JUSTIRC_IP_WHITELIST"`
	} `yaml:"ip_filter" toml:"ip_filter" json:"ip_filter"`

	// Cryptography settings (loaded and validated only; the server does not
	// read or send them, and rotation runs client-side)
	Crypto struct {
		KeyRotationIntervalSeconds int `yaml:"key_rotation_interval_seconds" toml:"key_rotation_interval_seconds" json:"key_rotation_interval_seconds" env:"JUSTIRC_KEY_ROTATION_INTERVAL" validate:"gt=0"`
		MaxMessagesPerKey          int `yaml:"max_messages_per_key" toml:"max_messages_per_key" json:"max_messages_per_key" env:"JUSTIRC_MAX_MESSAGES_PER_KEY" validate:"gt=0"`
	} `yaml:"crypto" toml:"crypto" json:"crypto"`

	// Status portal settings
	Status struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"JUSTIRC_STATUS_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"JUSTIRC_STATUS_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"JUSTIRC_STATUS_PORT"`
	} `yaml:"status" toml:"status" json:"status"`

	// Configuration source for reloading
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Name = "justirc.local"
	cfg.Server.Description = "JustIRC secure server"
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 6667
	cfg.Server.DataDir = "./server_data"
	cfg.Limits.MaxUsers = 500
	cfg.Limits.MaxChannels = 200
	cfg.Limits.MaxMessageSize = 65536
	cfg.Limits.ConnectionTimeout = 300
	cfg.Limits.ReadTimeout = 60
	cfg.RateLimits.MessageRate = 30
	cfg.RateLimits.ImageChunkRate = 100
	cfg.RateLimits.ConnectionRate = 5
	cfg.RateLimits.BanThreshold = 10
	cfg.Crypto.KeyRotationIntervalSeconds = 3600
	cfg.Crypto.MaxMessagesPerKey = 10000
	cfg.Status.Host = "127.0.0.1"
	cfg.Status.Port = 8080
	return cfg
}

// Load loads configuration from a file or URL, applying defaults and
// environment overrides.
func Load(source string) (*Config, error) {
	cfg := Default()
	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reloads the configuration from the original source or a new one.
func (c *Config) Reload(newSource string) error {
	if newSource != "" {
		c.Source = newSource
	}
	newCfg := Default()
	if c.Source != "" {
		if err := newCfg.loadFromSource(c.Source); err != nil {
			return err
		}
	}
	applyEnvOverrides(newCfg)
	if err := newCfg.Validate(); err != nil {
		return err
	}
	newCfg.Source = c.Source
	*c = *newCfg
	return nil
}

// Validate checks the configuration against the struct validation tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

// loadFromSource loads configuration from a file or URL.
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %v", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %v", err)
		}
	}

	switch {
	case strings.HasSuffix(source, ".yaml") || strings.HasSuffix(source, ".yml"):
		err = yaml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(source, ".json"):
		err = json.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %v", err)
	}

	c.Source = source
	return nil
}

// applyEnvOverrides applies environment variable overrides to fields
// carrying an env tag.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem())
}

func applyEnvOverridesRecursive(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldValue := v.Field(i)

		if field.PkgPath != "" {
			continue
		}

		if envTag := field.Tag.Get("env"); envTag != "" {
			if envValue, exists := os.LookupEnv(envTag); exists {
				setFieldFromEnv(fieldValue, envValue)
			}
		} else if field.Type.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(fieldValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(v)
		}
	case reflect.Bool:
		s := strings.ToLower(envValue)
		field.SetBool(s == "true" || s == "1" || s == "yes" || s == "y")
	}
}

// ListenAddress returns the formatted listen address for the server.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// StatusAddress returns the formatted listen address for the status portal.
func (c *Config) StatusAddress() string {
	return fmt.Sprintf("%s:%d", c.Status.Host, c.Status.Port)
}
