package bzperi

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ServiceNameBase is the token every service name must equal or extend with
// a dot-separated suffix. The owned bus name is derived from it.
const ServiceNameBase = "bzperi"

const (
	// MaxServiceNameLength mirrors the D-Bus bus-name length limit.
	MaxServiceNameLength = 255

	MinStartTimeout = 100 * time.Millisecond
	MaxStartTimeout = 60 * time.Second
)

// DataGetter resolves a named server-side value for a characteristic read.
// The second return reports whether the name is known.
type DataGetter func(name string) ([]byte, bool)

// DataSetter stores a value written by a client. Returns false when the
// write was rejected.
type DataSetter func(name string, data []byte) bool

// Config holds everything the server needs at start.
type Config struct {
	// ServiceName must be "bzperi" or start with "bzperi."; it is folded to
	// lowercase. The owned bus name becomes "com.<ServiceName>".
	ServiceName string `default:"bzperi"`

	AdvertisingName      string `default:"BzPeri"`
	AdvertisingShortName string `default:"BzPeri"`

	// PreferredAdapter selects a radio by path, address, or substring.
	PreferredAdapter string

	Bondable     bool `default:"true"`
	Discoverable bool `default:"true"`

	// StartTimeout bounds the blocking Start call, not the lifetime of any
	// individual initialization step.
	StartTimeout time.Duration `default:"30s"`

	LogLevel string `default:"info"`
}

// DefaultConfig returns configuration with all defaults applied.
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	if c.StartTimeout == 0 {
		c.StartTimeout = 30 * time.Second
	}
	return c
}

// fileConfig is the YAML shape of a config file. Durations are parsed from
// strings because the YAML decoder has no native duration support; pointer
// fields distinguish "absent" from zero values when merging over defaults.
type fileConfig struct {
	ServiceName          string `yaml:"service_name"`
	AdvertisingName      string `yaml:"advertising_name"`
	AdvertisingShortName string `yaml:"advertising_short_name"`
	PreferredAdapter     string `yaml:"preferred_adapter"`
	Bondable             *bool  `yaml:"bondable"`
	Discoverable         *bool  `yaml:"discoverable"`
	StartTimeout         string `yaml:"start_timeout"`
	LogLevel             string `yaml:"log_level"`
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bzperi: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("bzperi: parse config: %w", err)
	}
	if fc.ServiceName != "" {
		c.ServiceName = fc.ServiceName
	}
	if fc.AdvertisingName != "" {
		c.AdvertisingName = fc.AdvertisingName
	}
	if fc.AdvertisingShortName != "" {
		c.AdvertisingShortName = fc.AdvertisingShortName
	}
	if fc.PreferredAdapter != "" {
		c.PreferredAdapter = fc.PreferredAdapter
	}
	if fc.Bondable != nil {
		c.Bondable = *fc.Bondable
	}
	if fc.Discoverable != nil {
		c.Discoverable = *fc.Discoverable
	}
	if fc.StartTimeout != "" {
		d, err := time.ParseDuration(fc.StartTimeout)
		if err != nil {
			return nil, fmt.Errorf("bzperi: start_timeout: %w", err)
		}
		c.StartTimeout = d
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate normalizes the service name and checks every bound Start relies
// on.
func (c *Config) Validate() error {
	c.ServiceName = strings.ToLower(strings.TrimSpace(c.ServiceName))
	if c.ServiceName == "" {
		return fmt.Errorf("bzperi: service name must not be empty")
	}
	if len(c.ServiceName) > MaxServiceNameLength {
		return fmt.Errorf("bzperi: service name exceeds %d characters", MaxServiceNameLength)
	}
	if c.ServiceName != ServiceNameBase && !strings.HasPrefix(c.ServiceName, ServiceNameBase+".") {
		return fmt.Errorf("bzperi: service name must be %q or start with %q", ServiceNameBase, ServiceNameBase+".")
	}
	if c.StartTimeout < MinStartTimeout || c.StartTimeout > MaxStartTimeout {
		return fmt.Errorf("bzperi: start timeout must be within [%s, %s]", MinStartTimeout, MaxStartTimeout)
	}
	if c.AdvertisingName == "" {
		c.AdvertisingName = c.ServiceName
	}
	if c.AdvertisingShortName == "" {
		c.AdvertisingShortName = c.AdvertisingName
	}
	return nil
}

// BusName returns the well-known bus name the server requests.
func (c *Config) BusName() string {
	return "com." + c.ServiceName
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}
