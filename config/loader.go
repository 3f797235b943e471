package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/snode",
			os.Getenv("HOME") + "/.snode",
		},
		envPrefix:     "SNODE",
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the default configuration
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// defaults returns a private copy of the default configuration that a file
// can be decoded onto.
func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	c := *l.defaultConfig
	if c.Log.Fields != nil {
		c.Log.Fields = make(map[string]interface{}, len(l.defaultConfig.Log.Fields))
		for k, v := range l.defaultConfig.Log.Fields {
			c.Log.Fields[k] = v
		}
	}
	c.Channel.TrustedKeys = append([]string(nil), c.Channel.TrustedKeys...)
	return &c
}

// Load loads configuration from the specified file, or from defaults and
// the environment when filename is empty
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	config, err := l.loadFromFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", filename, err)
	}
	return config, nil
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	return l.loadFromFile(filename)
}

// LoadFromReader decodes configuration from reader onto an empty Config.
// The result is neither merged with defaults nor validated.
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	config := &Config{}
	if err := decode(reader, format, config); err != nil {
		return nil, err
	}
	return config, nil
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, _, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.loadFromFile(configFile)
}

// finish applies environment overrides and validates
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidateError, err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"snode.yaml", "snode.yml",
		"config.yaml", "config.yml",
		"snode.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				format, err := formatOf(filename)
				if err != nil {
					continue
				}
				return fullPath, format, nil
			}
		}
	}

	return "", "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadFromFile decodes filename onto the defaults, so keys the file leaves
// out keep their default values, then applies the environment.
func (l *Loader) loadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	config := l.defaults()
	if err := decode(f, format, config); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return l.finish(config)
}

// decode reads one document onto config, rejecting unknown keys. An empty
// document leaves config untouched.
func decode(r io.Reader, format ConfigFormat, config *Config) error {
	var err error
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		err = dec.Decode(config)
	case FormatJSON:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		err = dec.Decode(config)
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrConfigParseError, format, err)
	}
	return nil
}

// envOverride binds one environment variable, named without the prefix, to
// a configuration field.
type envOverride struct {
	name  string
	apply func(c *Config, val string) error
}

var envOverrides = []envOverride{
	{"NODE_NAME", func(c *Config, v string) error { c.Node.Name = v; return nil }},
	{"NODE_ENVIRONMENT", func(c *Config, v string) error { c.Node.Environment = Environment(v); return nil }},
	{"NODE_QUANTUM", func(c *Config, v string) (err error) { c.Node.Quantum, err = time.ParseDuration(v); return }},
	{"NODE_ISOLATE_ERRORS", func(c *Config, v string) (err error) { c.Node.IsolateErrors, err = strconv.ParseBool(v); return }},
	{"NODE_FALLBACK_ADDRESS", func(c *Config, v string) error { c.Node.FallbackAddress = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = LogLevel(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"LOG_OUTPUT", func(c *Config, v string) error { c.Log.Output = v; return nil }},
	{"TCP_LISTEN", func(c *Config, v string) error { c.Transport.TCP.Listen = v; return nil }},
	{"TCP_CONNECT", func(c *Config, v string) error { c.Transport.TCP.Connect = v; return nil }},
	{"QUIC_LISTEN", func(c *Config, v string) error { c.Transport.QUIC.Listen = v; return nil }},
	{"QUIC_CONNECT", func(c *Config, v string) error { c.Transport.QUIC.Connect = v; return nil }},
	{"CHANNEL_ROLE", func(c *Config, v string) error { c.Channel.Role = Role(v); return nil }},
	{"CHANNEL_MESSAGE", func(c *Config, v string) error { c.Channel.Message = v; return nil }},
	{"CHANNEL_HANDSHAKE_TIMEOUT", func(c *Config, v string) (err error) {
		c.Channel.HandshakeTimeout, err = time.ParseDuration(v)
		return
	}},
	{"CHANNEL_TRUSTED_KEYS", func(c *Config, v string) error { c.Channel.TrustedKeys = strings.Split(v, ","); return nil }},
	{"VAULT_IDENTITY_FILE", func(c *Config, v string) error { c.Vault.IdentityFile = v; return nil }},
}

// loadFromEnv applies every PREFIX_NAME variable that is set and non-empty.
func (l *Loader) loadFromEnv(config *Config) error {
	for _, o := range envOverrides {
		name := l.envPrefix + "_" + o.name
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if err := o.apply(config, val); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrEnvironmentVarError, name, err)
		}
	}
	return nil
}
