// Package config provides configuration management for snode
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/najoast/snode/core"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Role is the part a node plays in the secure channel handshake
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// IsValid checks if the role is valid
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Config represents the complete snode configuration
type Config struct {
	// Node scheduler configuration
	Node NodeConfig `yaml:"node" json:"node"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Transport configuration
	Transport TransportConfig `yaml:"transport" json:"transport"`

	// Secure channel configuration
	Channel ChannelConfig `yaml:"channel" json:"channel"`

	// Vault configuration
	Vault VaultConfig `yaml:"vault" json:"vault"`
}

// NodeConfig contains node-level configuration
type NodeConfig struct {
	// Node name, used in log output
	Name string `yaml:"name" json:"name"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Pause between scheduling cycles
	Quantum time.Duration `yaml:"quantum" json:"quantum"`

	// Log and drop failing messages, deliveries and polls instead of
	// stopping the node
	IsolateErrors bool `yaml:"isolate_errors" json:"isolate_errors"`

	// Address receiving messages with an empty onward route. Empty means
	// such messages are an error.
	FallbackAddress string `yaml:"fallback_address,omitempty" json:"fallback_address,omitempty"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, console)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Enable colored level names in console format
	Color bool `yaml:"color" json:"color"`

	// Fields to include in every log entry
	Fields map[string]interface{} `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// TransportConfig contains transport configuration
type TransportConfig struct {
	// TCP transport endpoints
	TCP EndpointConfig `yaml:"tcp" json:"tcp"`

	// QUIC transport endpoints
	QUIC EndpointConfig `yaml:"quic" json:"quic"`

	// Timeouts
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Capacity of the inbound queue of each transport
	InboundBuffer int `yaml:"inbound_buffer" json:"inbound_buffer"`
}

// EndpointConfig names the endpoints of one transport. Both are optional.
type EndpointConfig struct {
	// Listening endpoint (ip:port)
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// Endpoint to connect to (ip:port)
	Connect string `yaml:"connect,omitempty" json:"connect,omitempty"`
}

// TimeoutConfig contains timeout settings
type TimeoutConfig struct {
	// Connect timeout
	Dial time.Duration `yaml:"dial" json:"dial"`

	// Frame write timeout
	Write time.Duration `yaml:"write" json:"write"`
}

// ChannelConfig contains secure channel settings
type ChannelConfig struct {
	// Handshake role of this node
	Role Role `yaml:"role" json:"role"`

	// Hex encoded static public keys accepted from peers. Empty trusts any peer.
	TrustedKeys []string `yaml:"trusted_keys,omitempty" json:"trusted_keys,omitempty"`

	// Payload the initiator sends once the channel is up
	Message string `yaml:"message" json:"message"`

	// How long a session may take to finish its handshake before it is
	// retired
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
}

// VaultConfig contains vault settings
type VaultConfig struct {
	// File holding the hex encoded static private key. Empty means a fresh
	// key per run.
	IdentityFile string `yaml:"identity_file,omitempty" json:"identity_file,omitempty"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			Name:        "snode",
			Environment: EnvDevelopment,
			Quantum:     100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "console",
			Output: "stderr",
			Color:  true,
		},
		Transport: TransportConfig{
			Timeouts: TimeoutConfig{
				Dial:  5 * time.Second,
				Write: 10 * time.Second,
			},
			InboundBuffer: 1024,
		},
		Channel: ChannelConfig{
			Role:             RoleResponder,
			Message:          "hello",
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate node config
	if c.Node.Name == "" {
		return ErrInvalidNodeName
	}
	if !c.Node.Environment.IsValid() {
		return ErrInvalidEnvironment
	}
	if c.Node.Quantum < 0 {
		return ErrInvalidQuantum
	}
	if _, err := c.Fallback(); err != nil {
		return err
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	switch c.Log.Format {
	case "json", "console", "text":
	default:
		return ErrInvalidLogFormat
	}

	// Validate transport config
	for _, ep := range []string{
		c.Transport.TCP.Listen, c.Transport.TCP.Connect,
		c.Transport.QUIC.Listen, c.Transport.QUIC.Connect,
	} {
		if err := checkEndpoint(ep); err != nil {
			return err
		}
	}
	if c.Transport.InboundBuffer <= 0 {
		return ErrInvalidBufferSize
	}
	if c.Transport.Timeouts.Dial < 0 || c.Transport.Timeouts.Write < 0 {
		return ErrInvalidTimeout
	}

	// Validate channel config
	if !c.Channel.Role.IsValid() {
		return ErrInvalidRole
	}
	if c.Channel.HandshakeTimeout < 0 {
		return ErrInvalidTimeout
	}
	if _, err := c.TrustedKeys(); err != nil {
		return err
	}

	return nil
}

func checkEndpoint(ep string) error {
	if ep == "" {
		return nil
	}
	if _, port, err := net.SplitHostPort(ep); err != nil || port == "" {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, ep)
	}
	return nil
}

// TrustedKeys decodes the trusted static public keys
func (c *Config) TrustedKeys() ([][]byte, error) {
	keys := make([][]byte, 0, len(c.Channel.TrustedKeys))
	for _, s := range c.Channel.TrustedKeys {
		k, err := hex.DecodeString(s)
		if err != nil || len(k) != 32 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTrustedKey, s)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// Fallback parses the fallback address, if any
func (c *Config) Fallback() (*core.Address, error) {
	if c.Node.FallbackAddress == "" {
		return nil, nil
	}
	a, err := core.ParseAddress(c.Node.FallbackAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return &a, nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Node.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Node.Environment == EnvProduction
}

// GetLogLevel returns the log level
func (c *Config) GetLogLevel() LogLevel {
	return c.Log.Level
}
