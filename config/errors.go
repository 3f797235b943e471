package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidNodeName    = errors.New("invalid node name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidQuantum     = errors.New("invalid scheduling quantum")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidEndpoint    = errors.New("invalid endpoint")
	ErrInvalidBufferSize  = errors.New("invalid buffer size")
	ErrInvalidTimeout     = errors.New("invalid timeout")
	ErrInvalidRole        = errors.New("invalid channel role")
	ErrInvalidTrustedKey  = errors.New("invalid trusted key")
	ErrInvalidAddress     = errors.New("invalid address")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrConfigValidateError = errors.New("configuration validation error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
)
