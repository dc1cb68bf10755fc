package config

import "github.com/pkg/errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidWorkers     = errors.New("invalid worker count")
	ErrInvalidMailboxSize = errors.New("invalid mailbox size")
	ErrInvalidBatchLimit  = errors.New("invalid batch limit")
	ErrInvalidActorConfig = errors.New("invalid actor configuration")
	ErrInvalidSupervision = errors.New("invalid supervision configuration")
	ErrInvalidRemote      = errors.New("invalid remote configuration")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrUnsupportedFormat   = errors.New("unsupported configuration format")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
)
