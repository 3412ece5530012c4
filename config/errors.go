package config

import "errors"

var (
	ErrConfigValidationFailed = errors.New("config validation failed")
	ErrModuleNameEmpty        = errors.New("module name cannot be empty")
	ErrDuplicateModuleConfig  = errors.New("module configured more than once")
	ErrInvalidLogLevel        = errors.New("invalid log level")
	ErrInvalidLogFormat       = errors.New("invalid log format")
	ErrAdminAddressEmpty      = errors.New("admin address required when admin is enabled")
	ErrScheduleInvalid        = errors.New("invalid schedule")
	ErrNegativeValue          = errors.New("value cannot be negative")
	ErrWatcherRunning         = errors.New("config watcher already running")
	ErrUnsupportedFormat      = errors.New("unsupported config format")
)
