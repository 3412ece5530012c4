package feeders

import "errors"

var (
	ErrUnsupportedFormat   = errors.New("unsupported config file format")
	ErrFeed                = errors.New("config feeder error")
	ErrEnvInvalidStructure = errors.New("env: expected pointer to struct")
	ErrEnvEmptyPrefix      = errors.New("env: prefix cannot be empty")
	ErrFieldCannotBeSet    = errors.New("field cannot be set")
)
