package mpc

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSetup is returned by operations that need a finished Setup call.
	ErrNotSetup = errors.New("mpc: controller is not set up")
	// ErrAlreadySetup is returned by configuration calls after Setup.
	ErrAlreadySetup = errors.New("mpc: controller is already set up")
)

// ConfigError reports an invalid or inconsistent configuration value,
// detected statically at configuration or setup time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mpc: invalid configuration %s: %s", e.Field, e.Reason)
}

// ShapeError reports a vector of the wrong length handed to the runtime.
type ShapeError struct {
	What string
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("mpc: %s has %d entries, want %d", e.What, e.Got, e.Want)
}
