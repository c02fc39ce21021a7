package system

import (
	"errors"
	"fmt"
)

var (
	ErrCycle           = errors.New("dependency cycle")
	ErrAlreadyEnabled  = errors.New("updater already enabled")
	ErrAlreadyDisabled = errors.New("updater already disabled")
	ErrDuplicateEdge   = errors.New("duplicate update-after edge")
	ErrSelfEdge        = errors.New("updater cannot update after itself")
	ErrUnknownEdge     = errors.New("no such update-after edge")
	ErrInvalidPhase    = errors.New("invalid phase")
	ErrForeignUpdater  = errors.New("updater belongs to another scheduler")
	ErrDuplicateName   = errors.New("another enabled updater has this name")
	ErrBoundedQueue    = errors.New("dispatch queue must not bound its consumers")

	ErrDispatchActive = errors.New("dirty nodes cannot be resolved while a phase is dispatching")
)

// ConfigKind names the class of a configuration error.
type ConfigKind string

const (
	KindCycle           ConfigKind = "cycle"
	KindAlreadyEnabled  ConfigKind = "already-enabled"
	KindAlreadyDisabled ConfigKind = "already-disabled"
	KindDuplicateEdge   ConfigKind = "duplicate-edge"
	KindSelfEdge        ConfigKind = "self-edge"
	KindUnknownEdge     ConfigKind = "unknown-edge"
	KindInvalidPhase    ConfigKind = "invalid-phase"
	KindForeignUpdater  ConfigKind = "foreign-updater"
	KindDuplicateName   ConfigKind = "duplicate-name"
)

var kindErrors = map[ConfigKind]error{
	KindCycle:           ErrCycle,
	KindAlreadyEnabled:  ErrAlreadyEnabled,
	KindAlreadyDisabled: ErrAlreadyDisabled,
	KindDuplicateEdge:   ErrDuplicateEdge,
	KindSelfEdge:        ErrSelfEdge,
	KindUnknownEdge:     ErrUnknownEdge,
	KindInvalidPhase:    ErrInvalidPhase,
	KindForeignUpdater:  ErrForeignUpdater,
	KindDuplicateName:   ErrDuplicateName,
}

// ConfigError reports a graph request that was rejected. It unwraps to the
// sentinel for its kind, so callers can use errors.Is(err, ErrCycle).
type ConfigError struct {
	Kind    ConfigKind
	Updater string
	Other   string // second updater of an edge, if any
}

func newConfigError(kind ConfigKind, u, other *Updater) *ConfigError {
	e := &ConfigError{Kind: kind}
	if u != nil {
		e.Updater = u.name
	}
	if other != nil {
		e.Other = other.name
	}
	return e
}

func (e *ConfigError) Error() string {
	if e.Other != "" {
		return fmt.Sprintf("config error (%s): %q after %q", e.Kind, e.Updater, e.Other)
	}
	return fmt.Sprintf("config error (%s): %q", e.Kind, e.Updater)
}

func (e *ConfigError) Unwrap() error { return kindErrors[e.Kind] }

// UpdateError is a failed or panicking update callback.
type UpdateError struct {
	Updater string
	Phase   Phase
	Err     error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update %q (%s): %v", e.Updater, e.Phase, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
