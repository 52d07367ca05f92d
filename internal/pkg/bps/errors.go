package bps

import (
	"errors"
	"strconv"
)

var (
	// ErrUnregisteredScheme matches every *UnregisteredSchemeError.
	ErrUnregisteredScheme = errors.New("bps: unregistered url scheme")
	// ErrNotImplemented is returned by capabilities an adapter does not override.
	ErrNotImplemented = errors.New("bps: not implemented")
	// ErrClosed is returned when a closed publisher, subscriber or registry is used.
	ErrClosed = errors.New("bps: closed")
	// ErrTopicRequired is returned when a topic name is empty.
	ErrTopicRequired = errors.New("bps: topic is required")
	// ErrHandlerRequired is returned when Subscribe is called with a nil handler.
	ErrHandlerRequired = errors.New("bps: handler is required")
)

// UnregisteredSchemeError is returned when a URL scheme has no factory.
type UnregisteredSchemeError struct {
	// Kind is either "publisher" or "subscriber".
	Kind   string
	Scheme string
}

func (e *UnregisteredSchemeError) Error() string {
	return "bps: no " + e.Kind + " registered for url scheme " + strconv.Quote(e.Scheme)
}

// Is reports whether target is ErrUnregisteredScheme.
func (e *UnregisteredSchemeError) Is(target error) bool {
	return target == ErrUnregisteredScheme
}
