// Package config reads the application configuration.
package config

import (
	"io"
	"time"
)

// Config defines a set of methods for retrieving configuration values of various types.
// Missing keys yield the zero value of the requested type.
type Config interface {
	io.Closer

	// GetBool retrieves the value associated with key as a bool.
	GetBool(key string) bool

	// GetInt retrieves the value associated with key as an int.
	GetInt(key string) int

	// GetFloat64 retrieves the value associated with key as a float64.
	GetFloat64(key string) float64

	// GetString retrieves the value associated with key as a string.
	GetString(key string) string

	// GetSecond retrieves the value associated with key, a number of seconds, as a duration.
	GetSecond(key string) time.Duration

	// GetArray retrieves the value associated with key as a slice of strings.
	// The value is either a list or a string with format <element1>,<element2>,...
	GetArray(key string) []string

	// GetStringMap retrieves the value associated with key as a nested map.
	// Leaf values keep the type decoded from the source, so they can be fed
	// to a coercer the same way URL query options are.
	GetStringMap(key string) map[string]any

	// UnmarshalKey decodes the value associated with key into dst.
	UnmarshalKey(key string, dst any) error
}
