// Package coerce converts loosely typed option maps into typed options
// according to a declarative schema.
//
// A schema is validated once by New. Coercion itself never fails: values that
// cannot be interpreted collapse to the zero value of their kind, and values
// given as nil become a null Value.
package coerce
