package coerce

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/spf13/cast"
)

// RawOptions holds loosely typed option values, as parsed from a URL query or
// passed by the caller. Values are strings, []string, nested RawOptions or
// map[string]any, and programmatic scalars.
type RawOptions map[string]any

// trueTokens is the fixed truthy token set for KindBool.
var trueTokens = map[string]struct{}{
	"TRUE": {},
	"true": {},
	"T":    {},
	"t":    {},
	"1":    {},
}

// Coercer converts RawOptions into typed Options according to a Schema.
// It is immutable and safe for concurrent use.
type Coercer struct {
	schema Schema
}

// New validates schema eagerly, including nested schemas, and returns a
// Coercer. It fails with a *SchemaError on an unrecognized descriptor or a
// list descriptor without exactly one inner descriptor.
func New(schema Schema) (*Coercer, error) {
	if err := validate("", schema); err != nil {
		return nil, err
	}
	return &Coercer{schema: schema.clone()}, nil
}

// MustNew is like New but panics on an invalid schema. Intended for
// package-level schema declarations.
func MustNew(schema Schema) *Coercer {
	c, err := New(schema)
	if err != nil {
		panic(err)
	}
	return c
}

// Schema returns a copy of the coercer schema.
func (c *Coercer) Schema() Schema {
	return c.schema.clone()
}

// Coerce applies the schema to raw. Keys missing from raw are omitted, keys
// unknown to the schema are dropped.
func (c *Coercer) Coerce(raw RawOptions) Options {
	return coerceWith(c.schema, raw)
}

// CoerceMap is Coerce for a plain map, e.g. a section of a config file.
func (c *Coercer) CoerceMap(raw map[string]any) Options {
	return coerceWith(c.schema, RawOptions(raw))
}

func validate(path string, schema Schema) error {
	for _, key := range schema.Keys() {
		if err := validateType(join(path, key), schema[key]); err != nil {
			return err
		}
	}
	return nil
}

func validateType(path string, t Type) error {
	switch t.kind {
	case KindString, KindSymbol, KindInt, KindFloat, KindBool:
		return nil
	case KindNested:
		return validate(path, t.fields)
	case KindList:
		if len(t.elems) != 1 {
			return &SchemaError{
				Path:   path,
				Reason: fmt.Sprintf("list types must have exactly one entry, but was %s", t),
			}
		}
		return validateType(path+"[]", t.elems[0])
	default:
		return &SchemaError{Path: path, Reason: "unknown type " + t.kind.String()}
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func coerceWith(schema Schema, raw RawOptions) Options {
	out := make(Options, len(schema))
	for key, t := range schema {
		val, ok := raw[key]
		if !ok {
			continue
		}
		out[key] = coerceValue(t, val)
	}
	return out
}

func coerceValue(t Type, val any) Value {
	switch t.kind {
	case KindList:
		elems := asSequence(val)
		out := make([]Value, 0, len(elems))
		for _, e := range elems {
			out = append(out, coerceValue(t.elems[0], e))
		}
		return ListValue(out...)
	case KindNested:
		m, ok := asMapping(val)
		if !ok {
			return Null(KindNested)
		}
		return NestedValue(coerceWith(t.fields, m))
	}

	val = firstOf(val)
	if val == nil {
		return Null(t.kind)
	}

	switch t.kind {
	case KindString:
		return StringValue(textOf(val))
	case KindSymbol:
		return SymbolValue(textOf(val))
	case KindInt:
		return IntValue(parseIntPrefix(textOf(val)))
	case KindFloat:
		return FloatValue(parseFloatPrefix(textOf(val)))
	case KindBool:
		return BoolValue(isTrue(val))
	}
	return Null(t.kind)
}

// firstOf collapses a sequence handed to a scalar descriptor to its first
// element, which is how repeated query keys behave.
func firstOf(val any) any {
	switch v := val.(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	case []any:
		if len(v) == 0 {
			return nil
		}
		return v[0]
	}
	return val
}

func asSequence(val any) []any {
	switch v := val.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []byte:
		return []any{v}
	}

	rv := reflect.ValueOf(val)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{val}
}

func asMapping(val any) (RawOptions, bool) {
	switch v := val.(type) {
	case RawOptions:
		return v, true
	case map[string]any:
		return RawOptions(v), true
	case map[string]string:
		out := make(RawOptions, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out, true
	case map[any]any:
		out := make(RawOptions, len(v))
		for k, e := range v {
			out[textOf(k)] = e
		}
		return out, true
	}
	return nil, false
}

func textOf(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	}
	if s, err := cast.ToStringE(val); err == nil {
		return s
	}
	return fmt.Sprint(val)
}

func isTrue(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case int:
		return v == 1
	case int8:
		return v == 1
	case int16:
		return v == 1
	case int32:
		return v == 1
	case int64:
		return v == 1
	case uint:
		return v == 1
	case uint8:
		return v == 1
	case uint16:
		return v == 1
	case uint32:
		return v == 1
	case uint64:
		return v == 1
	case float32, float64:
		return false
	}
	_, ok := trueTokens[textOf(val)]
	return ok
}

// parseIntPrefix parses the longest leading integer of s, ignoring leading
// whitespace and underscores between digits. Non-numeric input yields 0.
func parseIntPrefix(s string) int64 {
	i := skipSpace(s, 0)
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	end := digitRun(s, i)
	if end == i {
		return 0
	}
	// ParseInt saturates on overflow, which is fine here.
	n, _ := strconv.ParseInt(stripUnderscores(s[start:end]), 10, 64)
	return n
}

// parseFloatPrefix parses the longest leading decimal float of s, with the
// same whitespace and underscore rules as parseIntPrefix. The integer part
// may be empty when a fraction follows, as in ".5". Non-numeric input
// yields 0.
func parseFloatPrefix(s string) float64 {
	i := skipSpace(s, 0)
	start := i
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	end := digitRun(s, i)
	if end+1 < len(s) && s[end] == '.' && isDigit(s[end+1]) {
		end = digitRun(s, end+1)
	}
	if end == i {
		return 0
	}
	if end < len(s) && (s[end] == 'e' || s[end] == 'E') {
		j := end + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			end = digitRun(s, j)
		}
	}
	f, _ := strconv.ParseFloat(stripUnderscores(s[start:end]), 64)
	return f
}

// digitRun returns the end of the digits starting at i. A single underscore
// between two digits is part of the run.
func digitRun(s string, i int) int {
	start := i
	for i < len(s) {
		switch {
		case isDigit(s[i]):
			i++
		case s[i] == '_' && i > start && i+1 < len(s) && isDigit(s[i+1]):
			i++
		default:
			return i
		}
	}
	return i
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r' || s[i] == '\v' || s[i] == '\f') {
		i++
	}
	return i
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }

func stripUnderscores(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '_' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
