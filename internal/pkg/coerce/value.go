package coerce

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
	"unique"
)

// Value is a coerced option value. Its Kind tells which accessor is
// meaningful; a null Value carries a kind but no payload.
type Value struct {
	kind   Kind
	null   bool
	str    string
	sym    unique.Handle[string]
	num    int64
	flt    float64
	flag   bool
	list   []Value
	nested Options
}

// Null returns a null value of the given kind.
func Null(kind Kind) Value { return Value{kind: kind, null: true} }

// StringValue wraps s.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// SymbolValue interns s.
func SymbolValue(s string) Value { return Value{kind: KindSymbol, sym: unique.Make(s)} }

// IntValue wraps n.
func IntValue(n int64) Value { return Value{kind: KindInt, num: n} }

// FloatValue wraps f.
func FloatValue(f float64) Value { return Value{kind: KindFloat, flt: f} }

// BoolValue wraps b.
func BoolValue(b bool) Value { return Value{kind: KindBool, flag: b} }

// ListValue wraps vs.
func ListValue(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{kind: KindList, list: vs}
}

// NestedValue wraps o.
func NestedValue(o Options) Value { return Value{kind: KindNested, nested: o} }

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.null }

// Str returns the string payload of a String or Symbol value.
func (v Value) Str() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindSymbol:
		if v.null {
			return ""
		}
		return v.sym.Value()
	}
	return ""
}

// Symbol returns the interned handle of a Symbol value.
func (v Value) Symbol() unique.Handle[string] { return v.sym }

// Int returns the payload of an Int value.
func (v Value) Int() int64 { return v.num }

// Float returns the payload of a Float value.
func (v Value) Float() float64 { return v.flt }

// Bool returns the payload of a Bool value.
func (v Value) Bool() bool { return v.flag }

// List returns the elements of a List value.
func (v Value) List() []Value { return v.list }

// Nested returns the options of a Nested value.
func (v Value) Nested() Options { return v.nested }

// Any converts the value back to plain Go data: string, int64, float64, bool,
// []any, map[string]any or nil.
func (v Value) Any() any {
	if v.null {
		return nil
	}
	switch v.kind {
	case KindString, KindSymbol:
		return v.Str()
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.flag
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, e := range v.list {
			out = append(out, e.Any())
		}
		return out
	case KindNested:
		return v.nested.Map()
	}
	return nil
}

// String renders the value for logs and errors.
func (v Value) String() string {
	if v.null {
		return "<nil>"
	}
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindSymbol:
		return ":" + v.sym.Value()
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.flag)
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, e := range v.list {
			parts = append(parts, e.String())
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindNested:
		return formatOptions(v.nested)
	}
	return "<invalid>"
}

// Options is the typed result of a coercion.
type Options map[string]Value

// Has reports whether key is present, null or not.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

func (o Options) lookup(key string, kind Kind) (Value, bool) {
	v, ok := o[key]
	if !ok || v.null || v.kind != kind {
		return Value{}, false
	}
	return v, true
}

// String returns a non-null string option.
func (o Options) String(key string) (string, bool) {
	v, ok := o.lookup(key, KindString)
	return v.str, ok
}

// Symbol returns a non-null symbol option as its string form.
func (o Options) Symbol(key string) (string, bool) {
	v, ok := o.lookup(key, KindSymbol)
	if !ok {
		return "", false
	}
	return v.sym.Value(), true
}

// Int returns a non-null int option.
func (o Options) Int(key string) (int64, bool) {
	v, ok := o.lookup(key, KindInt)
	return v.num, ok
}

// Float returns a non-null float option.
func (o Options) Float(key string) (float64, bool) {
	v, ok := o.lookup(key, KindFloat)
	return v.flt, ok
}

// Bool returns a non-null bool option.
func (o Options) Bool(key string) (bool, bool) {
	v, ok := o.lookup(key, KindBool)
	return v.flag, ok
}

// Seconds interprets a float or int option as a number of seconds.
func (o Options) Seconds(key string) (time.Duration, bool) {
	if f, ok := o.Float(key); ok {
		return time.Duration(f * float64(time.Second)), true
	}
	if n, ok := o.Int(key); ok {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

// Strings returns a list option whose elements are strings or symbols.
// Null elements are skipped.
func (o Options) Strings(key string) ([]string, bool) {
	v, ok := o.lookup(key, KindList)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(v.list))
	for _, e := range v.list {
		if e.null {
			continue
		}
		if e.kind == KindString || e.kind == KindSymbol {
			out = append(out, e.Str())
		}
	}
	return out, true
}

// Nested returns a non-null nested option.
func (o Options) Nested(key string) (Options, bool) {
	v, ok := o.lookup(key, KindNested)
	return v.nested, ok
}

// Merge returns a copy of o with the entries of others applied in order.
func (o Options) Merge(others ...Options) Options {
	out := make(Options, len(o))
	maps.Copy(out, o)
	for _, other := range others {
		maps.Copy(out, other)
	}
	return out
}

// Map converts the options back to plain Go data, see Value.Any.
func (o Options) Map() map[string]any {
	if o == nil {
		return nil
	}
	out := make(map[string]any, len(o))
	for k, v := range o {
		out[k] = v.Any()
	}
	return out
}

func formatOptions(o Options) string {
	keys := sortedKeys(o)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+o[k].String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
