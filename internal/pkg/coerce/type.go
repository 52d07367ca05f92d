package coerce

import (
	"fmt"
	"strings"
)

// Kind enumerates the supported option types.
type Kind uint8

const (
	// KindInvalid is the zero Kind. A Type of this kind fails schema validation.
	KindInvalid Kind = iota
	// KindString coerces to the textual representation.
	KindString
	// KindSymbol coerces to an interned token.
	KindSymbol
	// KindInt coerces to int64.
	KindInt
	// KindFloat coerces to float64.
	KindFloat
	// KindBool coerces to bool.
	KindBool
	// KindList coerces every element with a single inner Type.
	KindList
	// KindNested coerces a nested mapping with a nested Schema.
	KindNested
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindSymbol:
		return "symbol"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindNested:
		return "nested"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Type is a type descriptor. Build it with String, Symbol, Int, Float, Bool,
// ListOf or Nested; the zero Type is rejected by New.
type Type struct {
	kind   Kind
	elems  []Type
	fields Schema
}

// String describes a textual option.
func String() Type { return Type{kind: KindString} }

// Symbol describes an option interned as a token.
func Symbol() Type { return Type{kind: KindSymbol} }

// Int describes an integer option.
func Int() Type { return Type{kind: KindInt} }

// Float describes a floating point option.
func Float() Type { return Type{kind: KindFloat} }

// Bool describes a boolean option.
func Bool() Type { return Type{kind: KindBool} }

// ListOf describes a list option. Exactly one inner descriptor must be given,
// anything else is reported by New as a SchemaError.
func ListOf(inner ...Type) Type {
	return Type{kind: KindList, elems: inner}
}

// Nested describes a nested mapping coerced with its own schema.
func Nested(schema Schema) Type {
	return Type{kind: KindNested, fields: schema}
}

// Kind returns the descriptor kind.
func (t Type) Kind() Kind { return t.kind }

// Elem returns the inner descriptor of a list.
func (t Type) Elem() Type {
	if t.kind != KindList || len(t.elems) != 1 {
		return Type{}
	}
	return t.elems[0]
}

// Fields returns the nested schema of a nested descriptor.
func (t Type) Fields() Schema { return t.fields }

// String renders the descriptor, e.g. "list(string)" or "nested{a:int}".
func (t Type) String() string {
	switch t.kind {
	case KindList:
		parts := make([]string, 0, len(t.elems))
		for _, e := range t.elems {
			parts = append(parts, e.String())
		}
		return "list(" + strings.Join(parts, ",") + ")"
	case KindNested:
		return "nested" + t.fields.String()
	default:
		return t.kind.String()
	}
}

func (t Type) clone() Type {
	out := Type{kind: t.kind}
	if len(t.elems) > 0 {
		out.elems = make([]Type, len(t.elems))
		for i, e := range t.elems {
			out.elems[i] = e.clone()
		}
	}
	if t.fields != nil {
		out.fields = t.fields.clone()
	}
	return out
}

// Schema maps option keys to type descriptors.
type Schema map[string]Type

// Merge returns a new schema containing the keys of s and others. Later
// schemas win on key collision.
func (s Schema) Merge(others ...Schema) Schema {
	out := s.clone()
	if out == nil {
		out = Schema{}
	}
	for _, o := range others {
		for k, t := range o {
			out[k] = t.clone()
		}
	}
	return out
}

// Keys returns the schema keys in sorted order.
func (s Schema) Keys() []string {
	return sortedKeys(s)
}

// String renders the schema with sorted keys.
func (s Schema) String() string {
	keys := s.Keys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+s[k].String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (s Schema) clone() Schema {
	if s == nil {
		return nil
	}
	out := make(Schema, len(s))
	for k, t := range s {
		out[k] = t.clone()
	}
	return out
}
