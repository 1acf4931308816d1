package template

import (
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Binding Value Types
// =============================================================================

// Kind identifies the scalar type of a binding value.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	default:
		return "unknown"
	}
}

// Value is a closed tagged scalar: string, int, or bool.
// Values are immutable once created.
type Value struct {
	kind Kind
	str  string
	num  int64
	flag bool
}

// StringValue creates a string binding value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// IntValue creates an integer binding value.
func IntValue(n int64) Value { return Value{kind: KindInt, num: n} }

// BoolValue creates a boolean binding value.
func BoolValue(b bool) Value { return Value{kind: KindBool, flag: b} }

// Kind returns the scalar type of the value.
func (v Value) Kind() Kind { return v.kind }

// String returns the canonical text rendering of the value.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return v.str
	}
}

// yamlTag returns the YAML tag matching the value's kind.
func (v Value) yamlTag() string {
	switch v.kind {
	case KindInt:
		return "!!int"
	case KindBool:
		return "!!bool"
	default:
		return "!!str"
	}
}

// =============================================================================
// Bindings
// =============================================================================

// Bindings maps variable names to scalar values. The map is treated as
// immutable once resolution begins.
type Bindings map[string]Value

// Names returns the bound variable names in sorted order.
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseBindings decodes a YAML document of name → scalar pairs into
// typed Bindings. Only string, integer, and boolean scalars are accepted.
//
// Example:
//
//	bindings, err := ParseBindings([]byte("image_tag: v1.2.3\nworkers: 4"))
//	// bindings["workers"].Kind() == KindInt
func ParseBindings(data []byte) (Bindings, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewResolveError("", "bindings are not valid YAML", ErrInvalidTemplate)
	}

	bindings := make(Bindings, len(raw))
	for name, value := range raw {
		switch v := value.(type) {
		case string:
			bindings[name] = StringValue(v)
		case int:
			bindings[name] = IntValue(int64(v))
		case int64:
			bindings[name] = IntValue(v)
		case bool:
			bindings[name] = BoolValue(v)
		default:
			return nil, NewResolveError(name,
				fmt.Sprintf("value %v is not a string, int, or bool scalar", value),
				ErrUnsupportedValue)
		}
	}

	return bindings, nil
}
