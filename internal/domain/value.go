package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ─── Slot Values ────────────────────────────────────────────────────────────
// Slots extracted from free text are loosely typed. Value is a closed variant
// over the JSON kinds so requirement checks never need reflection.

// Kind enumerates the variants a Value can hold.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindString
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is an immutable slot value.
type Value struct {
	kind   Kind
	num    decimal.Decimal
	str    string
	b      bool
	list   []Value
	fields map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Number wraps a decimal.
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

// Int wraps an integer.
func Int(n int64) Value { return Number(decimal.NewFromInt(n)) }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps a list of values.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map wraps a nested object.
func Map(fields map[string]Value) Value { return Value{kind: KindMap, fields: fields} }

// FromAny converts a Go value (as produced by encoding/json, or a literal) to a Value.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Number(decimal.NewFromFloat(t)), nil
	case decimal.Decimal:
		return Number(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(d), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, item := range t {
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, iv)
		}
		return List(items...), nil
	case []string:
		items := make([]Value, 0, len(t))
		for _, s := range t {
			items = append(items, String(s))
		}
		return List(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			iv, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = iv
		}
		return Map(fields), nil
	}
	return Value{}, fmt.Errorf("unsupported slot value type %T", v)
}

// MustValue is FromAny for literals known to be supported.
func MustValue(v any) Value {
	out, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null or absent.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Decimal returns the number held by v.
func (v Value) Decimal() (decimal.Decimal, bool) {
	return v.num, v.kind == KindNumber
}

// Str returns the string held by v.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Items returns the list held by v.
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }

// Field returns a field of a map value.
func (v Value) Field(name string) (Value, bool) {
	if v.kind != KindMap {
		return Null(), false
	}
	f, ok := v.fields[name]
	return f, ok
}

// Equal is structural equality. Numbers compare by value, so 2 == 2.0.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		return v.num.Equal(o.num)
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.fields) != len(o.fields) {
			return false
		}
		for k, f := range v.fields {
			of, ok := o.fields[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders two numbers or two strings. ok is false for any other pairing,
// including null on either side.
func (v Value) Compare(o Value) (cmp int, ok bool) {
	switch {
	case v.kind == KindNumber && o.kind == KindNumber:
		return v.num.Cmp(o.num), true
	case v.kind == KindString && o.kind == KindString:
		return strings.Compare(v.str, o.str), true
	}
	return 0, false
}

// Contains reports membership of needle in v. Lists test element equality,
// strings test substrings, maps test keys.
func (v Value) Contains(needle Value) bool {
	switch v.kind {
	case KindList:
		for _, item := range v.list {
			if item.Equal(needle) {
				return true
			}
		}
	case KindString:
		if s, ok := needle.Str(); ok {
			return strings.Contains(v.str, s)
		}
	case KindMap:
		if s, ok := needle.Str(); ok {
			_, found := v.fields[s]
			return found
		}
	}
	return false
}

// Any converts back to plain Go values (decimals stay decimal.Decimal).
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.Any()
		}
		return out
	}
	return nil
}

// String renders the value for logs and reason codes.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindNumber:
		return v.num.String()
	case KindString:
		return v.str
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.fields))
		for k := range v.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.fields[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return ""
}

// MarshalJSON encodes numbers as JSON numbers, not strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindNumber:
		return []byte(v.num.String()), nil
	case KindList:
		return json.Marshal(v.list)
	case KindMap:
		return json.Marshal(v.fields)
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes any JSON value, keeping numbers exact.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// ─── Slots ──────────────────────────────────────────────────────────────────

// Slots is the typed slot map of an Intent.
type Slots map[string]Value

// SlotsFrom converts a plain map, e.g. from a test literal.
func SlotsFrom(m map[string]any) (Slots, error) {
	out := make(Slots, len(m))
	for k, raw := range m {
		v, err := FromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("slot %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// Lookup resolves a dotted path such as "client.country". A missing key at any
// depth yields Null. A leading "slots." segment is accepted as an alias for the
// slot map itself unless a slot is literally named "slots".
func (s Slots) Lookup(path string) Value {
	parts := strings.Split(path, ".")
	if len(parts) > 1 && parts[0] == "slots" {
		if _, shadowed := s["slots"]; !shadowed {
			parts = parts[1:]
		}
	}
	cur, ok := s[parts[0]]
	if !ok {
		return Null()
	}
	for _, p := range parts[1:] {
		cur, ok = cur.Field(p)
		if !ok {
			return Null()
		}
	}
	return cur
}

// Text returns a string slot, or "" if absent or not a string.
func (s Slots) Text(key string) string {
	str, _ := s.Lookup(key).Str()
	return str
}

// Count returns a numeric slot as a decimal, falling back to def when the slot
// is absent or not a number.
func (s Slots) Count(key string, def int64) decimal.Decimal {
	if d, ok := s.Lookup(key).Decimal(); ok {
		return d
	}
	return decimal.NewFromInt(def)
}
