// Package value implements the type-erased, cloneable, serializable
// value cell that flows through the kernel and context manager.
package value

import (
	"encoding/json"
	"fmt"
)

// Tag identifies the concrete shape carried by a Value without
// requiring the kernel to downcast. Only the task bridge (internal/registry
// pack/unpack adapters) ever inspects a Tag to decide how to convert a
// Value into a concrete Go type.
type Tag uint8

const (
	TagUnit Tag = iota
	TagBool
	TagInt
	TagString
	TagArray
	TagObject
)

func (t Tag) String() string {
	switch t {
	case TagUnit:
		return "unit"
	case TagBool:
		return "bool"
	case TagInt:
		return "int"
	case TagString:
		return "string"
	case TagArray:
		return "array"
	case TagObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is an opaque, type-tagged container. It replaces the unsafe
// pointer-union erasure of the reference implementation with a plain
// tagged union over Go's any: small values are stored inline by the Go
// runtime already, and large ones are shared by reference through the
// interface's pointer word, so no hand-rolled small/large split is
// needed here.
type Value struct {
	Tag  Tag
	Data any
}

func Unit() Value             { return Value{Tag: TagUnit} }
func Bool(b bool) Value       { return Value{Tag: TagBool, Data: b} }
func Int(i int32) Value       { return Value{Tag: TagInt, Data: i} }
func String(s string) Value   { return Value{Tag: TagString, Data: s} }
func Array(a []Value) Value   { return Value{Tag: TagArray, Data: a} }
func Object(o map[string]Value) Value { return Value{Tag: TagObject, Data: o} }

// Clone returns an independent copy. Scalars copy trivially; arrays and
// objects are copied deeply (their elements are themselves
// Values, cloned recursively), matching the reference container's
// "cheap for small values, shared by reference for large ones"
// contract without needing a refcounted backing buffer for the shapes
// this engine actually carries (JSON-ish task payloads).
func (v Value) Clone() Value {
	switch v.Tag {
	case TagArray:
		src := v.Data.([]Value)
		dst := make([]Value, len(src))
		for i, e := range src {
			dst[i] = e.Clone()
		}
		return Value{Tag: TagArray, Data: dst}
	case TagObject:
		src := v.Data.(map[string]Value)
		dst := make(map[string]Value, len(src))
		for k, e := range src {
			dst[k] = e.Clone()
		}
		return Value{Tag: TagObject, Data: dst}
	default:
		return v
	}
}

// AsBool downcasts to bool, the only shape a branch condition may
// carry. Non-bool values return BranchTypeMismatch via the caller.
func (v Value) AsBool() (bool, bool) {
	if v.Tag != TagBool {
		return false, false
	}
	b, ok := v.Data.(bool)
	return b, ok
}

// AsInt downcasts to int32.
func (v Value) AsInt() (int32, bool) {
	if v.Tag != TagInt {
		return 0, false
	}
	i, ok := v.Data.(int32)
	return i, ok
}

// AsString downcasts to string.
func (v Value) AsString() (string, bool) {
	if v.Tag != TagString {
		return "", false
	}
	s, ok := v.Data.(string)
	return s, ok
}

// AsArray downcasts to a Value slice, the shape a stream task's output
// must have.
func (v Value) AsArray() ([]Value, bool) {
	if v.Tag != TagArray {
		return nil, false
	}
	a, ok := v.Data.([]Value)
	return a, ok
}

// Native converts a Value into a plain Go value (bool, int64, string,
// []any, map[string]any) suitable for handing to a generic expression
// evaluator, such as the CEL predicate evaluator in internal/predicate.
// Integers widen to int64 since that is CEL's native integer type.
func (v Value) Native() (any, error) {
	switch v.Tag {
	case TagUnit:
		return nil, nil
	case TagBool:
		b, _ := v.AsBool()
		return b, nil
	case TagInt:
		i, _ := v.AsInt()
		return int64(i), nil
	case TagString:
		s, _ := v.AsString()
		return s, nil
	case TagArray:
		arr, _ := v.AsArray()
		out := make([]any, len(arr))
		for i, e := range arr {
			n, err := e.Native()
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case TagObject:
		obj := v.Data.(map[string]Value)
		out := make(map[string]any, len(obj))
		for k, e := range obj {
			n, err := e.Native()
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value: native conversion: unknown tag %s", v.Tag)
	}
}

// jsonShape mirrors Value for wire transport; Tag travels as a string
// so the payload is legible to non-Go workers reading it off the queue.
type jsonShape struct {
	Tag  string          `json:"tag"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MarshalBinary serializes the Value to its transport byte form (JSON).
func (v Value) MarshalBinary() ([]byte, error) {
	var raw json.RawMessage
	var err error
	switch v.Tag {
	case TagUnit:
		raw = nil
	case TagArray:
		arr := v.Data.([]Value)
		encoded := make([]json.RawMessage, len(arr))
		for i, e := range arr {
			b, e2 := e.MarshalBinary()
			if e2 != nil {
				return nil, e2
			}
			encoded[i] = b
		}
		raw, err = json.Marshal(encoded)
	case TagObject:
		obj := v.Data.(map[string]Value)
		encoded := make(map[string]json.RawMessage, len(obj))
		for k, e := range obj {
			b, e2 := e.MarshalBinary()
			if e2 != nil {
				return nil, e2
			}
			encoded[k] = b
		}
		raw, err = json.Marshal(encoded)
	default:
		raw, err = json.Marshal(v.Data)
	}
	if err != nil {
		return nil, fmt.Errorf("value: marshal %s: %w", v.Tag, err)
	}
	return json.Marshal(jsonShape{Tag: v.Tag.String(), Data: raw})
}

// UnmarshalBinary reconstructs a Value from its transport byte form.
func (v *Value) UnmarshalBinary(data []byte) error {
	var shape jsonShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("value: unmarshal envelope: %w", err)
	}
	switch shape.Tag {
	case "unit":
		*v = Unit()
	case "bool":
		var b bool
		if err := json.Unmarshal(shape.Data, &b); err != nil {
			return fmt.Errorf("value: unmarshal bool: %w", err)
		}
		*v = Bool(b)
	case "int":
		var i int32
		if err := json.Unmarshal(shape.Data, &i); err != nil {
			return fmt.Errorf("value: unmarshal int: %w", err)
		}
		*v = Int(i)
	case "string":
		var s string
		if err := json.Unmarshal(shape.Data, &s); err != nil {
			return fmt.Errorf("value: unmarshal string: %w", err)
		}
		*v = String(s)
	case "array":
		var encoded []json.RawMessage
		if err := json.Unmarshal(shape.Data, &encoded); err != nil {
			return fmt.Errorf("value: unmarshal array: %w", err)
		}
		arr := make([]Value, len(encoded))
		for i, b := range encoded {
			if err := (&arr[i]).UnmarshalBinary(b); err != nil {
				return err
			}
		}
		*v = Array(arr)
	case "object":
		var encoded map[string]json.RawMessage
		if err := json.Unmarshal(shape.Data, &encoded); err != nil {
			return fmt.Errorf("value: unmarshal object: %w", err)
		}
		obj := make(map[string]Value, len(encoded))
		for k, b := range encoded {
			var elem Value
			if err := (&elem).UnmarshalBinary(b); err != nil {
				return err
			}
			obj[k] = elem
		}
		*v = Object(obj)
	default:
		return fmt.Errorf("value: unknown tag %q", shape.Tag)
	}
	return nil
}
