// Package serdes defines the pluggable value<->string serializer contract
// spec.md §4.A specifies, plus an encoding/json-backed default
// implementation. No teacher sub-package provides a pluggable serializer
// directly; the interface shape (one required pair of methods, one
// optional third for exceptions, "implementations must have sane
// zero-value behavior") follows the general interface-with-optional-extras
// idiom the teacher's logiface.Event uses throughout
// (_examples/joeycumines-go-utilpkg/logiface/logiface.go).
package serdes

import (
	"encoding/json"
	"fmt"
	"math"
)

// Serializer converts values to and from their string wire form (spec.md
// §4.A). Serialize and Deserialize are total (they report failure via
// error, never panic) and must round-trip for every payload type the user
// declares (spec.md §8 "Round-trip laws").
type Serializer interface {
	Serialize(value any) (string, error)
	Deserialize(data string, target any) error
}

// ExceptionSerializer is the optional third operation spec.md §4.A
// describes: (de)serializing an original exception object for
// cross-invocation reconstruction. Its absence is tolerated; callers fall
// back to a generic wrapper (see errorsx.StepFailedError).
type ExceptionSerializer interface {
	SerializeException(err error) (string, error)
	DeserializeException(data string) (error, error)
}

// JSON is the default Serializer, backed by encoding/json. It does not
// implement ExceptionSerializer: without a registry of concrete exception
// types to deserialize into, JSON alone cannot reconstruct an arbitrary
// Go error value, so callers needing exception round-tripping must supply
// their own ExceptionSerializer (e.g. backed by a type registry).
type JSON struct{}

func (JSON) Serialize(value any) (string, error) {
	b, err := json.Marshal(sanitizeFloats(value))
	if err != nil {
		return "", fmt.Errorf("serdes: json marshal: %w", err)
	}
	return string(b), nil
}

func (JSON) Deserialize(data string, target any) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("serdes: json unmarshal: %w", err)
	}
	return nil
}

// sanitizeFloats recursively rewrites NaN/+Inf/-Inf floats into the
// string tokens encoding/json otherwise refuses to marshal, adapted from
// _teacher_seed/jsonenc/number.go's NaN/Infinity token convention
// (joeycumines-go-utilpkg/jsonenc). Only bare float64/float32 values,
// map[string]any and []any are walked; a non-finite float inside a struct
// or a typed map or slice is left as is, and encoding/json rejects it.
func sanitizeFloats(value any) any {
	switch v := value.(type) {
	case float64:
		return sanitizeFloat64(v)
	case float32:
		return sanitizeFloat64(float64(v))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, vv := range v {
			out[k] = sanitizeFloats(vv)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, vv := range v {
			out[i] = sanitizeFloats(vv)
		}
		return out
	default:
		return value
	}
}

func sanitizeFloat64(v float64) any {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	default:
		return v
	}
}
