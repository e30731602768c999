// Package expression compiles and evaluates the scalar expressions embedded
// in behavior documents (conditions, assignments, action costs, goal
// predicates). It is used twice: by the compiler for static type checks and
// constant folding, and by the VM for per-tick evaluation against the
// variable-provider registry.
package expression

import (
	"math"
	"strconv"
)

// Value is the uniform scalar the operand stack is made of. It is a single
// fixed-width float64; booleans are encoded as 0/1 and strings as
// NaN-boxed string-table indices, so the stack stays homogeneous and no
// value is ever boxed per evaluation.
type Value float64

// strTag marks a quiet NaN carrying a string-table index in its low 32
// bits. A genuine arithmetic NaN (0x7FF8...) does not match this mask, so
// the not-a-number sentinel and string references never collide.
const strTag uint64 = 0x7FFC_0000_0000_0000

// NaN is the defined not-a-number sentinel propagated by invalid numeric
// operations instead of an error.
func NaN() Value { return Value(math.NaN()) }

// Number wraps a float64.
func Number(f float64) Value {
	if math.IsInf(f, 0) {
		return NaN()
	}
	return Value(f)
}

// Bool encodes a boolean as 0 or 1.
func Bool(b bool) Value {
	if b {
		return 1
	}
	return 0
}

// String encodes a string-table index.
func String(idx int) Value {
	return Value(math.Float64frombits(strTag | uint64(uint32(idx))))
}

// IsString reports whether v carries a string-table index.
func (v Value) IsString() bool {
	return math.Float64bits(float64(v))&strTag == strTag
}

// StringIndex returns the string-table index carried by a string value.
func (v Value) StringIndex() int {
	return int(uint32(math.Float64bits(float64(v))))
}

// IsNaN reports whether v is the not-a-number sentinel.
func (v Value) IsNaN() bool {
	return math.IsNaN(float64(v)) && !v.IsString()
}

// Float returns the numeric payload. String values and the NaN sentinel
// have no meaningful numeric payload.
func (v Value) Float() float64 { return float64(v) }

// Truthy reports the boolean reading of v: nonzero numbers are true, the
// NaN sentinel and string references are false.
func (v Value) Truthy() bool {
	if v.IsString() || v.IsNaN() {
		return false
	}
	return v != 0
}

// Format renders v for debug output, resolving strings through the
// supplied table when possible.
func (v Value) Format(strings []string) string {
	switch {
	case v.IsString():
		if i := v.StringIndex(); i >= 0 && i < len(strings) {
			return strconv.Quote(strings[i])
		}
		return "str(" + strconv.Itoa(v.StringIndex()) + ")"
	case v.IsNaN():
		return "NaN"
	default:
		return strconv.FormatFloat(float64(v), 'g', -1, 64)
	}
}

// Type is the static type of a declared variable or expression.
type Type uint8

const (
	TypeNumber Type = iota
	TypeBool
	TypeString
)

// String returns the authoring-format spelling of the type.
func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "number"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	default:
		return "invalid"
	}
}

// ParseType parses an authoring-format type name.
func ParseType(s string) (Type, bool) {
	switch s {
	case "number", "float", "int":
		return TypeNumber, true
	case "bool", "boolean":
		return TypeBool, true
	case "string":
		return TypeString, true
	default:
		return 0, false
	}
}

// Zero returns the zero value of a type. String zero interns index 0.
func (t Type) Zero() Value {
	switch t {
	case TypeBool:
		return Bool(false)
	case TypeString:
		return String(0)
	default:
		return Number(0)
	}
}
