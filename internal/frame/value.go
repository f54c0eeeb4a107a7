package frame

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the type of a column.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindUint
	KindFloat
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindEnum:
		return "enum"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := KindBool; k <= KindEnum; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown column kind %q", s)
}

// Value is one nullable cell. Nullness is a separate flag, so every bit
// pattern of the payload remains a legal non-null value.
type Value struct {
	kind  Kind
	valid bool
	bits  uint64
	label string
}

// Null returns the null of kind k.
func Null(k Kind) Value { return Value{kind: k} }

func Bool(b bool) Value {
	v := Value{kind: KindBool, valid: true}
	if b {
		v.bits = 1
	}
	return v
}

func Int(i int64) Value { return Value{kind: KindInt, valid: true, bits: uint64(i)} }

func Uint(u uint64) Value { return Value{kind: KindUint, valid: true, bits: u} }

func Float(f float64) Value { return Value{kind: KindFloat, valid: true, bits: math.Float64bits(f)} }

// Enum is a named enumerator.
func Enum(label string) Value { return Value{kind: KindEnum, valid: true, label: label} }

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return !v.valid }
func (v Value) Bool() bool     { return v.bits != 0 }
func (v Value) Int() int64     { return int64(v.bits) }
func (v Value) Uint() uint64   { return v.bits }
func (v Value) Float() float64 { return math.Float64frombits(v.bits) }
func (v Value) Label() string  { return v.label }

// Number converts a numeric or boolean value to float64.
func (v Value) Number() (float64, bool) {
	if !v.valid {
		return 0, false
	}
	switch v.kind {
	case KindBool, KindUint:
		return float64(v.bits), true
	case KindInt:
		return float64(int64(v.bits)), true
	case KindFloat:
		return v.Float(), true
	}
	return 0, false
}

// String formats v the way CSV cells are written; null is empty.
func (v Value) String() string {
	if !v.valid {
		return ""
	}
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindUint:
		return strconv.FormatUint(v.bits, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindEnum:
		return v.label
	}
	return "?"
}

// ParseValue reads s as a value of kind k. The empty string is null.
func ParseValue(k Kind, s string) (Value, error) {
	if s == "" {
		return Null(k), nil
	}
	switch k {
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	case KindInt:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return Value{}, err
		}
		return Int(i), nil
	case KindUint:
		u, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return Value{}, err
		}
		return Uint(u), nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return Value{}, err
		}
		return Float(f), nil
	case KindEnum:
		return Enum(s), nil
	}
	return Value{}, fmt.Errorf("unknown column kind %d", k)
}

// Compare orders a before b. Nulls come before every non-null value.
// Values of different numeric kinds compare by magnitude; floats use a
// total order with NaN first.
func Compare(a, b Value) int {
	switch {
	case !a.valid && !b.valid:
		return 0
	case !a.valid:
		return -1
	case !b.valid:
		return 1
	}
	if a.kind == b.kind {
		switch a.kind {
		case KindBool, KindUint:
			return cmp.Compare(a.bits, b.bits)
		case KindInt:
			return cmp.Compare(int64(a.bits), int64(b.bits))
		case KindFloat:
			return cmp.Compare(a.Float(), b.Float())
		case KindEnum:
			return strings.Compare(a.label, b.label)
		}
	}
	if a.kind == KindInt && b.kind == KindUint {
		if int64(a.bits) < 0 {
			return -1
		}
		return cmp.Compare(a.bits, b.bits)
	}
	if a.kind == KindUint && b.kind == KindInt {
		return -Compare(b, a)
	}
	af, aok := a.Number()
	bf, bok := b.Number()
	if aok && bok {
		return cmp.Compare(af, bf)
	}
	return strings.Compare(a.String(), b.String())
}

// Equal reports whether a and b are the same non-null value. A null is
// never equal to anything, including another null.
func Equal(a, b Value) bool {
	if !a.valid || !b.valid {
		return false
	}
	if a.kind == KindFloat || b.kind == KindFloat {
		af, aok := a.Number()
		bf, bok := b.Number()
		return aok && bok && af == bf
	}
	return Compare(a, b) == 0
}

// Identical reports whether a and b have the same kind, nullness and
// payload. Unlike Equal it treats two nulls as identical.
func Identical(a, b Value) bool {
	return a.kind == b.kind && a.valid == b.valid && (!a.valid || a.bits == b.bits && a.label == b.label)
}
