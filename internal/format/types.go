package format

import (
	"fmt"
	"strings"
)

// Kind is the category of a laid-out type.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindFloat
	KindEnum
	KindArray
	KindStruct
	KindUnion
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindUnion:
		return "union"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Type is a fully resolved type with its size and alignment. Types are
// immutable once constructed and may be shared between formats.
type Type struct {
	Kind  Kind
	Name  string
	Size  int
	Align int

	// KindInt
	Signed  bool
	Pointer bool

	// KindArray
	Elem  *Type
	Count int

	// KindStruct and KindUnion, in declaration order
	Fields []Field

	// KindEnum
	Values []EnumValue
}

// Field is a laid-out member. Offset is a multiple of Type.Align.
type Field struct {
	Name      string
	Index     int
	Offset    int
	Anonymous bool
	Type      *Type
}

func (f Field) Size() int  { return f.Type.Size }
func (f Field) Align() int { return f.Type.Align }

// EnumValue is one enumerator of an enum type.
type EnumValue struct {
	Name  string
	Value int64
}

// Member is the input to Struct and Union.
type Member struct {
	Name      string
	Anonymous bool
	Type      *Type
}

// Bool returns the one-byte boolean type.
func Bool() *Type {
	return &Type{Kind: KindBool, Size: 1, Align: 1}
}

// Int returns an integer of size bytes aligned to align (0 means size).
func Int(size int, signed bool, align int) *Type {
	return &Type{Kind: KindInt, Size: size, Align: alignOr(align, size), Signed: signed}
}

// Pointer returns an unsigned integer of the pointer width.
func Pointer(width, align int) *Type {
	t := Int(width, false, align)
	t.Pointer = true
	return t
}

// Float returns a 4 or 8 byte IEEE 754 type.
func Float(size, align int) *Type {
	return &Type{Kind: KindFloat, Size: size, Align: alignOr(align, size)}
}

// Enum returns an enum stored as a size byte discriminant.
func Enum(name string, size, align int, values []EnumValue) *Type {
	vs := append([]EnumValue(nil), values...)
	return &Type{Kind: KindEnum, Name: name, Size: size, Align: alignOr(align, size), Values: vs}
}

// Array returns count consecutive elements.
func Array(elem *Type, count int) *Type {
	return &Type{Kind: KindArray, Size: elem.Size * count, Align: elem.Align, Elem: elem, Count: count}
}

// Struct lays members out in order, padding each to its alignment and the
// whole struct to the widest member alignment.
func Struct(name string, members []Member) *Type {
	t := &Type{Kind: KindStruct, Name: name, Align: 1}
	off := 0
	for i, m := range members {
		a := m.Type.Align
		if a < 1 {
			a = 1
		}
		off = alignUp(off, a)
		t.Fields = append(t.Fields, Field{Name: m.Name, Index: i, Offset: off, Anonymous: m.Anonymous, Type: m.Type})
		off += m.Type.Size
		if a > t.Align {
			t.Align = a
		}
	}
	if len(members) == 0 {
		// an empty struct still occupies a byte
		off = 1
	}
	t.Size = alignUp(off, t.Align)
	return t
}

// Union overlays members at offset zero.
func Union(name string, members []Member) *Type {
	t := &Type{Kind: KindUnion, Name: name, Align: 1}
	size := 0
	for i, m := range members {
		t.Fields = append(t.Fields, Field{Name: m.Name, Index: i, Anonymous: m.Anonymous, Type: m.Type})
		if m.Type.Size > size {
			size = m.Type.Size
		}
		if m.Type.Align > t.Align {
			t.Align = m.Type.Align
		}
	}
	t.Size = alignUp(size, t.Align)
	return t
}

// IsScalar reports whether values of t occupy a single column.
func (t *Type) IsScalar() bool {
	switch t.Kind {
	case KindBool, KindInt, KindFloat, KindEnum:
		return true
	}
	return false
}

// EnumName returns the enumerator for v.
func (t *Type) EnumName(v int64) (string, bool) {
	for _, ev := range t.Values {
		if ev.Value == v {
			return ev.Name, true
		}
	}
	return "", false
}

func (t *Type) String() string {
	switch t.Kind {
	case KindBool:
		return "bool"
	case KindInt:
		if t.Pointer {
			return fmt.Sprintf("ptr%d", t.Size*8)
		}
		if t.Signed {
			return fmt.Sprintf("int%d", t.Size*8)
		}
		return fmt.Sprintf("uint%d", t.Size*8)
	case KindFloat:
		return fmt.Sprintf("float%d", t.Size*8)
	case KindEnum:
		if t.Name != "" {
			return "enum " + t.Name
		}
		return "enum"
	case KindArray:
		return fmt.Sprintf("%s[%d]", t.Elem, t.Count)
	case KindStruct, KindUnion:
		if t.Name != "" {
			return t.Kind.String() + " " + t.Name
		}
		parts := make([]string, len(t.Fields))
		for i, f := range t.Fields {
			parts[i] = f.Type.String() + " " + f.Name
		}
		return t.Kind.String() + "{" + strings.Join(parts, "; ") + "}"
	}
	return "?"
}

func alignOr(align, size int) int {
	if align > 0 {
		return align
	}
	if size < 1 {
		return 1
	}
	return size
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
