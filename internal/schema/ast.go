package schema

import (
	"fmt"
	"sort"
	"strings"
)

// PrimKind classifies the built-in scalar types of the header language.
type PrimKind uint8

const (
	PrimBool PrimKind = iota + 1
	PrimInt
	PrimUint
	PrimFloat
)

func (k PrimKind) String() string {
	switch k {
	case PrimBool:
		return "bool"
	case PrimInt:
		return "int"
	case PrimUint:
		return "uint"
	case PrimFloat:
		return "float"
	default:
		return fmt.Sprintf("PrimKind(%d)", uint8(k))
	}
}

// TypeKind is the tag of a TypeRef.
type TypeKind uint8

const (
	KindPrimitive TypeKind = iota + 1
	KindPointer
	KindReference
	KindArray
	KindNamed
	KindUnion
)

// ScopedName is a name joined by "::", outermost scope first.
type ScopedName []string

func (n ScopedName) String() string {
	return strings.Join(n, "::")
}

// TypeRef describes the type of a field as written in the header.
//
// Width 0 on a primitive means "platform pointer width" (size_t and friends);
// the layout step substitutes the configured value.
type TypeRef struct {
	Kind  TypeKind
	Const bool

	Prim  PrimKind
	Width int

	// Pointer, Reference and Array element type.
	Elem *TypeRef
	// Array length, evaluated during layout so it may use sizeof and
	// constants declared later in the document.
	Len Expr

	// Named type, and the scope it was written in for lookup.
	Name  ScopedName
	Scope ScopedName

	// Anonymous union members.
	Members []FieldDecl
}

func (t TypeRef) String() string {
	var s string
	switch t.Kind {
	case KindPrimitive:
		if t.Width == 0 {
			s = fmt.Sprintf("%s(ptr)", t.Prim)
		} else {
			s = fmt.Sprintf("%s%d", t.Prim, t.Width*8)
		}
	case KindPointer:
		s = t.Elem.String() + "*"
	case KindReference:
		s = t.Elem.String() + "&"
	case KindArray:
		s = fmt.Sprintf("%s[%s]", t.Elem, t.Len)
	case KindNamed:
		s = t.Name.String()
	case KindUnion:
		parts := make([]string, len(t.Members))
		for i, m := range t.Members {
			parts[i] = m.Type.String() + " " + m.Name
		}
		s = "union{" + strings.Join(parts, "; ") + "}"
	default:
		s = "?"
	}
	if t.Const {
		return "const " + s
	}
	return s
}

// FieldDecl is a data member of a struct in declaration order. Base class
// subobjects and anonymous unions are Anonymous: their members are addressed
// as if declared in the enclosing struct.
type FieldDecl struct {
	Name      string
	Type      TypeRef
	Index     int
	Anonymous bool
	Pos       Pos
}

// StructDecl is a struct definition. Methods, constructors and static
// members never show up in Fields.
type StructDecl struct {
	Name   string
	Fields []FieldDecl
	Pos    Pos
}

// EnumVariant is one enumerator. Implicit values are stored as the previous
// value plus one.
type EnumVariant struct {
	Name  string
	Value Expr
}

// EnumDecl is an enum or enum class definition.
type EnumDecl struct {
	Name     string
	Variants []EnumVariant
	// Underlying is the declared integral base, nil for the 4-byte default.
	Underlying *TypeRef
	Pos        Pos
}

// Schema holds every declaration found in a header, keyed by fully
// qualified name. Named references inside it are resolved by lookup, never
// by pointer, so forward references and cycles are representable.
type Schema struct {
	Structs  map[string]*StructDecl
	Enums    map[string]*EnumDecl
	Typedefs map[string]TypeRef
	Consts   map[string]Expr

	// Struct names in declaration order.
	Order []string
}

func newSchema() *Schema {
	return &Schema{
		Structs:  make(map[string]*StructDecl),
		Enums:    make(map[string]*EnumDecl),
		Typedefs: make(map[string]TypeRef),
		Consts:   make(map[string]Expr),
	}
}

// Decl is the result of resolving a ScopedName.
type Decl struct {
	Qualified string
	Struct    *StructDecl
	Enum      *EnumDecl
	Typedef   *TypeRef
}

// Lookup resolves name as written inside scope, trying the innermost
// enclosing scope first like a C++ compiler would.
func (s *Schema) Lookup(scope, name ScopedName) (Decl, bool) {
	if len(name) > 0 && name[0] == "" {
		return s.lookupQualified(name[1:].String())
	}
	for i := len(scope); i >= 0; i-- {
		q := append(append(ScopedName{}, scope[:i]...), name...).String()
		if d, ok := s.lookupQualified(q); ok {
			return d, true
		}
	}
	return Decl{}, false
}

func (s *Schema) lookupQualified(q string) (Decl, bool) {
	if st, ok := s.Structs[q]; ok {
		return Decl{Qualified: q, Struct: st}, true
	}
	if en, ok := s.Enums[q]; ok {
		return Decl{Qualified: q, Enum: en}, true
	}
	if td, ok := s.Typedefs[q]; ok {
		return Decl{Qualified: q, Typedef: &td}, true
	}
	return Decl{}, false
}

// LookupConst resolves a constant: an enumerator or a static constexpr
// member. Enumerators of unscoped enums are visible in the enclosing scope.
func (s *Schema) LookupConst(scope, name ScopedName) (Expr, string, bool) {
	for i := len(scope); i >= 0; i-- {
		q := append(append(ScopedName{}, scope[:i]...), name...).String()
		if e, ok := s.Consts[q]; ok {
			return e, q, true
		}
	}
	return nil, "", false
}

// Roots returns the structs that no other struct embeds by value, in
// declaration order. These are the default loggable structs.
func (s *Schema) Roots() []string {
	used := make(map[string]bool)
	for _, name := range s.Order {
		st := s.Structs[name]
		for _, f := range st.Fields {
			s.markUsed(f.Type, used, 0)
		}
	}
	var roots []string
	for _, name := range s.Order {
		if !used[name] {
			roots = append(roots, name)
		}
	}
	return roots
}

func (s *Schema) markUsed(t TypeRef, used map[string]bool, depth int) {
	if depth > 64 {
		return
	}
	switch t.Kind {
	case KindArray:
		s.markUsed(*t.Elem, used, depth+1)
	case KindUnion:
		for _, m := range t.Members {
			s.markUsed(m.Type, used, depth+1)
		}
	case KindNamed:
		d, ok := s.Lookup(t.Scope, t.Name)
		if !ok {
			return
		}
		switch {
		case d.Struct != nil:
			used[d.Qualified] = true
		case d.Typedef != nil:
			s.markUsed(*d.Typedef, used, depth+1)
		}
	}
}

// StructNames lists every struct, sorted.
func (s *Schema) StructNames() []string {
	names := make([]string, 0, len(s.Structs))
	for n := range s.Structs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func scopeOf(qualified string) ScopedName {
	parts := strings.Split(qualified, "::")
	return ScopedName(parts[:len(parts)-1])
}

// ScopeOf returns the scope a qualified declaration name lives in.
func ScopeOf(qualified string) ScopedName {
	return scopeOf(qualified)
}
