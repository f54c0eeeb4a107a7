package format

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"example.com/telemlog/internal/schema"
)

// Options fixes the target ABI. The log is produced on the device, so these
// describe the device, not the host running the decoder.
type Options struct {
	// PointerWidth is the size of pointers, references, size_t and long on
	// the target: 2, 4 or 8.
	PointerWidth int
	// MaxAlign caps natural alignment. 8 matches common 32- and 64-bit ABIs.
	MaxAlign int
}

// DefaultOptions targets a 32-bit embedded device.
func DefaultOptions() Options {
	return Options{PointerWidth: 4, MaxAlign: 8}
}

// Validate checks the pointer width and alignment cap.
func (o Options) Validate() error {
	switch o.PointerWidth {
	case 2, 4, 8:
	default:
		return &LayoutError{Msg: fmt.Sprintf("pointer width %d not in {2, 4, 8}", o.PointerWidth)}
	}
	if o.MaxAlign < 1 || o.MaxAlign&(o.MaxAlign-1) != 0 {
		return &LayoutError{Msg: fmt.Sprintf("max alignment %d is not a power of two", o.MaxAlign)}
	}
	return nil
}

// Root selects a loggable struct and its determinant.
type Root struct {
	Name        string
	Determinant uint32
}

// ParseRoots reads "Imu=1,Gps,Status=7". Roots without an explicit
// determinant get the smallest unused value starting at 1.
func ParseRoots(spec string) ([]Root, error) {
	var roots []Root
	var pending []int
	used := map[uint32]bool{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, det, hasDet := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("root %q: missing struct name", part)
		}
		r := Root{Name: name}
		if hasDet {
			v, err := strconv.ParseUint(strings.TrimSpace(det), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("root %q: bad determinant: %w", part, err)
			}
			if used[uint32(v)] {
				return nil, fmt.Errorf("root %q: determinant %d already used", part, v)
			}
			r.Determinant = uint32(v)
			used[r.Determinant] = true
		} else {
			pending = append(pending, len(roots))
		}
		roots = append(roots, r)
	}
	next := uint32(1)
	for _, i := range pending {
		for used[next] {
			next++
		}
		roots[i].Determinant = next
		used[next] = true
	}
	return roots, nil
}

// DefaultRoots numbers the structs that nothing else embeds from 1 in
// declaration order.
func DefaultRoots(s *schema.Schema) []Root {
	names := s.Roots()
	roots := make([]Root, len(names))
	for i, n := range names {
		roots[i] = Root{Name: n, Determinant: uint32(i + 1)}
	}
	return roots
}

// Layout computes the byte layout of every root and everything reachable
// from it. An empty roots list means DefaultRoots.
func Layout(s *schema.Schema, roots []Root, opts Options) (*Format, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		roots = DefaultRoots(s)
	}
	if len(roots) == 0 {
		return nil, &LayoutError{Msg: "schema declares no structs"}
	}
	l := newLayouter(s, opts)
	variants := make([]*Variant, 0, len(roots))
	for _, r := range roots {
		q, err := l.findStruct(r.Name)
		if err != nil {
			return nil, err
		}
		t, err := l.structType(q)
		if err != nil {
			return nil, err
		}
		variants = append(variants, &Variant{Name: q, Determinant: r.Determinant, Type: t})
	}
	return New(variants)
}

// LayoutStruct lays out a single struct.
func LayoutStruct(s *schema.Schema, name string, opts Options) (*Type, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	l := newLayouter(s, opts)
	q, err := l.findStruct(name)
	if err != nil {
		return nil, err
	}
	return l.structType(q)
}

type layouter struct {
	s    *schema.Schema
	opts Options

	structs map[string]*Type
	enums   map[string]*Type
	// structs currently being laid out, outermost first
	stack  []string
	consts map[string]bool

	curStruct, curField string
}

func newLayouter(s *schema.Schema, opts Options) *layouter {
	return &layouter{
		s:       s,
		opts:    opts,
		structs: make(map[string]*Type),
		enums:   make(map[string]*Type),
		consts:  make(map[string]bool),
	}
}

func (l *layouter) fail(err error, format string, args ...any) *LayoutError {
	return &LayoutError{Struct: l.curStruct, Field: l.curField, Msg: fmt.Sprintf(format, args...), Err: err}
}

// findStruct accepts a qualified name or a bare name that is unique across
// namespaces.
func (l *layouter) findStruct(name string) (string, error) {
	name = strings.TrimPrefix(name, "::")
	if _, ok := l.s.Structs[name]; ok {
		return name, nil
	}
	var matches []string
	for q := range l.s.Structs {
		if q == name || strings.HasSuffix(q, "::"+name) {
			matches = append(matches, q)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", &LayoutError{Struct: name, Msg: "no such struct", Err: ErrUnresolved}
	}
	sort.Strings(matches)
	return "", &LayoutError{Struct: name, Msg: "ambiguous, candidates " + strings.Join(matches, ", "), Err: ErrUnresolved}
}

func (l *layouter) structType(q string) (*Type, error) {
	if t, ok := l.structs[q]; ok {
		return t, nil
	}
	for i, name := range l.stack {
		if name == q {
			chain := append(append([]string{}, l.stack[i:]...), q)
			return nil, &LayoutError{Struct: q, Msg: "contains itself by value: " + strings.Join(chain, " -> "), Err: ErrCycle}
		}
	}
	decl := l.s.Structs[q]
	l.stack = append(l.stack, q)
	savedStruct, savedField := l.curStruct, l.curField
	defer func() {
		l.stack = l.stack[:len(l.stack)-1]
		l.curStruct, l.curField = savedStruct, savedField
	}()
	l.curStruct = q

	members := make([]Member, 0, len(decl.Fields))
	for _, f := range decl.Fields {
		l.curField = f.Name
		t, err := l.resolve(f.Type, 0)
		if err != nil {
			return nil, err
		}
		members = append(members, Member{Name: f.Name, Anonymous: f.Anonymous, Type: t})
	}
	t := Struct(q, members)
	l.structs[q] = t
	return t, nil
}

func (l *layouter) capAlign(a int) int {
	if a > l.opts.MaxAlign {
		return l.opts.MaxAlign
	}
	return a
}

func (l *layouter) width(w int) int {
	if w == 0 {
		return l.opts.PointerWidth
	}
	return w
}

// resolve maps a written type to its laid-out form. depth bounds typedef
// chains, which cannot recurse through structs.
func (l *layouter) resolve(t schema.TypeRef, depth int) (*Type, error) {
	if depth > 32 {
		return nil, l.fail(ErrCycle, "typedef chain too deep at %s", t)
	}
	switch t.Kind {
	case schema.KindPrimitive:
		w := l.width(t.Width)
		switch t.Prim {
		case schema.PrimBool:
			if w == 1 {
				return Bool(), nil
			}
			return Int(w, false, l.capAlign(w)), nil
		case schema.PrimFloat:
			if w != 4 && w != 8 {
				return nil, l.fail(nil, "unsupported float width %d", w)
			}
			return Float(w, l.capAlign(w)), nil
		default:
			return Int(w, t.Prim == schema.PrimInt, l.capAlign(w)), nil
		}
	case schema.KindPointer, schema.KindReference:
		// pointees are never followed, so self-referential lists are fine
		return Pointer(l.opts.PointerWidth, l.capAlign(l.opts.PointerWidth)), nil
	case schema.KindArray:
		n, err := schema.Eval(t.Len, l)
		if err != nil {
			var le *LayoutError
			if errors.As(err, &le) {
				return nil, err
			}
			return nil, l.fail(nil, "array length %s: %v", t.Len, err)
		}
		if n < 0 {
			return nil, l.fail(nil, "negative array length %d", n)
		}
		elem, err := l.resolve(*t.Elem, depth)
		if err != nil {
			return nil, err
		}
		return Array(elem, int(n)), nil
	case schema.KindUnion:
		members := make([]Member, 0, len(t.Members))
		for _, m := range t.Members {
			mt, err := l.resolve(m.Type, depth)
			if err != nil {
				return nil, err
			}
			members = append(members, Member{Name: m.Name, Type: mt})
		}
		return Union("", members), nil
	case schema.KindNamed:
		if len(t.Name) == 1 && t.Name[0] == "void" {
			return nil, l.fail(nil, "field of type void")
		}
		d, ok := l.s.Lookup(t.Scope, t.Name)
		if !ok {
			return nil, l.fail(ErrUnresolved, "unknown type %s", t.Name)
		}
		switch {
		case d.Struct != nil:
			return l.structType(d.Qualified)
		case d.Enum != nil:
			return l.enumType(d.Qualified, d.Enum)
		case d.Typedef != nil:
			return l.resolve(*d.Typedef, depth+1)
		}
	}
	return nil, l.fail(nil, "unsupported type %s", t)
}

func (l *layouter) enumType(q string, decl *schema.EnumDecl) (*Type, error) {
	if t, ok := l.enums[q]; ok {
		return t, nil
	}
	size := 4
	if decl.Underlying != nil {
		size = l.width(decl.Underlying.Width)
	}
	values := make([]EnumValue, 0, len(decl.Variants))
	for _, v := range decl.Variants {
		n, err := schema.Eval(v.Value, l)
		if err != nil {
			var le *LayoutError
			if errors.As(err, &le) {
				return nil, err
			}
			return nil, l.fail(nil, "enumerator %s::%s: %v", q, v.Name, err)
		}
		values = append(values, EnumValue{Name: v.Name, Value: n})
	}
	t := Enum(q, size, l.capAlign(size), values)
	l.enums[q] = t
	return t, nil
}

// Sizeof implements schema.Evaluator.
func (l *layouter) Sizeof(t schema.TypeRef) (int64, error) {
	rt, err := l.resolve(t, 0)
	if err != nil {
		return 0, err
	}
	return int64(rt.Size), nil
}

// Const implements schema.Evaluator.
func (l *layouter) Const(scope, name schema.ScopedName) (int64, error) {
	e, q, ok := l.s.LookupConst(scope, name)
	if !ok {
		return 0, l.fail(ErrUnresolved, "unknown constant %s", name)
	}
	if l.consts[q] {
		return 0, l.fail(ErrCycle, "constant %s defined in terms of itself", q)
	}
	l.consts[q] = true
	defer delete(l.consts, q)
	return schema.Eval(e, l)
}
