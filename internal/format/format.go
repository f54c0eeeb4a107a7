package format

import (
	"fmt"
	"strconv"
	"sync"
)

// Variant is one loggable struct and the determinant that tags it in the
// stream.
type Variant struct {
	Name        string
	Determinant uint32
	Type        *Type

	leaves []Leaf
}

// Leaf is a scalar inside a variant, addressed by its dotted path
// ("Imu.accel[2]") and its byte offset from the start of the record body.
type Leaf struct {
	Path   string
	Offset int
	Type   *Type
}

// Leaves lists the scalars of v in layout order.
func (v *Variant) Leaves() []Leaf {
	return v.leaves
}

// Size is the number of body bytes following the record header.
func (v *Variant) Size() int {
	return v.Type.Size
}

// Format is a laid-out schema: the set of variants a log may contain.
// It is immutable after New and safe for concurrent use.
type Format struct {
	Variants []*Variant

	byDet map[uint32]*Variant

	fpOnce sync.Once
	fp     Fingerprint
}

// New validates variants and builds the determinant index.
func New(variants []*Variant) (*Format, error) {
	f := &Format{byDet: make(map[uint32]*Variant, len(variants))}
	names := make(map[string]bool, len(variants))
	for _, v := range variants {
		if v == nil || v.Type == nil {
			return nil, fmt.Errorf("%w: nil variant", ErrLayout)
		}
		if v.Type.Kind != KindStruct {
			return nil, fmt.Errorf("%w: variant %s is a %s, not a struct", ErrLayout, v.Name, v.Type.Kind)
		}
		if names[v.Name] {
			return nil, fmt.Errorf("%w: duplicate variant %s", ErrLayout, v.Name)
		}
		if prev, dup := f.byDet[v.Determinant]; dup {
			return nil, fmt.Errorf("%w: variants %s and %s share determinant %d", ErrLayout, prev.Name, v.Name, v.Determinant)
		}
		names[v.Name] = true
		nv := &Variant{Name: v.Name, Determinant: v.Determinant, Type: v.Type}
		nv.leaves = flatten(nil, nv.Type, nv.Name, 0)
		f.byDet[v.Determinant] = nv
		f.Variants = append(f.Variants, nv)
	}
	return f, nil
}

// Lookup returns the variant tagged det.
func (f *Format) Lookup(det uint32) (*Variant, bool) {
	v, ok := f.byDet[det]
	return v, ok
}

// Variant returns the variant called name.
func (f *Format) Variant(name string) (*Variant, bool) {
	for _, v := range f.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// MaxSize is the largest variant body size.
func (f *Format) MaxSize() int {
	max := 0
	for _, v := range f.Variants {
		if v.Size() > max {
			max = v.Size()
		}
	}
	return max
}

// flatten expands structs, unions and arrays into scalar leaves. A union
// contributes only its first member.
func flatten(out []Leaf, t *Type, path string, base int) []Leaf {
	switch t.Kind {
	case KindStruct:
		for _, f := range t.Fields {
			p := path
			if !f.Anonymous {
				p = path + "." + f.Name
			}
			out = flatten(out, f.Type, p, base+f.Offset)
		}
	case KindUnion:
		if len(t.Fields) > 0 {
			f := t.Fields[0]
			out = flatten(out, f.Type, path+"."+f.Name, base)
		}
	case KindArray:
		for i := 0; i < t.Count; i++ {
			out = flatten(out, t.Elem, path+"["+strconv.Itoa(i)+"]", base+i*t.Elem.Size)
		}
	default:
		out = append(out, Leaf{Path: path, Offset: base, Type: t})
	}
	return out
}
