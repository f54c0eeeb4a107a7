package format

import (
	"encoding/binary"
	"fmt"
)

// Inline block type tags, stored in the top three bits of a type byte.
const (
	tagInt    = 0b000 << 5
	tagBool   = 0b001 << 5
	tagFloat  = 0b010 << 5
	tagStruct = 0b011 << 5
	tagArray  = 0b100 << 5
	tagEnum   = 0b101 << 5
	tagUnion  = 0b110 << 5

	tagMask    = 0b111 << 5
	intSigned  = 0x10
	intSize    = 0x0f
	countMask  = 0x1f
	countWide  = 0x1f // a u16 LE count follows
	maxPascal  = 255
	maxDetByte = 255
)

// EncodeInline writes the self-describing format block. Determinants must
// fit in a byte and enums must be 4 bytes wide. Pointers are written as
// unsigned integers.
func (f *Format) EncodeInline() ([]byte, error) {
	if len(f.Variants) > 255 {
		return nil, fmt.Errorf("%w: %d variants, at most 255 fit", ErrInline, len(f.Variants))
	}
	b := []byte{byte(len(f.Variants))}
	for _, v := range f.Variants {
		if v.Determinant > maxDetByte {
			return nil, fmt.Errorf("%w: variant %s determinant %d does not fit a byte", ErrInline, v.Name, v.Determinant)
		}
		b = append(b, byte(v.Determinant))
		var err error
		if b, err = appendPascal(b, v.Name); err != nil {
			return nil, err
		}
		if b, err = encodeType(b, v.Type); err != nil {
			return nil, fmt.Errorf("variant %s: %w", v.Name, err)
		}
	}
	return b, nil
}

func appendPascal(b []byte, s string) ([]byte, error) {
	if len(s) > maxPascal {
		return nil, fmt.Errorf("%w: name %.16q... longer than %d bytes", ErrInline, s, maxPascal)
	}
	b = append(b, byte(len(s)))
	return append(b, s...), nil
}

func appendTagCount(b []byte, tag byte, n int) ([]byte, error) {
	if n < countWide {
		return append(b, tag|byte(n)), nil
	}
	if n > 0xffff {
		return nil, fmt.Errorf("%w: count %d too large", ErrInline, n)
	}
	b = append(b, tag|countWide)
	return binary.LittleEndian.AppendUint16(b, uint16(n)), nil
}

func encodeType(b []byte, t *Type) ([]byte, error) {
	var err error
	switch t.Kind {
	case KindBool:
		return append(b, tagBool), nil
	case KindInt:
		if t.Size > intSize {
			return nil, fmt.Errorf("%w: integer of %d bytes", ErrInline, t.Size)
		}
		c := byte(tagInt | t.Size)
		if t.Signed {
			c |= intSigned
		}
		return append(b, c), nil
	case KindFloat:
		return append(b, tagFloat|byte(t.Size)), nil
	case KindEnum:
		if t.Size != 4 {
			return nil, fmt.Errorf("%w: enum %s is %d bytes, only 4 can be embedded", ErrInline, t.Name, t.Size)
		}
		if b, err = appendTagCount(b, tagEnum, len(t.Values)); err != nil {
			return nil, err
		}
		for _, v := range t.Values {
			b = binary.LittleEndian.AppendUint32(b, uint32(v.Value))
			if b, err = appendPascal(b, v.Name); err != nil {
				return nil, err
			}
		}
		return b, nil
	case KindArray:
		if b, err = appendTagCount(b, tagArray, t.Count); err != nil {
			return nil, err
		}
		return encodeType(b, t.Elem)
	case KindStruct, KindUnion:
		tag := byte(tagStruct)
		if t.Kind == KindUnion {
			tag = tagUnion
		}
		if b, err = appendTagCount(b, tag, len(t.Fields)); err != nil {
			return nil, err
		}
		for _, fl := range t.Fields {
			name := fl.Name
			if fl.Anonymous {
				name = ""
			}
			if b, err = appendPascal(b, name); err != nil {
				return nil, err
			}
			if b, err = encodeType(b, fl.Type); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: cannot embed %s", ErrInline, t)
}

// DecodeInline reads a block written by EncodeInline. maxAlign caps the
// natural alignment of the rebuilt types, as in Options.
func DecodeInline(b []byte, maxAlign int) (*Format, error) {
	if maxAlign < 1 {
		maxAlign = DefaultOptions().MaxAlign
	}
	r := &inlineReader{b: b, maxAlign: maxAlign}
	n, err := r.u8()
	if err != nil {
		return nil, err
	}
	variants := make([]*Variant, 0, n)
	for i := 0; i < int(n); i++ {
		det, err := r.u8()
		if err != nil {
			return nil, err
		}
		name, err := r.pascal()
		if err != nil {
			return nil, err
		}
		t, err := r.typ(name, 0)
		if err != nil {
			return nil, err
		}
		if t.Kind != KindStruct {
			return nil, fmt.Errorf("%w: variant %s is a %s", ErrInline, name, t.Kind)
		}
		variants = append(variants, &Variant{Name: name, Determinant: uint32(det), Type: t})
	}
	if r.off != len(b) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInline, len(b)-r.off)
	}
	return New(variants)
}

type inlineReader struct {
	b        []byte
	off      int
	maxAlign int
}

func (r *inlineReader) need(n int) error {
	if r.off+n > len(r.b) {
		return fmt.Errorf("%w: truncated at byte %d", ErrInline, r.off)
	}
	return nil
}

func (r *inlineReader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	c := r.b[r.off]
	r.off++
	return c, nil
}

func (r *inlineReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v, nil
}

func (r *inlineReader) pascal() (string, error) {
	n, err := r.u8()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *inlineReader) count(c byte) (int, error) {
	n := int(c & countMask)
	if n != countWide {
		return n, nil
	}
	if err := r.need(2); err != nil {
		return 0, err
	}
	n = int(binary.LittleEndian.Uint16(r.b[r.off:]))
	r.off += 2
	return n, nil
}

func (r *inlineReader) align(size int) int {
	if size > r.maxAlign {
		return r.maxAlign
	}
	return size
}

func (r *inlineReader) typ(name string, depth int) (*Type, error) {
	if depth > 64 {
		return nil, fmt.Errorf("%w: nesting too deep", ErrInline)
	}
	at := r.off
	c, err := r.u8()
	if err != nil {
		return nil, err
	}
	switch c & tagMask {
	case tagInt:
		size := int(c & intSize)
		if size != 1 && size != 2 && size != 4 && size != 8 {
			return nil, fmt.Errorf("%w: integer size %d at byte %d", ErrInline, size, at)
		}
		return Int(size, c&intSigned != 0, r.align(size)), nil
	case tagBool:
		return Bool(), nil
	case tagFloat:
		size := int(c & countMask)
		if size != 4 && size != 8 {
			return nil, fmt.Errorf("%w: float size %d at byte %d", ErrInline, size, at)
		}
		return Float(size, r.align(size)), nil
	case tagEnum:
		n, err := r.count(c)
		if err != nil {
			return nil, err
		}
		values := make([]EnumValue, 0, n)
		for i := 0; i < n; i++ {
			v, err := r.u32()
			if err != nil {
				return nil, err
			}
			vn, err := r.pascal()
			if err != nil {
				return nil, err
			}
			values = append(values, EnumValue{Name: vn, Value: int64(int32(v))})
		}
		return Enum("", 4, r.align(4), values), nil
	case tagArray:
		n, err := r.count(c)
		if err != nil {
			return nil, err
		}
		elem, err := r.typ("", depth+1)
		if err != nil {
			return nil, err
		}
		return Array(elem, n), nil
	case tagStruct, tagUnion:
		n, err := r.count(c)
		if err != nil {
			return nil, err
		}
		members := make([]Member, 0, n)
		for i := 0; i < n; i++ {
			mn, err := r.pascal()
			if err != nil {
				return nil, err
			}
			mt, err := r.typ("", depth+1)
			if err != nil {
				return nil, err
			}
			members = append(members, Member{Name: mn, Anonymous: mn == "", Type: mt})
		}
		if c&tagMask == tagUnion {
			return Union(name, members), nil
		}
		return Struct(name, members), nil
	}
	return nil, fmt.Errorf("%w: unknown type tag %#02x at byte %d", ErrInline, c, at)
}
