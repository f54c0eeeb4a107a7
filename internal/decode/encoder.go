package decode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
)

// EncoderOptions configures an Encoder.
type EncoderOptions struct {
	Framing Framing
	// SelfDescribing writes the sentinel fingerprint followed by the inline
	// format block instead of the format's own fingerprint.
	SelfDescribing bool
}

// Encoder writes records in the layout a Decoder reads. It is used to
// produce sample logs and test fixtures.
type Encoder struct {
	w      io.Writer
	format *format.Format
	fr     Framing
	n      int64
}

// NewEncoder writes the log header.
func NewEncoder(w io.Writer, f *format.Format, opts EncoderOptions) (*Encoder, error) {
	if opts.Framing == (Framing{}) {
		opts.Framing = DefaultFraming()
	}
	if err := opts.Framing.validate(); err != nil {
		return nil, err
	}
	e := &Encoder{w: w, format: f, fr: opts.Framing}
	var hdr []byte
	if opts.SelfDescribing {
		block, err := f.EncodeInline()
		if err != nil {
			return nil, err
		}
		if len(block) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: inline block of %d bytes", format.ErrInline, len(block))
		}
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(format.Sentinel))
		hdr = binary.LittleEndian.AppendUint16(hdr, uint16(len(block)))
		hdr = append(hdr, block...)
	} else {
		hdr = binary.LittleEndian.AppendUint32(hdr, uint32(f.Fingerprint()))
	}
	if err := e.write(hdr); err != nil {
		return nil, err
	}
	return e, nil
}

// Written is the number of bytes written so far, header included.
func (e *Encoder) Written() int64 { return e.n }

func (e *Encoder) write(b []byte) error {
	n, err := e.w.Write(b)
	e.n += int64(n)
	return err
}

// Encode writes one record. Values must line up with the variant's leaves.
// A null enum is written as a discriminant no enumerator uses; other kinds
// have no null on the wire.
func (e *Encoder) Encode(rec Record) error {
	v := rec.Variant
	if v == nil {
		var ok bool
		if v, ok = e.format.Lookup(rec.Determinant); !ok {
			return fmt.Errorf("no variant with determinant %d", rec.Determinant)
		}
	}
	leaves := v.Leaves()
	if len(rec.Values) != len(leaves) {
		return fmt.Errorf("%s: %d values for %d fields", v.Name, len(rec.Values), len(leaves))
	}
	if e.fr.DeterminantSize < 4 && uint64(v.Determinant) >= 1<<(8*e.fr.DeterminantSize) {
		return fmt.Errorf("%s: determinant %d does not fit %d bytes", v.Name, v.Determinant, e.fr.DeterminantSize)
	}
	b := make([]byte, e.fr.headerSize()+v.Size())
	putUint(b[:e.fr.DeterminantSize], uint64(v.Determinant))
	putUint(b[e.fr.DeterminantSize:e.fr.headerSize()], rec.Timestamp)
	body := b[e.fr.headerSize():]
	for i, l := range leaves {
		if err := encodeValue(body[l.Offset:l.Offset+l.Type.Size], l.Type, rec.Values[i]); err != nil {
			return fmt.Errorf("%s: %s: %w", v.Name, l.Path, err)
		}
	}
	return e.write(b)
}

// WriteRaw writes bytes between records, e.g. to simulate corruption.
func (e *Encoder) WriteRaw(b []byte) error {
	return e.write(b)
}

func putUint(b []byte, v uint64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}

func encodeValue(b []byte, t *format.Type, v frame.Value) error {
	if v.IsNull() {
		if t.Kind != format.KindEnum {
			return fmt.Errorf("null %s has no encoding", t.Kind)
		}
		putUint(b, uint64(unusedDiscriminant(t)))
		return nil
	}
	want := ColumnKind(t)
	if v.Kind() != want {
		return fmt.Errorf("%s value for a %s field", v.Kind(), want)
	}
	switch t.Kind {
	case format.KindBool:
		if v.Bool() {
			b[0] = 1
		}
	case format.KindInt:
		if t.Signed {
			putUint(b, uint64(v.Int()))
		} else {
			putUint(b, v.Uint())
		}
	case format.KindFloat:
		if t.Size == 4 {
			putUint(b, uint64(math.Float32bits(float32(v.Float()))))
		} else {
			putUint(b, math.Float64bits(v.Float()))
		}
	case format.KindEnum:
		for _, ev := range t.Values {
			if ev.Name == v.Label() {
				putUint(b, uint64(ev.Value))
				return nil
			}
		}
		return fmt.Errorf("%q is not an enumerator of %s", v.Label(), t.Name)
	default:
		return fmt.Errorf("cannot encode %s", t.Kind)
	}
	return nil
}

// unusedDiscriminant returns the smallest non-negative value no enumerator
// of t uses.
func unusedDiscriminant(t *format.Type) int64 {
	used := make(map[int64]bool, len(t.Values))
	for _, ev := range t.Values {
		used[ev.Value] = true
	}
	var d int64
	for used[d] {
		d++
	}
	return d
}
