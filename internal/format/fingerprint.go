package format

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies a laid-out format. It is stored as the first four
// bytes (little endian) of every log file.
type Fingerprint uint32

// Sentinel in place of a fingerprint marks a self-describing log.
const Sentinel Fingerprint = 0xDEADBEEF

func (f Fingerprint) String() string {
	return fmt.Sprintf("%08x", uint32(f))
}

// ParseFingerprint reads the hex form printed by String, with or without a
// 0x prefix.
func ParseFingerprint(s string) (Fingerprint, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("fingerprint %q: %w", s, err)
	}
	return Fingerprint(v), nil
}

// Fingerprint hashes the variants in order together with every field's
// name, offset, kind and size. Only what the inline block can carry is
// hashed: type names of nested structs and enums, pointer-ness and the
// names of anonymous members are left out, so a format read back from a
// self-describing log fingerprints like the one it was written from.
// The result never equals Sentinel.
func (f *Format) Fingerprint() Fingerprint {
	f.fpOnce.Do(func() {
		h := xxhash.New()
		var b []byte
		b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Variants)))
		for _, v := range f.Variants {
			b = binary.LittleEndian.AppendUint32(b, v.Determinant)
			b = appendString(b, v.Name)
			b = appendType(b, v.Type)
		}
		h.Write(b)
		sum := h.Sum64()
		fp := Fingerprint(uint32(sum) ^ uint32(sum>>32))
		if fp == Sentinel {
			fp ^= 1
		}
		f.fp = fp
	})
	return f.fp
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendType(b []byte, t *Type) []byte {
	b = append(b, byte(t.Kind))
	b = binary.LittleEndian.AppendUint32(b, uint32(t.Size))
	b = binary.LittleEndian.AppendUint32(b, uint32(t.Align))
	switch t.Kind {
	case KindInt:
		if t.Signed {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	case KindEnum:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(t.Values)))
		for _, v := range t.Values {
			b = binary.LittleEndian.AppendUint32(b, uint32(v.Value))
			b = appendString(b, v.Name)
		}
	case KindArray:
		b = binary.LittleEndian.AppendUint32(b, uint32(t.Count))
		b = appendType(b, t.Elem)
	case KindStruct, KindUnion:
		b = binary.LittleEndian.AppendUint32(b, uint32(len(t.Fields)))
		for _, f := range t.Fields {
			if f.Anonymous {
				b = appendString(b, "")
			} else {
				b = appendString(b, f.Name)
			}
			b = binary.LittleEndian.AppendUint32(b, uint32(f.Offset))
			b = appendType(b, f.Type)
		}
	}
	return b
}

// Verify compares the fingerprint a log declares with the expected one.
func Verify(expected, found Fingerprint) error {
	if expected != found {
		return &ValidationError{Expected: expected, Found: found}
	}
	return nil
}
