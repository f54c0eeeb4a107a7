package format

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func layoutText(t *testing.T, header string) *Format {
	t.Helper()
	f, err := Layout(mustParse(t, header), nil, DefaultOptions())
	require.NoError(t, err)
	return f
}

func TestFingerprintDeterministic(t *testing.T) {
	a := layoutText(t, imuHeader)
	b := layoutText(t, imuHeader)
	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	require.NotEqual(t, Sentinel, a.Fingerprint())
	require.NoError(t, Verify(a.Fingerprint(), b.Fingerprint()))
}

func TestParseFingerprint(t *testing.T) {
	fp, err := ParseFingerprint("0xDEADBEEF")
	require.NoError(t, err)
	require.Equal(t, Sentinel, fp)
	fp, err = ParseFingerprint(Fingerprint(0x0a1b).String())
	require.NoError(t, err)
	require.Equal(t, Fingerprint(0x0a1b), fp)
	_, err = ParseFingerprint("1234567890")
	require.Error(t, err)
}

func TestFingerprintSensitivity(t *testing.T) {
	base := `struct S { int32_t a; float b; uint8_t c[4]; };`
	changes := map[string]string{
		"field order": `struct S { float b; int32_t a; uint8_t c[4]; };`,
		"field type":  `struct S { int32_t a; int32_t b; uint8_t c[4]; };`,
		"field width": `struct S { int64_t a; float b; uint8_t c[4]; };`,
		"signedness":  `struct S { uint32_t a; float b; uint8_t c[4]; };`,
		"array len":   `struct S { int32_t a; float b; uint8_t c[5]; };`,
		"field name":  `struct S { int32_t x; float b; uint8_t c[4]; };`,
		"extra field": `struct S { int32_t a; float b; uint8_t c[4]; bool d; };`,
	}
	want := layoutText(t, base).Fingerprint()
	for name, header := range changes {
		t.Run(name, func(t *testing.T) {
			got := layoutText(t, header).Fingerprint()
			require.NotEqual(t, want, got)
			err := Verify(want, got)
			require.ErrorIs(t, err, ErrValidation)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, want, ve.Expected)
			require.Equal(t, got, ve.Found)
		})
	}
}

func TestInlineRoundTrip(t *testing.T) {
	f := layoutText(t, imuHeader+`
struct Wide { uint16_t samples[40]; union { int32_t i; float f; }; const char* label; };
`)
	// Mode is one byte wide and cannot be embedded.
	_, err := f.EncodeInline()
	require.ErrorIs(t, err, ErrInline)

	f = layoutText(t, `
enum Level { Low, High = 10 };
struct Base { uint8_t seq; };
struct Sample : Base { Level level; uint16_t samples[40]; union { int32_t i; float f; }; const char* label; double t; };
struct Empty {};
`)
	block, err := f.EncodeInline()
	require.NoError(t, err)

	got, err := DecodeInline(block, DefaultOptions().MaxAlign)
	require.NoError(t, err)
	require.Equal(t, f.Fingerprint(), got.Fingerprint())
	require.Len(t, got.Variants, len(f.Variants))
	for i, v := range f.Variants {
		gv := got.Variants[i]
		require.Equal(t, v.Name, gv.Name)
		require.Equal(t, v.Determinant, gv.Determinant)
		require.Equal(t, v.Size(), gv.Size())
		require.Equal(t, len(v.Leaves()), len(gv.Leaves()))
		for j, l := range v.Leaves() {
			require.Equal(t, l.Path, gv.Leaves()[j].Path)
			require.Equal(t, l.Offset, gv.Leaves()[j].Offset)
		}
	}
}

func TestDecodeInlineMalformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":         {},
		"truncated":     {1, 1, 3, 'I', 'm'},
		"bad int size":  {1, 1, 1, 'A', tagStruct | 1, 1, 'x', tagInt | 3},
		"unknown tag":   {1, 1, 1, 'A', tagStruct | 1, 1, 'x', 0xE0},
		"not a struct":  {1, 1, 1, 'A', tagBool},
		"trailing junk": {1, 1, 1, 'A', tagStruct, 0},
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInline(b, 8)
			require.ErrorIs(t, err, ErrInline)
		})
	}
}

func TestJSONRoundTrip(t *testing.T) {
	f := layoutText(t, imuHeader)
	doc, err := f.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(doc), `"<checksum>":`)

	got, err := ParseJSON(doc)
	require.NoError(t, err)
	require.Equal(t, f.Fingerprint(), got.Fingerprint())
	require.Equal(t, f.Variants[0].Name, got.Variants[0].Name)
	require.Equal(t, f.Variants[1].Name, got.Variants[1].Name)

	tampered := []byte(`{"<checksum>": 1, "A": [1, {"type": "struct", "size": 4, "align": 4, "fields": [{"name": "x", "offset": 0, "type": {"type": "int", "size": 4, "align": 4}}]}]}`)
	_, err = ParseJSON(tampered)
	require.ErrorIs(t, err, ErrValidation)
}

func TestRegistry(t *testing.T) {
	reg, err := OpenRegistry(filepath.Join(t.TempDir(), "formats.db"))
	require.NoError(t, err)
	defer reg.Close()

	f := layoutText(t, imuHeader)
	e, err := reg.Put(f, "imu v1")
	require.NoError(t, err)
	require.Equal(t, f.Fingerprint(), e.Fingerprint)

	got, err := reg.Lookup(f.Fingerprint())
	require.NoError(t, err)
	require.Equal(t, f.Fingerprint(), got.Fingerprint())

	list, err := reg.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "imu v1", list[0].Label)

	require.NoError(t, reg.Delete(f.Fingerprint()))
	_, err = reg.Get(f.Fingerprint())
	require.ErrorIs(t, err, ErrNotRegistered)
}
