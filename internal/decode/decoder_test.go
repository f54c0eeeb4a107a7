package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
	"example.com/telemlog/internal/schema"
)

const sensorHeader = `
#include <cstdint>

enum Mode { Idle, Run = 5 };

struct Imu {
    uint16_t id;
    float accel[3];
    int8_t temp;
    Mode mode;
};

struct Gps {
    double lat;
    double lon;
    bool fix;
};
`

func layout(t *testing.T, header string) *format.Format {
	t.Helper()
	s, err := schema.Parse(header)
	require.NoError(t, err)
	f, err := format.Layout(s, nil, format.DefaultOptions())
	require.NoError(t, err)
	return f
}

func imuRecord(ts uint64, id uint16, temp int8, mode frame.Value) Record {
	return Record{
		Determinant: 1,
		Timestamp:   ts,
		Values: []frame.Value{
			frame.Uint(uint64(id)),
			frame.Float(1.5), frame.Float(-2), frame.Float(0.25),
			frame.Int(int64(temp)),
			mode,
		},
	}
}

func gpsRecord(ts uint64, lat, lon float64, fix bool) Record {
	return Record{
		Determinant: 2,
		Timestamp:   ts,
		Values:      []frame.Value{frame.Float(lat), frame.Float(lon), frame.Bool(fix)},
	}
}

func sampleRecords() []Record {
	return []Record{
		imuRecord(1000, 7, -12, frame.Enum("Run")),
		gpsRecord(2000, 47.5, 8.25, false),
		imuRecord(3000, 8, 30, frame.Enum("Idle")),
		imuRecord(4000, 9, 0, frame.Null(frame.KindEnum)),
	}
}

func encode(t *testing.T, f *format.Format, opts EncoderOptions, recs []Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	e, err := NewEncoder(&buf, f, opts)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, e.Encode(r))
	}
	require.Equal(t, int64(buf.Len()), e.Written())
	return buf.Bytes()
}

func decodeAll(t *testing.T, data []byte, f *format.Format, opts Options) ([]Record, Report) {
	t.Helper()
	d, err := NewDecoder(bytes.NewReader(data), f, opts)
	require.NoError(t, err)
	recs, err := d.ReadAll()
	require.NoError(t, err)
	return recs, d.Report()
}

func requireSameRecords(t *testing.T, want, got []Record) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Determinant, got[i].Determinant, "record %d", i)
		require.Equal(t, want[i].Timestamp, got[i].Timestamp, "record %d", i)
		require.Equal(t, want[i].Values, got[i].Values, "record %d", i)
	}
}

func TestRoundTrip(t *testing.T) {
	f := layout(t, sensorHeader)
	want := sampleRecords()
	data := encode(t, f, EncoderOptions{}, want)

	got, rep := decodeAll(t, data, f, Options{})
	requireSameRecords(t, want, got)
	require.Equal(t, int64(4), rep.Records)
	require.Equal(t, map[string]int64{"Imu": 3, "Gps": 1}, rep.PerVariant)
	require.Empty(t, rep.Resyncs)
	require.False(t, rep.SelfDescribing)
	require.Equal(t, f.Fingerprint(), rep.Fingerprint)
	require.Equal(t, int64(len(data)), rep.BytesRead)

	require.Equal(t, int64(4), got[0].Offset)
	require.True(t, got[0].HasTimestamp)
	require.Equal(t, "Imu.accel[1]", got[0].Fields()[2].Path)
}

func TestNullEnumNeverDecodesAsEnumerator(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, []Record{imuRecord(1, 1, 1, frame.Null(frame.KindEnum))})
	got, _ := decodeAll(t, data, f, Options{})
	require.True(t, got[0].Values[5].IsNull())

	err := (&Encoder{w: io.Discard, format: f, fr: DefaultFraming()}).Encode(gpsRecord(1, 0, 0, false))
	require.NoError(t, err)
	bad := gpsRecord(1, 0, 0, false)
	bad.Values[0] = frame.Null(frame.KindFloat)
	err = (&Encoder{w: io.Discard, format: f, fr: DefaultFraming()}).Encode(bad)
	require.Error(t, err)
}

func TestFramingVariants(t *testing.T) {
	f := layout(t, sensorHeader)
	for _, fr := range []Framing{
		{DeterminantSize: 1, TimestampSize: 0},
		{DeterminantSize: 2, TimestampSize: 8},
		{DeterminantSize: 4, TimestampSize: 0},
	} {
		want := sampleRecords()
		if fr.TimestampSize == 0 {
			for i := range want {
				want[i].Timestamp = 0
			}
		}
		data := encode(t, f, EncoderOptions{Framing: fr}, want)
		got, _ := decodeAll(t, data, f, Options{Framing: fr})
		requireSameRecords(t, want, got)
		require.Equal(t, fr.TimestampSize > 0, got[0].HasTimestamp)
	}

	_, err := NewDecoder(bytes.NewReader(nil), f, Options{Framing: Framing{DeterminantSize: 3}})
	require.Error(t, err)
}

func TestResyncSkipsCorruptRecord(t *testing.T) {
	f := layout(t, sensorHeader)
	recs := sampleRecords()[:3]
	data := encode(t, f, EncoderOptions{}, recs)

	// records are 4+4+24 bytes; corrupt the determinant of the second one
	const recSize = 32
	second := 4 + recSize
	data[second] = 0xff

	got, rep := decodeAll(t, data, f, Options{})
	requireSameRecords(t, []Record{recs[0], recs[2]}, got)
	require.Equal(t, []Region{{Offset: int64(second), Length: recSize}}, rep.Resyncs)
	require.Equal(t, int64(recSize), rep.SkippedBytes)
	require.Equal(t, int64(second+recSize), got[1].Offset)
}

func TestResyncLeadingAndTrailingGarbage(t *testing.T) {
	f := layout(t, sensorHeader)
	var buf bytes.Buffer
	e, err := NewEncoder(&buf, f, EncoderOptions{})
	require.NoError(t, err)
	require.NoError(t, e.WriteRaw([]byte{0xaa, 0xbb, 0xcc}))
	require.NoError(t, e.Encode(sampleRecords()[0]))
	require.NoError(t, e.WriteRaw([]byte{0xee, 0xee}))

	got, rep := decodeAll(t, buf.Bytes(), f, Options{})
	require.Len(t, got, 1)
	require.Equal(t, []Region{{Offset: 4, Length: 3}, {Offset: 39, Length: 2}}, rep.Resyncs)
	require.Equal(t, int64(5), rep.SkippedBytes)
	require.False(t, rep.Truncated)
}

func TestSelfDescribing(t *testing.T) {
	f := layout(t, sensorHeader)
	want := sampleRecords()
	data := encode(t, f, EncoderOptions{SelfDescribing: true}, want)
	require.Equal(t, uint32(format.Sentinel), binary.LittleEndian.Uint32(data))

	d, err := NewDecoder(bytes.NewReader(data), nil, Options{})
	require.NoError(t, err)
	got, err := d.ReadAll()
	require.NoError(t, err)
	requireSameRecords(t, want, got)

	rep := d.Report()
	require.True(t, rep.SelfDescribing)
	require.Equal(t, f.Fingerprint(), rep.Fingerprint)
	require.Equal(t, []string{"Imu", "Gps"}, []string{d.Format().Variants[0].Name, d.Format().Variants[1].Name})

	// an external format is ignored in favour of the embedded one
	other := layout(t, `struct Other { int64_t x; };`)
	got, _ = decodeAll(t, data, other, Options{})
	requireSameRecords(t, want, got)
}

func TestFingerprintMismatch(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, sampleRecords())
	other := layout(t, `struct Imu { uint32_t id; };`)

	_, err := NewDecoder(bytes.NewReader(data), other, Options{})
	require.ErrorIs(t, err, format.ErrValidation)
	var ve *format.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, other.Fingerprint(), ve.Expected)
	require.Equal(t, f.Fingerprint(), ve.Found)

	_, err = NewDecoder(bytes.NewReader(data), other, Options{IgnoreFingerprint: true})
	require.NoError(t, err)
}

func TestFormatLookup(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, sampleRecords())

	_, err := NewDecoder(bytes.NewReader(data), nil, Options{})
	require.ErrorIs(t, err, ErrNoFormat)

	lookup := func(fp format.Fingerprint) (*format.Format, error) {
		if fp == f.Fingerprint() {
			return f, nil
		}
		return nil, format.ErrNotRegistered
	}
	got, _ := decodeAll(t, data, nil, Options{Lookup: lookup})
	require.Len(t, got, 4)

	other := encode(t, layout(t, `struct X { bool b; };`), EncoderOptions{}, nil)
	_, err = NewDecoder(bytes.NewReader(other), nil, Options{Lookup: lookup})
	require.ErrorIs(t, err, ErrNoFormat)
	require.ErrorIs(t, err, format.ErrNotRegistered)
}

func TestTruncatedTail(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, sampleRecords()[:3])
	data = data[:len(data)-5]

	d, err := NewDecoder(bytes.NewReader(data), f, Options{})
	require.NoError(t, err)
	recs, err := d.ReadAll()
	require.Len(t, recs, 2)
	require.ErrorIs(t, err, ErrDecode)
	require.ErrorIs(t, err, ErrTruncated)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, int64(4+2*32), de.Offset)
	_, err = d.Next()
	require.ErrorIs(t, err, io.EOF)

	recs, rep := decodeAll(t, data, f, Options{AllowPartialTail: true})
	require.Len(t, recs, 2)
	require.True(t, rep.Truncated)
	require.Equal(t, int64(27), rep.TruncatedBytes)
	require.Equal(t, int64(len(data)), rep.BytesRead)
}

func TestShortHeader(t *testing.T) {
	f := layout(t, sensorHeader)
	_, err := NewDecoder(bytes.NewReader([]byte{1, 2}), f, Options{})
	require.ErrorIs(t, err, ErrHeader)
	require.ErrorIs(t, err, ErrDecode)

	// sentinel with a block length running past the end
	data := binary.LittleEndian.AppendUint32(nil, uint32(format.Sentinel))
	data = binary.LittleEndian.AppendUint16(data, 100)
	_, err = NewDecoder(bytes.NewReader(data), nil, Options{})
	require.ErrorIs(t, err, ErrHeader)
}

func TestEmptyLog(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, nil)
	recs, rep := decodeAll(t, data, f, Options{})
	require.Empty(t, recs)
	require.Zero(t, rep.Records)
}

func TestProgress(t *testing.T) {
	f := layout(t, sensorHeader)
	var recs []Record
	for i := 0; i < 5000; i++ {
		recs = append(recs, imuRecord(uint64(i), uint16(i), 1, frame.Enum("Run")))
	}
	data := encode(t, f, EncoderOptions{}, recs)

	var calls [][2]int64
	_, _ = decodeAll(t, data, f, Options{
		TotalBytes: int64(len(data)),
		OnProgress: func(consumed, total int64) {
			calls = append(calls, [2]int64{consumed, total})
		},
	})
	require.Greater(t, len(calls), 1)
	for i := 1; i < len(calls); i++ {
		require.Greater(t, calls[i][0], calls[i-1][0])
	}
	require.Equal(t, [2]int64{int64(len(data)), int64(len(data))}, calls[len(calls)-1])
}

func TestReadFrame(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, sampleRecords())
	d, err := NewDecoder(bytes.NewReader(data), f, Options{})
	require.NoError(t, err)
	df, err := ReadFrame(context.Background(), d)
	require.NoError(t, err)

	require.Equal(t, []string{
		"sensor", "timestamp",
		"Imu.id", "Imu.accel[0]", "Imu.accel[1]", "Imu.accel[2]", "Imu.temp", "Imu.mode",
		"Gps.lat", "Gps.lon", "Gps.fix",
	}, df.ColumnNames())
	require.Equal(t, 4, df.RowCount())

	v, err := df.GetByName(1, "sensor")
	require.NoError(t, err)
	require.Equal(t, "Gps", v.Label())
	v, err = df.GetByName(1, "Imu.id")
	require.NoError(t, err)
	require.True(t, v.IsNull())
	v, err = df.GetByName(1, "Gps.lat")
	require.NoError(t, err)
	require.Equal(t, 47.5, v.Float())
	v, err = df.GetByName(3, "timestamp")
	require.NoError(t, err)
	require.Equal(t, uint64(4000), v.Uint())

	col, err := df.Column("Imu.mode")
	require.NoError(t, err)
	require.Equal(t, frame.KindEnum, col.Kind())
	require.Equal(t, 2, col.NullCount())
}

func TestReadFrameCanceled(t *testing.T) {
	f := layout(t, sensorHeader)
	data := encode(t, f, EncoderOptions{}, sampleRecords())
	d, err := NewDecoder(bytes.NewReader(data), f, Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ReadFrame(ctx, d)
	require.ErrorIs(t, err, context.Canceled)
}

func writeLog(t *testing.T, path string, data []byte) {
	t.Helper()
	out, err := os.Create(path)
	require.NoError(t, err)
	defer out.Close()
	var w io.Writer = out
	if filepath.Ext(path) == ".zst" {
		zw, err := zstd.NewWriter(out)
		require.NoError(t, err)
		_, err = zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		return
	}
	_, err = w.Write(data)
	require.NoError(t, err)
}

func TestDecodeFilesMerge(t *testing.T) {
	f := layout(t, sensorHeader)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin.zst")
	writeLog(t, a, encode(t, f, EncoderOptions{}, sampleRecords()[:2]))
	writeLog(t, b, encode(t, f, EncoderOptions{SelfDescribing: true}, sampleRecords()))

	var last [2]int64
	df, reports, err := DecodeFiles(context.Background(), []string{a, b}, f, Options{}, 2, func(consumed, total int64) {
		last = [2]int64{consumed, total}
	})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, int64(2), reports[0].Records)
	require.Equal(t, int64(4), reports[1].Records)
	require.True(t, reports[1].SelfDescribing)
	require.Equal(t, reports[0].Size+reports[1].Size, last[1])
	require.Positive(t, last[0])

	require.Equal(t, 6, df.RowCount())
	names := df.ColumnNames()
	require.Equal(t, []string{frame.RowIndexColumn, frame.SourceFileColumn}, names[len(names)-2:])
	for row, want := range [][2]uint64{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 1}, {3, 1}} {
		ri, err := df.GetByName(row, frame.RowIndexColumn)
		require.NoError(t, err)
		sf, err := df.GetByName(row, frame.SourceFileColumn)
		require.NoError(t, err)
		require.Equal(t, want, [2]uint64{ri.Uint(), sf.Uint()}, "row %d", row)
	}
}

func TestDecodeFilesSingle(t *testing.T) {
	f := layout(t, sensorHeader)
	path := filepath.Join(t.TempDir(), "one.bin")
	writeLog(t, path, encode(t, f, EncoderOptions{}, sampleRecords()))

	df, reports, err := DecodeFiles(context.Background(), []string{path}, f, Options{}, 0, nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.NotContains(t, df.ColumnNames(), frame.RowIndexColumn)

	single, rep, err := DecodeFile(context.Background(), path, f, Options{})
	require.NoError(t, err)
	require.True(t, df.Equal(single))
	require.Equal(t, reports[0].Records, rep.Records)
}

func TestDecodeFilesFormatMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	c := filepath.Join(dir, "c.bin")
	f := layout(t, sensorHeader)
	g := layout(t, `struct Imu { uint16_t id; };`)
	writeLog(t, a, encode(t, f, EncoderOptions{SelfDescribing: true}, nil))
	writeLog(t, b, encode(t, g, EncoderOptions{SelfDescribing: true}, nil))
	writeLog(t, c, encode(t, g, EncoderOptions{SelfDescribing: true}, nil))

	_, _, err := DecodeFiles(context.Background(), []string{a, b, c}, nil, Options{}, 3, nil)
	require.ErrorIs(t, err, ErrMismatch)
	var n int
	for _, e := range multiErrors(err) {
		if errors.Is(e, ErrMismatch) {
			n++
		}
	}
	require.Equal(t, 2, n)
}

func multiErrors(err error) []error {
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		return u.Unwrap()
	}
	return []error{err}
}
