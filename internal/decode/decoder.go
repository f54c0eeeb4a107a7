package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"example.com/telemlog/internal/common"
	"example.com/telemlog/internal/format"
	"example.com/telemlog/internal/frame"
)

const progressStep = 64 << 10

// Framing describes the record header preceding each struct body.
type Framing struct {
	// DeterminantSize is 1, 2 or 4 bytes.
	DeterminantSize int `yaml:"determinant_size" json:"determinantSize"`
	// TimestampSize is 0 (no timestamp), 4 or 8 bytes of milliseconds.
	TimestampSize int `yaml:"timestamp_size" json:"timestampSize"`
}

// DefaultFraming is a u32 determinant followed by a u32 millisecond
// timestamp.
func DefaultFraming() Framing {
	return Framing{DeterminantSize: 4, TimestampSize: 4}
}

func (f Framing) validate() error {
	switch f.DeterminantSize {
	case 1, 2, 4:
	default:
		return fmt.Errorf("determinant size %d not in {1, 2, 4}", f.DeterminantSize)
	}
	switch f.TimestampSize {
	case 0, 4, 8:
	default:
		return fmt.Errorf("timestamp size %d not in {0, 4, 8}", f.TimestampSize)
	}
	return nil
}

func (f Framing) headerSize() int { return f.DeterminantSize + f.TimestampSize }

// Options configures a Decoder. The zero value is usable.
type Options struct {
	Framing Framing
	// AllowPartialTail reports a record cut off by the end of the input in
	// Report.Truncated instead of failing.
	AllowPartialTail bool
	// IgnoreFingerprint decodes with the supplied format even when the log
	// declares a different one.
	IgnoreFingerprint bool
	// MaxAlign applies to formats embedded in self-describing logs.
	MaxAlign int
	// Lookup resolves the declared fingerprint when no format is supplied,
	// typically Registry.Lookup.
	Lookup func(format.Fingerprint) (*format.Format, error)

	Metrics *common.Metrics
	// OnProgress receives consumed and total bytes. Total is TotalBytes,
	// zero if unknown.
	OnProgress func(consumed, total int64)
	TotalBytes int64
	// Name labels log lines, usually the input path.
	Name string
}

// Region is a run of bytes skipped because no known determinant started
// there.
type Region struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// Report summarizes a finished decode.
type Report struct {
	Fingerprint    format.Fingerprint `json:"fingerprint"`
	SelfDescribing bool               `json:"selfDescribing"`
	Records        int64              `json:"records"`
	PerVariant     map[string]int64   `json:"perVariant"`
	Resyncs        []Region           `json:"resyncs"`
	SkippedBytes   int64              `json:"skippedBytes"`
	BytesRead      int64              `json:"bytesRead"`
	Truncated      bool               `json:"truncated"`
	TruncatedBytes int64              `json:"truncatedBytes,omitempty"`
}

// Record is one decoded struct. Values line up with Variant.Leaves().
type Record struct {
	Offset       int64
	Determinant  uint32
	Variant      *format.Variant
	Timestamp    uint64
	HasTimestamp bool
	Values       []frame.Value
}

// FieldValue is a value with its leaf path.
type FieldValue struct {
	Path  string
	Value frame.Value
}

// Fields pairs values with their paths.
func (r Record) Fields() []FieldValue {
	leaves := r.Variant.Leaves()
	out := make([]FieldValue, len(r.Values))
	for i, v := range r.Values {
		out[i] = FieldValue{Path: leaves[i].Path, Value: v}
	}
	return out
}

// Decoder reads records from a log. It is not restartable; decode again
// from a fresh reader.
type Decoder struct {
	src    *streamSource
	format *format.Format
	opts   Options
	report Report

	dataStart    int64
	regionStart  int64
	regionLen    int64
	lastProgress int64
	done         bool
}

// NewDecoder reads the format header. f may be nil for self-describing logs
// or when opts.Lookup can resolve the declared fingerprint.
func NewDecoder(r io.Reader, f *format.Format, opts Options) (*Decoder, error) {
	if opts.Framing == (Framing{}) {
		opts.Framing = DefaultFraming()
	}
	if err := opts.Framing.validate(); err != nil {
		return nil, err
	}
	d := &Decoder{
		src:  newStreamSource(r, defaultWindow),
		opts: opts,
		report: Report{
			PerVariant: make(map[string]int64),
		},
	}
	hdr, err := d.src.readFull(4)
	if err != nil {
		return nil, &DecodeError{Offset: 0, Err: fmt.Errorf("%w: %v", ErrHeader, err)}
	}
	declared := format.Fingerprint(binary.LittleEndian.Uint32(hdr))
	if declared == format.Sentinel {
		f, err = d.readInline()
		if err != nil {
			return nil, err
		}
		d.report.SelfDescribing = true
	} else {
		if f == nil && opts.Lookup != nil {
			if f, err = opts.Lookup(declared); err != nil {
				return nil, fmt.Errorf("%w %s: %w", ErrNoFormat, declared, err)
			}
		}
		if f == nil {
			return nil, fmt.Errorf("%w %s", ErrNoFormat, declared)
		}
		if err := format.Verify(f.Fingerprint(), declared); err != nil {
			if !opts.IgnoreFingerprint {
				return nil, err
			}
			common.Logf("%s: %v, decoding anyway", d.name(), err)
		}
	}
	d.format = f
	d.report.Fingerprint = f.Fingerprint()
	d.dataStart = d.src.offset
	d.lastProgress = d.src.offset
	if opts.Metrics != nil {
		opts.Metrics.AddBytes(d.src.offset)
	}
	return d, nil
}

func (d *Decoder) readInline() (*format.Format, error) {
	lenBytes, err := d.src.readFull(2)
	if err != nil {
		return nil, &DecodeError{Offset: d.src.offset, Err: fmt.Errorf("%w: inline format length: %v", ErrHeader, err)}
	}
	n := int(binary.LittleEndian.Uint16(lenBytes))
	block, err := d.src.readFull(n)
	if err != nil {
		return nil, &DecodeError{Offset: d.src.offset, Err: fmt.Errorf("%w: inline format of %d bytes: %v", ErrHeader, n, err)}
	}
	f, err := format.DecodeInline(block, d.opts.MaxAlign)
	if err != nil {
		return nil, &DecodeError{Offset: 6, Err: err}
	}
	return f, nil
}

func (d *Decoder) name() string {
	if d.opts.Name != "" {
		return d.opts.Name
	}
	return "input"
}

// Format is the format records are decoded with.
func (d *Decoder) Format() *format.Format { return d.format }

// Framing is the record header layout in use.
func (d *Decoder) Framing() Framing { return d.opts.Framing }

// Offset is the number of input bytes consumed so far.
func (d *Decoder) Offset() int64 { return d.src.offset }

// Report returns the counters so far; it is final once Next returned io.EOF.
func (d *Decoder) Report() Report {
	r := d.report
	r.PerVariant = make(map[string]int64, len(d.report.PerVariant))
	for k, v := range d.report.PerVariant {
		r.PerVariant[k] = v
	}
	r.Resyncs = append([]Region(nil), d.report.Resyncs...)
	r.BytesRead = d.src.offset
	return r
}

// Next returns the next record, or io.EOF after the last one.
func (d *Decoder) Next() (Record, error) {
	if d.done {
		return Record{}, io.EOF
	}
	detSize := d.opts.Framing.DeterminantSize
	for {
		avail, err := d.src.ensure(detSize)
		if err != nil {
			return Record{}, &DecodeError{Offset: d.src.offset, Err: err}
		}
		if avail < detSize {
			// too short for a determinant: part of the unreadable tail
			d.skip(avail)
			return Record{}, d.finish()
		}
		det := readUint(d.src.peek(detSize))
		v, ok := d.format.Lookup(uint32(det))
		if !ok {
			d.skip(1)
			continue
		}
		need := d.opts.Framing.headerSize() + v.Size()
		avail, err = d.src.ensure(need)
		if err != nil {
			return Record{}, &DecodeError{Offset: d.src.offset, Err: err}
		}
		if avail < need {
			return Record{}, d.truncated(v, need, avail)
		}
		d.closeRegion()
		rec := d.decode(v, d.src.peek(need))
		d.src.discard(need)
		d.report.Records++
		d.report.PerVariant[v.Name]++
		if d.opts.Metrics != nil {
			d.opts.Metrics.AddRecord(int64(need))
		}
		d.progress(false)
		return rec, nil
	}
}

func (d *Decoder) skip(n int) {
	if n <= 0 {
		return
	}
	if d.regionLen == 0 {
		d.regionStart = d.src.offset
	}
	d.regionLen += int64(n)
	d.src.discard(n)
	d.progress(false)
}

func (d *Decoder) closeRegion() {
	if d.regionLen == 0 {
		return
	}
	common.Logf("resync at offset %d: skipped %d bytes with no known determinant in %s", d.regionStart, d.regionLen, d.name())
	d.report.Resyncs = append(d.report.Resyncs, Region{Offset: d.regionStart, Length: d.regionLen})
	d.report.SkippedBytes += d.regionLen
	if d.opts.Metrics != nil {
		d.opts.Metrics.AddSkipped(d.regionLen)
	}
	d.regionLen = 0
}

func (d *Decoder) truncated(v *format.Variant, need, avail int) error {
	d.closeRegion()
	err := &DecodeError{
		Offset: d.src.offset,
		Err:    fmt.Errorf("%w: %s needs %d bytes, %d left", ErrTruncated, v.Name, need, avail),
	}
	if !d.opts.AllowPartialTail {
		d.done = true
		return err
	}
	common.Logf("%s: %v", d.name(), err)
	d.report.Truncated = true
	d.report.TruncatedBytes = int64(avail)
	if d.opts.Metrics != nil {
		d.opts.Metrics.AddBytes(int64(avail))
	}
	d.src.discard(avail)
	return d.finish()
}

func (d *Decoder) finish() error {
	d.closeRegion()
	d.done = true
	d.progress(true)
	return io.EOF
}

func (d *Decoder) progress(force bool) {
	if d.opts.OnProgress == nil {
		return
	}
	if !force && d.src.offset-d.lastProgress < progressStep {
		return
	}
	d.lastProgress = d.src.offset
	d.opts.OnProgress(d.src.offset, d.opts.TotalBytes)
}

func (d *Decoder) decode(v *format.Variant, b []byte) Record {
	fr := d.opts.Framing
	rec := Record{
		Offset:      d.src.offset,
		Determinant: v.Determinant,
		Variant:     v,
	}
	if fr.TimestampSize > 0 {
		rec.Timestamp = readUint(b[fr.DeterminantSize:fr.headerSize()])
		rec.HasTimestamp = true
	}
	body := b[fr.headerSize():]
	leaves := v.Leaves()
	rec.Values = make([]frame.Value, len(leaves))
	for i, l := range leaves {
		rec.Values[i] = decodeValue(l.Type, body[l.Offset:l.Offset+l.Type.Size])
	}
	return rec
}

func readUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func readInt(b []byte) int64 {
	v := readUint(b)
	shift := 64 - 8*uint(len(b))
	return int64(v<<shift) >> shift
}

func decodeValue(t *format.Type, b []byte) frame.Value {
	switch t.Kind {
	case format.KindBool:
		return frame.Bool(readUint(b) != 0)
	case format.KindInt:
		if t.Signed {
			return frame.Int(readInt(b))
		}
		return frame.Uint(readUint(b))
	case format.KindFloat:
		if t.Size == 4 {
			return frame.Float(float64(math.Float32frombits(uint32(readUint(b)))))
		}
		return frame.Float(math.Float64frombits(readUint(b)))
	case format.KindEnum:
		// unknown discriminants decode as null
		if name, ok := t.EnumName(readInt(b)); ok {
			return frame.Enum(name)
		}
		if name, ok := t.EnumName(int64(readUint(b))); ok {
			return frame.Enum(name)
		}
		return frame.Null(frame.KindEnum)
	}
	return frame.Null(ColumnKind(t))
}

// ColumnKind maps a leaf type to the kind of its frame column.
func ColumnKind(t *format.Type) frame.Kind {
	switch t.Kind {
	case format.KindBool:
		return frame.KindBool
	case format.KindInt:
		if t.Signed {
			return frame.KindInt
		}
		return frame.KindUint
	case format.KindFloat:
		return frame.KindFloat
	}
	return frame.KindEnum
}

// ReadAll decodes every remaining record.
func (d *Decoder) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
