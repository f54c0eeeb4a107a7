package decode

import (
	"context"
	"errors"
	"io"

	"example.com/telemlog/internal/frame"
)

const (
	SensorColumn    = "sensor"
	TimestampColumn = "timestamp"
)

const ctxCheckEvery = 4096

// Columns returns the empty columns a decode with d fills: sensor, then
// timestamp when the framing carries one, then every leaf of every variant.
func (d *Decoder) Columns() []*frame.Column {
	cols := []*frame.Column{frame.NewColumn(SensorColumn, frame.KindEnum)}
	if d.opts.Framing.TimestampSize > 0 {
		cols = append(cols, frame.NewColumn(TimestampColumn, frame.KindUint))
	}
	for _, v := range d.format.Variants {
		for _, l := range v.Leaves() {
			cols = append(cols, frame.NewColumn(l.Path, ColumnKind(l.Type)))
		}
	}
	return cols
}

// ReadFrame decodes the remaining records into one row each. Fields that
// belong to another variant than the row's are null.
func ReadFrame(ctx context.Context, d *Decoder) (*frame.DataFrame, error) {
	cols := d.Columns()
	fixed := 1
	if d.opts.Framing.TimestampSize > 0 {
		fixed = 2
	}
	// first column of each variant's leaves
	first := make(map[string]int, len(d.format.Variants))
	at := fixed
	for _, v := range d.format.Variants {
		first[v.Name] = at
		at += len(v.Leaves())
	}

	for n := 0; ; n++ {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := cols[0].Append(frame.Enum(rec.Variant.Name)); err != nil {
			return nil, err
		}
		if fixed == 2 {
			if err := cols[1].Append(frame.Uint(rec.Timestamp)); err != nil {
				return nil, err
			}
		}
		lo := first[rec.Variant.Name]
		hi := lo + len(rec.Values)
		for i := fixed; i < len(cols); i++ {
			if i >= lo && i < hi {
				err = cols[i].Append(rec.Values[i-lo])
			} else {
				err = cols[i].AppendNull()
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return frame.New(cols...)
}
