package frame

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	metaKind    = "telemlog.kind"
	metaVirtual = "telemlog.virtual"
)

// ArrowBatchRows bounds the rows per record batch written by WriteArrow.
const ArrowBatchRows = 64 * 1024

func arrowType(k Kind) arrow.DataType {
	switch k {
	case KindBool:
		return arrow.FixedWidthTypes.Boolean
	case KindInt:
		return arrow.PrimitiveTypes.Int64
	case KindUint:
		return arrow.PrimitiveTypes.Uint64
	case KindFloat:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

func kindOf(dt arrow.DataType) Kind {
	switch dt.ID() {
	case arrow.BOOL:
		return KindBool
	case arrow.INT64:
		return KindInt
	case arrow.UINT64:
		return KindUint
	case arrow.FLOAT64:
		return KindFloat
	}
	return KindEnum
}

// ArrowSchema describes df as an Arrow schema. Column kinds and the virtual
// flag travel as field metadata.
func ArrowSchema(df *DataFrame) *arrow.Schema {
	fields := make([]arrow.Field, len(df.cols))
	for i, c := range df.cols {
		virtual := "false"
		if c.virtual {
			virtual = "true"
		}
		fields[i] = arrow.Field{
			Name:     c.name,
			Type:     arrowType(c.kind),
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{metaKind, metaVirtual}, []string{c.kind.String(), virtual}),
		}
	}
	return arrow.NewSchema(fields, nil)
}

// WriteArrow writes df as an Arrow IPC stream.
func WriteArrow(w io.Writer, df *DataFrame) error {
	pool := memory.NewGoAllocator()
	schema := ArrowSchema(df)
	b := array.NewRecordBuilder(pool, schema)
	defer b.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(pool))
	for start := 0; start < df.rows || start == 0; start += ArrowBatchRows {
		end := min(start+ArrowBatchRows, df.rows)
		for i, c := range df.cols {
			appendArrow(b.Field(i), c, start, end)
		}
		rec := b.NewRecord()
		err := wr.Write(rec)
		rec.Release()
		if err != nil {
			wr.Close()
			return fmt.Errorf("write arrow batch at row %d: %w", start, err)
		}
		if end >= df.rows {
			break
		}
	}
	return wr.Close()
}

func appendArrow(fb array.Builder, c *Column, start, end int) {
	for r := start; r < end; r++ {
		v := c.at(r)
		if v.IsNull() {
			fb.AppendNull()
			continue
		}
		switch c.kind {
		case KindBool:
			fb.(*array.BooleanBuilder).Append(v.Bool())
		case KindInt:
			fb.(*array.Int64Builder).Append(v.Int())
		case KindUint:
			fb.(*array.Uint64Builder).Append(v.Uint())
		case KindFloat:
			fb.(*array.Float64Builder).Append(v.Float())
		default:
			fb.(*array.StringBuilder).Append(v.Label())
		}
	}
}

// ReadArrow reads a stream written by WriteArrow.
func ReadArrow(r io.Reader) (*DataFrame, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()

	schema := rdr.Schema()
	cols := make([]*Column, len(schema.Fields()))
	for i, f := range schema.Fields() {
		kind := kindOf(f.Type)
		if ks, ok := f.Metadata.GetValue(metaKind); ok {
			if kind, err = ParseKind(ks); err != nil {
				return nil, fmt.Errorf("arrow field %s: %w", f.Name, err)
			}
		}
		if vs, _ := f.Metadata.GetValue(metaVirtual); vs == "true" {
			cols[i] = NewVirtualColumn(f.Name, kind)
		} else {
			cols[i] = NewColumn(f.Name, kind)
		}
	}
	for rdr.Next() {
		rec := rdr.Record()
		for i, c := range cols {
			if err := readArrow(c, rec.Column(i)); err != nil {
				return nil, err
			}
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, err
	}
	return New(cols...)
}

func readArrow(c *Column, arr arrow.Array) error {
	for r := 0; r < arr.Len(); r++ {
		if arr.IsNull(r) {
			c.push(Null(c.kind))
			continue
		}
		switch a := arr.(type) {
		case *array.Boolean:
			c.push(Bool(a.Value(r)))
		case *array.Int64:
			c.push(Int(a.Value(r)))
		case *array.Uint64:
			c.push(Uint(a.Value(r)))
		case *array.Float64:
			c.push(Float(a.Value(r)))
		case *array.String:
			c.push(Enum(a.Value(r)))
		default:
			return fmt.Errorf("arrow column %s: unsupported type %s", c.name, arr.DataType())
		}
	}
	return nil
}
