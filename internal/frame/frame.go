package frame

import (
	"errors"
	"fmt"
)

// Names of the columns Merge adds.
const (
	RowIndexColumn   = "row_index"
	SourceFileColumn = "source_file"
)

var (
	ErrBounds   = errors.New("index out of range")
	ErrNotFound = errors.New("no such column")
)

// BoundsError reports a row or column index outside the frame.
type BoundsError struct {
	Row, Col   int
	Rows, Cols int
	Column     string
}

func (e *BoundsError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d out of range for column %s with %d rows", e.Row, e.Column, e.Rows)
	}
	return fmt.Sprintf("cell (%d, %d) out of range for %d rows x %d columns", e.Row, e.Col, e.Rows, e.Cols)
}

func (e *BoundsError) Unwrap() error { return ErrBounds }

// NotFoundError reports an unknown column name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("no column named %q", e.Name) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DataFrame is an immutable table of equally long columns in a fixed order.
// Every accessor checks its indices.
type DataFrame struct {
	cols   []*Column
	byName map[string]int
	rows   int
}

// New assembles columns into a frame. The columns become read-only.
func New(cols ...*Column) (*DataFrame, error) {
	df := &DataFrame{byName: make(map[string]int, len(cols))}
	for i, c := range cols {
		if c == nil {
			return nil, fmt.Errorf("column %d is nil", i)
		}
		if _, dup := df.byName[c.name]; dup {
			return nil, fmt.Errorf("duplicate column %q", c.name)
		}
		if i > 0 && c.n != df.rows {
			return nil, fmt.Errorf("column %s has %d rows, want %d", c.name, c.n, df.rows)
		}
		df.rows = c.n
		df.byName[c.name] = i
		c.sealed = true
		df.cols = append(df.cols, c)
	}
	return df, nil
}

// Empty returns a frame with no columns.
func Empty() *DataFrame {
	df, _ := New()
	return df
}

func (df *DataFrame) RowCount() int    { return df.rows }
func (df *DataFrame) ColumnCount() int { return len(df.cols) }

// ColumnNames lists names in column order.
func (df *DataFrame) ColumnNames() []string {
	names := make([]string, len(df.cols))
	for i, c := range df.cols {
		names[i] = c.name
	}
	return names
}

// RealColumns lists the names of columns that are not virtual.
func (df *DataFrame) RealColumns() []string {
	var names []string
	for _, c := range df.cols {
		if !c.virtual {
			names = append(names, c.name)
		}
	}
	return names
}

// Columns returns the columns in order.
func (df *DataFrame) Columns() []*Column {
	return append([]*Column(nil), df.cols...)
}

// Column returns the column called name.
func (df *DataFrame) Column(name string) (*Column, error) {
	i, ok := df.byName[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return df.cols[i], nil
}

// ColumnIndex returns the position of name.
func (df *DataFrame) ColumnIndex(name string) (int, error) {
	i, ok := df.byName[name]
	if !ok {
		return 0, &NotFoundError{Name: name}
	}
	return i, nil
}

// ColumnAt returns column i.
func (df *DataFrame) ColumnAt(i int) (*Column, error) {
	if i < 0 || i >= len(df.cols) {
		return nil, &BoundsError{Col: i, Rows: df.rows, Cols: len(df.cols)}
	}
	return df.cols[i], nil
}

// Get returns the cell at row, col.
func (df *DataFrame) Get(row, col int) (Value, error) {
	if row < 0 || row >= df.rows || col < 0 || col >= len(df.cols) {
		return Value{}, &BoundsError{Row: row, Col: col, Rows: df.rows, Cols: len(df.cols)}
	}
	return df.cols[col].at(row), nil
}

// GetByName returns the cell at row in the column called name.
func (df *DataFrame) GetByName(row int, name string) (Value, error) {
	c, err := df.Column(name)
	if err != nil {
		return Value{}, err
	}
	return c.Value(row)
}

// Take returns a new frame holding rows in the given order. Rows may repeat.
func (df *DataFrame) Take(rows []int) (*DataFrame, error) {
	for _, r := range rows {
		if r < 0 || r >= df.rows {
			return nil, &BoundsError{Row: r, Rows: df.rows, Cols: len(df.cols)}
		}
	}
	cols := make([]*Column, len(df.cols))
	for i, c := range df.cols {
		cols[i] = c.take(rows)
	}
	return New(cols...)
}

// Replace returns a frame with the column called c.Name() swapped for c.
// Other columns are shared.
func (df *DataFrame) Replace(c *Column) (*DataFrame, error) {
	i, ok := df.byName[c.name]
	if !ok {
		return nil, &NotFoundError{Name: c.name}
	}
	cols := append([]*Column(nil), df.cols...)
	cols[i] = c
	return New(cols...)
}

// Equal reports whether both frames hold identical columns.
func (df *DataFrame) Equal(o *DataFrame) bool {
	if df.rows != o.rows || len(df.cols) != len(o.cols) {
		return false
	}
	for i := range df.cols {
		if !df.cols[i].Equal(o.cols[i]) {
			return false
		}
	}
	return true
}

// Merge stacks frames decoded from separate files. The result has the union
// of their columns in first-seen order (missing cells are null) followed by
// row_index, the row number within its own file, and source_file, the
// position of the file in parts.
func Merge(parts ...*DataFrame) (*DataFrame, error) {
	var order []*Column
	pos := map[string]int{}
	total := 0
	for p, part := range parts {
		for _, c := range part.cols {
			if c.name == RowIndexColumn || c.name == SourceFileColumn {
				return nil, fmt.Errorf("part %d already has a %s column", p, c.name)
			}
			if i, ok := pos[c.name]; ok {
				if order[i].kind != c.kind {
					return nil, fmt.Errorf("column %s is %s in part %d but %s earlier", c.name, c.kind, p, order[i].kind)
				}
				continue
			}
			pos[c.name] = len(order)
			order = append(order, c.Empty())
		}
		total += part.rows
	}
	for _, c := range order {
		c.Grow(total)
	}
	rowIndex := NewVirtualColumn(RowIndexColumn, KindUint)
	source := NewVirtualColumn(SourceFileColumn, KindUint)
	rowIndex.Grow(total)
	source.Grow(total)

	for p, part := range parts {
		for _, out := range order {
			src, err := part.Column(out.name)
			if err != nil {
				for r := 0; r < part.rows; r++ {
					out.push(Null(out.kind))
				}
				continue
			}
			for r := 0; r < part.rows; r++ {
				out.push(src.at(r))
			}
		}
		for r := 0; r < part.rows; r++ {
			rowIndex.push(Uint(uint64(r)))
			source.push(Uint(uint64(p)))
		}
	}
	return New(append(order, rowIndex, source)...)
}
