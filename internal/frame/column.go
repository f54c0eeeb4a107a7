package frame

import (
	"errors"
	"fmt"
)

// ErrSealed is returned when appending to a column that already belongs to
// a DataFrame.
var ErrSealed = errors.New("column is read-only")

// Column is a named sequence of nullable values of one kind. Payloads are
// stored as raw 64-bit words next to a validity bitmap; enum labels are
// interned. A column becomes read-only once it is part of a DataFrame, which
// lets frames share columns.
type Column struct {
	name    string
	kind    Kind
	virtual bool
	sealed  bool

	n     int
	bits  []uint64
	valid []uint64

	dict  []string
	index map[string]uint64
}

// NewColumn returns an empty column.
func NewColumn(name string, kind Kind) *Column {
	return &Column{name: name, kind: kind}
}

// NewVirtualColumn returns an empty column derived from the data rather than
// decoded from it, such as row_index.
func NewVirtualColumn(name string, kind Kind) *Column {
	return &Column{name: name, kind: kind, virtual: true}
}

func (c *Column) Name() string  { return c.name }
func (c *Column) Kind() Kind    { return c.kind }
func (c *Column) Virtual() bool { return c.virtual }
func (c *Column) Len() int      { return c.n }

// Grow reserves room for n more values.
func (c *Column) Grow(n int) {
	if need := c.n + n; need > cap(c.bits) {
		bits := make([]uint64, c.n, need)
		copy(bits, c.bits)
		c.bits = bits
	}
}

// Append adds v, which must be of the column's kind.
func (c *Column) Append(v Value) error {
	if c.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, c.name)
	}
	if v.kind != c.kind {
		return fmt.Errorf("column %s: cannot append %s value to %s column", c.name, v.kind, c.kind)
	}
	c.push(v)
	return nil
}

// AppendNull adds a null.
func (c *Column) AppendNull() error {
	return c.Append(Null(c.kind))
}

func (c *Column) push(v Value) {
	i := c.n
	if i/64 >= len(c.valid) {
		c.valid = append(c.valid, 0)
	}
	var payload uint64
	if v.valid {
		c.valid[i/64] |= 1 << (i % 64)
		payload = v.bits
		if c.kind == KindEnum {
			payload = c.intern(v.label)
		}
	}
	c.bits = append(c.bits, payload)
	c.n++
}

func (c *Column) intern(label string) uint64 {
	if c.index == nil {
		c.index = make(map[string]uint64)
	}
	id, ok := c.index[label]
	if !ok {
		id = uint64(len(c.dict))
		c.dict = append(c.dict, label)
		c.index[label] = id
	}
	return id
}

// Value returns row i.
func (c *Column) Value(i int) (Value, error) {
	if i < 0 || i >= c.n {
		return Value{}, &BoundsError{Row: i, Rows: c.n, Column: c.name}
	}
	return c.at(i), nil
}

// IsNull reports whether row i is null. Rows out of range are reported as
// null.
func (c *Column) IsNull(i int) bool {
	if i < 0 || i >= c.n {
		return true
	}
	return c.valid[i/64]&(1<<(i%64)) == 0
}

// NullCount is the number of null rows.
func (c *Column) NullCount() int {
	nulls := 0
	for i := 0; i < c.n; i++ {
		if c.IsNull(i) {
			nulls++
		}
	}
	return nulls
}

// at reads row i; callers have checked the bounds.
func (c *Column) at(i int) Value {
	if c.valid[i/64]&(1<<(i%64)) == 0 {
		return Null(c.kind)
	}
	v := Value{kind: c.kind, valid: true, bits: c.bits[i]}
	if c.kind == KindEnum {
		v.bits = 0
		v.label = c.dict[c.bits[i]]
	}
	return v
}

// Empty returns an empty column with the same name, kind and virtual flag.
func (c *Column) Empty() *Column {
	return &Column{name: c.name, kind: c.kind, virtual: c.virtual}
}

// Rename returns a column sharing c's data under another name.
func (c *Column) Rename(name string) *Column {
	cp := *c
	cp.name = name
	cp.sealed = true
	c.sealed = true
	return &cp
}

// take gathers rows; callers have checked the bounds.
func (c *Column) take(rows []int) *Column {
	out := c.Empty()
	out.Grow(len(rows))
	for _, r := range rows {
		out.push(c.at(r))
	}
	return out
}

// Equal reports whether c and o hold identical names, kinds and values.
func (c *Column) Equal(o *Column) bool {
	if c.name != o.name || c.kind != o.kind || c.virtual != o.virtual || c.n != o.n {
		return false
	}
	for i := 0; i < c.n; i++ {
		if !Identical(c.at(i), o.at(i)) {
			return false
		}
	}
	return true
}
