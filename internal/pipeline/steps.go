package pipeline

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"example.com/telemlog/internal/frame"
)

// progressEvery is how many rows a step processes between progress reports.
const progressEvery = 3000

// Step is one transform of a pipeline. Apply must not modify df; it returns
// a new frame and calls report with rows processed so far.
type Step interface {
	Op() string
	Apply(ctx context.Context, df *frame.DataFrame, report func(done, total int)) (*frame.DataFrame, error)
	Spec() StepSpec
}

// AllColumns makes Fill act on every real column.
const AllColumns = "*"

type Direction int

const (
	Forward Direction = iota
	Backward
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ParseDirection accepts forward/down and backward/up.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "forward", "down":
		return Forward, nil
	case "backward", "up":
		return Backward, nil
	}
	return Forward, fmt.Errorf("unknown fill direction %q", s)
}

// Fill replaces nulls with the previous (Forward) or next (Backward)
// non-null value of the column. With Backfill, nulls that have no such
// neighbour take the nearest non-null value on the other side.
type Fill struct {
	Column    string
	Direction Direction
	Backfill  bool
}

func (s Fill) Op() string { return "fill" }

func (s Fill) Spec() StepSpec {
	return StepSpec{Op: s.Op(), Column: s.Column, Direction: s.Direction.String(), Backfill: s.Backfill}
}

func (s Fill) Apply(ctx context.Context, df *frame.DataFrame, report func(done, total int)) (*frame.DataFrame, error) {
	cols := df.Columns()
	var targets []int
	if s.Column == AllColumns || s.Column == "" {
		for i, c := range cols {
			if !c.Virtual() {
				targets = append(targets, i)
			}
		}
	} else {
		i, err := df.ColumnIndex(s.Column)
		if err != nil {
			return nil, columnError(s, s.Column, err)
		}
		targets = []int{i}
	}
	total := df.RowCount() * len(targets)
	done := 0
	for _, i := range targets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filled, err := fillColumn(cols[i], s.Direction, s.Backfill, func(n int) {
			report(done+n, total)
		})
		if err != nil {
			return nil, err
		}
		cols[i] = filled
		done += df.RowCount()
	}
	report(total, total)
	return frame.New(cols...)
}

// fillColumn builds the filled copy of c.
func fillColumn(c *frame.Column, dir Direction, backfill bool, tick func(int)) (*frame.Column, error) {
	n := c.Len()
	vals := make([]frame.Value, n)
	for i := range vals {
		v, err := c.Value(i)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	at := func(k int) int { return k }
	if dir == Backward {
		at = func(k int) int { return n - 1 - k }
	}
	prev := frame.Null(c.Kind())
	if backfill {
		for k := 0; k < n; k++ {
			if v := vals[at(k)]; !v.IsNull() {
				prev = v
				break
			}
		}
	}
	filled := make([]frame.Value, n)
	for k := 0; k < n; k++ {
		i := at(k)
		if vals[i].IsNull() {
			filled[i] = prev
		} else {
			filled[i] = vals[i]
			prev = vals[i]
		}
		if k%progressEvery == 0 {
			tick(k)
		}
	}
	out := c.Empty()
	out.Grow(n)
	for _, v := range filled {
		if err := out.Append(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Select keeps rows whose column equals Value. A null cell never matches,
// and an empty Value is null. Epsilon, when positive, allows numeric values
// within that distance to match.
type Select struct {
	Column  string
	Value   string
	Epsilon float64
}

func (s Select) Op() string { return "select" }

func (s Select) Spec() StepSpec {
	return StepSpec{Op: s.Op(), Column: s.Column, Value: s.Value, Epsilon: s.Epsilon}
}

func (s Select) Apply(ctx context.Context, df *frame.DataFrame, report func(done, total int)) (*frame.DataFrame, error) {
	c, err := df.Column(s.Column)
	if err != nil {
		return nil, columnError(s, s.Column, err)
	}
	want, err := parseFor(s, c, s.Value)
	if err != nil {
		return nil, err
	}
	return filterRows(ctx, df, c, report, func(v frame.Value) bool {
		if frame.Equal(v, want) {
			return true
		}
		if s.Epsilon > 0 {
			a, aok := v.Number()
			b, bok := want.Number()
			return aok && bok && math.Abs(a-b) <= s.Epsilon
		}
		return false
	})
}

// Within keeps rows whose column lies in the closed range [Lower, Upper].
// A nil bound is open. Null cells are dropped.
type Within struct {
	Column string
	Lower  *string
	Upper  *string
}

func (s Within) Op() string { return "within" }

func (s Within) Spec() StepSpec {
	return StepSpec{Op: s.Op(), Column: s.Column, Lower: s.Lower, Upper: s.Upper}
}

func (s Within) Apply(ctx context.Context, df *frame.DataFrame, report func(done, total int)) (*frame.DataFrame, error) {
	c, err := df.Column(s.Column)
	if err != nil {
		return nil, columnError(s, s.Column, err)
	}
	bound := func(p *string) (frame.Value, bool, error) {
		if p == nil {
			return frame.Value{}, false, nil
		}
		if strings.TrimSpace(*p) == "" {
			return frame.Value{}, false, &FilterError{Op: s.Op(), Column: s.Column, Msg: "empty bound", Err: ErrBadValue}
		}
		v, err := parseFor(s, c, *p)
		return v, true, err
	}
	lo, hasLo, err := bound(s.Lower)
	if err != nil {
		return nil, err
	}
	hi, hasHi, err := bound(s.Upper)
	if err != nil {
		return nil, err
	}
	return filterRows(ctx, df, c, report, func(v frame.Value) bool {
		if v.IsNull() {
			return false
		}
		if hasLo && frame.Compare(v, lo) < 0 {
			return false
		}
		if hasHi && frame.Compare(v, hi) > 0 {
			return false
		}
		return true
	})
}

// Sort orders rows by a column, keeping the relative order of equal rows.
// Nulls come first in either direction unless NullsGreatest is set. An
// empty Column sorts by the second real column.
type Sort struct {
	Column        string
	Descending    bool
	NullsGreatest bool
}

func (s Sort) Op() string { return "sort" }

func (s Sort) Spec() StepSpec {
	return StepSpec{Op: s.Op(), Column: s.Column, Descending: s.Descending, NullsGreatest: s.NullsGreatest}
}

// DefaultSortColumn is the column an unconfigured Sort uses: the second
// real column, or the only one.
func DefaultSortColumn(df *frame.DataFrame) (string, bool) {
	names := df.RealColumns()
	switch len(names) {
	case 0:
		return "", false
	case 1:
		return names[0], true
	}
	return names[1], true
}

func (s Sort) Apply(ctx context.Context, df *frame.DataFrame, report func(done, total int)) (*frame.DataFrame, error) {
	name := s.Column
	if name == "" {
		var ok bool
		if name, ok = DefaultSortColumn(df); !ok {
			report(0, 0)
			return df, nil
		}
	}
	c, err := df.Column(name)
	if err != nil {
		return nil, columnError(s, name, err)
	}
	n := df.RowCount()
	report(0, n)
	vals := make([]frame.Value, n)
	rows := make([]int, n)
	for i := range vals {
		if i%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if vals[i], err = c.Value(i); err != nil {
			return nil, err
		}
		rows[i] = i
	}
	slices.SortStableFunc(rows, func(a, b int) int {
		va, vb := vals[a], vals[b]
		an, bn := va.IsNull(), vb.IsNull()
		switch {
		case an && bn:
			return 0
		case an || bn:
			r := -1
			if bn {
				r = 1
			}
			if s.NullsGreatest {
				r = -r
			}
			return r
		}
		r := frame.Compare(va, vb)
		if s.Descending {
			r = -r
		}
		return r
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := df.Take(rows)
	if err != nil {
		return nil, err
	}
	report(n, n)
	return out, nil
}

// Decimate keeps every Factor-th row, starting with the first.
type Decimate struct {
	Factor int
}

func (s Decimate) Op() string { return "decimate" }

func (s Decimate) Spec() StepSpec { return StepSpec{Op: s.Op(), Factor: s.Factor} }

func (s Decimate) Apply(ctx context.Context, df *frame.DataFrame, report func(done, total int)) (*frame.DataFrame, error) {
	if s.Factor < 1 {
		return nil, &FilterError{Op: s.Op(), Msg: fmt.Sprintf("factor %d must be at least 1", s.Factor), Err: ErrBadValue}
	}
	n := df.RowCount()
	rows := make([]int, 0, n/s.Factor+1)
	for i := 0; i < n; i += s.Factor {
		rows = append(rows, i)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := df.Take(rows)
	if err != nil {
		return nil, err
	}
	report(n, n)
	return out, nil
}

func filterRows(ctx context.Context, df *frame.DataFrame, c *frame.Column, report func(done, total int), keep func(frame.Value) bool) (*frame.DataFrame, error) {
	n := df.RowCount()
	var rows []int
	for i := 0; i < n; i++ {
		if i%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			report(i, n)
		}
		v, err := c.Value(i)
		if err != nil {
			return nil, err
		}
		if keep(v) {
			rows = append(rows, i)
		}
	}
	out, err := df.Take(rows)
	if err != nil {
		return nil, err
	}
	report(n, n)
	return out, nil
}

func parseFor(s Step, c *frame.Column, text string) (frame.Value, error) {
	v, err := frame.ParseValue(c.Kind(), text)
	if err != nil {
		return frame.Value{}, &FilterError{
			Op:     s.Op(),
			Column: c.Name(),
			Msg:    fmt.Sprintf("%q is not a %s value", text, c.Kind()),
			Err:    fmt.Errorf("%w: %v", ErrBadValue, err),
		}
	}
	return v, nil
}

func columnError(s Step, name string, err error) error {
	return &FilterError{Op: s.Op(), Column: name, Msg: "no such column", Err: err}
}
