package frame

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

const virtualSuffix = ":virtual"

// WriteCSV writes df with a header row of "name:kind" cells (virtual
// columns add ":virtual"). Nulls are empty cells.
func WriteCSV(w io.Writer, df *DataFrame) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(df.cols))
	for i, c := range df.cols {
		header[i] = c.name + ":" + c.kind.String()
		if c.virtual {
			header[i] += virtualSuffix
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(df.cols))
	for r := 0; r < df.rows; r++ {
		for i, c := range df.cols {
			record[i] = c.at(r).String()
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a file written by WriteCSV.
func ReadCSV(r io.Reader) (*DataFrame, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("csv header: %w", err)
	}
	cols := make([]*Column, len(header))
	for i, cell := range header {
		virtual := strings.HasSuffix(cell, virtualSuffix)
		cell = strings.TrimSuffix(cell, virtualSuffix)
		k := strings.LastIndexByte(cell, ':')
		if k < 0 {
			return nil, fmt.Errorf("csv header %q: want name:kind", cell)
		}
		kind, err := ParseKind(cell[k+1:])
		if err != nil {
			return nil, fmt.Errorf("csv header %q: %w", cell, err)
		}
		if virtual {
			cols[i] = NewVirtualColumn(cell[:k], kind)
		} else {
			cols[i] = NewColumn(cell[:k], kind)
		}
	}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		for i, cell := range rec {
			v, err := ParseValue(cols[i].kind, cell)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %s: %w", line, cols[i].name, err)
			}
			cols[i].push(v)
		}
	}
	return New(cols...)
}
