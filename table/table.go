// Copyright 2022 Stock Parfait

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package table holds the result of a range read: a list of records with a
// fixed column order, printable as CSV or as aligned text.
package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/errors"
)

// Table of records.
//
// A typical use:
//
//	t := NewTable("symbol", "date", "adj_factor")
//	t.Append(records...)
//	t.SortBy("symbol", "date")
//	t.WriteText(os.Stdout, Params{Rows: 20})
type Table struct {
	Header []string // column order for printing; may be nil
	Rows   []db.Record
}

// NewTable creates a new Table with optional column headers.
func NewTable(header ...string) *Table {
	return &Table{Header: header}
}

// Append adds records to the table.
func (t *Table) Append(recs ...db.Record) {
	t.Rows = append(t.Rows, recs...)
}

// Merge appends the rows of another table. The header is taken from t2 if t
// does not have one.
func (t *Table) Merge(t2 *Table) {
	if t2 == nil {
		return
	}
	if len(t.Header) == 0 {
		t.Header = t2.Header
	}
	t.Rows = append(t.Rows, t2.Rows...)
}

// Len is the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// SortBy orders the rows by the string values of the given columns, stably.
func (t *Table) SortBy(cols ...string) {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		for _, c := range cols {
			a, b := t.Rows[i].String(c), t.Rows[j].String(c)
			if a != b {
				return a < b
			}
		}
		return false
	})
}

// Columns returns the header, or the sorted union of the row fields if the
// header is empty.
func (t *Table) Columns() []string {
	if len(t.Header) > 0 {
		return t.Header
	}
	seen := make(map[string]struct{})
	for _, r := range t.Rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	res := make([]string, 0, len(seen))
	for k := range seen {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// row renders a record in the column order.
func row(r db.Record, cols []string) []string {
	res := make([]string, len(cols))
	for i, c := range cols {
		res[i] = r.String(c)
	}
	return res
}

// Params are parameters for pretty-printing or CSV export of Table data.
type Params struct {
	Rows        int  // max. number of rows to write; 0 = unlimited (default)
	NoHeader    bool // whether to print the header, default - yes
	MaxColWidth int  // for WriteText only; 0 = unlimited, otherwise must be >= 4
}

// WriteCSV writes the entire table to w in CSV format.
func (t *Table) WriteCSV(w io.Writer, p Params) error {
	cols := t.Columns()
	cw := csv.NewWriter(w)
	if !p.NoHeader && len(cols) > 0 {
		if err := cw.Write(cols); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := cw.Write(row(r, cols)); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errors.Annotate(err, "failed to flush written rows")
	}
	return nil
}

// WriteText writes the table as a text formatted for ease of reading.
func (t *Table) WriteText(w io.Writer, p Params) error {
	if p.MaxColWidth != 0 && p.MaxColWidth < 4 {
		return errors.Reason("MaxColWidth [%d] must be 0 or >= 4", p.MaxColWidth)
	}
	cols := t.Columns()
	if len(cols) == 0 {
		return nil
	}
	widths := make([]int, len(cols))
	update := func(cells []string) {
		for i := range widths {
			n := len([]rune(cells[i]))
			if p.MaxColWidth > 0 && n > p.MaxColWidth {
				n = p.MaxColWidth
			}
			if widths[i] < n {
				widths[i] = n
			}
		}
	}
	write := func(cells []string) error {
		out := make([]string, len(cells))
		for i, s := range cells {
			r := []rune(s)
			if len(r) > widths[i] {
				s = string(r[:widths[i]-2]) + ".."
			}
			out[i] = fmt.Sprintf("%[2]*[1]s", s, widths[i])
		}
		_, err := fmt.Fprintf(w, "%s\n", strings.Join(out, " | "))
		return err
	}

	if !p.NoHeader {
		update(cols)
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		update(row(r, cols))
	}

	if !p.NoHeader {
		if err := write(cols); err != nil {
			return errors.Annotate(err, "failed to write header")
		}
		dashes := make([]string, len(widths))
		for i, n := range widths {
			dashes[i] = strings.Repeat("-", n)
		}
		if err := write(dashes); err != nil {
			return errors.Annotate(err, "failed to write header separator")
		}
	}
	for i, r := range t.Rows {
		if p.Rows > 0 && i >= p.Rows {
			break
		}
		if err := write(row(r, cols)); err != nil {
			return errors.Annotate(err, "failed to write row")
		}
	}
	return nil
}
