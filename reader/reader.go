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

// Package reader answers range queries over the stored categories by
// splitting the date range into chunks and reading them in parallel.
package reader

import (
	"context"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/datahub/table"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
)

const (
	DefaultWorkers   = 8
	DefaultChunkDays = 90

	minBatch    = 2000
	maxBatch    = 10000
	targetBytes = 10 * 1024 * 1024
)

// Span is an inclusive date range.
type Span struct {
	Start db.Date
	End   db.Date
}

// ChunkRange splits [start, end] into consecutive spans of at most days days.
func ChunkRange(start, end db.Date, days int) []Span {
	if days <= 0 {
		days = DefaultChunkDays
	}
	if end.Before(start) {
		return nil
	}
	if start == end {
		return []Span{{Start: start, End: end}}
	}
	res := make([]Span, 0, start.DaysTill(end)/days+1)
	for s := start; !end.Before(s); {
		e := db.MinDate(s.AddDays(days-1), end)
		res = append(res, Span{Start: s, End: e})
		s = e.AddDays(1)
	}
	return res
}

// BatchSize is the number of rows fetched per round trip when reading the
// given projection; nil fields means all of them. Wider rows get smaller
// batches.
func BatchSize(fields []string) int {
	rowBytes := 200
	if len(fields) > 0 {
		rowBytes = len(fields) * 20
	}
	n := targetBytes / rowBytes
	if n < minBatch {
		return minBatch
	}
	if n > maxBatch {
		return maxBatch
	}
	return n
}

// ChunkReader reads one chunk of a category.
type ChunkReader interface {
	ReadChunk(ctx context.Context, d *category.Descriptor, q store.ChunkQuery) ([]db.Record, error)
}

// Reader of the stored categories.
type Reader struct {
	src       ChunkReader
	Workers   int
	ChunkDays int
}

// NewReader creates a Reader with the default parallelism and chunk size.
func NewReader(src ChunkReader) *Reader {
	return &Reader{src: src, Workers: DefaultWorkers, ChunkDays: DefaultChunkDays}
}

type chunkResult struct {
	span Span
	tbl  *table.Table
	err  error
}

// merged accumulates the chunk tables, keeping the first error.
type merged struct {
	tbl *table.Table
	err error
}

// ReadRange reads the category records satisfying the constraints. The result
// is nil when there are no records. Rows are ordered by the category key.
func (r *Reader) ReadRange(ctx context.Context, name category.Name, c *db.Constraints) (*table.Table, error) {
	d, err := category.Get(name)
	if err != nil {
		return nil, err
	}
	if !d.Ranged() {
		return nil, errors.Reason("category %s cannot be range-read", name)
	}
	if c == nil {
		c = db.NewConstraints()
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return nil, errors.Reason("both start and end dates are required")
	}
	q := store.ChunkQuery{
		Symbols:   c.SymbolList(),
		Fields:    c.Fields,
		ExcludeST: c.ExcludeST,
		BatchSize: BatchSize(c.Fields),
	}
	if c.Indicator != "" && c.Indicator != db.DefaultIndicator {
		code, ok := c.IndexFilter()
		if !ok {
			return nil, errors.Reason("unsupported index indicator '%s'", c.Indicator)
		}
		q.IndexComponent = code
	}
	spans := ChunkRange(c.Start, c.End, r.ChunkDays)
	if len(spans) == 0 {
		return nil, nil
	}
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	logging.Debugf(ctx, "reading %s [%s..%s] in %d chunks", name, c.Start, c.End, len(spans))

	cols := header(d, c.Fields)
	f := func(s Span) chunkResult {
		cq := q
		cq.Start = s.Start
		cq.End = s.End
		rows, err := r.src.ReadChunk(ctx, d, cq)
		if err != nil {
			return chunkResult{span: s, err: err}
		}
		tbl := table.NewTable(cols...)
		for _, row := range rows {
			tbl.Append(row.Project(cols))
		}
		return chunkResult{span: s, tbl: tbl}
	}
	pm := iterator.ParallelMap(ctx, workers, iterator.FromSlice(spans), f)
	defer pm.Close()

	res := iterator.Reduce[chunkResult, *merged](pm, &merged{tbl: table.NewTable(cols...)},
		func(cr chunkResult, acc *merged) *merged {
			if acc.err != nil {
				return acc
			}
			if cr.err != nil {
				acc.err = errors.Annotate(cr.err, "failed to read %s chunk [%s..%s]",
					name, cr.span.Start, cr.span.End)
				return acc
			}
			acc.tbl.Merge(cr.tbl)
			return acc
		})
	if res.err != nil {
		return nil, res.err
	}
	tbl := res.tbl
	if tbl.Len() == 0 {
		return nil, nil
	}
	tbl.SortBy(d.Key...)
	return tbl, nil
}

// header is the column order of a result: the key first, then the requested
// or all the value columns.
func header(d *category.Descriptor, fields []string) []string {
	cols := append([]string{}, d.Key...)
	if len(fields) == 0 {
		return append(cols, d.ValueColumns()...)
	}
	for _, f := range fields {
		if !d.IsKey(f) {
			cols = append(cols, f)
		}
	}
	return cols
}
