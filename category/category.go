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

// Package category describes the synced datasets: where each comes from, how
// its provider rows map onto store columns, and what identifies a record.
package category

import (
	"strings"

	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/tushare"
	"github.com/stockparfait/errors"
)

// Name of a data category.
type Name string

// Values for Name.
const (
	Dividends         = Name("dividends")
	NameChanges       = Name("name_changes")
	AdjustmentFactors = Name("adjustment_factors")
	ValuationFactors  = Name("valuation_factors")
	IndexPrices       = Name("index_prices")
	StockInfo         = Name("stock_info")
)

// Kind is the store type of a field.
type Kind int

// Values for Kind.
const (
	String Kind = iota
	Float
	Int
)

// Field maps a provider column onto a store column.
type Field struct {
	Name    string      // store column
	Source  string      // provider column
	Kind    Kind        // store type
	Default interface{} // value used when the provider omits it; nil = none
	Scale   float64     // multiplier for numeric values; 0 = no scaling
}

// Granularity of the provider queries in the incremental mode.
type Granularity int

// Values for Granularity.
const (
	PerDate  Granularity = iota // one query per calendar day
	PerRange                    // one query per sub-window
	Snapshot                    // one query, no dates
)

func (g Granularity) String() string {
	switch g {
	case PerDate:
		return "per-date"
	case PerRange:
		return "per-range"
	case Snapshot:
		return "snapshot"
	}
	return "unknown"
}

// TieBreak selects one of the records sharing a composite key.
type TieBreak struct {
	Field  string // store column to order by
	Latest bool   // keep the greatest value; default is the smallest
}

// Filter is an inclusion rule applied to normalized records.
type Filter struct {
	Name string
	Keep func(r db.Record) bool
}

// Descriptor of a data category. One generic engine handles every category
// according to its descriptor.
type Descriptor struct {
	Name  Name
	Table string // store table
	API   string // provider API
	Key   []string
	// Store column holding the record's date for range reads; "" if the
	// category is not date-ranged.
	DateField string
	Fields    []Field
	Extra     []Field // store-only columns maintained outside of sync
	TieBreak  *TieBreak
	Filters   []Filter

	Granularity Granularity
	DateParam   string // provider parameter for PerDate queries
	StartParam  string // provider parameters for range queries
	EndParam    string
	SymbolParam string // provider parameter selecting one entity

	// Static entities, e.g. index symbols. When empty, the entities are the
	// symbols of the stock_info table.
	Entities []string
	// Fixed provider parameter sets, one query each, for categories without
	// static entities.
	Variants []map[string]string
	Lookback int // days of the default incremental window
}

// Column returns the store field by name.
func (d *Descriptor) Column(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	for _, f := range d.Extra {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IsKey checks whether the store column is a part of the composite key.
func (d *Descriptor) IsKey(name string) bool {
	for _, k := range d.Key {
		if k == name {
			return true
		}
	}
	return false
}

// Columns lists the synced store columns in the declaration order, without
// duplicates.
func (d *Descriptor) Columns() []string {
	seen := make(map[string]struct{})
	var res []string
	for _, f := range d.Fields {
		if _, ok := seen[f.Name]; ok {
			continue
		}
		seen[f.Name] = struct{}{}
		res = append(res, f.Name)
	}
	return res
}

// ValueColumns lists the synced non-key columns.
func (d *Descriptor) ValueColumns() []string {
	var res []string
	for _, c := range d.Columns() {
		if !d.IsKey(c) {
			res = append(res, c)
		}
	}
	return res
}

// SourceFields lists the provider columns to request.
func (d *Descriptor) SourceFields() []string {
	seen := make(map[string]struct{})
	var res []string
	for _, f := range d.Fields {
		if f.Source == "" {
			continue
		}
		if _, ok := seen[f.Source]; ok {
			continue
		}
		seen[f.Source] = struct{}{}
		res = append(res, f.Source)
	}
	return res
}

// Query creates the base provider query for the category.
func (d *Descriptor) Query() *tushare.Query {
	return tushare.NewQuery(d.API).Fields(d.SourceFields()...)
}

// Partitions returns the parameter sets which together cover the whole
// category for a single date or window.
func (d *Descriptor) Partitions() []map[string]string {
	if len(d.Entities) > 0 {
		res := make([]map[string]string, len(d.Entities))
		for i, e := range d.Entities {
			res[i] = map[string]string{d.SymbolParam: e}
		}
		return res
	}
	if len(d.Variants) > 0 {
		return d.Variants
	}
	return []map[string]string{{}}
}

// Ranged checks if the category has a date to range-read by.
func (d *Descriptor) Ranged() bool { return d.DateField != "" }

// notBeijing excludes the instruments of the Beijing exchange.
func notBeijing(r db.Record) bool {
	return !strings.Contains(r.String("symbol"), "BJ")
}

// MajorIndices synced by the index_prices category.
var MajorIndices = []string{
	"000001.SH", // SSE Composite
	"399001.SZ", // SZSE Component
	"000300.SH", // CSI 300
	"000905.SH", // CSI 500
	"000852.SH", // CSI 1000
	"399006.SZ", // ChiNext
	"000688.SH", // STAR 50
}

var descriptors = []*Descriptor{
	{
		Name:      StockInfo,
		Table:     "stock_info",
		API:       "stock_basic",
		Key:       []string{"symbol"},
		DateField: "",
		Fields: []Field{
			{Name: "symbol", Source: "ts_code"},
			{Name: "name", Source: "name"},
			{Name: "area", Source: "area"},
			{Name: "industry", Source: "industry"},
			{Name: "market", Source: "market"},
			{Name: "exchange", Source: "exchange"},
			{Name: "list_status", Source: "list_status"},
			{Name: "list_date", Source: "list_date"},
			{Name: "delist_date", Source: "delist_date"},
		},
		Extra:       []Field{{Name: "index_component", Kind: String}},
		Granularity: Snapshot,
		SymbolParam: "ts_code",
		Variants: []map[string]string{
			{"list_status": "L"},
			{"list_status": "D"},
			{"list_status": "P"},
		},
	},
	{
		Name:      Dividends,
		Table:     "stock_dividends",
		API:       "dividend",
		Key:       []string{"symbol", "ex_div_date"},
		DateField: "ex_div_date",
		Fields: []Field{
			{Name: "symbol", Source: "ts_code"},
			{Name: "announcement_date", Source: "ann_date"},
			{Name: "dividend_year", Source: "end_date"},
			{Name: "process_status", Source: "div_proc"},
			{Name: "total_share_ratio", Source: "stk_div", Kind: Float, Default: 0.0},
			{Name: "share_ratio", Source: "stk_bo_rate", Kind: Float, Default: 0.0},
			{Name: "share_trans_ratio", Source: "stk_co_rate", Kind: Float, Default: 0.0},
			{Name: "cash_div_after_tax", Source: "cash_div", Kind: Float, Default: 0.0},
			{Name: "cash_div_before_tax", Source: "cash_div_tax", Kind: Float, Default: 0.0},
			{Name: "unit_cash_div_tax", Source: "cash_div_tax", Kind: Float, Default: 0.0},
			{Name: "record_date", Source: "record_date"},
			{Name: "ex_div_date", Source: "ex_date"},
			{Name: "cash_pay_date", Source: "pay_date"},
		},
		TieBreak:    &TieBreak{Field: "announcement_date"},
		Filters:     []Filter{{Name: "not-beijing", Keep: notBeijing}},
		Granularity: PerDate,
		DateParam:   "ann_date",
		SymbolParam: "ts_code",
		Lookback:    30,
	},
	{
		Name:      NameChanges,
		Table:     "stock_namechange",
		API:       "namechange",
		Key:       []string{"symbol", "start_date"},
		DateField: "start_date",
		Fields: []Field{
			{Name: "symbol", Source: "ts_code"},
			{Name: "name", Source: "name"},
			{Name: "start_date", Source: "start_date"},
			{Name: "end_date", Source: "end_date"},
			{Name: "ann_date", Source: "ann_date"},
			{Name: "change_reason", Source: "change_reason"},
		},
		TieBreak:    &TieBreak{Field: "end_date"},
		Granularity: PerRange,
		StartParam:  "start_date",
		EndParam:    "end_date",
		SymbolParam: "ts_code",
		Lookback:    90,
	},
	{
		Name:      AdjustmentFactors,
		Table:     "stock_adj_factor",
		API:       "adj_factor",
		Key:       []string{"symbol", "date"},
		DateField: "date",
		Fields: []Field{
			{Name: "symbol", Source: "ts_code"},
			{Name: "date", Source: "trade_date"},
			{Name: "adj_factor", Source: "adj_factor", Kind: Float},
		},
		Granularity: PerDate,
		DateParam:   "trade_date",
		StartParam:  "start_date",
		EndParam:    "end_date",
		SymbolParam: "ts_code",
		Lookback:    90,
	},
	{
		Name:      ValuationFactors,
		Table:     "factor_base",
		API:       "daily_basic",
		Key:       []string{"symbol", "date"},
		DateField: "date",
		Fields: []Field{
			{Name: "symbol", Source: "ts_code"},
			{Name: "date", Source: "trade_date"},
			{Name: "pb", Source: "pb", Kind: Float},
			{Name: "pe_ttm", Source: "pe_ttm", Kind: Float},
			{Name: "ps_ttm", Source: "ps_ttm", Kind: Float},
			{Name: "dv_ttm", Source: "dv_ttm", Kind: Float},
			{Name: "circ_mv", Source: "circ_mv", Kind: Float},
		},
		Granularity: PerDate,
		DateParam:   "trade_date",
		StartParam:  "start_date",
		EndParam:    "end_date",
		SymbolParam: "ts_code",
		Lookback:    90,
	},
	{
		Name:      IndexPrices,
		Table:     "index_market",
		API:       "index_daily",
		Key:       []string{"symbol", "date"},
		DateField: "date",
		Fields: []Field{
			{Name: "symbol", Source: "ts_code"},
			{Name: "date", Source: "trade_date"},
			{Name: "open", Source: "open", Kind: Float},
			{Name: "high", Source: "high", Kind: Float},
			{Name: "low", Source: "low", Kind: Float},
			{Name: "close", Source: "close", Kind: Float},
			{Name: "pre_close", Source: "pre_close", Kind: Float},
			{Name: "volume", Source: "vol", Kind: Float, Scale: 100},
			{Name: "amount", Source: "amount", Kind: Float},
		},
		Granularity: PerRange,
		StartParam:  "start_date",
		EndParam:    "end_date",
		SymbolParam: "ts_code",
		Entities:    MajorIndices,
		Lookback:    90,
	},
}

// All returns the descriptors of all the categories. The stock universe comes
// first, since other categories depend on it.
func All() []*Descriptor {
	return append([]*Descriptor{}, descriptors...)
}

// Names of all the categories, in the same order as All().
func Names() []Name {
	res := make([]Name, len(descriptors))
	for i, d := range descriptors {
		res[i] = d.Name
	}
	return res
}

// Get the descriptor of the named category.
func Get(name Name) (*Descriptor, error) {
	for _, d := range descriptors {
		if d.Name == name {
			return d, nil
		}
	}
	return nil, errors.Reason("unknown category '%s'", name)
}
