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

// Package normalize converts provider rows into store records of a category.
package normalize

import (
	"context"
	"math"
	"sort"

	"go.chromium.org/luci/common/clock"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/logging"
)

// UpdatedAt is the store column stamped with the normalization time.
const UpdatedAt = "updated_at"

// convertValue converts a raw provider value to the field's kind. It returns
// nil for missing or unparsable values, after which the field's default
// applies.
func convertValue(f category.Field, v interface{}) interface{} {
	var res interface{}
	switch f.Kind {
	case category.String:
		if s := db.ValueString(v); s != "" {
			res = s
		}
	case category.Float:
		if x, ok := db.ValueFloat(v); ok && !math.IsNaN(x) {
			if f.Scale != 0 {
				x *= f.Scale
			}
			res = x
		}
	case category.Int:
		if x, ok := db.ValueFloat(v); ok && !math.IsNaN(x) {
			if f.Scale != 0 {
				x *= f.Scale
			}
			res = int64(math.Round(x))
		}
	}
	if res == nil {
		return f.Default
	}
	return res
}

// Convert maps a single provider row onto the category's store columns.
func Convert(d *category.Descriptor, raw db.Record) db.Record {
	r := make(db.Record, len(d.Fields)+1)
	for _, f := range d.Fields {
		r[f.Name] = convertValue(f, raw[f.Source])
	}
	return r
}

func hasKey(d *category.Descriptor, r db.Record) bool {
	for _, k := range d.Key {
		if !r.Has(k) {
			return false
		}
	}
	return true
}

func keep(d *category.Descriptor, r db.Record) bool {
	for _, f := range d.Filters {
		if !f.Keep(r) {
			return false
		}
	}
	return true
}

// tieLess orders tie-break values, which are compared as strings (all the
// tie-break fields are YYYYMMDD dates). Missing values always go last.
func tieLess(a, b string, latest bool) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	if latest {
		return a > b
	}
	return a < b
}

// Dedup leaves one record per composite key. With a tie-break, the record
// ordered first by the tie-break field wins, and records with equal tie-break
// values keep their input order. Without it, the last record in the input
// wins. The result is sorted by key.
func Dedup(recs []db.Record, key []string, tb *category.TieBreak) []db.Record {
	byKey := make(map[string]db.Record, len(recs))
	if tb != nil {
		sorted := append([]db.Record{}, recs...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return tieLess(sorted[i].String(tb.Field), sorted[j].String(tb.Field), tb.Latest)
		})
		for _, r := range sorted {
			k := r.Key(key)
			if _, ok := byKey[k]; !ok {
				byKey[k] = r
			}
		}
	} else {
		for _, r := range recs {
			byKey[r.Key(key)] = r
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	res := make([]db.Record, len(keys))
	for i, k := range keys {
		res[i] = byKey[k]
	}
	return res
}

// Normalize converts provider rows into store records: it renames and converts
// the fields, fills in defaults, drops records with an incomplete key or
// rejected by the category's filters, removes duplicate keys and stamps the
// records with the current time.
func Normalize(ctx context.Context, d *category.Descriptor, raws []db.Record) []db.Record {
	recs := make([]db.Record, 0, len(raws))
	var noKey, filtered int
	for _, raw := range raws {
		r := Convert(d, raw)
		if !hasKey(d, r) {
			noKey++
			continue
		}
		if !keep(d, r) {
			filtered++
			continue
		}
		recs = append(recs, r)
	}
	res := Dedup(recs, d.Key, d.TieBreak)
	now := clock.Now(ctx).UTC()
	for _, r := range res {
		r[UpdatedAt] = now
	}
	logging.Debugf(ctx, "%s: normalized %d rows into %d records "+
		"(%d without key, %d filtered, %d duplicates)",
		d.Name, len(raws), len(res), noKey, filtered, len(recs)-len(res))
	return res
}
