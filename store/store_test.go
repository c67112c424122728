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

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/normalize"

	. "github.com/smartystreets/goconvey/convey"
)

func adjFactor(symbol, date string, f float64) db.Record {
	return db.Record{"symbol": symbol, "date": date, "adj_factor": f}
}

func TestStore(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	ctx, tc := testclock.UseTime(context.Background(), now)

	Convey("Store works", t, func() {
		tmpdir, tmpdirErr := os.MkdirTemp("", "teststore")
		defer os.RemoveAll(tmpdir)
		So(tmpdirErr, ShouldBeNil)

		s, err := Open(ctx, Config{
			Driver:     DriverSQLite,
			DSN:        filepath.Join(tmpdir, "test.db"),
			WriteBatch: 2,
		})
		So(err, ShouldBeNil)
		defer s.Close()

		adj, err := category.Get(category.AdjustmentFactors)
		So(err, ShouldBeNil)
		info, err := category.Get(category.StockInfo)
		So(err, ShouldBeNil)

		Convey("unsupported driver", func() {
			_, err := Open(ctx, Config{Driver: "mongo"})
			So(err, ShouldNotBeNil)
		})

		Convey("Upsert is idempotent", func() {
			recs := []db.Record{
				adjFactor("A", "20240102", 1.0),
				adjFactor("A", "20240103", 1.0),
				adjFactor("B", "20240102", 2.0),
			}
			res, err := s.Upsert(ctx, adj, recs)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, UpsertResult{Inserted: 3})

			res, err = s.Upsert(ctx, adj, recs)
			So(err, ShouldBeNil)
			So(res, ShouldResemble, UpsertResult{Matched: 3})

			n, err := s.Count(ctx, adj, "symbol", "A")
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)

			Convey("changed values are modified in place", func() {
				res, err := s.Upsert(ctx, adj, []db.Record{
					adjFactor("A", "20240103", 1.5),
					adjFactor("C", "20240103", 3.0),
				})
				So(err, ShouldBeNil)
				So(res, ShouldResemble, UpsertResult{Matched: 1, Modified: 1, Inserted: 1})

				rows, err := s.ReadChunk(ctx, adj, ChunkQuery{
					Start: db.NewDate(2024, 1, 3), End: db.NewDate(2024, 1, 3),
					Fields: []string{"adj_factor"},
				})
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 2)
				So(rows[0]["symbol"], ShouldEqual, "A")
				So(rows[0]["adj_factor"], ShouldEqual, 1.5)
				So(rows[1]["symbol"], ShouldEqual, "C")
			})

			Convey("the timestamp alone is not a modification", func() {
				tc.Add(time.Hour)
				again := normalize.Normalize(ctx, adj, []db.Record{
					{"ts_code": "A", "trade_date": "20240102", "adj_factor": 1.0},
				})
				res, err := s.Upsert(ctx, adj, again)
				So(err, ShouldBeNil)
				So(res, ShouldResemble, UpsertResult{Matched: 1})
			})
		})

		Convey("duplicate keys in one call keep the last record", func() {
			res, err := s.Upsert(ctx, adj, []db.Record{
				adjFactor("A", "20240102", 1.0),
				adjFactor("A", "20240102", 1.2),
			})
			So(err, ShouldBeNil)
			So(res, ShouldResemble, UpsertResult{Inserted: 1})
			rows, err := s.ReadChunk(ctx, adj, ChunkQuery{
				Start: db.NewDate(2024, 1, 1), End: db.NewDate(2024, 1, 31)})
			So(err, ShouldBeNil)
			So(len(rows), ShouldEqual, 1)
			So(rows[0]["adj_factor"], ShouldEqual, 1.2)
		})

		Convey("partial failure reports committed counts", func() {
			res, err := s.Upsert(ctx, adj, []db.Record{
				adjFactor("A", "20240102", 1.0),
				adjFactor("B", "20240102", 1.0),
				{"symbol": "C", "date": "20240102", "adj_factor": make(chan int)},
			})
			So(err, ShouldNotBeNil)
			So(res, ShouldResemble, UpsertResult{Inserted: 2})
		})

		Convey("ReadChunk pages and filters", func() {
			var recs []db.Record
			for _, sym := range []string{"600000.SH", "000001.SZ", "000002.SZ"} {
				for d := 1; d <= 5; d++ {
					recs = append(recs, adjFactor(sym, db.NewDate(2024, 1, uint8(d)).String(), float64(d)))
				}
			}
			_, err := s.Upsert(ctx, adj, recs)
			So(err, ShouldBeNil)
			_, err = s.Upsert(ctx, info, []db.Record{
				{"symbol": "600000.SH", "name": "浦发银行"},
				{"symbol": "000001.SZ", "name": "平安银行"},
				{"symbol": "000002.SZ", "name": "*ST万科"},
			})
			So(err, ShouldBeNil)

			Convey("all rows in range, in small batches", func() {
				rows, err := s.ReadChunk(ctx, adj, ChunkQuery{
					Start: db.NewDate(2024, 1, 2), End: db.NewDate(2024, 1, 4), BatchSize: 2})
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 9)
			})

			Convey("symbols", func() {
				rows, err := s.ReadChunk(ctx, adj, ChunkQuery{
					Start: db.NewDate(2024, 1, 1), End: db.NewDate(2024, 1, 5),
					Symbols: []string{"000001.SZ"}})
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 5)
			})

			Convey("ST exclusion", func() {
				rows, err := s.ReadChunk(ctx, adj, ChunkQuery{
					Start: db.NewDate(2024, 1, 1), End: db.NewDate(2024, 1, 1), ExcludeST: true})
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 2)
				for _, r := range rows {
					So(r["symbol"], ShouldNotEqual, "000002.SZ")
				}
			})

			Convey("index membership", func() {
				So(s.SetIndexComponent(ctx, map[string]string{"600000.SH": "100"}), ShouldBeNil)
				rows, err := s.ReadChunk(ctx, adj, ChunkQuery{
					Start: db.NewDate(2024, 1, 1), End: db.NewDate(2024, 1, 5), IndexComponent: "100"})
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 5)
				So(rows[0]["symbol"], ShouldEqual, "600000.SH")

				// Re-syncing stock info leaves the classification intact.
				_, err = s.Upsert(ctx, info, []db.Record{{"symbol": "600000.SH", "name": "浦发"}})
				So(err, ShouldBeNil)
				rows, err = s.ReadChunk(ctx, adj, ChunkQuery{
					Start: db.NewDate(2024, 1, 1), End: db.NewDate(2024, 1, 1), IndexComponent: "100"})
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 1)
			})

			Convey("unknown field", func() {
				_, err := s.ReadChunk(ctx, adj, ChunkQuery{Fields: []string{"nope"}})
				So(err, ShouldNotBeNil)
			})

			Convey("symbols universe", func() {
				syms, err := s.Symbols(ctx)
				So(err, ShouldBeNil)
				So(syms, ShouldResemble, []string{"000001.SZ", "000002.SZ", "600000.SH"})
			})
		})

		Convey("stock info is not date-ranged", func() {
			_, err := s.ReadChunk(ctx, info, ChunkQuery{})
			So(err, ShouldNotBeNil)
		})

		Convey("Checkpoints", func() {
			cp, err := s.GetCheckpoint(ctx, category.Dividends)
			So(err, ShouldBeNil)
			So(cp, ShouldBeNil)

			So(s.SetCheckpoint(ctx, category.Dividends, db.NewDate(2024, 1, 31)), ShouldBeNil)
			So(s.SetCheckpoint(ctx, category.Dividends, db.NewDate(2024, 2, 29)), ShouldBeNil)
			So(s.SetCheckpoint(ctx, category.IndexPrices, db.NewDate(2024, 2, 1)), ShouldBeNil)

			cp, err = s.GetCheckpoint(ctx, category.Dividends)
			So(err, ShouldBeNil)
			So(cp.LastSyncedDate, ShouldEqual, "20240229")

			cps, err := s.ListCheckpoints(ctx)
			So(err, ShouldBeNil)
			So(len(cps), ShouldEqual, 2)
			So(cps[0].Category, ShouldEqual, "dividends")
			So(cps[1].Category, ShouldEqual, "index_prices")
		})
	})
}
