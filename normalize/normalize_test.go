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

package normalize

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	ctx, _ := testclock.UseTime(context.Background(), now)

	Convey("Dividends", t, func() {
		d, err := category.Get(category.Dividends)
		So(err, ShouldBeNil)

		raw := func(code, ann, ex string, cash interface{}) db.Record {
			return db.Record{
				"ts_code": code, "ann_date": ann, "end_date": "20231231",
				"div_proc": "实施", "stk_div": nil, "stk_bo_rate": nil,
				"stk_co_rate": 0.3, "cash_div": cash, "cash_div_tax": cash,
				"record_date": "20240110", "ex_date": ex, "pay_date": nil,
			}
		}

		Convey("renames fields and fills defaults", func() {
			res := Normalize(ctx, d, []db.Record{raw("600000.SH", "20240105", "20240111", 0.5)})
			So(len(res), ShouldEqual, 1)
			r := res[0]
			So(r["symbol"], ShouldEqual, "600000.SH")
			So(r["announcement_date"], ShouldEqual, "20240105")
			So(r["ex_div_date"], ShouldEqual, "20240111")
			So(r["total_share_ratio"], ShouldEqual, 0.0)
			So(r["share_ratio"], ShouldEqual, 0.0)
			So(r["share_trans_ratio"], ShouldEqual, 0.3)
			So(r["cash_div_before_tax"], ShouldEqual, 0.5)
			So(r["unit_cash_div_tax"], ShouldEqual, 0.5)
			So(r["cash_pay_date"], ShouldBeNil)
			So(r[UpdatedAt], ShouldResemble, now)
		})

		Convey("drops records without the key and filters Beijing", func() {
			res := Normalize(ctx, d, []db.Record{
				raw("600000.SH", "20240105", "", 0.5),
				raw("830799.BJ", "20240105", "20240111", 0.5),
				raw("000001.SZ", "20240105", "20240111", nil),
			})
			So(len(res), ShouldEqual, 1)
			So(res[0]["symbol"], ShouldEqual, "000001.SZ")
			So(res[0]["cash_div_after_tax"], ShouldEqual, 0.0)
		})

		Convey("keeps the earliest announcement", func() {
			input := []db.Record{
				raw("600000.SH", "20240107", "20240111", 0.7),
				raw("600000.SH", "20240105", "20240111", 0.5),
				raw("600000.SH", "20240106", "20240111", 0.6),
			}
			for i := 0; i < 3; i++ {
				res := Normalize(ctx, d, input)
				So(len(res), ShouldEqual, 1)
				So(res[0]["announcement_date"], ShouldEqual, "20240105")
				So(res[0]["cash_div_after_tax"], ShouldEqual, 0.5)
			}
		})
	})

	Convey("Name changes keep the earliest end date, missing last", t, func() {
		d, err := category.Get(category.NameChanges)
		So(err, ShouldBeNil)
		res := Normalize(ctx, d, []db.Record{
			{"ts_code": "000001.SZ", "name": "B", "start_date": "20200101", "end_date": nil},
			{"ts_code": "000001.SZ", "name": "A", "start_date": "20200101", "end_date": "20210101"},
			{"ts_code": "000002.SZ", "name": "C", "start_date": "20200101", "end_date": nil},
		})
		So(len(res), ShouldEqual, 2)
		So(res[0]["name"], ShouldEqual, "A")
		So(res[1]["name"], ShouldEqual, "C")
	})

	Convey("Index prices scale volume", t, func() {
		d, err := category.Get(category.IndexPrices)
		So(err, ShouldBeNil)
		res := Normalize(ctx, d, []db.Record{{
			"ts_code": "000300.SH", "trade_date": "20240105", "open": 3300.0,
			"high": 3350.0, "low": 3290.0, "close": 3340.5, "pre_close": 3310.0,
			"vol": 12345.0, "amount": 1.5e8,
		}})
		So(len(res), ShouldEqual, 1)
		So(res[0]["volume"], ShouldEqual, 1234500.0)
		So(res[0]["date"], ShouldEqual, "20240105")

		Convey("fractional lots", func() {
			res := Normalize(ctx, d, []db.Record{{
				"ts_code": "000300.SH", "trade_date": "20240105", "vol": "1.23",
			}})
			So(len(res), ShouldEqual, 1)
			So(testutil.Round(res[0]["volume"].(float64), 6), ShouldEqual, 123.0)
		})
	})

	Convey("Dedup", t, func() {
		key := []string{"symbol", "date"}

		Convey("without tie-break the last record wins", func() {
			res := Dedup([]db.Record{
				{"symbol": "B", "date": "1", "v": 1.0},
				{"symbol": "A", "date": "1", "v": 2.0},
				{"symbol": "B", "date": "1", "v": 3.0},
			}, key, nil)
			So(res, ShouldResemble, []db.Record{
				{"symbol": "A", "date": "1", "v": 2.0},
				{"symbol": "B", "date": "1", "v": 3.0},
			})
		})

		Convey("latest policy", func() {
			res := Dedup([]db.Record{
				{"symbol": "A", "date": "1", "t": "20200101"},
				{"symbol": "A", "date": "1", "t": ""},
				{"symbol": "A", "date": "1", "t": "20220101"},
			}, key, &category.TieBreak{Field: "t", Latest: true})
			So(res, ShouldResemble, []db.Record{{"symbol": "A", "date": "1", "t": "20220101"}})
		})
	})
}
