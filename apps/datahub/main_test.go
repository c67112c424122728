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

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/datahub/tushare"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
	"github.com/stockparfait/testutil"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMain(t *testing.T) {
	t.Parallel()

	tmpdir, tmpdirErr := os.MkdirTemp("", "test_datahub_app")
	defer os.RemoveAll(tmpdir)

	Convey("Setup succeeded", t, func() {
		So(tmpdirErr, ShouldBeNil)
	})

	Convey("parseFlags", t, func() {
		Convey("sync", func() {
			flags, err := parseFlags([]string{
				"-config", "path/to/config.toml", "-log-level", "warning",
				"-category", "dividends", "-start", "20240101", "-full"})
			So(err, ShouldBeNil)
			So(flags.Config, ShouldEqual, "path/to/config.toml")
			So(flags.LogLevel, ShouldEqual, logging.Warning)
			So(flags.Category, ShouldEqual, "dividends")
			So(flags.Start, ShouldEqual, "20240101")
			So(flags.Full, ShouldBeTrue)
			So(flags.Indicator, ShouldEqual, db.DefaultIndicator)
		})

		Convey("exactly one action", func() {
			_, err := parseFlags([]string{})
			So(err, ShouldNotBeNil)
			_, err = parseFlags([]string{"-daily", "-membership"})
			So(err, ShouldNotBeNil)
			_, err = parseFlags([]string{"-serve", ":8080"})
			So(err, ShouldBeNil)
		})

		Convey("query needs a range", func() {
			_, err := parseFlags([]string{"-query", "-category", "dividends"})
			So(err, ShouldNotBeNil)
			_, err = parseFlags([]string{"-query", "-daily", "-start", "20240101", "-end", "20240102"})
			So(err, ShouldNotBeNil)
		})
	})

	Convey("run works", t, func() {
		server := testutil.NewTestServer()
		defer server.Close()
		ctx := fetch.UseClient(context.Background(), server.Client())

		dsn := filepath.Join(tmpdir, "datahub.db")
		configPath := filepath.Join(tmpdir, "config.toml")
		So(os.WriteFile(configPath, []byte(fmt.Sprintf(`
[provider]
url = "%s"
token = "secret"

[gateway]
min_interval = "1ms"
cooldown = "1ms"

[store]
driver = "sqlite"
dsn = "%s"
`, server.URL(), dsn)), 0644), ShouldBeNil)

		Convey("missing config", func() {
			flags, err := parseFlags([]string{"-config", filepath.Join(tmpdir, "nope.toml"), "-daily"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldNotBeNil)
		})

		Convey("sync", func() {
			listed, err := tushare.TestPage([]string{"ts_code", "name", "list_status"},
				[][]interface{}{
					{"600000.SH", "浦发银行", "L"},
					{"000001.SZ", "平安银行", "L"},
				})
			So(err, ShouldBeNil)
			empty, err := tushare.TestPage([]string{"ts_code", "name", "list_status"}, nil)
			So(err, ShouldBeNil)
			server.ResponseBody = []string{listed, empty, empty}

			flags, err := parseFlags([]string{"-config", configPath, "-category", "stock_info"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So(buf.String(), ShouldContainSubstring, "stock_info: incremental sync")
			So(buf.String(), ShouldContainSubstring, "completed")
			So(server.RequestPath, ShouldEqual, "/stock_basic")

			st, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: dsn})
			So(err, ShouldBeNil)
			defer st.Close()
			syms, err := st.Symbols(ctx)
			So(err, ShouldBeNil)
			So(syms, ShouldResemble, []string{"000001.SZ", "600000.SH"})
		})

		Convey("query", func() {
			st, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: dsn})
			So(err, ShouldBeNil)
			adj, err := category.Get(category.AdjustmentFactors)
			So(err, ShouldBeNil)
			_, err = st.Upsert(ctx, adj, []db.Record{
				{"symbol": "600000.SH", "date": "20240102", "adj_factor": 1.5},
				{"symbol": "000001.SZ", "date": "20240102", "adj_factor": 2.25},
			})
			So(err, ShouldBeNil)
			So(st.Close(), ShouldBeNil)

			flags, err := parseFlags([]string{"-config", configPath, "-query",
				"-category", "adjustment_factors", "-start", "20240101", "-end", "20240131",
				"-fields", "adj_factor", "-csv"})
			So(err, ShouldBeNil)
			var buf bytes.Buffer
			So(run(ctx, flags, &buf), ShouldBeNil)
			So("\n"+buf.String(), ShouldEqual, `
symbol,date,adj_factor
000001.SZ,20240102,2.25
600000.SH,20240102,1.5
`)
		})
	})
}
