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
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/config"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/gateway"
	"github.com/stockparfait/datahub/progress"
	"github.com/stockparfait/datahub/reader"
	"github.com/stockparfait/datahub/server"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/datahub/syncer"
	"github.com/stockparfait/datahub/table"
	"github.com/stockparfait/datahub/tushare"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

type Flags struct {
	Config   string // default: ~/.stockparfait/datahub/config.toml
	LogLevel logging.Level
	// Exactly one of the actions: sync a category (-category without
	// -query), daily, membership, query or serve.
	Category   string
	Start      string
	End        string
	Full       bool
	Symbol     string
	Daily      bool
	Membership bool
	Query      bool
	Serve      string
	// Query options.
	Fields    string
	Indicator string
	NoST      bool
	CSV       bool
	Rows      int
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("datahub", flag.ExitOnError)
	fs.StringVar(&flags.Config, "config", config.DefaultPath(), "config file path")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")
	fs.StringVar(&flags.Category, "category", "", "category to sync or query: "+
		strings.Join(categoryNames(), ", "))
	fs.StringVar(&flags.Start, "start", "", "start date, YYYYMMDD")
	fs.StringVar(&flags.End, "end", "", "end date, YYYYMMDD")
	fs.BoolVar(&flags.Full, "full", false, "full sync, skipping the symbols already present")
	fs.StringVar(&flags.Symbol, "symbol", "", "sync or query only this symbol")
	fs.BoolVar(&flags.Daily, "daily", false, "incremental sync of all categories")
	fs.BoolVar(&flags.Membership, "membership", false, "refresh the index membership of stocks")
	fs.BoolVar(&flags.Query, "query", false, "print the stored data of -category")
	fs.StringVar(&flags.Serve, "serve", "", "serve the HTTP API on this address")
	fs.StringVar(&flags.Fields, "fields", "", "comma-separated fields to query")
	fs.StringVar(&flags.Indicator, "indicator", db.DefaultIndicator, "index to restrict the query to")
	fs.BoolVar(&flags.NoST, "no-st", false, "exclude ST stocks from the query")
	fs.BoolVar(&flags.CSV, "csv", false, "print table in CSV format; default: text")
	fs.IntVar(&flags.Rows, "rows", 0, "max. rows to print; 0 = all")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	actions := 0
	for _, set := range []bool{flags.Daily, flags.Membership, flags.Serve != "",
		flags.Category != ""} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return nil, errors.Reason(
			"expected exactly one of -category, -daily, -membership or -serve")
	}
	if flags.Query && flags.Category == "" {
		return nil, errors.Reason("-query requires -category")
	}
	if flags.Query && (flags.Start == "" || flags.End == "") {
		return nil, errors.Reason("-query requires -start and -end")
	}
	return &flags, nil
}

func categoryNames() []string {
	var res []string
	for _, n := range category.Names() {
		res = append(res, string(n))
	}
	return res
}

func parseDate(s string) (db.Date, error) {
	if s == "" {
		return db.Date{}, nil
	}
	return db.NewDateFromString(s)
}

// hub is the assembled datahub.
type hub struct {
	store  *store.Store
	syncer *syncer.Syncer
	reader *reader.Reader
	cfg    *config.Config
}

func setup(ctx context.Context, cfg *config.Config) (*hub, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open the store")
	}
	gw := gateway.New(tushare.Source{}, cfg.GatewayConfig())
	tracker := progress.NewTracker(ctx, func(r progress.Run) {
		logging.Debugf(ctx, "%s: %s %d%% %s", r.Category, r.Status, r.Percent, r.CurrentTask)
	})
	r := reader.NewReader(st)
	r.Workers = cfg.Reader.Workers
	r.ChunkDays = cfg.Reader.ChunkDays
	return &hub{
		store:  st,
		syncer: syncer.New(gw, st, tracker),
		reader: r,
		cfg:    cfg,
	}, nil
}

func query(ctx context.Context, h *hub, flags *Flags, w io.Writer) error {
	start, err := parseDate(flags.Start)
	if err != nil {
		return errors.Annotate(err, "invalid -start")
	}
	end, err := parseDate(flags.End)
	if err != nil {
		return errors.Annotate(err, "invalid -end")
	}
	c := db.NewConstraints().StartAt(start).EndAt(end).Index(flags.Indicator)
	if flags.Symbol != "" {
		c.Symbol(flags.Symbol)
	}
	if flags.Fields != "" {
		c.Field(strings.Split(flags.Fields, ",")...)
	}
	if flags.NoST {
		c.NoST()
	}
	tbl, err := h.reader.ReadRange(ctx, category.Name(flags.Category), c)
	if err != nil {
		return errors.Annotate(err, "failed to query %s", flags.Category)
	}
	if tbl == nil {
		tbl = table.NewTable()
	}
	p := table.Params{Rows: flags.Rows}
	if flags.CSV {
		return tbl.WriteCSV(w, p)
	}
	return tbl.WriteText(w, p)
}

func printRun(w io.Writer, r progress.Run) {
	fmt.Fprintf(w, "%s: %s sync %s..%s %s\n", r.Category, r.Mode, r.StartDate, r.EndDate, r.Status)
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "  %s\n", r.ErrorMessage)
	}
}

func sync(ctx context.Context, h *hub, flags *Flags, w io.Writer) error {
	name := category.Name(flags.Category)
	if flags.Symbol != "" {
		r, err := h.syncer.SyncSymbol(ctx, name, flags.Symbol)
		if err != nil {
			return errors.Annotate(err, "failed to sync %s of %s", name, flags.Symbol)
		}
		printRun(w, r)
		return nil
	}
	start, err := parseDate(flags.Start)
	if err != nil {
		return errors.Annotate(err, "invalid -start")
	}
	end, err := parseDate(flags.End)
	if err != nil {
		return errors.Annotate(err, "invalid -end")
	}
	r, err := h.syncer.Run(ctx, syncer.Request{
		Category: name, Start: start, End: end, Full: flags.Full})
	if err != nil {
		return errors.Annotate(err, "failed to sync %s", name)
	}
	printRun(w, r)
	return nil
}

func run(ctx context.Context, flags *Flags, w io.Writer) error {
	cfg, err := config.Load(flags.Config)
	if err != nil {
		return errors.Annotate(err, "failed to load config")
	}
	if cfg.Provider.URL != "" {
		tushare.URL = cfg.Provider.URL
	}
	ctx = tushare.UseClient(ctx, cfg.Provider.Token)
	h, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer h.store.Close()

	switch {
	case flags.Query:
		return query(ctx, h, flags, w)
	case flags.Category != "":
		return sync(ctx, h, flags, w)
	case flags.Daily:
		if err := h.syncer.Daily(ctx); err != nil {
			return err
		}
		for _, r := range h.syncer.Tracker().List() {
			printRun(w, r)
		}
		return nil
	case flags.Membership:
		return h.syncer.RefreshMembership(ctx)
	}
	srv := server.New(ctx, h.reader, h.syncer, h.store)
	return srv.ListenAndServe(flags.Serve)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := run(ctx, flags, os.Stdout); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}
