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

// Package gateway paces and serializes all the calls to the data provider.
//
// The provider allows only a small number of concurrent connections per
// credential and rejects or corrupts responses under concurrent use. A single
// Gateway instance should therefore be shared by everything in the process
// that talks to the provider.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.chromium.org/luci/common/clock"
	"golang.org/x/time/rate"

	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/tushare"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "datahub_provider_calls_total",
		Help: "Provider calls by API and outcome.",
	}, []string{"api", "outcome"})
	callSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "datahub_provider_call_seconds",
		Help:    "Duration of provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})
)

// ErrTooManyPages is returned by Fetch when the result does not fit into
// Config.MaxPages pages.
var ErrTooManyPages = errors.Reason("unexpectedly large result: too many pages")

// Source performs a single provider call.
type Source interface {
	Query(ctx context.Context, q *tushare.Query) ([]db.Record, error)
}

// Config of the call pacing and paging.
type Config struct {
	MinInterval    time.Duration // pause after each call before the next one starts
	Cooldown       time.Duration // pause after a batch of calls
	BatchCalls     int           // calls per batch; 0 = no automatic cooldown
	CallsPerMinute int           // call quota; 0 = unlimited
	PageSize       int           // rows per page
	MaxPages       int           // pages per Fetch
}

// DefaultConfig is the pacing that the provider tolerates for a basic
// account.
func DefaultConfig() Config {
	return Config{
		MinInterval: 150 * time.Millisecond,
		Cooldown:    10 * time.Second,
		BatchCalls:  100,
		PageSize:    2000,
		MaxPages:    99,
	}
}

// Gateway is the single-flight access point to the provider.
type Gateway struct {
	src     Source
	cfg     Config
	limiter *rate.Limiter

	mu       sync.Mutex // held for the duration of each call and cooldown
	lastCall time.Time
	calls    int
}

// New creates a Gateway. Zero values in cfg are replaced by the defaults,
// except for BatchCalls and CallsPerMinute where zero disables the feature.
func New(src Source, cfg Config) *Gateway {
	def := DefaultConfig()
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.PageSize > tushare.MaxLimit {
		cfg.PageSize = tushare.MaxLimit
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	g := &Gateway{src: src, cfg: cfg}
	if cfg.CallsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.CallsPerMinute)/60.0),
			cfg.CallsPerMinute)
	}
	return g
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config { return g.cfg }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if res := clock.Sleep(ctx, d); res.Err != nil {
		return errors.Annotate(res.Err, "sleep interrupted")
	}
	return nil
}

// wait blocks until the next call is allowed. Must be called under the lock.
func (g *Gateway) wait(ctx context.Context) error {
	if !g.lastCall.IsZero() {
		next := g.lastCall.Add(g.cfg.MinInterval)
		if err := sleep(ctx, next.Sub(clock.Now(ctx))); err != nil {
			return err
		}
	}
	if g.limiter != nil {
		now := clock.Now(ctx)
		r := g.limiter.ReserveN(now, 1)
		if !r.OK() {
			return errors.Reason("call quota of %d per minute cannot be met",
				g.cfg.CallsPerMinute)
		}
		if err := sleep(ctx, r.DelayFrom(now)); err != nil {
			r.CancelAt(now)
			return err
		}
	}
	return nil
}

// call performs one paced provider call.
func (g *Gateway) call(ctx context.Context, q *tushare.Query) ([]db.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	start := clock.Now(ctx)
	rows, err := g.src.Query(ctx, q)
	g.lastCall = clock.Now(ctx)
	callSeconds.WithLabelValues(q.API()).Observe(g.lastCall.Sub(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	callsTotal.WithLabelValues(q.API(), outcome).Inc()

	g.calls++
	if g.cfg.BatchCalls > 0 && g.calls%g.cfg.BatchCalls == 0 {
		logging.Debugf(ctx, "gateway: %d calls made, cooling down for %s",
			g.calls, g.cfg.Cooldown)
		if err := sleep(ctx, g.cfg.Cooldown); err != nil {
			return rows, err
		}
	}
	return rows, err
}

// Cooldown pauses all provider calls for the configured cooldown period.
func (g *Gateway) Cooldown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	logging.Debugf(ctx, "gateway: cooling down for %s", g.cfg.Cooldown)
	return sleep(ctx, g.cfg.Cooldown)
}

// FetchPage fetches a single page of the query results.
func (g *Gateway) FetchPage(ctx context.Context, q *tushare.Query, offset, limit int) ([]db.Record, error) {
	return g.call(ctx, q.Offset(offset).Limit(limit))
}

// Fetch retrieves all the query results page by page, until a page comes back
// short. A failed page is logged and ends the results; the rows fetched so far
// are returned without an error. Only a context error or ErrTooManyPages is
// returned as an error, the latter when MaxPages full pages were not enough.
func (g *Gateway) Fetch(ctx context.Context, q *tushare.Query) ([]db.Record, error) {
	var res []db.Record
	limit := g.cfg.PageSize
	for page := 0; page < g.cfg.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Annotate(err, "fetching %s interrupted", q)
		}
		rows, err := g.FetchPage(ctx, q, page*limit, limit)
		if err != nil {
			if ctx.Err() != nil {
				return res, errors.Annotate(err, "fetching %s interrupted", q)
			}
			logging.Warningf(ctx, "gateway: %s page %d failed, treating as end of data: %s",
				q, page+1, err.Error())
			return res, nil
		}
		res = append(res, rows...)
		if len(rows) < limit {
			return res, nil
		}
	}
	return res, errors.Annotate(ErrTooManyPages, "%s: more than %d pages of %d rows",
		q, g.cfg.MaxPages, limit)
}
