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

// Package server exposes the stored data, the checkpoints and the sync runs
// over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.chromium.org/luci/common/clock"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/datahub/syncer"
	"github.com/stockparfait/datahub/table"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// RangeReader answers range queries. It is implemented by *reader.Reader.
type RangeReader interface {
	ReadRange(ctx context.Context, name category.Name, c *db.Constraints) (*table.Table, error)
}

// CheckpointLister is implemented by *store.Store.
type CheckpointLister interface {
	ListCheckpoints(ctx context.Context) ([]store.Checkpoint, error)
}

// Server of the HTTP API.
type Server struct {
	ctx         context.Context // lifetime of the server and its background syncs
	reader      RangeReader
	syncer      *syncer.Syncer
	checkpoints CheckpointLister
	engine      *gin.Engine
}

// New creates a Server. Background syncs started through the API run in ctx,
// which also carries the logger.
func New(ctx context.Context, r RangeReader, s *syncer.Syncer, cl CheckpointLister) *Server {
	gin.SetMode(gin.ReleaseMode)
	srv := &Server{
		ctx:         ctx,
		reader:      r,
		syncer:      s,
		checkpoints: cl,
		engine:      gin.New(),
	}
	srv.engine.Use(gin.Recovery(), srv.logRequests)
	srv.engine.GET("/data/:category", srv.getData)
	srv.engine.GET("/checkpoints", srv.getCheckpoints)
	srv.engine.GET("/progress", srv.listProgress)
	srv.engine.GET("/progress/:category", srv.getProgress)
	srv.engine.POST("/sync/:category", srv.postSync)
	srv.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return srv
}

// Handler of all the routes.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves the API on addr until the server's context is done.
func (s *Server) ListenAndServe(addr string) error {
	hs := &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		<-s.ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	logging.Infof(s.ctx, "serving on %s", addr)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Annotate(err, "server on %s failed", addr)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := clock.Now(s.ctx)
	c.Next()
	logging.Debugf(s.ctx, "%s %s: %d [%s]", c.Request.Method, c.Request.URL.String(),
		c.Writer.Status(), clock.Since(s.ctx, start))
}

// requestContext is cancelled with the request and logs to the server's
// logger.
func (s *Server) requestContext(c *gin.Context) context.Context {
	return logging.Use(c.Request.Context(), logging.Get(s.ctx))
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

// descriptor of the category in the path, or a 404 response.
func descriptor(c *gin.Context) (*category.Descriptor, bool) {
	d, err := category.Get(category.Name(c.Param("category")))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return nil, false
	}
	return d, true
}

// date parses an optional date query parameter.
func date(c *gin.Context, name string) (db.Date, error) {
	v := c.Query(name)
	if v == "" {
		return db.Date{}, nil
	}
	d, err := db.NewDateFromString(v)
	if err != nil {
		return db.Date{}, errors.Annotate(err, "invalid %s", name)
	}
	return d, nil
}

func list(v string) []string {
	var res []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			res = append(res, s)
		}
	}
	return res
}

// constraints parses the query parameters of a data request.
func constraints(c *gin.Context, d *category.Descriptor) (*db.Constraints, error) {
	start, err := date(c, "start")
	if err != nil {
		return nil, err
	}
	end, err := date(c, "end")
	if err != nil {
		return nil, err
	}
	if start.IsZero() || end.IsZero() {
		return nil, errors.Reason("start and end are required")
	}
	cs := db.NewConstraints().StartAt(start).EndAt(end).Symbol(list(c.Query("symbols"))...)
	for _, f := range list(c.Query("fields")) {
		if _, ok := d.Column(f); !ok {
			return nil, errors.Reason("unknown %s field '%s'", d.Name, f)
		}
		cs.Field(f)
	}
	if ind := c.Query("indicator"); ind != "" {
		if _, ok := db.IndexComponent(ind); !ok && ind != db.DefaultIndicator {
			return nil, errors.Reason("unsupported indicator '%s'", ind)
		}
		cs.Index(ind)
	}
	if st := c.Query("st"); st != "" {
		include, err := strconv.ParseBool(st)
		if err != nil {
			return nil, errors.Annotate(err, "invalid st")
		}
		if !include {
			cs.NoST()
		}
	}
	return cs, nil
}

func (s *Server) getData(c *gin.Context) {
	d, ok := descriptor(c)
	if !ok {
		return
	}
	if !d.Ranged() {
		fail(c, http.StatusBadRequest, errors.Reason("%s is not date-ranged", d.Name))
		return
	}
	cs, err := constraints(c, d)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	tbl, err := s.reader.ReadRange(s.requestContext(c), d.Name, cs)
	if err != nil {
		logging.Errorf(s.ctx, "failed to read %s: %s", d.Name, err.Error())
		fail(c, http.StatusInternalServerError, err)
		return
	}
	rows := []db.Record{}
	var cols []string
	if tbl != nil {
		rows = tbl.Rows
		cols = tbl.Header
	}
	c.JSON(http.StatusOK, gin.H{"columns": cols, "count": tbl.Len(), "rows": rows})
}

func (s *Server) getCheckpoints(c *gin.Context) {
	cps, err := s.checkpoints.ListCheckpoints(s.requestContext(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if cps == nil {
		cps = []store.Checkpoint{}
	}
	c.JSON(http.StatusOK, cps)
}

func (s *Server) listProgress(c *gin.Context) {
	runs := s.syncer.Tracker().List()
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getProgress(c *gin.Context) {
	d, ok := descriptor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.syncer.Tracker().Snapshot(d.Name))
}

func (s *Server) postSync(c *gin.Context) {
	d, ok := descriptor(c)
	if !ok {
		return
	}
	start, err := date(c, "start_date")
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	end, err := date(c, "end_date")
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	full := false
	if v := c.Query("force_full"); v != "" {
		if full, err = strconv.ParseBool(v); err != nil {
			fail(c, http.StatusBadRequest, errors.Annotate(err, "invalid force_full"))
			return
		}
	}
	run, err := s.syncer.Start(s.ctx, syncer.Request{
		Category: d.Name, Start: start, End: end, Full: full})
	if errors.Is(err, syncer.ErrAlreadyRunning) {
		fail(c, http.StatusConflict, err)
		return
	}
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}
