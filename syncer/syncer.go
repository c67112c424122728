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

// Package syncer drives the synchronization of the data categories from the
// provider into the store.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/normalize"
	"github.com/stockparfait/datahub/progress"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/datahub/tushare"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// ErrAlreadyRunning is returned when a sync of the same category is already
// in progress.
var ErrAlreadyRunning = errors.Reason("sync is already in progress")

// DefaultEntityBatch is the number of entities synced between cooldowns in
// the full mode.
const DefaultEntityBatch = 10

// membershipDays is the window of index constituent reports to look at.
const membershipDays = 31

// Fetcher retrieves provider data. It is implemented by *gateway.Gateway.
type Fetcher interface {
	Fetch(ctx context.Context, q *tushare.Query) ([]db.Record, error)
	Cooldown(ctx context.Context) error
}

// Store persists the synced data. It is implemented by *store.Store.
type Store interface {
	progress.CheckpointStore
	Upsert(ctx context.Context, d *category.Descriptor, recs []db.Record) (store.UpsertResult, error)
	Count(ctx context.Context, d *category.Descriptor, field string, value interface{}) (int64, error)
	Symbols(ctx context.Context) ([]string, error)
	SetIndexComponent(ctx context.Context, components map[string]string) error
}

// Request for a sync run.
type Request struct {
	Category category.Name
	Start    db.Date // zero = from the checkpoint or the default
	End      db.Date // zero = today
	Full     bool
}

// Syncer runs the syncs, at most one per category at a time.
type Syncer struct {
	fetcher     Fetcher
	store       Store
	checkpoints *progress.Checkpoints
	tracker     *progress.Tracker
	EntityBatch int

	mu      sync.Mutex
	running map[category.Name]bool
}

// New creates a Syncer.
func New(f Fetcher, s Store, t *progress.Tracker) *Syncer {
	return &Syncer{
		fetcher:     f,
		store:       s,
		checkpoints: progress.NewCheckpoints(s),
		tracker:     t,
		EntityBatch: DefaultEntityBatch,
		running:     make(map[category.Name]bool),
	}
}

// Tracker of the sync runs.
func (s *Syncer) Tracker() *progress.Tracker { return s.tracker }

func (s *Syncer) acquire(name category.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Syncer) release(name category.Name) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

// job is a single prepared sync run.
type job struct {
	d      *category.Descriptor
	mode   progress.Mode
	start  db.Date
	end    db.Date
	entity string // sync only this entity, regardless of existing data
	issues []string
	// Incremental coverage: the end of the last sub-window that produced rows,
	// and the first date whose data failed to arrive or to be stored.
	synced db.Date
	failed db.Date
}

func (j *job) issue(format string, args ...interface{}) {
	j.issues = append(j.issues, fmt.Sprintf(format, args...))
}

func (j *job) failAt(d db.Date) {
	if j.failed.IsZero() || d.Before(j.failed) {
		j.failed = d
	}
}

// covered is the date up to which the incremental sweep is known to be
// complete, or zero if it made no progress.
func (j *job) covered() db.Date {
	res := j.synced
	if !j.failed.IsZero() && !res.Before(j.failed) {
		res = j.failed.AddDays(-1)
	}
	if res.Before(j.start) {
		return db.Date{}
	}
	return res
}

// prepare resolves the request into a job and marks the category as running.
func (s *Syncer) prepare(ctx context.Context, req Request) (*job, error) {
	d, err := category.Get(req.Category)
	if err != nil {
		return nil, err
	}
	mode := progress.Incremental
	if req.Full {
		mode = progress.Full
	}
	start := req.Start
	if start.IsZero() {
		if start, err = s.checkpoints.Get(ctx, d.Name, mode); err != nil {
			return nil, errors.Annotate(err, "failed to resolve the start of %s", d.Name)
		}
	}
	end := req.End
	if end.IsZero() {
		end = db.DateToday(ctx)
	}
	if end.Before(start) {
		return nil, errors.Reason("empty window %s..%s for %s", start, end, d.Name)
	}
	if !s.acquire(d.Name) {
		return nil, ErrAlreadyRunning
	}
	return &job{d: d, mode: mode, start: start, end: end}, nil
}

// Run synchronously syncs the requested category and returns the final state
// of the run. The checkpoint is advanced only when the run completes.
func (s *Syncer) Run(ctx context.Context, req Request) (progress.Run, error) {
	j, err := s.prepare(ctx, req)
	if err != nil {
		return progress.Run{}, err
	}
	s.tracker.Start(j.d.Name, j.mode, j.start, j.end)
	return s.execute(ctx, j)
}

// Start begins the requested sync in the background and returns the initial
// state of the run.
func (s *Syncer) Start(ctx context.Context, req Request) (progress.Run, error) {
	j, err := s.prepare(ctx, req)
	if err != nil {
		return progress.Run{}, err
	}
	r := s.tracker.Start(j.d.Name, j.mode, j.start, j.end)
	go func() {
		if _, err := s.execute(ctx, j); err != nil {
			logging.Errorf(ctx, "background sync of %s failed: %s", j.d.Name, err.Error())
		}
	}()
	return r, nil
}

func (s *Syncer) execute(ctx context.Context, j *job) (run progress.Run, err error) {
	defer s.release(j.d.Name)
	defer func() {
		if p := recover(); p != nil {
			err = errors.Reason("panic: %v", p)
		}
		if err != nil {
			logging.Errorf(ctx, "sync of %s failed: %s", j.d.Name, err.Error())
			run, _ = s.tracker.Emit(j.d.Name, progress.NewUpdate().
				SetStatus(progress.Failed).Err(err.Error()))
		}
	}()

	logging.Infof(ctx, "%s sync of %s [%s..%s]", j.mode, j.d.Name, j.start, j.end)
	switch {
	case j.d.Granularity == category.Snapshot:
		err = s.syncSnapshot(ctx, j)
	case j.mode == progress.Full:
		err = s.syncFull(ctx, j)
	default:
		err = s.syncIncremental(ctx, j)
	}
	if err != nil {
		return
	}
	if j.entity == "" {
		err = s.saveCheckpoint(ctx, j)
		if err != nil {
			err = errors.Annotate(err, "failed to save the checkpoint")
			return
		}
	}
	u := progress.NewUpdate().SetStatus(progress.Completed).Task("done")
	if len(j.issues) > 0 {
		u.Err(fmt.Sprintf("completed with %d issue(s): %s",
			len(j.issues), strings.Join(j.issues, "; ")))
	}
	run, _ = s.tracker.Emit(j.d.Name, u)
	logging.Infof(ctx, "%s sync of %s completed with %d issue(s)",
		j.mode, j.d.Name, len(j.issues))
	return
}

// saveCheckpoint records the progress of a completed run. A full run resets
// the checkpoint to its end. An incremental run moves it forward only as far
// as the data actually arrived; a run without data leaves it alone.
func (s *Syncer) saveCheckpoint(ctx context.Context, j *job) error {
	switch {
	case j.mode == progress.Full:
		return s.checkpoints.Reset(ctx, j.d.Name, j.end)
	case j.d.Granularity == category.Snapshot:
		return s.checkpoints.Set(ctx, j.d.Name, j.end)
	}
	cov := j.covered()
	if cov.IsZero() {
		j.issue("no data received for %s..%s, checkpoint unchanged", j.start, j.end)
		logging.Warningf(ctx, "%s: no data for %s..%s, checkpoint unchanged",
			j.d.Name, j.start, j.end)
		return nil
	}
	if cov.Before(j.end) {
		logging.Infof(ctx, "%s: checkpoint held at %s", j.d.Name, cov)
	}
	return s.checkpoints.Set(ctx, j.d.Name, cov)
}

// save normalizes the raw records and writes them. Failures are recorded as
// issues of the job. It reports whether the write succeeded.
func (s *Syncer) save(ctx context.Context, j *job, what string, raws []db.Record) bool {
	recs := normalize.Normalize(ctx, j.d, raws)
	if len(recs) == 0 {
		return true
	}
	res, err := s.store.Upsert(ctx, j.d, recs)
	logging.Debugf(ctx, "%s %s: %d matched, %d modified, %d inserted",
		j.d.Name, what, res.Matched, res.Modified, res.Inserted)
	if err != nil {
		j.issue("%s: %s", what, err.Error())
		logging.Warningf(ctx, "failed to store %s %s: %s", j.d.Name, what, err.Error())
		return false
	}
	return true
}

// fetch runs the query. Only cancellation aborts the job; other failures are
// recorded as issues and reported by ok = false.
func (s *Syncer) fetch(ctx context.Context, j *job, what string, q *tushare.Query) (rows []db.Record, ok bool, err error) {
	rows, err = s.fetcher.Fetch(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, errors.Annotate(err, "sync of %s interrupted at %s", j.d.Name, what)
		}
		j.issue("%s: %s", what, err.Error())
		logging.Warningf(ctx, "failed to fetch %s %s: %s", j.d.Name, what, err.Error())
		return rows, false, nil
	}
	return rows, true, nil
}

func (s *Syncer) report(j *job, task string, done, total int) {
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(done) / float64(total)
	}
	s.tracker.Emit(j.d.Name, progress.NewUpdate().Task(task).
		Count(done, total).SetPercent(pct))
}

func (s *Syncer) syncSnapshot(ctx context.Context, j *job) error {
	parts := j.d.Partitions()
	var raws []db.Record
	for i, p := range parts {
		q := j.d.Query()
		for k, v := range p {
			q = q.Equal(k, v)
		}
		if j.entity != "" {
			q = q.Equal(j.d.SymbolParam, j.entity)
		}
		rows, _, err := s.fetch(ctx, j, q.String(), q)
		if err != nil {
			return err
		}
		raws = append(raws, rows...)
		s.report(j, q.String(), i+1, len(parts)+1)
	}
	if len(raws) == 0 {
		return errors.Reason("no %s records received", j.d.Name)
	}
	s.save(ctx, j, "snapshot", raws)
	return nil
}

// entities to sync in the full mode.
func (s *Syncer) entities(ctx context.Context, j *job) ([]string, error) {
	if j.entity != "" {
		return []string{j.entity}, nil
	}
	if len(j.d.Entities) > 0 {
		return j.d.Entities, nil
	}
	symbols, err := s.store.Symbols(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "failed to load the stock universe")
	}
	if len(symbols) == 0 {
		return nil, errors.Reason("the stock universe is empty, sync %s first",
			category.StockInfo)
	}
	return symbols, nil
}

func (s *Syncer) syncFull(ctx context.Context, j *job) error {
	entities, err := s.entities(ctx, j)
	if err != nil {
		return err
	}
	batch := s.EntityBatch
	if batch <= 0 {
		batch = DefaultEntityBatch
	}
	var skipped int
	for i, e := range entities {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, "sync of %s interrupted", j.d.Name)
		}
		if i > 0 && i%batch == 0 {
			if err := s.fetcher.Cooldown(ctx); err != nil {
				return errors.Annotate(err, "sync of %s interrupted", j.d.Name)
			}
		}
		if j.entity == "" {
			n, err := s.store.Count(ctx, j.d, "symbol", e)
			if err != nil {
				j.issue("%s: %s", e, err.Error())
			} else if n > 0 {
				skipped++
				s.report(j, e+" exists", i+1, len(entities))
				continue
			}
		}
		q := j.d.Query().Equal(j.d.SymbolParam, e)
		if j.d.StartParam != "" {
			q = q.Equal(j.d.StartParam, j.start.String()).Equal(j.d.EndParam, j.end.String())
		}
		rows, _, err := s.fetch(ctx, j, e, q)
		if err != nil {
			return err
		}
		s.save(ctx, j, e, rows)
		s.report(j, e, i+1, len(entities))
	}
	logging.Infof(ctx, "%s: %d of %d entities already present", j.d.Name, skipped, len(entities))
	return nil
}

// window is an inclusive date range.
type window struct {
	Start db.Date
	End   db.Date
}

// windows splits the job range at month boundaries.
func windows(start, end db.Date) []window {
	var res []window
	for s := start; !end.Before(s); s = s.NextMonthStart() {
		res = append(res, window{Start: s, End: db.MinDate(s.MonthEnd(), end)})
	}
	return res
}

func (s *Syncer) syncIncremental(ctx context.Context, j *job) error {
	ws := windows(j.start, j.end)
	for i, w := range ws {
		if err := ctx.Err(); err != nil {
			return errors.Annotate(err, "sync of %s interrupted", j.d.Name)
		}
		task := fmt.Sprintf("%s..%s", w.Start, w.End)
		var raws []db.Record
		for _, dq := range queries(j.d, w) {
			rows, ok, err := s.fetch(ctx, j, dq.q.String(), dq.q)
			if err != nil {
				return err
			}
			if !ok {
				j.failAt(dq.from)
			}
			raws = append(raws, rows...)
		}
		if !s.save(ctx, j, task, raws) {
			j.failAt(w.Start)
		}
		if len(raws) > 0 {
			j.synced = w.End
		}
		s.report(j, task, i+1, len(ws))
	}
	return nil
}

// datedQuery is a provider query whose data starts at from.
type datedQuery struct {
	q    *tushare.Query
	from db.Date
}

// queries covering the whole category over the window.
func queries(d *category.Descriptor, w window) []datedQuery {
	var res []datedQuery
	for _, p := range d.Partitions() {
		base := d.Query()
		for k, v := range p {
			base = base.Equal(k, v)
		}
		if d.Granularity == category.PerRange {
			res = append(res, datedQuery{
				q: base.Equal(d.StartParam, w.Start.String()).
					Equal(d.EndParam, w.End.String()),
				from: w.Start,
			})
			continue
		}
		for day := w.Start; !w.End.Before(day); day = day.AddDays(1) {
			res = append(res, datedQuery{q: base.Equal(d.DateParam, day.String()), from: day})
		}
	}
	return res
}

// Daily runs the incremental sync of all the categories, refreshing the index
// membership right after the stock universe. A failure of one category does
// not stop the others; the errors are combined.
func (s *Syncer) Daily(ctx context.Context) error {
	var failed []string
	for _, d := range category.All() {
		if _, err := s.Run(ctx, Request{Category: d.Name}); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %s", d.Name, err.Error()))
			if ctx.Err() != nil {
				break
			}
		}
		if d.Name == category.StockInfo {
			if err := s.RefreshMembership(ctx); err != nil {
				failed = append(failed, "index membership: "+err.Error())
			}
		}
	}
	if len(failed) > 0 {
		return errors.Reason("daily sync failed for %d step(s): %s",
			len(failed), strings.Join(failed, "; "))
	}
	return nil
}

// History syncs the category over an explicit window in the incremental
// mode.
func (s *Syncer) History(ctx context.Context, name category.Name, start, end db.Date) (progress.Run, error) {
	if start.IsZero() || end.IsZero() {
		return progress.Run{}, errors.Reason("both start and end dates are required")
	}
	return s.Run(ctx, Request{Category: name, Start: start, End: end})
}

// SyncSymbol syncs the full history of a single entity, whether or not its
// data already exists. The checkpoint is not changed.
func (s *Syncer) SyncSymbol(ctx context.Context, name category.Name, symbol string) (progress.Run, error) {
	if symbol == "" {
		return progress.Run{}, errors.Reason("symbol is required")
	}
	j, err := s.prepare(ctx, Request{Category: name, Full: true})
	if err != nil {
		return progress.Run{}, err
	}
	j.entity = symbol
	s.tracker.Start(j.d.Name, j.mode, j.start, j.end)
	return s.execute(ctx, j)
}

// RefreshMembership classifies the stocks by their membership in the indices
// which have an index_component position, using the constituent reports of
// the last month.
func (s *Syncer) RefreshMembership(ctx context.Context) error {
	end := db.DateToday(ctx)
	start := end.AddDays(-membershipDays)
	indicators := db.IndexIndicators()
	members := make(map[string][]byte)
	for i, ind := range indicators {
		q := tushare.NewQuery("index_weight").Fields("index_code", "con_code", "trade_date").
			Equal("index_code", indexSymbol(ind)).
			Equal("start_date", start.String()).
			Equal("end_date", end.String())
		rows, err := s.fetcher.Fetch(ctx, q)
		if err != nil {
			return errors.Annotate(err, "failed to fetch constituents of %s", ind)
		}
		if len(rows) == 0 {
			return errors.Reason("no constituents of %s reported in %s..%s", ind, start, end)
		}
		for _, r := range rows {
			sym := r.String("con_code")
			if sym == "" {
				continue
			}
			code, ok := members[sym]
			if !ok {
				code = []byte(strings.Repeat("0", len(indicators)))
				members[sym] = code
			}
			code[i] = '1'
		}
	}
	components := make(map[string]string, len(members))
	for sym, code := range members {
		components[sym] = string(code)
	}
	if err := s.store.SetIndexComponent(ctx, components); err != nil {
		return err
	}
	logging.Infof(ctx, "index membership updated for %d symbols", len(components))
	return nil
}

// indexSymbol is the provider symbol of an index indicator.
func indexSymbol(ind string) string {
	if strings.HasPrefix(ind, "399") {
		return ind + ".SZ"
	}
	return ind + ".SH"
}
