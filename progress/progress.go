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

// Package progress keeps the sync checkpoints and the live state of the sync
// runs.
package progress

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.chromium.org/luci/common/clock"

	"github.com/stockparfait/datahub/category"
	"github.com/stockparfait/datahub/db"
	"github.com/stockparfait/datahub/store"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
)

// Status of a sync run.
type Status string

// Values for Status.
const (
	Idle      = Status("idle")
	Running   = Status("running")
	Completed = Status("completed")
	Failed    = Status("error")
)

// Mode of a sync run.
type Mode string

// Values for Mode.
const (
	Full        = Mode("full")
	Incremental = Mode("incremental")
)

// Run is a snapshot of a sync run.
type Run struct {
	ID           string        `json:"id"`
	Category     category.Name `json:"category"`
	Mode         Mode          `json:"mode"`
	StartDate    db.Date       `json:"start_date"`
	EndDate      db.Date       `json:"end_date"`
	Status       Status        `json:"status"`
	Percent      int           `json:"progress_percent"` // whole percent, rounded down
	CurrentTask  string        `json:"current_task"`
	Processed    int           `json:"processed_count"`
	Total        int           `json:"total_count"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	ErrorMessage string        `json:"error_message"`
	ETA          *time.Time    `json:"eta,omitempty"`

	progress float64 // exact percent, for the ETA
}

// Done checks if the run has finished, successfully or not.
func (r Run) Done() bool {
	return r.Status == Completed || r.Status == Failed
}

// Update of a run. Only the non-nil fields are applied.
type Update struct {
	Status      *Status
	Percent     *float64
	CurrentTask *string
	Processed   *int
	Total       *int
	Error       *string
}

// NewUpdate creates an empty Update, to be filled in by the chained setters.
func NewUpdate() *Update { return &Update{} }

func (u *Update) SetStatus(s Status) *Update {
	u.Status = &s
	return u
}

func (u *Update) SetPercent(p float64) *Update {
	u.Percent = &p
	return u
}

func (u *Update) Task(t string) *Update {
	u.CurrentTask = &t
	return u
}

func (u *Update) Count(processed, total int) *Update {
	u.Processed = &processed
	u.Total = &total
	return u
}

func (u *Update) Err(msg string) *Update {
	u.Error = &msg
	return u
}

// apply merges the update into the run at the time now.
func (r *Run) apply(u *Update, now time.Time) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.CurrentTask != nil {
		r.CurrentTask = *u.CurrentTask
	}
	if u.Processed != nil {
		r.Processed = *u.Processed
	}
	if u.Total != nil {
		r.Total = *u.Total
	}
	if u.Error != nil {
		r.ErrorMessage = *u.Error
	}
	if u.Percent != nil {
		p := *u.Percent
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p > r.progress {
			r.progress = p
			r.Percent = int(math.Floor(p))
		}
	}
	if r.Status == Completed {
		r.progress = 100
		r.Percent = 100
	}
	if r.Done() {
		if r.EndTime == nil {
			t := now
			r.EndTime = &t
		}
		r.ETA = nil
		return
	}
	if r.progress > 0 && r.progress < 100 {
		elapsed := now.Sub(r.StartTime)
		remaining := time.Duration(float64(elapsed)/(r.progress/100)) - elapsed
		eta := now.Add(remaining)
		r.ETA = &eta
	}
}

// Tracker holds the state of the latest run of each category. The state is
// owned by a single goroutine; all the methods are requests to it.
type Tracker struct {
	ctx      context.Context
	requests chan func(map[category.Name]*Run)
	done     chan struct{}
	observer func(Run)
}

// NewTracker starts a Tracker which lives until ctx is cancelled. The
// observer, when not nil, is called with a copy of each changed run from the
// owner goroutine, and must not call back into the Tracker.
func NewTracker(ctx context.Context, observer func(Run)) *Tracker {
	t := &Tracker{
		ctx:      ctx,
		requests: make(chan func(map[category.Name]*Run)),
		done:     make(chan struct{}),
		observer: observer,
	}
	go t.loop()
	return t
}

func (t *Tracker) loop() {
	defer close(t.done)
	runs := make(map[category.Name]*Run)
	for {
		select {
		case <-t.ctx.Done():
			return
		case req := <-t.requests:
			req(runs)
		}
	}
}

// do runs f in the owner goroutine and waits for it to finish. It returns
// false if the Tracker has stopped.
func (t *Tracker) do(f func(map[category.Name]*Run)) bool {
	finished := make(chan struct{})
	req := func(runs map[category.Name]*Run) {
		defer close(finished)
		f(runs)
	}
	select {
	case t.requests <- req:
	case <-t.done:
		return false
	}
	<-finished
	return true
}

func (t *Tracker) notify(r Run) {
	if t.observer != nil {
		t.observer(r)
	}
}

// Start a new run of the category, replacing the previous one.
func (t *Tracker) Start(name category.Name, mode Mode, start, end db.Date) Run {
	var res Run
	t.do(func(runs map[category.Name]*Run) {
		r := &Run{
			ID:        uuid.New().String(),
			Category:  name,
			Mode:      mode,
			StartDate: start,
			EndDate:   end,
			Status:    Running,
			StartTime: clock.Now(t.ctx).UTC(),
		}
		runs[name] = r
		res = *r
		t.notify(res)
	})
	return res
}

// Emit merges the update into the current run of the category and returns the
// updated snapshot. Updates to a category without a run are ignored.
func (t *Tracker) Emit(name category.Name, u *Update) (Run, bool) {
	var res Run
	var found bool
	t.do(func(runs map[category.Name]*Run) {
		r, ok := runs[name]
		if !ok {
			return
		}
		r.apply(u, clock.Now(t.ctx).UTC())
		res, found = *r, true
		t.notify(res)
	})
	return res, found
}

// Snapshot of the current run of the category. A category which has never
// run reports Idle.
func (t *Tracker) Snapshot(name category.Name) Run {
	res := Run{Category: name, Status: Idle}
	t.do(func(runs map[category.Name]*Run) {
		if r, ok := runs[name]; ok {
			res = *r
		}
	})
	return res
}

// List the current runs ordered by category.
func (t *Tracker) List() []Run {
	var res []Run
	t.do(func(runs map[category.Name]*Run) {
		for _, r := range runs {
			res = append(res, *r)
		}
	})
	sort.Slice(res, func(i, j int) bool { return res[i].Category < res[j].Category })
	return res
}

// FullSyncStart is the default beginning of a full sync.
var FullSyncStart = db.NewDate(1990, 1, 1)

const defaultLookback = 90

// CheckpointStore persists the checkpoints.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, name category.Name) (*store.Checkpoint, error)
	SetCheckpoint(ctx context.Context, name category.Name, date db.Date) error
}

// Checkpoints derives the default sync windows from the stored checkpoints.
type Checkpoints struct {
	store CheckpointStore
}

func NewCheckpoints(s CheckpointStore) *Checkpoints {
	return &Checkpoints{store: s}
}

// Get the default start date of a sync of the category. A full sync starts
// from FullSyncStart. An incremental one re-covers the last synced day, or
// starts the category's lookback period before today if it never ran.
func (c *Checkpoints) Get(ctx context.Context, name category.Name, mode Mode) (db.Date, error) {
	if mode == Full {
		return FullSyncStart, nil
	}
	d, err := category.Get(name)
	if err != nil {
		return db.Date{}, err
	}
	cp, err := c.store.GetCheckpoint(ctx, name)
	if err != nil {
		return db.Date{}, err
	}
	if cp != nil {
		last, err := db.NewDateFromString(cp.LastSyncedDate)
		if err != nil {
			logging.Warningf(ctx, "ignoring malformed checkpoint of %s: %s", name, err.Error())
		} else {
			return last.AddDays(-1), nil
		}
	}
	lookback := d.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	return db.DateToday(ctx).AddDays(-lookback), nil
}

// Set the checkpoint of the category. The checkpoint only moves forward; an
// earlier date is ignored.
func (c *Checkpoints) Set(ctx context.Context, name category.Name, date db.Date) error {
	if date.IsZero() {
		return errors.Reason("refusing to set an empty checkpoint for %s", name)
	}
	cp, err := c.store.GetCheckpoint(ctx, name)
	if err != nil {
		return err
	}
	if cp != nil && cp.LastSyncedDate > date.String() {
		logging.Debugf(ctx, "keeping checkpoint of %s at %s, later than %s",
			name, cp.LastSyncedDate, date)
		return nil
	}
	return c.store.SetCheckpoint(ctx, name, date)
}

// Reset the checkpoint of the category to the date, even if it is earlier
// than the stored one. Used by full re-syncs.
func (c *Checkpoints) Reset(ctx context.Context, name category.Name, date db.Date) error {
	if date.IsZero() {
		return errors.Reason("refusing to set an empty checkpoint for %s", name)
	}
	return c.store.SetCheckpoint(ctx, name, date)
}
